// Package config загружает конфигурацию сервиса из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Бэкенды реестра кредитов
const (
	LedgerBackendPostgres = "postgres"
	LedgerBackendRedis    = "redis"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Telegram ---
	AdminIDsRaw      string  `envconfig:"ADMIN_IDS"`
	AdminIDs         []int64 `envconfig:"-"` // заполняется в Load
	TelegramBotToken string  `envconfig:"TELEGRAM_BOT_TOKEN"`

	// --- Database ---
	// В Docker внутри контейнера "localhost" почти всегда неправильно,
	// дефолт — имя сервиса в docker-compose. Для локалки DB_HOST=localhost.
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"bids"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"checkin_bids"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- REST-хранилище ставок и записей ---
	DatastoreURL            string        `envconfig:"DATASTORE_URL" required:"true"`
	DatastoreAPIKey         string        `envconfig:"DATASTORE_API_KEY" required:"true"`
	DatastoreBearerToken    string        `envconfig:"DATASTORE_BEARER_TOKEN"` // пусто — используем API key
	DatastoreTimeout        time.Duration `envconfig:"DATASTORE_TIMEOUT" default:"15s"`
	DatastoreMaxRetries     int           `envconfig:"DATASTORE_MAX_RETRIES" default:"3"`
	DatastoreRetryBaseDelay time.Duration `envconfig:"DATASTORE_RETRY_BASE_DELAY" default:"500ms"`

	// --- Ledger ---
	LedgerBackend         string `envconfig:"LEDGER_BACKEND" default:"postgres"`
	LedgerStartingBalance int64  `envconfig:"LEDGER_STARTING_BALANCE" default:"1000"`
	LedgerKeyPrefix       string `envconfig:"LEDGER_KEY_PREFIX" default:"credits"`
	RedisAddr             string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisPassword         string `envconfig:"REDIS_PASSWORD"`
	RedisDB               int    `envconfig:"REDIS_DB" default:"0"`

	// --- Events ---
	// Пустой NATS_URL — события не публикуются
	NatsURL           string `envconfig:"NATS_URL"`
	NatsSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"bid.events"`

	// --- HTTP API ---
	HTTPAddr string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`

	// --- Reconciliation ---
	ReconcileSchedule    string `envconfig:"RECONCILE_SCHEDULE" default:"@every 1m"`
	ReconcileBatchSize   int    `envconfig:"RECONCILE_BATCH_SIZE" default:"50"`
	ReconcileMaxAttempts int    `envconfig:"RECONCILE_MAX_ATTEMPTS" default:"20"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	AppTimezone string `envconfig:"APP_TIMEZONE" default:"Europe/Moscow"`

	// --- Bot runtime ---
	// Сколько апдейтов обрабатываем параллельно. Иначе "go на каждый апдейт" = утечка памяти при флуде.
	BotMaxInflight          int `envconfig:"BOT_MAX_INFLIGHT" default:"64"`
	BotUpdateTimeoutSeconds int `envconfig:"BOT_UPDATE_TIMEOUT_SECONDS" default:"60"`

	// --- Admin ---
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"10"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// --- Feature Flags ---
	FeatureBotEnabled     bool `envconfig:"FEATURE_BOT_ENABLED" default:"true"`
	FeatureHTTPAPIEnabled bool `envconfig:"FEATURE_HTTP_API_ENABLED" default:"true"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// Location возвращает часовой пояс для отображения дат.
// Если зона не загрузилась — UTC+3.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.AppTimezone)
	if err != nil {
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

func (c *Config) Validate() error {
	if c.FeatureBotEnabled && c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN обязателен при FEATURE_BOT_ENABLED=true")
	}
	if !c.FeatureBotEnabled && !c.FeatureHTTPAPIEnabled {
		return fmt.Errorf("выключены и бот, и HTTP API: нечего запускать")
	}
	if c.BotMaxInflight <= 0 {
		return fmt.Errorf("BOT_MAX_INFLIGHT должен быть > 0")
	}
	if c.BotUpdateTimeoutSeconds <= 0 {
		return fmt.Errorf("BOT_UPDATE_TIMEOUT_SECONDS должен быть > 0")
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
	}
	if c.LedgerBackend != LedgerBackendPostgres && c.LedgerBackend != LedgerBackendRedis {
		return fmt.Errorf("LEDGER_BACKEND должен быть %q или %q, получено %q",
			LedgerBackendPostgres, LedgerBackendRedis, c.LedgerBackend)
	}
	if c.LedgerStartingBalance < 0 {
		return fmt.Errorf("LEDGER_STARTING_BALANCE не может быть отрицательным")
	}
	if c.DatastoreMaxRetries < 0 {
		return fmt.Errorf("DATASTORE_MAX_RETRIES не может быть отрицательным")
	}
	if c.DatastoreTimeout <= 0 {
		return fmt.Errorf("DATASTORE_TIMEOUT должен быть > 0")
	}
	if c.ReconcileBatchSize <= 0 || c.ReconcileMaxAttempts <= 0 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE и RECONCILE_MAX_ATTEMPTS должны быть > 0")
	}
	return nil
}

// IsAdmin проверяет, входит ли Telegram user ID в ADMIN_IDS.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	ids, err := parseInt64CSV(cfg.AdminIDsRaw)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS parse: %w", err)
	}
	cfg.AdminIDs = ids

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseInt64CSV(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int64 %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
