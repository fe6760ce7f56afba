// Package app инициализирует все компоненты приложения.
// app.go — точка сборки: создаёт БД-пул, хранилища, сервисы, обработчики,
// HTTP API, бота и планировщик.
package app

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/api"
	"serotonyl.ru/checkin-bids/internal/bot"
	"serotonyl.ru/checkin-bids/internal/config"
	"serotonyl.ru/checkin-bids/internal/datastore"
	"serotonyl.ru/checkin-bids/internal/db/postgres"
	"serotonyl.ru/checkin-bids/internal/events"
	"serotonyl.ru/checkin-bids/internal/features/admin"
	"serotonyl.ru/checkin-bids/internal/features/bids"
	"serotonyl.ru/checkin-bids/internal/features/ledger"
	"serotonyl.ru/checkin-bids/internal/features/ownership"
	"serotonyl.ru/checkin-bids/internal/jobs"
	"serotonyl.ru/checkin-bids/internal/metrics"
)

// App содержит все компоненты приложения.
type App struct {
	Bot       *bot.Bot     // nil при FEATURE_BOT_ENABLED=false
	HTTP      *http.Server // nil при FEATURE_HTTP_API_ENABLED=false
	Scheduler *jobs.Scheduler
	DB        *pgxpool.Pool
	BotAPI    *tgbotapi.BotAPI

	closers []func()
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	// === 1. База данных ===
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	a.DB = pool

	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}

	// === 2. Метрики и события ===
	m := metrics.New()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NatsURL != "" {
		np, err := events.NewNATSPublisher(cfg.NatsURL, cfg.NatsSubjectPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		publisher = np
	} else {
		log.Info("NATS_URL не задан, события ставок не публикуются")
	}
	a.closers = append(a.closers, publisher.Close)

	// === 3. Хранилища ===
	ledgerStore, journal, err := a.ledgerStore(ctx, cfg, pool)
	if err != nil {
		a.Close()
		return nil, err
	}

	client, err := datastore.NewClient(datastore.Config{
		BaseURL:     cfg.DatastoreURL,
		APIKey:      cfg.DatastoreAPIKey,
		BearerToken: cfg.DatastoreBearerToken,
		Timeout:     cfg.DatastoreTimeout,
		Retry: datastore.RetryPolicy{
			MaxRetries: cfg.DatastoreMaxRetries,
			BaseDelay:  cfg.DatastoreRetryBaseDelay,
			MaxDelay:   datastore.DefaultRetryPolicy.MaxDelay,
		},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ошибка настройки хранилища ставок: %w", err)
	}

	bidRepo := bids.NewRepository(client)
	intentRepo := bids.NewIntentRepository(pool)
	adminRepo := admin.NewRepository(pool)

	// === 4. Сервисы ===
	ledgerService := ledger.NewService(ledgerStore, m)
	ownershipService := ownership.NewService(client)
	bidsService := bids.NewService(bidRepo, ledgerService, ownershipService, intentRepo, publisher, m)
	adminService := admin.NewService(adminRepo, ledgerService, bidsService, intentRepo, cfg)

	// === 5. HTTP API ===
	if cfg.FeatureHTTPAPIEnabled {
		a.HTTP = api.NewServer(cfg.HTTPAddr, api.NewHandler(bidsService, ledgerService, m).Router())
	}

	// === 6. Telegram ===
	if cfg.FeatureBotEnabled {
		botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ошибка создания Telegram API: %w", err)
		}
		botAPI.Debug = cfg.AppEnv == "development"
		log.Infof("Авторизован как @%s", botAPI.Self.UserName)
		a.BotAPI = botAPI

		loc := cfg.Location()
		a.Bot = bot.New(
			botAPI, cfg,
			ledgerService,
			ledger.NewHandler(ledgerService, journal, botAPI, loc),
			bids.NewHandler(bidsService, botAPI, loc),
			admin.NewHandler(adminService, botAPI),
		)
		a.closers = append(a.closers, a.Bot.Close)
	}

	// === 7. Планировщик задач ===
	a.Scheduler = jobs.NewScheduler(bidsService, jobs.Options{
		Schedule:    cfg.ReconcileSchedule,
		BatchSize:   cfg.ReconcileBatchSize,
		MaxAttempts: cfg.ReconcileMaxAttempts,
		Location:    cfg.Location(),
	})

	return a, nil
}

// ledgerStore выбирает хранилище реестра по LEDGER_BACKEND.
// Журнал движений есть только у PostgreSQL.
func (a *App) ledgerStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (ledger.Store, ledger.JournalReader, error) {
	switch cfg.LedgerBackend {
	case config.LedgerBackendRedis:
		rs, err := ledger.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LedgerKeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() {
			if err := rs.Close(); err != nil {
				log.WithError(err).Warn("Ошибка закрытия Redis")
			}
		})
		log.WithField("addr", cfg.RedisAddr).Info("Реестр кредитов: Redis")
		return rs, nil, nil

	default:
		repo := ledger.NewRepository(pool)
		log.Info("Реестр кредитов: PostgreSQL")
		return repo, repo, nil
	}
}

// Close освобождает ресурсы в обратном порядке создания.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
