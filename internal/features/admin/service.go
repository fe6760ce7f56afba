// Package admin — service.go содержит вход по паролю, сессии и операторские
// действия над реестром и сделками.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/config"
	"serotonyl.ru/checkin-bids/internal/features/bids"
	"serotonyl.ru/checkin-bids/internal/features/ledger"
)

// Ошибки входа.
var (
	ErrLockedOut     = errors.New("слишком много попыток, подождите 1 час")
	ErrWrongPassword = errors.New("неверный пароль")
	ErrNoPassword    = errors.New("пароль администратора не настроен")
)

// SessionStore — хранилище сессий и попыток входа.
type SessionStore interface {
	CreateSession(ctx context.Context, session *AdminSession) error
	GetActiveSession(ctx context.Context, userID int64) (*AdminSession, error)
	DeactivateSession(ctx context.Context, userID int64) error
	UpdateActivity(ctx context.Context, userID int64) error
	LogAttempt(ctx context.Context, userID int64, success bool) error
	CountFailedAttempts(ctx context.Context, userID int64, since time.Time) (int, error)
}

// Granter — выдача кредитов.
type Granter interface {
	Add(ctx context.Context, username string, amount int64, reason string) error
	GetEntry(ctx context.Context, username string) (ledger.Entry, error)
}

// Reconciler — проход сверки сделок.
type Reconciler interface {
	Reconcile(ctx context.Context, limit, maxAttempts int) (bids.ReconcileReport, error)
}

// IntentCounter — статистика намерений передачи.
type IntentCounter interface {
	CountByState(ctx context.Context) (map[bids.IntentState]int, error)
}

// Service управляет входом администратора и его командами.
type Service struct {
	repo       SessionStore
	ledger     Granter
	reconciler Reconciler
	intents    IntentCounter
	cfg        *config.Config

	// кто ввёл /login без пароля и до какого момента ждём пароль
	awaiting   map[int64]time.Time
	awaitingMu sync.Mutex

	now func() time.Time
}

// NewService создаёт сервис. intents может быть nil.
func NewService(repo SessionStore, granter Granter, reconciler Reconciler, intents IntentCounter, cfg *config.Config) *Service {
	return &Service{
		repo:       repo,
		ledger:     granter,
		reconciler: reconciler,
		intents:    intents,
		cfg:        cfg,
		awaiting:   make(map[int64]time.Time),
		now:        time.Now,
	}
}

// Login проверяет пароль и открывает сессию на сутки.
// 3 неудачные попытки за час блокируют вход.
func (s *Service) Login(ctx context.Context, userID int64, password string) error {
	s.stopAwaiting(userID)

	if s.cfg.AdminPasswordHash == "" {
		return ErrNoPassword
	}

	failed, err := s.repo.CountFailedAttempts(ctx, userID, s.now().Add(-lockoutWindow))
	if err != nil {
		return err
	}
	if failed >= maxFailedAttempts {
		return ErrLockedOut
	}

	match := verifyArgon2id(password, s.cfg.AdminPasswordHash)
	if err := s.repo.LogAttempt(ctx, userID, match); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось записать попытку входа")
	}
	if !match {
		log.WithField("user_id", userID).Warn("Неудачная попытка входа администратора")
		return ErrWrongPassword
	}

	token, err := generateSecureToken()
	if err != nil {
		return err
	}
	if err := s.repo.CreateSession(ctx, &AdminSession{
		UserID:       userID,
		SessionToken: token,
		ExpiresAt:    s.now().Add(sessionTTL),
	}); err != nil {
		return err
	}

	log.WithField("user_id", userID).Info("Администратор вошёл")
	return nil
}

// Logout закрывает сессию.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	return s.repo.DeactivateSession(ctx, userID)
}

// HasActiveSession — есть ли действующая сессия. Заодно продлевает активность.
func (s *Service) HasActiveSession(ctx context.Context, userID int64) bool {
	session, err := s.repo.GetActiveSession(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Ошибка проверки сессии")
		return false
	}
	if session == nil {
		return false
	}
	if err := s.repo.UpdateActivity(ctx, userID); err != nil {
		log.WithError(err).WithField("user_id", userID).Debug("Не удалось обновить активность сессии")
	}
	return true
}

// AwaitPassword запоминает, что следующее сообщение пользователя — пароль.
func (s *Service) AwaitPassword(userID int64) {
	s.awaitingMu.Lock()
	defer s.awaitingMu.Unlock()
	s.awaiting[userID] = s.now().Add(passwordPromptTTL)
}

// IsAwaitingPassword — ждём ли пароль от пользователя.
func (s *Service) IsAwaitingPassword(userID int64) bool {
	s.awaitingMu.Lock()
	defer s.awaitingMu.Unlock()
	until, ok := s.awaiting[userID]
	if !ok {
		return false
	}
	if s.now().After(until) {
		delete(s.awaiting, userID)
		return false
	}
	return true
}

func (s *Service) stopAwaiting(userID int64) {
	s.awaitingMu.Lock()
	defer s.awaitingMu.Unlock()
	delete(s.awaiting, userID)
}

// Grant выдаёт пользователю кредиты и возвращает его запись после выдачи.
func (s *Service) Grant(ctx context.Context, adminID int64, username string, amount int64) (ledger.Entry, error) {
	username = common.NormalizeUsername(username)
	if err := s.ledger.Add(ctx, username, amount, ledger.ReasonAdminGrant); err != nil {
		return ledger.Entry{}, err
	}

	log.WithFields(log.Fields{
		"admin_id": adminID,
		"username": username,
		"amount":   amount,
	}).Info("Администратор выдал кредиты")
	return s.ledger.GetEntry(ctx, username)
}

// ReconcileNow запускает сверку вне расписания и возвращает отчёт
// вместе с числом намерений на каждом этапе.
func (s *Service) ReconcileNow(ctx context.Context) (bids.ReconcileReport, map[bids.IntentState]int, error) {
	report, err := s.reconciler.Reconcile(ctx, s.cfg.ReconcileBatchSize, s.cfg.ReconcileMaxAttempts)
	if err != nil {
		return report, nil, fmt.Errorf("ошибка сверки: %w", err)
	}
	if s.intents == nil {
		return report, nil, nil
	}
	counts, err := s.intents.CountByState(ctx)
	if err != nil {
		log.WithError(err).Warn("Не удалось посчитать намерения")
		return report, nil, nil
	}
	return report, counts, nil
}
