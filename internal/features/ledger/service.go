// Package ledger — service.go содержит бизнес-логику реестра кредитов:
// валидацию аргументов, заморозки под ставки, переводы и расчёт по сделкам.
package ledger

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/metrics"
)

// Service управляет кредитами пользователей.
type Service struct {
	store   Store            // Хранилище реестра (Postgres, Redis или память)
	metrics *metrics.Metrics // Может быть nil
}

// NewService создаёт сервис реестра.
func NewService(store Store, m *metrics.Metrics) *Service {
	return &Service{store: store, metrics: m}
}

// GetEntry возвращает запись пользователя целиком.
func (s *Service) GetEntry(ctx context.Context, username string) (Entry, error) {
	if err := validateUsername("username", username); err != nil {
		return Entry{}, err
	}
	return s.store.Get(ctx, username)
}

// GetBalance — общий баланс; для неизвестного пользователя 0.
func (s *Service) GetBalance(ctx context.Context, username string) (int64, error) {
	e, err := s.GetEntry(ctx, username)
	if err != nil {
		return 0, err
	}
	return e.Total, nil
}

// GetFrozen — сумма, замороженная под ставки.
func (s *Service) GetFrozen(ctx context.Context, username string) (int64, error) {
	e, err := s.GetEntry(ctx, username)
	if err != nil {
		return 0, err
	}
	return e.Frozen, nil
}

// GetAvailable — max(0, total - frozen).
func (s *Service) GetAvailable(ctx context.Context, username string) (int64, error) {
	e, err := s.GetEntry(ctx, username)
	if err != nil {
		return 0, err
	}
	return e.Available(), nil
}

// Freeze увеличивает заморозку без проверки доступного остатка.
func (s *Service) Freeze(ctx context.Context, username string, amount int64) error {
	if err := validate(username, amount); err != nil {
		return err
	}
	return s.apply(ctx, freezeOp(username, amount, false))
}

// FreezeIfAvailable атомарно проверяет доступный остаток и замораживает amount.
// Если доступно меньше — ErrInsufficientBalance, баланс не меняется.
func (s *Service) FreezeIfAvailable(ctx context.Context, username string, amount int64) error {
	if err := validate(username, amount); err != nil {
		return err
	}
	return s.apply(ctx, freezeOp(username, amount, true))
}

// Unfreeze уменьшает заморозку, но не ниже нуля.
func (s *Service) Unfreeze(ctx context.Context, username string, amount int64) error {
	if err := validate(username, amount); err != nil {
		return err
	}
	return s.apply(ctx, unfreezeOp(username, amount))
}

// Add начисляет кредиты.
func (s *Service) Add(ctx context.Context, username string, amount int64, reason string) error {
	if err := validate(username, amount); err != nil {
		return err
	}
	return s.apply(ctx, addOp(username, amount, reason))
}

// Deduct списывает кредиты. При нехватке — ErrInsufficientBalance, без изменений.
func (s *Service) Deduct(ctx context.Context, username string, amount int64, reason string) error {
	if err := validate(username, amount); err != nil {
		return err
	}
	return s.apply(ctx, deductOp(username, amount, reason))
}

// Transfer переводит amount от from к to.
// Если списание не прошло, получатель не меняется.
func (s *Service) Transfer(ctx context.Context, amount int64, from, to, reason string) error {
	if err := validate(from, amount); err != nil {
		return err
	}
	if err := validateUsername("to", to); err != nil {
		return err
	}
	if from == to {
		return common.NewValidationError("to", "нельзя переводить самому себе")
	}

	if err := s.apply(ctx, transferOp(from, to, amount, reason)); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"from":   from,
		"to":     to,
		"amount": amount,
		"reason": reason,
	}).Info("Перевод кредитов выполнен")
	return nil
}

// Settle — расчёт по завершённой сделке: снимает заморозку held у покупателя
// и переводит price продавцу одной атомарной операцией.
func (s *Service) Settle(ctx context.Context, buyer, seller string, held, price int64, reason string) error {
	if err := validate(buyer, price); err != nil {
		return err
	}
	if err := validateUsername("seller", seller); err != nil {
		return err
	}
	if held < 0 {
		return fmt.Errorf("%w: заморозка не может быть отрицательной", common.ErrInvalidAmount)
	}
	if buyer == seller {
		return common.NewValidationError("seller", "покупатель и продавец совпадают")
	}

	if err := s.apply(ctx, settleOp(buyer, seller, held, price, reason)); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"buyer":  buyer,
		"seller": seller,
		"held":   held,
		"price":  price,
	}).Info("Расчёт по сделке выполнен")
	return nil
}

// InitializeIfNew выставляет стартовый баланс новому пользователю.
// Повторный вызов ничего не меняет, даже если баланс успел стать нулевым.
// Возвращает true, если баланс был выставлен.
func (s *Service) InitializeIfNew(ctx context.Context, username string, initial int64) (bool, error) {
	if err := validate(username, initial); err != nil {
		return false, err
	}

	var initialized bool
	if err := s.apply(ctx, initializeOp(username, initial, &initialized)); err != nil {
		return false, err
	}
	if initialized {
		log.WithFields(log.Fields{
			"username": username,
			"amount":   initial,
		}).Info("Выдан стартовый баланс")
	}
	return initialized, nil
}

func (s *Service) apply(ctx context.Context, op Op) error {
	_, err := s.store.Apply(ctx, op)
	s.metrics.LedgerOp(op.Name, err)
	if err != nil {
		return fmt.Errorf("ledger %s: %w", op.Name, err)
	}
	log.WithFields(log.Fields{
		"op":    op.Name,
		"users": op.Usernames,
	}).Debug("Операция реестра выполнена")
	return nil
}

func validate(username string, amount int64) error {
	if err := validateUsername("username", username); err != nil {
		return err
	}
	if amount <= 0 {
		return common.ErrInvalidAmount
	}
	return nil
}

func validateUsername(field, username string) error {
	if strings.TrimSpace(username) == "" {
		return common.NewValidationError(field, "не может быть пустым")
	}
	return nil
}
