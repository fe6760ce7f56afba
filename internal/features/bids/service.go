// Package bids — service.go содержит протокол ставок: проверки, переходы
// статусов, заморозки под ставки и доведение сделки до передачи владения.
package bids

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/datastore"
	"serotonyl.ru/checkin-bids/internal/events"
	"serotonyl.ru/checkin-bids/internal/features/ledger"
	"serotonyl.ru/checkin-bids/internal/features/ownership"
	"serotonyl.ru/checkin-bids/internal/metrics"
)

// reconcileGrace — сколько намерение должно простоять без изменений,
// чтобы сверка считала его брошенным, а не обрабатываемым прямо сейчас.
const reconcileGrace = 2 * time.Minute

// BidStore — хранилище ставок.
type BidStore interface {
	Create(ctx context.Context, b *Bid) (*Bid, error)
	Get(ctx context.Context, id string) (*Bid, error)
	Patch(ctx context.Context, id string, p Patch) (*Bid, error)
	ReceivedViaRPC(ctx context.Context, owner string) ([]Bid, error)
	SentViaRPC(ctx context.Context, bidder string) ([]Bid, error)
	ListByOwner(ctx context.Context, owner string, statuses ...Status) ([]Bid, error)
	ListByBidder(ctx context.Context, bidder string, statuses ...Status) ([]Bid, error)
	UnreadCount(ctx context.Context, owner string) (int, error)
}

// Ledger — операции реестра кредитов, нужные протоколу.
type Ledger interface {
	FreezeIfAvailable(ctx context.Context, username string, amount int64) error
	Unfreeze(ctx context.Context, username string, amount int64) error
	Settle(ctx context.Context, buyer, seller string, held, price int64, reason string) error
}

// Ownership — чтение и передача владения записью.
type Ownership interface {
	Get(ctx context.Context, recordID, recordType string) (*ownership.Record, error)
	Transfer(ctx context.Context, recordID, recordType, newOwner, expectedOwner string) error
}

// IntentStore — хранилище намерений передачи.
type IntentStore interface {
	Create(ctx context.Context, in *Intent) (*Intent, error)
	GetByBid(ctx context.Context, bidID string) (*Intent, error)
	Advance(ctx context.Context, id string, from, to IntentState) error
	RecordFailure(ctx context.Context, id string, cause error) error
	Claim(ctx context.Context, limit, maxAttempts int, staleAfter time.Duration) ([]*Intent, error)
}

// Service — движок протокола ставок.
type Service struct {
	store     BidStore
	ledger    Ledger
	owners    Ownership
	intents   IntentStore
	publisher events.Publisher
	metrics   *metrics.Metrics

	grace time.Duration
	now   func() time.Time
}

// NewService создаёт движок. publisher и m могут быть nil.
func NewService(store BidStore, ledger Ledger, owners Ownership, intents IntentStore,
	publisher events.Publisher, m *metrics.Metrics) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:     store,
		ledger:    ledger,
		owners:    owners,
		intents:   intents,
		publisher: publisher,
		metrics:   m,
		grace:     reconcileGrace,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateBid создаёт ставку в статусе pending.
//
// Перед сохранением проверяется, что владелец действительно владеет записью,
// и у покупателя атомарно замораживается сумма ставки. Если сохранить ставку
// не удалось, заморозка снимается.
func (s *Service) CreateBid(ctx context.Context, req CreateBidRequest, bidder string) (*Bid, error) {
	bidder = common.NormalizeUsername(bidder)
	req.OwnerUsername = common.NormalizeUsername(req.OwnerUsername)
	if err := validateCreate(req, bidder); err != nil {
		return nil, err
	}

	record, err := s.owners.Get(ctx, req.RecordID, req.RecordType)
	if err != nil {
		return nil, fmt.Errorf("проверка записи %s: %w", req.RecordID, err)
	}
	if record.Username != req.OwnerUsername {
		return nil, fmt.Errorf("%w: запись %s принадлежит %s, а не %s",
			common.ErrStaleRecord, req.RecordID, record.Username, req.OwnerUsername)
	}

	if err := s.ledger.FreezeIfAvailable(ctx, bidder, req.BidAmount); err != nil {
		return nil, fmt.Errorf("заморозка %d для %s: %w", req.BidAmount, bidder, err)
	}

	b := &Bid{
		RecordID:       req.RecordID,
		RecordType:     req.RecordType,
		BuildingID:     req.BuildingID,
		BidderUsername: bidder,
		OwnerUsername:  req.OwnerUsername,
		BidAmount:      req.BidAmount,
		Status:         StatusPending,
	}
	if msg := strings.TrimSpace(req.Message); msg != "" {
		b.BidderMessage = &msg
	}

	created, err := s.store.Create(ctx, b)
	if err != nil {
		if uerr := s.ledger.Unfreeze(ctx, bidder, req.BidAmount); uerr != nil {
			log.WithError(uerr).WithFields(log.Fields{
				"bidder": bidder,
				"amount": req.BidAmount,
			}).Error("Не удалось снять заморозку после ошибки создания ставки")
		}
		return nil, err
	}

	log.WithFields(log.Fields{
		"bid_id":    created.ID,
		"record_id": created.RecordID,
		"bidder":    bidder,
		"owner":     created.OwnerUsername,
		"amount":    created.BidAmount,
	}).Info("Ставка создана")
	s.transitioned(ctx, created)
	return created, nil
}

// GetReceivedBids — все ставки, где username владелец.
// Основной путь — агрегат хранилища, запасной — прямой запрос.
func (s *Service) GetReceivedBids(ctx context.Context, owner string) ([]Bid, error) {
	if owner == "" {
		return nil, common.NewValidationError("owner_username", "не может быть пустым")
	}
	return datastore.WithFallback(ctx, "received_bids",
		func(ctx context.Context) ([]Bid, error) { return s.store.ReceivedViaRPC(ctx, owner) },
		func(ctx context.Context) ([]Bid, error) { return s.store.ListByOwner(ctx, owner) },
	)
}

// GetSentBids — все ставки, где username покупатель, новые изменения первыми.
func (s *Service) GetSentBids(ctx context.Context, bidder string) ([]Bid, error) {
	if bidder == "" {
		return nil, common.NewValidationError("bidder_username", "не может быть пустым")
	}
	return datastore.WithFallback(ctx, "sent_bids",
		func(ctx context.Context) ([]Bid, error) { return s.store.SentViaRPC(ctx, bidder) },
		func(ctx context.Context) ([]Bid, error) {
			list, err := s.store.ListByBidder(ctx, bidder)
			if err != nil {
				return nil, err
			}
			sort.SliceStable(list, func(i, j int) bool {
				return list[i].UpdatedAt.After(list[j].UpdatedAt)
			})
			return list, nil
		},
	)
}

// GetUnreadBidCount — сколько ставок ждут внимания владельца.
// Запасной путь считает ставки в статусе pending.
func (s *Service) GetUnreadBidCount(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, common.NewValidationError("owner_username", "не может быть пустым")
	}
	return datastore.WithFallback(ctx, "unread_bids",
		func(ctx context.Context) (int, error) { return s.store.UnreadCount(ctx, owner) },
		func(ctx context.Context) (int, error) {
			list, err := s.store.ListByOwner(ctx, owner, StatusPending)
			return len(list), err
		},
	)
}

// GetBid возвращает ставку участнику сделки.
func (s *Service) GetBid(ctx context.Context, bidID, caller string) (*Bid, error) {
	b, err := s.store.Get(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if !b.IsParty(caller) {
		return nil, fmt.Errorf("%w: ставка %s", common.ErrNotFound, bidID)
	}
	return b, nil
}

// CounterOffer — владелец предлагает свою цену. Только из pending.
func (s *Service) CounterOffer(ctx context.Context, bidID, owner string, counter int64, message string) (*Bid, error) {
	if counter <= 0 {
		return nil, common.ErrInvalidAmount
	}

	b, err := s.store.Get(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if b.OwnerUsername != owner {
		return nil, fmt.Errorf("%w: встречное предложение делает только владелец", common.ErrInvalidTransition)
	}
	if b.Status != StatusPending {
		return nil, transitionError(b, StatusCountered)
	}

	p := Patch{
		Status:        ptr(StatusCountered),
		CounterAmount: &counter,
		UpdatedAt:     s.now(),
	}
	if msg := strings.TrimSpace(message); msg != "" {
		p.OwnerMessage = &msg
	}

	updated, err := s.store.Patch(ctx, bidID, p)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"bid_id":  bidID,
		"owner":   owner,
		"bid":     b.BidAmount,
		"counter": counter,
	}).Info("Встречное предложение")
	s.transitioned(ctx, updated)
	return updated, nil
}

// AcceptBid — двустороннее принятие.
//
// Сторона указывает контакт. Если контакт второй стороны уже есть, сделка
// завершается: создаётся намерение передачи, запись передаётся покупателю,
// выполняется расчёт, ставка становится completed. Иначе ставка переходит
// в accepted и ждёт вторую сторону.
//
// Если передача или расчёт не прошли из-за временной ошибки, возвращается
// *common.TransferFailedError: сделка будет доведена сверкой, а повторный
// вызов AcceptBid любой стороной продолжит её сразу.
func (s *Service) AcceptBid(ctx context.Context, bidID, caller, contact string, isBidder bool) (*Bid, error) {
	b, err := s.store.Get(ctx, bidID)
	if err != nil {
		return nil, err
	}

	// Обе стороны уже согласились: продолжаем незавершённую сделку.
	if b.Status == StatusAccepted && b.HasContact(true) && b.HasContact(false) {
		if !b.IsParty(caller) {
			return nil, fmt.Errorf("%w: вы не участник ставки", common.ErrInvalidTransition)
		}
		return s.complete(ctx, b)
	}

	contact = strings.TrimSpace(contact)
	if contact == "" {
		return nil, common.NewValidationError("contact", "укажите контакт для связи")
	}
	if err := checkAcceptor(b, caller, isBidder); err != nil {
		return nil, err
	}

	p := Patch{Status: ptr(StatusAccepted), UpdatedAt: s.now()}
	if isBidder {
		p.BidderContact = &contact
	} else {
		p.OwnerContact = &contact
	}

	// Покупатель принимает встречную цену: заморозка пересчитывается на неё.
	var resized int64
	if isBidder && b.Status == StatusCountered && b.CounterAmount != nil {
		resized = *b.CounterAmount - b.BidAmount
		if err := s.resizeHold(ctx, b.BidderUsername, resized); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.Patch(ctx, bidID, p)
	if err != nil {
		if resized != 0 {
			if cerr := s.resizeHold(ctx, b.BidderUsername, -resized); cerr != nil {
				log.WithError(cerr).WithField("bid_id", bidID).Error("Не удалось вернуть заморозку после ошибки принятия")
			}
		}
		return nil, err
	}

	fields := log.Fields{"bid_id": bidID, "caller": caller, "is_bidder": isBidder}
	if !updated.HasContact(!isBidder) {
		log.WithFields(fields).Info("Ставка принята одной стороной")
		s.transitioned(ctx, updated)
		return updated, nil
	}

	log.WithFields(fields).Info("Ставка принята обеими сторонами, завершаем сделку")
	return s.complete(ctx, updated)
}

// RejectBid — отказ владельца. Повторный отказ меняет только сообщение.
// Заморозка покупателя снимается один раз, при первом отказе.
func (s *Service) RejectBid(ctx context.Context, bidID, owner, message string) (*Bid, error) {
	b, err := s.store.Get(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if b.OwnerUsername != owner {
		return nil, fmt.Errorf("%w: отклонить ставку может только владелец", common.ErrInvalidTransition)
	}
	if !b.Status.CanTransition(StatusRejected) {
		return nil, transitionError(b, StatusRejected)
	}

	p := Patch{Status: ptr(StatusRejected), UpdatedAt: s.now()}
	if msg := strings.TrimSpace(message); msg != "" {
		p.OwnerMessage = &msg
	}

	updated, err := s.store.Patch(ctx, bidID, p)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusRejected {
		return updated, nil
	}

	s.releaseHold(ctx, b)
	log.WithFields(log.Fields{"bid_id": bidID, "owner": owner}).Info("Ставка отклонена")
	s.transitioned(ctx, updated)
	return updated, nil
}

// CancelBid — отмена любой из сторон из pending, countered или accepted.
// Если сделка уже начала завершаться, отменить её нельзя.
func (s *Service) CancelBid(ctx context.Context, bidID, caller string) (*Bid, error) {
	b, err := s.store.Get(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if !b.IsParty(caller) {
		return nil, fmt.Errorf("%w: вы не участник ставки", common.ErrInvalidTransition)
	}
	if !b.Status.CanTransition(StatusCancelled) {
		return nil, transitionError(b, StatusCancelled)
	}

	// После конфликта заморозка уже снята, остаётся только сменить статус.
	released := false
	if b.Status == StatusAccepted {
		in, err := s.intents.GetByBid(ctx, bidID)
		switch {
		case err == nil && in.State != IntentConflict:
			return nil, fmt.Errorf("%w: сделка уже завершается", common.ErrInvalidTransition)
		case err == nil:
			released = true
		case !errors.Is(err, common.ErrNotFound):
			return nil, err
		}
	}

	updated, err := s.store.Patch(ctx, bidID, Patch{Status: ptr(StatusCancelled), UpdatedAt: s.now()})
	if err != nil {
		return nil, err
	}

	if !released {
		s.releaseHold(ctx, b)
	}
	log.WithFields(log.Fields{"bid_id": bidID, "caller": caller}).Info("Ставка отменена")
	s.transitioned(ctx, updated)
	return updated, nil
}

// complete создаёт (или находит) намерение передачи и ведёт его до конца.
func (s *Service) complete(ctx context.Context, b *Bid) (*Bid, error) {
	in, err := s.intents.Create(ctx, &Intent{
		ID:         uuid.NewString(),
		BidID:      b.ID,
		RecordID:   b.RecordID,
		RecordType: b.RecordType,
		Seller:     b.OwnerUsername,
		Buyer:      b.BidderUsername,
		Price:      b.OperativePrice(),
		Held:       b.HeldAmount(),
		State:      IntentPending,
	})
	if err != nil {
		return b, &common.TransferFailedError{BidID: b.ID, RecordID: b.RecordID, Cause: err}
	}

	final, err := s.runIntent(ctx, in)
	if final != nil {
		return final, err
	}
	if err != nil {
		return b, err
	}
	return s.store.Get(ctx, b.ID)
}

// runIntent продвигает намерение по этапам, начиная с текущего.
// Возвращает ставку после последнего обновления (nil, если ставку не трогали).
func (s *Service) runIntent(ctx context.Context, in *Intent) (*Bid, error) {
	fields := log.Fields{
		"bid_id":    in.BidID,
		"record_id": in.RecordID,
		"seller":    in.Seller,
		"buyer":     in.Buyer,
		"price":     in.Price,
	}

	for {
		switch in.State {
		case IntentPending:
			err := s.owners.Transfer(ctx, in.RecordID, in.RecordType, in.Buyer, in.Seller)
			if errors.Is(err, common.ErrStaleRecord) || errors.Is(err, common.ErrNotFound) {
				return s.resolveConflict(ctx, in, err)
			}
			if err != nil {
				return nil, s.intentFailed(ctx, in, err)
			}
			if err := s.advance(ctx, in, IntentTransferred); err != nil {
				return nil, err
			}
			log.WithFields(fields).Info("Владение передано покупателю")

		case IntentTransferred:
			err := s.ledger.Settle(ctx, in.Buyer, in.Seller, in.Held, in.Price, ledger.ReasonBidSale)
			if err != nil {
				return nil, s.intentFailed(ctx, in, err)
			}
			if err := s.advance(ctx, in, IntentSettled); err != nil {
				return nil, err
			}

		case IntentSettled:
			now := s.now()
			updated, err := s.store.Patch(ctx, in.BidID, Patch{
				Status:      ptr(StatusCompleted),
				CompletedAt: &now,
				UpdatedAt:   now,
			})
			if err != nil {
				return nil, s.intentFailed(ctx, in, err)
			}
			if err := s.advance(ctx, in, IntentDone); err != nil {
				return nil, err
			}
			log.WithFields(fields).Info("Сделка завершена")
			s.transitioned(ctx, updated)
			return updated, nil

		case IntentDone:
			return nil, nil

		case IntentConflict:
			// Отмена после конфликта могла не записаться: повторяем её.
			b, err := s.store.Get(ctx, in.BidID)
			if err != nil {
				return nil, err
			}
			if b.Status == StatusCancelled {
				return b, staleError(in)
			}
			return s.cancelAfterConflict(ctx, in)

		default:
			return nil, fmt.Errorf("неизвестный этап намерения %q", in.State)
		}
	}
}

// advance фиксирует этап. Если этап уже сменил другой обработчик,
// дальше намерение ведёт он.
func (s *Service) advance(ctx context.Context, in *Intent, to IntentState) error {
	if err := s.intents.Advance(ctx, in.ID, in.State, to); err != nil {
		return &common.TransferFailedError{BidID: in.BidID, RecordID: in.RecordID, Cause: err}
	}
	in.State = to
	return nil
}

func (s *Service) intentFailed(ctx context.Context, in *Intent, cause error) error {
	log.WithError(cause).WithFields(log.Fields{
		"bid_id":    in.BidID,
		"record_id": in.RecordID,
		"state":     in.State,
		"attempts":  in.Attempts + 1,
	}).Warn("Сделка не завершена, повторим при сверке")

	if err := s.intents.RecordFailure(ctx, in.ID, cause); err != nil {
		log.WithError(err).WithField("bid_id", in.BidID).Error("Не удалось записать сбой намерения")
	}
	return &common.TransferFailedError{BidID: in.BidID, RecordID: in.RecordID, Cause: cause}
}

// resolveConflict: запись ушла другому или исчезла. Ставка отменяется,
// заморозка покупателя снимается.
func (s *Service) resolveConflict(ctx context.Context, in *Intent, cause error) (*Bid, error) {
	if err := s.advance(ctx, in, IntentConflict); err != nil {
		return nil, err
	}

	log.WithError(cause).WithFields(log.Fields{
		"bid_id":    in.BidID,
		"record_id": in.RecordID,
		"buyer":     in.Buyer,
		"held":      in.Held,
	}).Warn("Запись сменила владельца, ставка отменяется")

	if err := s.ledger.Unfreeze(ctx, in.Buyer, in.Held); err != nil {
		log.WithError(err).WithField("bid_id", in.BidID).Error("Не удалось снять заморозку после конфликта")
	}

	return s.cancelAfterConflict(ctx, in)
}

// cancelAfterConflict переводит ставку в cancelled. Заморозку не трогает:
// её снимают ровно один раз, при переходе намерения в conflict.
// Если PATCH не прошёл, ставка остаётся accepted и отмена повторится
// при следующем AcceptBid или CancelBid.
func (s *Service) cancelAfterConflict(ctx context.Context, in *Intent) (*Bid, error) {
	msg := "Запись уже сменила владельца, сделка отменена"
	updated, err := s.store.Patch(ctx, in.BidID, Patch{
		Status:       ptr(StatusCancelled),
		OwnerMessage: &msg,
		UpdatedAt:    s.now(),
	})
	if err != nil {
		log.WithError(err).WithField("bid_id", in.BidID).Error("Не удалось отменить ставку после конфликта")
		return nil, staleError(in)
	}
	s.transitioned(ctx, updated)
	return updated, staleError(in)
}

func staleError(in *Intent) error {
	return fmt.Errorf("ставка %s: %w", in.BidID, common.ErrStaleRecord)
}

// resizeHold меняет заморозку покупателя на delta (может быть отрицательной).
func (s *Service) resizeHold(ctx context.Context, username string, delta int64) error {
	switch {
	case delta > 0:
		return s.ledger.FreezeIfAvailable(ctx, username, delta)
	case delta < 0:
		return s.ledger.Unfreeze(ctx, username, -delta)
	}
	return nil
}

func (s *Service) releaseHold(ctx context.Context, b *Bid) {
	held := b.HeldAmount()
	if err := s.ledger.Unfreeze(ctx, b.BidderUsername, held); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"bid_id": b.ID,
			"bidder": b.BidderUsername,
			"amount": held,
		}).Error("Не удалось снять заморозку")
	}
}

// transitioned публикует событие и учитывает переход в метриках.
func (s *Service) transitioned(ctx context.Context, b *Bid) {
	s.metrics.Transition(string(b.Status))

	ev := events.NewEvent(b.ID, b.RecordID, b.RecordType, string(b.Status),
		b.BidderUsername, b.OwnerUsername, b.OperativePrice())
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.WithError(err).WithField("bid_id", b.ID).Warn("Не удалось опубликовать событие ставки")
	}
}

func validateCreate(req CreateBidRequest, bidder string) error {
	if strings.TrimSpace(req.RecordID) == "" {
		return common.NewValidationError("record_id", "не может быть пустым")
	}
	if !ownership.IsKnownRecordType(req.RecordType) {
		return common.NewValidationError("record_type", fmt.Sprintf("неизвестный тип записи %q", req.RecordType))
	}
	if strings.TrimSpace(bidder) == "" {
		return common.NewValidationError("bidder_username", "не может быть пустым")
	}
	if strings.TrimSpace(req.OwnerUsername) == "" {
		return common.NewValidationError("owner_username", "не может быть пустым")
	}
	if req.OwnerUsername == bidder {
		return common.ErrSelfBid
	}
	if req.BidAmount <= 0 {
		return common.ErrInvalidAmount
	}
	return nil
}

// checkAcceptor: владелец принимает из pending, покупатель — встречное
// предложение из countered, вторая сторона — из accepted.
func checkAcceptor(b *Bid, caller string, isBidder bool) error {
	if isBidder && caller != b.BidderUsername || !isBidder && caller != b.OwnerUsername {
		return fmt.Errorf("%w: вы не участник ставки с этой стороны", common.ErrInvalidTransition)
	}

	switch b.Status {
	case StatusPending:
		if !isBidder {
			return nil
		}
	case StatusCountered:
		if isBidder {
			return nil
		}
	case StatusAccepted:
		if !b.HasContact(isBidder) {
			return nil
		}
		return fmt.Errorf("%w: вы уже приняли эту ставку", common.ErrInvalidTransition)
	}
	return transitionError(b, StatusAccepted)
}

func transitionError(b *Bid, to Status) error {
	return fmt.Errorf("%w: ставка %s в статусе %s, переход в %s невозможен",
		common.ErrInvalidTransition, b.ID, b.Status, to)
}
