// Package bids реализует протокол ставок на записи чекинов: создание,
// встречное предложение, двустороннее принятие, отказ и отмену, а также
// доведение сделки до передачи владения и расчёта.
// models.go описывает ставку, её статусы и намерение передачи.
package bids

import (
	"time"
)

// Status — статус ставки.
type Status string

const (
	StatusPending   Status = "pending"   // Ждёт ответа владельца
	StatusCountered Status = "countered" // Владелец предложил свою цену
	StatusAccepted  Status = "accepted"  // Одна сторона приняла, ждём вторую
	StatusCompleted Status = "completed" // Владение передано, расчёт выполнен
	StatusRejected  Status = "rejected"  // Владелец отказал
	StatusCancelled Status = "cancelled" // Отменена участником или из-за конфликта
)

// transitions — допустимые переходы. rejected → rejected разрешён:
// повторный отказ меняет только сообщение и время.
var transitions = map[Status][]Status{
	StatusPending:   {StatusCountered, StatusAccepted, StatusCompleted, StatusRejected, StatusCancelled},
	StatusCountered: {StatusAccepted, StatusCompleted, StatusRejected, StatusCancelled},
	StatusAccepted:  {StatusCompleted, StatusCancelled},
	StatusRejected:  {StatusRejected},
}

// CanTransition проверяет, есть ли ребро from → to в графе статусов.
func (s Status) CanTransition(to Status) bool {
	for _, st := range transitions[s] {
		if st == to {
			return true
		}
	}
	return false
}

// IsTerminal — completed, rejected и cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// Title — статус для ответов бота.
func (s Status) Title() string {
	switch s {
	case StatusPending:
		return "⏳ ожидает ответа"
	case StatusCountered:
		return "🔁 встречное предложение"
	case StatusAccepted:
		return "🤝 принята одной стороной"
	case StatusCompleted:
		return "✅ сделка завершена"
	case StatusRejected:
		return "❌ отклонена"
	case StatusCancelled:
		return "🚫 отменена"
	default:
		return string(s)
	}
}

// Bid — одна переговорная сессия покупателя и владельца по одной записи.
// Имена полей JSON совпадают с колонками таблицы bids в хранилище.
type Bid struct {
	ID             string     `json:"id"`
	RecordID       string     `json:"record_id"`
	RecordType     string     `json:"record_type"`
	BuildingID     *string    `json:"building_id,omitempty"`
	BidderUsername string     `json:"bidder_username"`
	OwnerUsername  string     `json:"owner_username"`
	BidAmount      int64      `json:"bid_amount"`
	CounterAmount  *int64     `json:"counter_amount,omitempty"`
	BidderMessage  *string    `json:"bidder_message,omitempty"`
	OwnerMessage   *string    `json:"owner_message,omitempty"`
	BidderContact  *string    `json:"bidder_contact,omitempty"`
	OwnerContact   *string    `json:"owner_contact,omitempty"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// OperativePrice — цена сделки: встречная сумма, если она есть.
func (b *Bid) OperativePrice() int64 {
	if b.CounterAmount != nil {
		return *b.CounterAmount
	}
	return b.BidAmount
}

// HeldAmount — сколько заморожено у покупателя под эту ставку.
// После того как покупатель принял встречное предложение, заморозка
// пересчитана на встречную сумму.
func (b *Bid) HeldAmount() int64 {
	if b.CounterAmount != nil && hasText(b.BidderContact) {
		return *b.CounterAmount
	}
	return b.BidAmount
}

// HasContact — указала ли сторона контакт (то есть приняла ставку).
func (b *Bid) HasContact(bidder bool) bool {
	if bidder {
		return hasText(b.BidderContact)
	}
	return hasText(b.OwnerContact)
}

// IsParty — участвует ли username в ставке.
func (b *Bid) IsParty(username string) bool {
	return username == b.BidderUsername || username == b.OwnerUsername
}

// CreateBidRequest — данные для новой ставки.
type CreateBidRequest struct {
	RecordID      string  `json:"record_id"`
	RecordType    string  `json:"record_type"`
	BuildingID    *string `json:"building_id,omitempty"`
	OwnerUsername string  `json:"owner_username"`
	BidAmount     int64   `json:"bid_amount"`
	Message       string  `json:"message,omitempty"`
}

// Patch — частичное обновление ставки; nil-поля не отправляются.
type Patch struct {
	Status        *Status    `json:"status,omitempty"`
	CounterAmount *int64     `json:"counter_amount,omitempty"`
	OwnerMessage  *string    `json:"owner_message,omitempty"`
	BidderContact *string    `json:"bidder_contact,omitempty"`
	OwnerContact  *string    `json:"owner_contact,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IntentState — этап доведения сделки.
type IntentState string

const (
	IntentPending     IntentState = "pending"     // Владение ещё не передано
	IntentTransferred IntentState = "transferred" // Владение передано, расчёта нет
	IntentSettled     IntentState = "settled"     // Расчёт выполнен, ставка не отмечена
	IntentDone        IntentState = "done"        // Ставка completed
	IntentConflict    IntentState = "conflict"    // Запись ушла другому, ставка отменена
)

// Unfinished — намерение ещё нужно довести.
func (s IntentState) Unfinished() bool {
	return s == IntentPending || s == IntentTransferred || s == IntentSettled
}

// Intent — намерение передать запись по ставке (outbox).
// Создаётся, когда обе стороны дали согласие, и ведёт сделку по этапам
// pending → transferred → settled → done. Планировщик сверки подбирает
// намерения, застрявшие на промежуточном этапе.
type Intent struct {
	ID         string      `db:"id"`
	BidID      string      `db:"bid_id"`
	RecordID   string      `db:"record_id"`
	RecordType string      `db:"record_type"`
	Seller     string      `db:"seller"`
	Buyer      string      `db:"buyer"`
	Price      int64       `db:"price"`
	Held       int64       `db:"held"`
	State      IntentState `db:"state"`
	Attempts   int         `db:"attempts"`
	LastError  string      `db:"last_error"`
	CreatedAt  time.Time   `db:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at"`
}

func hasText(s *string) bool {
	return s != nil && *s != ""
}

func ptr[T any](v T) *T {
	return &v
}
