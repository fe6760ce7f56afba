// Package ledger ведёт реестр кредитов: общий баланс пользователя и часть,
// замороженную под открытые ставки.
// models.go описывает запись реестра и правила изменения балансов.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"serotonyl.ru/checkin-bids/internal/common"
)

// Entry — баланс одного пользователя.
// Запись создаётся неявно при первом обращении (нули) и никогда не удаляется.
type Entry struct {
	Username  string    `json:"username" db:"username"`
	Total     int64     `json:"total_credits" db:"total_credits"`   // Всего кредитов
	Frozen    int64     `json:"frozen_credits" db:"frozen_credits"` // Заморожено под ставки
	Onboarded bool      `json:"onboarded" db:"onboarded"`           // Стартовый баланс уже выдавался
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Available — сколько можно потратить прямо сейчас: max(0, total - frozen).
func (e Entry) Available() int64 {
	if a := e.Total - e.Frozen; a > 0 {
		return a
	}
	return 0
}

// JournalRecord — одна строка журнала изменений (аудит).
type JournalRecord struct {
	ID          int64     `db:"id"`
	Username    string    `db:"username"`
	DeltaTotal  int64     `db:"delta_total"`
	DeltaFrozen int64     `db:"delta_frozen"`
	Operation   string    `db:"operation"`
	Reason      string    `db:"reason"`
	CreatedAt   time.Time `db:"created_at"`
}

// Причины движений — попадают в журнал.
const (
	ReasonBidHold    = "bid_hold"    // Заморозка под ставку
	ReasonBidRelease = "bid_release" // Разморозка (отказ, отмена, пересчёт)
	ReasonBidSale    = "bid_sale"    // Оплата завершённой сделки
	ReasonAdminGrant = "admin_grant" // Выдача админом
	ReasonOnboarding = "onboarding"  // Стартовый баланс
)

// Op — атомарное изменение одной или нескольких записей.
// Хранилище блокирует записи Usernames, вызывает Apply на их копиях и
// сохраняет результат только если Apply не вернул ошибку.
// Apply может быть вызван повторно (оптимистичные транзакции Redis),
// поэтому не должен иметь побочных эффектов вне entries.
type Op struct {
	Name      string
	Reason    string
	Usernames []string
	Apply     func(entries map[string]*Entry) error
}

// lockOrder — уникальные username в детерминированном порядке,
// чтобы две встречные операции не взаимоблокировались.
func (op Op) lockOrder() []string {
	seen := make(map[string]struct{}, len(op.Usernames))
	out := make([]string, 0, len(op.Usernames))
	for _, u := range op.Usernames {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// --- Правила изменения баланса ---

func freezeOp(username string, amount int64, requireAvailable bool) Op {
	return Op{
		Name:      "freeze",
		Reason:    ReasonBidHold,
		Usernames: []string{username},
		Apply: func(entries map[string]*Entry) error {
			e := entries[username]
			if requireAvailable && e.Available() < amount {
				return fmt.Errorf("%w: нужно %d, доступно %d", common.ErrInsufficientBalance, amount, e.Available())
			}
			e.Frozen += amount
			return nil
		},
	}
}

func unfreezeOp(username string, amount int64) Op {
	return Op{
		Name:      "unfreeze",
		Reason:    ReasonBidRelease,
		Usernames: []string{username},
		Apply: func(entries map[string]*Entry) error {
			e := entries[username]
			e.Frozen -= amount
			if e.Frozen < 0 {
				e.Frozen = 0
			}
			return nil
		},
	}
}

func addOp(username string, amount int64, reason string) Op {
	return Op{
		Name:      "add",
		Reason:    reason,
		Usernames: []string{username},
		Apply: func(entries map[string]*Entry) error {
			entries[username].Total += amount
			return nil
		},
	}
}

// deduct списывает amount с total. Заморозка не может превышать баланс,
// поэтому после списания frozen прижимается к новому total.
func deduct(e *Entry, amount int64) error {
	if amount > e.Total {
		return fmt.Errorf("%w: нужно %d, есть %d", common.ErrInsufficientBalance, amount, e.Total)
	}
	e.Total -= amount
	if e.Frozen > e.Total {
		e.Frozen = e.Total
	}
	return nil
}

func deductOp(username string, amount int64, reason string) Op {
	return Op{
		Name:      "deduct",
		Reason:    reason,
		Usernames: []string{username},
		Apply: func(entries map[string]*Entry) error {
			return deduct(entries[username], amount)
		},
	}
}

// transferOp: списание у from, затем начисление to.
// Если списание не прошло — начисления нет.
func transferOp(from, to string, amount int64, reason string) Op {
	return Op{
		Name:      "transfer",
		Reason:    reason,
		Usernames: []string{from, to},
		Apply: func(entries map[string]*Entry) error {
			if err := deduct(entries[from], amount); err != nil {
				return err
			}
			entries[to].Total += amount
			return nil
		},
	}
}

// settleOp — расчёт по завершённой сделке: снять заморозку held у покупателя
// и перевести price продавцу.
func settleOp(buyer, seller string, held, price int64, reason string) Op {
	return Op{
		Name:      "settle",
		Reason:    reason,
		Usernames: []string{buyer, seller},
		Apply: func(entries map[string]*Entry) error {
			b := entries[buyer]
			b.Frozen -= held
			if b.Frozen < 0 {
				b.Frozen = 0
			}
			if err := deduct(b, price); err != nil {
				return err
			}
			entries[seller].Total += price
			return nil
		},
	}
}

// initializeOp выдаёт стартовый баланс один раз за всю жизнь записи.
// Пользователь, потративший всё до нуля, повторно его не получает.
// Если до первого сообщения кредиты уже начислил админ, запись только
// помечается как прошедшая онбординг.
// Флаг initialized выставляется последним успешным вызовом Apply.
func initializeOp(username string, initial int64, initialized *bool) Op {
	return Op{
		Name:      "initialize",
		Reason:    ReasonOnboarding,
		Usernames: []string{username},
		Apply: func(entries map[string]*Entry) error {
			*initialized = false
			e := entries[username]
			if e.Onboarded {
				return nil
			}
			e.Onboarded = true
			if e.Total != 0 {
				return nil
			}
			e.Total = initial
			*initialized = true
			return nil
		},
	}
}
