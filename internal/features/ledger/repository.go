// Package ledger — repository.go хранит реестр в PostgreSQL (таблицы
// ledger_entries и ledger_journal). Каждая операция — одна транзакция БД
// с блокировкой строк FOR UPDATE, поэтому параллельные заморозки/списания
// одного пользователя сериализуются.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository — реестр кредитов в PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий реестра.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Get возвращает запись пользователя; если её нет — нулевой баланс.
func (r *Repository) Get(ctx context.Context, username string) (Entry, error) {
	query := `
		SELECT username, total_credits, frozen_credits, onboarded, updated_at
		FROM ledger_entries
		WHERE username = $1
	`
	var e Entry
	err := r.db.QueryRow(ctx, query, username).Scan(&e.Username, &e.Total, &e.Frozen, &e.Onboarded, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{Username: username}, nil
		}
		return Entry{}, fmt.Errorf("ошибка получения баланса (%s): %w", username, err)
	}
	return e, nil
}

// Apply выполняет операцию в одной транзакции.
// Строки блокируются в порядке op.lockOrder(), изменения пишутся в журнал.
func (r *Repository) Apply(ctx context.Context, op Op) (map[string]Entry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	// Откатываем транзакцию, если что-то пошло не так
	defer tx.Rollback(ctx)

	work := make(map[string]*Entry, len(op.Usernames))
	before := make(map[string]Entry, len(op.Usernames))
	for _, u := range op.lockOrder() {
		e, err := lockEntry(ctx, tx, u)
		if err != nil {
			return nil, err
		}
		before[u] = e
		work[u] = &e
	}

	if err := op.Apply(work); err != nil {
		return nil, err
	}

	out := make(map[string]Entry, len(work))
	for u, e := range work {
		prev := before[u]
		dTotal, dFrozen := e.Total-prev.Total, e.Frozen-prev.Frozen
		if dTotal != 0 || dFrozen != 0 || e.Onboarded != prev.Onboarded {
			if err := saveEntry(ctx, tx, e); err != nil {
				return nil, err
			}
		}
		if dTotal != 0 || dFrozen != 0 {
			if err := writeJournal(ctx, tx, e.Username, dTotal, dFrozen, op); err != nil {
				return nil, err
			}
		}
		out[u] = *e
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка фиксации транзакции (%s): %w", op.Name, err)
	}
	return out, nil
}

// GetJournal возвращает последние N движений пользователя.
func (r *Repository) GetJournal(ctx context.Context, username string, limit int) ([]*JournalRecord, error) {
	query := `
		SELECT id, username, delta_total, delta_frozen, operation, reason, created_at
		FROM ledger_journal
		WHERE username = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, username, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала: %w", err)
	}
	defer rows.Close()

	var records []*JournalRecord
	for rows.Next() {
		var j JournalRecord
		if err := rows.Scan(&j.ID, &j.Username, &j.DeltaTotal, &j.DeltaFrozen, &j.Operation, &j.Reason, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования журнала: %w", err)
		}
		records = append(records, &j)
	}
	return records, rows.Err()
}

// lockEntry создаёт строку при первом обращении и блокирует её до конца транзакции.
func lockEntry(ctx context.Context, tx pgx.Tx, username string) (Entry, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (username) VALUES ($1)
		ON CONFLICT (username) DO NOTHING
	`, username)
	if err != nil {
		return Entry{}, fmt.Errorf("ошибка создания записи реестра (%s): %w", username, err)
	}

	e := Entry{Username: username}
	err = tx.QueryRow(ctx, `
		SELECT total_credits, frozen_credits, onboarded, updated_at
		FROM ledger_entries WHERE username = $1 FOR UPDATE
	`, username).Scan(&e.Total, &e.Frozen, &e.Onboarded, &e.UpdatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("ошибка блокировки записи реестра (%s): %w", username, err)
	}
	return e, nil
}

func saveEntry(ctx context.Context, tx pgx.Tx, e *Entry) error {
	e.UpdatedAt = time.Now().UTC()
	_, err := tx.Exec(ctx, `
		UPDATE ledger_entries
		SET total_credits = $2, frozen_credits = $3, onboarded = $4, updated_at = $5
		WHERE username = $1
	`, e.Username, e.Total, e.Frozen, e.Onboarded, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления баланса (%s): %w", e.Username, err)
	}
	return nil
}

func writeJournal(ctx context.Context, tx pgx.Tx, username string, dTotal, dFrozen int64, op Op) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_journal (username, delta_total, delta_frozen, operation, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, username, dTotal, dFrozen, op.Name, op.Reason)
	if err != nil {
		return fmt.Errorf("ошибка записи журнала (%s): %w", username, err)
	}
	return nil
}
