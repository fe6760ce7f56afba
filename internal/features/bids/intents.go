// Package bids — intents.go хранит намерения передачи (таблица transfer_intents).
// Переходы этапов выполняются условным UPDATE по текущему этапу, чтобы
// принятие ставки и планировщик сверки не продвинули одно намерение дважды.
package bids

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/checkin-bids/internal/common"
)

// errIntentMoved — этап намерения уже изменил другой обработчик.
var errIntentMoved = errors.New("намерение передачи уже обрабатывается")

// IntentRepository — намерения передачи в PostgreSQL.
type IntentRepository struct {
	db *pgxpool.Pool
}

// NewIntentRepository создаёт репозиторий намерений.
func NewIntentRepository(db *pgxpool.Pool) *IntentRepository {
	return &IntentRepository{db: db}
}

const intentColumns = `id, bid_id, record_id, record_type, seller, buyer, price, held,
	state, attempts, COALESCE(last_error, ''), created_at, updated_at`

func scanIntent(row pgx.Row) (*Intent, error) {
	var in Intent
	err := row.Scan(&in.ID, &in.BidID, &in.RecordID, &in.RecordType, &in.Seller, &in.Buyer,
		&in.Price, &in.Held, &in.State, &in.Attempts, &in.LastError, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// Create сохраняет намерение. Если по ставке намерение уже есть,
// возвращает существующее без изменений.
func (r *IntentRepository) Create(ctx context.Context, in *Intent) (*Intent, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO transfer_intents (id, bid_id, record_id, record_type, seller, buyer, price, held, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (bid_id) DO NOTHING
	`, in.ID, in.BidID, in.RecordID, in.RecordType, in.Seller, in.Buyer, in.Price, in.Held, in.State)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания намерения по ставке %s: %w", in.BidID, err)
	}
	return r.GetByBid(ctx, in.BidID)
}

// GetByBid возвращает намерение по ставке. Нет — common.ErrNotFound.
func (r *IntentRepository) GetByBid(ctx context.Context, bidID string) (*Intent, error) {
	in, err := scanIntent(r.db.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM transfer_intents WHERE bid_id = $1`, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: намерение по ставке %s", common.ErrNotFound, bidID)
		}
		return nil, fmt.Errorf("ошибка получения намерения по ставке %s: %w", bidID, err)
	}
	return in, nil
}

// Advance переводит намерение из этапа from в to.
// Если этап уже не from — errIntentMoved.
func (r *IntentRepository) Advance(ctx context.Context, id string, from, to IntentState) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transfer_intents
		SET state = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("ошибка перевода намерения %s в %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return errIntentMoved
	}
	return nil
}

// RecordFailure увеличивает счётчик попыток и запоминает ошибку.
func (r *IntentRepository) RecordFailure(ctx context.Context, id string, cause error) error {
	_, err := r.db.Exec(ctx, `
		UPDATE transfer_intents
		SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, cause.Error())
	if err != nil {
		return fmt.Errorf("ошибка записи сбоя намерения %s: %w", id, err)
	}
	return nil
}

// Claim забирает до limit незавершённых намерений, которые не менялись
// дольше staleAfter и не исчерпали попытки. updated_at забранных сдвигается,
// поэтому параллельный запуск сверки их не увидит.
func (r *IntentRepository) Claim(ctx context.Context, limit, maxAttempts int, staleAfter time.Duration) ([]*Intent, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE transfer_intents
		SET updated_at = NOW()
		WHERE id IN (
			SELECT id FROM transfer_intents
			WHERE state IN ('pending', 'transferred', 'settled')
			  AND attempts < $2
			  AND updated_at < NOW() - make_interval(secs => $3)
			ORDER BY updated_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+intentColumns,
		limit, maxAttempts, staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки намерений для сверки: %w", err)
	}
	defer rows.Close()

	var out []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования намерения: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// CountByState — сколько намерений на каждом этапе (для отчёта админу).
func (r *IntentRepository) CountByState(ctx context.Context) (map[IntentState]int, error) {
	rows, err := r.db.Query(ctx, `SELECT state, COUNT(*) FROM transfer_intents GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта намерений: %w", err)
	}
	defer rows.Close()

	out := make(map[IntentState]int)
	for rows.Next() {
		var state IntentState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("ошибка сканирования: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}
