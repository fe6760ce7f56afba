// Package postgres — queries.go содержит миграции схемы и их применение.
// SQL встроен в код, чтобы бинарник не зависел от файлов рядом с ним.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "ledger", migration001Ledger},
	{2, "transfer_intents", migration002TransferIntents},
	{3, "admin", migration003Admin},
	{4, "ledger_onboarded", migration004LedgerOnboarded},
}

// ExecMigrationSQL выполняет один SQL-запрос миграции в транзакции.
// Если запрос упадёт — транзакция откатится автоматически.
func ExecMigrationSQL(ctx context.Context, pool *pgxpool.Pool, version int, sql string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("ошибка проверки миграции: %w", err)
	}
	if exists {
		return nil
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("ошибка выполнения миграции %d: %w", version, err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)", version,
	); err != nil {
		return fmt.Errorf("ошибка записи версии миграции: %w", err)
	}

	return tx.Commit(ctx)
}

var migration001Ledger = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    username VARCHAR(255) PRIMARY KEY,
    total_credits BIGINT NOT NULL DEFAULT 0 CHECK (total_credits >= 0),
    frozen_credits BIGINT NOT NULL DEFAULT 0 CHECK (frozen_credits >= 0),
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS ledger_journal (
    id BIGSERIAL PRIMARY KEY,
    username VARCHAR(255) NOT NULL REFERENCES ledger_entries(username),
    delta_total BIGINT NOT NULL,
    delta_frozen BIGINT NOT NULL,
    operation VARCHAR(32) NOT NULL,
    reason VARCHAR(64),
    created_at TIMESTAMP NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ledger_journal_username ON ledger_journal(username, created_at DESC);
`

var migration002TransferIntents = `
CREATE TABLE IF NOT EXISTS transfer_intents (
    id VARCHAR(36) PRIMARY KEY,
    bid_id VARCHAR(64) UNIQUE NOT NULL,
    record_id VARCHAR(64) NOT NULL,
    record_type VARCHAR(32) NOT NULL,
    seller VARCHAR(255) NOT NULL,
    buyer VARCHAR(255) NOT NULL,
    price BIGINT NOT NULL,
    held BIGINT NOT NULL,
    state VARCHAR(16) NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transfer_intents_state ON transfer_intents(state, updated_at);
`

var migration003Admin = `
CREATE TABLE IF NOT EXISTS admin_sessions (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    session_token VARCHAR(255) UNIQUE,
    authenticated_at TIMESTAMP DEFAULT NOW(),
    expires_at TIMESTAMP,
    last_activity TIMESTAMP DEFAULT NOW(),
    is_active BOOLEAN DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_admin_sessions_user_id ON admin_sessions(user_id);
CREATE TABLE IF NOT EXISTS admin_login_attempts (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT,
    attempt_time TIMESTAMP DEFAULT NOW(),
    success BOOLEAN DEFAULT FALSE
);
`

// Уже существующие записи считаются прошедшими онбординг:
// стартовый баланс им выдавался при первом сообщении.
var migration004LedgerOnboarded = `
ALTER TABLE ledger_entries ADD COLUMN IF NOT EXISTS onboarded BOOLEAN NOT NULL DEFAULT FALSE;
UPDATE ledger_entries SET onboarded = TRUE;
`
