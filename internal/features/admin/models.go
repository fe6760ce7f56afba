// Package admin реализует вход оператора по паролю (Argon2id), сессии
// и операторские команды: выдачу кредитов и ручную сверку сделок.
// models.go описывает структуры сессий и попыток входа.
package admin

import "time"

// AdminSession — активная сессия администратора.
type AdminSession struct {
	ID              int64     `db:"id"`
	UserID          int64     `db:"user_id"`
	SessionToken    string    `db:"session_token"`
	AuthenticatedAt time.Time `db:"authenticated_at"`
	ExpiresAt       time.Time `db:"expires_at"`
	LastActivity    time.Time `db:"last_activity"`
	IsActive        bool      `db:"is_active"`
}

// LoginAttempt — попытка входа (для защиты от brute-force).
type LoginAttempt struct {
	ID          int64     `db:"id"`
	UserID      int64     `db:"user_id"`
	AttemptTime time.Time `db:"attempt_time"`
	Success     bool      `db:"success"`
}

// Параметры входа.
const (
	sessionTTL        = 24 * time.Hour  // Сколько живёт сессия
	lockoutWindow     = 1 * time.Hour   // Окно подсчёта неудачных попыток
	maxFailedAttempts = 3               // Неудачных попыток до блокировки
	passwordPromptTTL = 5 * time.Minute // Сколько ждём пароль после /login
)
