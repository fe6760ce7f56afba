// Package common — errors.go определяет ошибки, общие для всех модулей:
// реестра кредитов, протокола ставок, передачи владения и REST-хранилища.
// Обработчики (бот, HTTP API) различают их через errors.Is / errors.As
// и показывают пользователю понятное сообщение.
package common

import (
	"errors"
	"fmt"
)

// Ошибки запроса
var (
	// ErrInvalidRequest — некорректные входные данные (сумма, username, тип записи)
	ErrInvalidRequest = errors.New("некорректный запрос")
	// ErrInvalidAmount — сумма должна быть положительной
	ErrInvalidAmount = fmt.Errorf("%w: сумма должна быть положительной", ErrInvalidRequest)
	// ErrSelfBid — ставка на собственную запись
	ErrSelfBid = fmt.Errorf("%w: нельзя делать ставку на свою запись", ErrInvalidRequest)
	// ErrNotFound — ставка или запись не найдена
	ErrNotFound = errors.New("не найдено")
)

// Ошибки реестра кредитов
var (
	// ErrInsufficientBalance — недостаточно кредитов на счёте
	ErrInsufficientBalance = errors.New("недостаточно кредитов на счёте")
)

// Ошибки протокола ставок
var (
	// ErrInvalidTransition — операция недопустима в текущем статусе или для этой стороны
	ErrInvalidTransition = errors.New("операция недопустима для текущего статуса ставки")
	// ErrStaleRecord — владелец записи изменился с момента создания ставки
	ErrStaleRecord = errors.New("запись уже сменила владельца")
)

// Ошибки транспорта (временные, повторяются клиентом хранилища)
var (
	ErrNetwork = errors.New("сетевая ошибка")
	ErrTimeout = errors.New("таймаут запроса")
)

// ValidationError описывает ошибку конкретного поля запроса.
// errors.Is(err, ErrInvalidRequest) для неё возвращает true.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("поле '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// NewValidationError создаёт ошибку валидации поля.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// HTTPError — ответ хранилища со статусом вне 2xx.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("хранилище вернуло HTTP %d: %s", e.Status, body)
}

// Temporary сообщает, имеет ли смысл повторить запрос.
func (e *HTTPError) Temporary() bool {
	return e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// TransferFailedError — согласие обеих сторон получено, но передача владения
// (или расчёт по ней) не завершилась. Намерение передачи сохранено,
// планировщик сверки довезёт его позже.
type TransferFailedError struct {
	BidID    string
	RecordID string
	Cause    error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("передача записи %s по ставке %s не завершена: %v", e.RecordID, e.BidID, e.Cause)
}

func (e *TransferFailedError) Unwrap() error {
	return e.Cause
}

// IsTransferFailed проверяет, что ошибка — незавершённая передача владения.
func IsTransferFailed(err error) bool {
	var tf *TransferFailedError
	return errors.As(err, &tf)
}

// IsTemporary — сетевые ошибки, таймауты и 408/429/5xx.
func IsTemporary(err error) bool {
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	return false
}
