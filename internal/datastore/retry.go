package datastore

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
)

// RetryPolicy — сколько раз и с какой паузой повторять временные ошибки.
// Пауза растёт экспоненциально: BaseDelay * 2^attempt, но не больше MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy — 3 повтора, 500мс → 1с → 2с.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   10 * time.Second,
}

// Backoff возвращает паузу перед повтором номер attempt (с нуля).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := time.Duration(math.Exp2(float64(attempt))) * p.BaseDelay
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retry выполняет fn, повторяя её при временных ошибках (common.IsTemporary).
// Постоянные ошибки возвращаются сразу. Отмена ctx прерывает ожидание.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !common.IsTemporary(err) || attempt >= p.MaxRetries {
			return err
		}

		delay := p.Backoff(attempt)
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).WithError(err).Debug("временная ошибка хранилища, повторяем")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}
