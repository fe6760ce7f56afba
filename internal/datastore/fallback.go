package datastore

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// WithFallback вызывает primary (оптимизированный путь, обычно RPC),
// а если он упал — fallback (прямой запрос с фильтром).
// Если ctx уже отменён, fallback не вызывается.
func WithFallback[T any](
	ctx context.Context,
	op string,
	primary func(context.Context) (T, error),
	fallback func(context.Context) (T, error),
) (T, error) {
	res, err := primary(ctx)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	log.WithField("op", op).WithError(err).Warn("основной путь не сработал, используем запасной запрос")
	return fallback(ctx)
}
