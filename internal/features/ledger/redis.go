package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// maxTxRetries — сколько раз переигрываем операцию, если ключи изменились
// между WATCH и EXEC.
const maxTxRetries = 10

// RedisStore — реестр в Redis: два целых на пользователя,
// ключи <prefix>:total:<username> и <prefix>:frozen:<username>,
// и отметка онбординга <prefix>:onboarded:<username>.
// Атомарность — через WATCH/MULTI/EXEC с повтором при конфликте.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore подключается к Redis и проверяет соединение.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("не удалось подключиться к Redis (%s): %w", addr, err)
	}
	log.WithField("addr", addr).Info("Подключение к Redis установлено")
	return &RedisStore{client: rdb, prefix: prefix}, nil
}

// Close закрывает соединение с Redis.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) totalKey(username string) string {
	return s.prefix + ":total:" + username
}

func (s *RedisStore) frozenKey(username string) string {
	return s.prefix + ":frozen:" + username
}

func (s *RedisStore) onboardedKey(username string) string {
	return s.prefix + ":onboarded:" + username
}

func (s *RedisStore) Get(ctx context.Context, username string) (Entry, error) {
	vals, err := s.client.MGet(ctx, s.totalKey(username), s.frozenKey(username), s.onboardedKey(username)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("ошибка чтения баланса из Redis (%s): %w", username, err)
	}
	e, err := entryFromValues(username, vals[0], vals[1])
	if err != nil {
		return Entry{}, err
	}
	e.Onboarded = vals[2] != nil
	return e, nil
}

func (s *RedisStore) Apply(ctx context.Context, op Op) (map[string]Entry, error) {
	users := op.lockOrder()
	keys := make([]string, 0, len(users)*3)
	for _, u := range users {
		keys = append(keys, s.totalKey(u), s.frozenKey(u), s.onboardedKey(u))
	}

	var out map[string]Entry
	txf := func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}

		work := make(map[string]*Entry, len(users))
		for i, u := range users {
			e, err := entryFromValues(u, vals[i*3], vals[i*3+1])
			if err != nil {
				return err
			}
			e.Onboarded = vals[i*3+2] != nil
			work[u] = &e
		}

		if err := op.Apply(work); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, u := range users {
				pipe.Set(ctx, s.totalKey(u), work[u].Total, 0)
				pipe.Set(ctx, s.frozenKey(u), work[u].Frozen, 0)
				if work[u].Onboarded {
					pipe.Set(ctx, s.onboardedKey(u), 1, 0)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		out = make(map[string]Entry, len(work))
		for u, e := range work {
			out[u] = *e
		}
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, keys...)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("операция %s: ключи Redis постоянно меняются, попыток: %d", op.Name, maxTxRetries)
}

// entryFromValues разбирает ответ MGET; nil — ключа нет, значит 0.
func entryFromValues(username string, total, frozen interface{}) (Entry, error) {
	e := Entry{Username: username}
	var err error
	if e.Total, err = parseRedisInt(total); err != nil {
		return Entry{}, fmt.Errorf("повреждён ключ total (%s): %w", username, err)
	}
	if e.Frozen, err = parseRedisInt(frozen); err != nil {
		return Entry{}, fmt.Errorf("повреждён ключ frozen (%s): %w", username, err)
	}
	return e, nil
}

func parseRedisInt(v interface{}) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, fmt.Errorf("неожиданный тип %T", v)
	}
}
