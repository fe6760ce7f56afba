// Package events публикует события жизненного цикла ставок в NATS.
// Публикация — best effort: ошибка логируется вызывающим, переход ставки
// от неё не откатывается.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// BidEvent — событие о переходе ставки в новый статус.
type BidEvent struct {
	EventID    string    `json:"event_id"`
	BidID      string    `json:"bid_id"`
	RecordID   string    `json:"record_id"`
	RecordType string    `json:"record_type"`
	Status     string    `json:"status"`
	Bidder     string    `json:"bidder"`
	Owner      string    `json:"owner"`
	Amount     int64     `json:"amount"`
	At         time.Time `json:"at"`
}

// Publisher отправляет события ставок.
type Publisher interface {
	Publish(ctx context.Context, ev BidEvent) error
	Close()
}

// NewEvent заполняет идентификатор и время события.
func NewEvent(bidID, recordID, recordType, status, bidder, owner string, amount int64) BidEvent {
	return BidEvent{
		EventID:    uuid.NewString(),
		BidID:      bidID,
		RecordID:   recordID,
		RecordType: recordType,
		Status:     status,
		Bidder:     bidder,
		Owner:      owner,
		Amount:     amount,
		At:         time.Now().UTC(),
	}
}

// NATSPublisher публикует JSON событий в subject <prefix>.<status>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher подключается к NATS.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("checkin-bids"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("Соединение с NATS потеряно")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("Соединение с NATS восстановлено")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к NATS (%s): %w", url, err)
	}
	log.WithField("url", url).Info("Подключение к NATS установлено")
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject возвращает subject для статуса.
func (p *NATSPublisher) Subject(status string) string {
	return p.prefix + "." + status
}

func (p *NATSPublisher) Publish(_ context.Context, ev BidEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ошибка кодирования события %s: %w", ev.EventID, err)
	}
	if err := p.conn.Publish(p.Subject(ev.Status), data); err != nil {
		return fmt.Errorf("ошибка публикации события ставки %s: %w", ev.BidID, err)
	}
	return nil
}

// Close дожидается отправки буфера и закрывает соединение.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// NopPublisher — заглушка, когда NATS_URL не задан.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, BidEvent) error { return nil }
func (NopPublisher) Close()                                  {}
