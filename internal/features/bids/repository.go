// Package bids — repository.go работает с таблицей bids в REST-хранилище:
// вставка, чтение, частичное обновление, списки и агрегаты через RPC.
package bids

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/datastore"
)

const bidsTable = "bids"

// Имена удалённых процедур хранилища.
const (
	rpcReceivedBids = "get_my_received_bids"
	rpcSentBids     = "get_my_sent_bids"
	rpcUnreadCount  = "get_unread_bid_count"
)

// Repository — хранилище ставок поверх REST API.
type Repository struct {
	client *datastore.Client
}

// NewRepository создаёт репозиторий ставок.
func NewRepository(client *datastore.Client) *Repository {
	return &Repository{client: client}
}

// newBidRow — тело вставки. id назначаем сами, чтобы повтор вставки
// после таймаута не создал вторую ставку; отметки времени ставит хранилище.
type newBidRow struct {
	ID             string  `json:"id"`
	RecordID       string  `json:"record_id"`
	RecordType     string  `json:"record_type"`
	BuildingID     *string `json:"building_id,omitempty"`
	BidderUsername string  `json:"bidder_username"`
	OwnerUsername  string  `json:"owner_username"`
	BidAmount      int64   `json:"bid_amount"`
	BidderMessage  *string `json:"bidder_message,omitempty"`
	Status         Status  `json:"status"`
}

type usernameArgs struct {
	Username string `json:"p_username"`
}

// Create сохраняет новую ставку и возвращает строку из хранилища.
// Вставка идемпотентна по id: если первая попытка уже сохранила строку,
// повтор её не дублирует, и ставка перечитывается.
func (r *Repository) Create(ctx context.Context, b *Bid) (*Bid, error) {
	id := b.ID
	if id == "" {
		id = uuid.NewString()
	}
	row := newBidRow{
		ID:             id,
		RecordID:       b.RecordID,
		RecordType:     b.RecordType,
		BuildingID:     b.BuildingID,
		BidderUsername: b.BidderUsername,
		OwnerUsername:  b.OwnerUsername,
		BidAmount:      b.BidAmount,
		BidderMessage:  b.BidderMessage,
		Status:         b.Status,
	}

	var rows []Bid
	if err := r.client.InsertIdempotent(ctx, bidsTable, "id", row, &rows); err != nil {
		return nil, fmt.Errorf("ошибка создания ставки: %w", err)
	}
	if len(rows) == 0 {
		return r.Get(ctx, id)
	}
	return &rows[0], nil
}

// Get возвращает ставку по id. Нет ставки — common.ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*Bid, error) {
	q := url.Values{}
	q.Set("id", datastore.Eq(id))
	q.Set("limit", "1")

	var rows []Bid
	if err := r.client.Select(ctx, bidsTable, q, &rows); err != nil {
		return nil, fmt.Errorf("ошибка получения ставки %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: ставка %s", common.ErrNotFound, id)
	}
	return &rows[0], nil
}

// Patch обновляет только заданные поля и возвращает ставку после обновления.
func (r *Repository) Patch(ctx context.Context, id string, p Patch) (*Bid, error) {
	filters := url.Values{}
	filters.Set("id", datastore.Eq(id))

	var rows []Bid
	if err := r.client.Update(ctx, bidsTable, filters, p, &rows); err != nil {
		return nil, fmt.Errorf("ошибка обновления ставки %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: ставка %s", common.ErrNotFound, id)
	}
	return &rows[0], nil
}

// ReceivedViaRPC — входящие ставки владельца через агрегат хранилища.
func (r *Repository) ReceivedViaRPC(ctx context.Context, owner string) ([]Bid, error) {
	var rows []Bid
	if err := r.client.RPC(ctx, rpcReceivedBids, usernameArgs{Username: owner}, &rows); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", rpcReceivedBids, err)
	}
	return rows, nil
}

// SentViaRPC — исходящие ставки покупателя через агрегат хранилища.
func (r *Repository) SentViaRPC(ctx context.Context, bidder string) ([]Bid, error) {
	var rows []Bid
	if err := r.client.RPC(ctx, rpcSentBids, usernameArgs{Username: bidder}, &rows); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", rpcSentBids, err)
	}
	return rows, nil
}

// ListByOwner — прямой запрос входящих ставок, новые изменения первыми.
func (r *Repository) ListByOwner(ctx context.Context, owner string, statuses ...Status) ([]Bid, error) {
	return r.list(ctx, "owner_username", owner, statuses)
}

// ListByBidder — прямой запрос исходящих ставок, новые изменения первыми.
func (r *Repository) ListByBidder(ctx context.Context, bidder string, statuses ...Status) ([]Bid, error) {
	return r.list(ctx, "bidder_username", bidder, statuses)
}

func (r *Repository) list(ctx context.Context, column, username string, statuses []Status) ([]Bid, error) {
	q := url.Values{}
	q.Set(column, datastore.Eq(username))
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		q.Set("status", datastore.In(values...))
	}
	q.Set("order", "updated_at.desc")

	var rows []Bid
	if err := r.client.Select(ctx, bidsTable, q, &rows); err != nil {
		return nil, fmt.Errorf("ошибка получения списка ставок (%s=%s): %w", column, username, err)
	}
	return rows, nil
}

// UnreadCount — число ставок, ждущих внимания владельца (агрегат хранилища).
func (r *Repository) UnreadCount(ctx context.Context, owner string) (int, error) {
	var n int
	if err := r.client.RPC(ctx, rpcUnreadCount, usernameArgs{Username: owner}, &n); err != nil {
		return 0, fmt.Errorf("rpc %s: %w", rpcUnreadCount, err)
	}
	return n, nil
}
