package bids

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/checkin-bids/internal/datastore/datastoretest"
	"serotonyl.ru/checkin-bids/internal/events"
	"serotonyl.ru/checkin-bids/internal/features/ledger"
	"serotonyl.ru/checkin-bids/internal/features/ownership"
)

// recorder запоминает опубликованные события.
type recorder struct {
	mu     sync.Mutex
	events []events.BidEvent
}

func (r *recorder) Publish(_ context.Context, ev events.BidEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) statuses(bidID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.BidID == bidID {
			out = append(out, ev.Status)
		}
	}
	return out
}

type fixture struct {
	srv     *datastoretest.Server
	ledger  *ledger.Service
	intents *MemoryIntentStore
	events  *recorder
	service *Service
}

const startingBalance = 1000

// newFixture собирает движок поверх поддельного REST-хранилища,
// реестра в памяти и намерений в памяти.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := datastoretest.NewServer(t)
	registerBidRPCs(srv)
	client := srv.Client(t)

	f := &fixture{
		srv:     srv,
		ledger:  ledger.NewService(ledger.NewMemoryStore(), nil),
		intents: NewMemoryIntentStore(),
		events:  &recorder{},
	}
	f.service = NewService(NewRepository(client), f.ledger, ownership.NewService(client), f.intents, f.events, nil)
	f.service.grace = 0
	return f
}

func registerBidRPCs(srv *datastoretest.Server) {
	srv.HandleRPC(rpcReceivedBids, func(s *datastoretest.Server, args map[string]interface{}) (interface{}, error) {
		return orEmpty(s.Select(bidsTable, map[string]string{"owner_username": "eq." + fmt.Sprint(args["p_username"])})), nil
	})
	srv.HandleRPC(rpcSentBids, func(s *datastoretest.Server, args map[string]interface{}) (interface{}, error) {
		return orEmpty(s.Select(bidsTable, map[string]string{"bidder_username": "eq." + fmt.Sprint(args["p_username"])})), nil
	})
	srv.HandleRPC(rpcUnreadCount, func(s *datastoretest.Server, args map[string]interface{}) (interface{}, error) {
		rows := s.Select(bidsTable, map[string]string{
			"owner_username": "eq." + fmt.Sprint(args["p_username"]),
			"status":         "eq.pending",
		})
		return len(rows), nil
	})
}

func orEmpty(rows []datastoretest.Row) []datastoretest.Row {
	if rows == nil {
		return []datastoretest.Row{}
	}
	return rows
}

// fund выдаёт пользователю стартовый баланс.
func (f *fixture) fund(t *testing.T, usernames ...string) {
	t.Helper()
	for _, u := range usernames {
		require.NoError(t, f.ledger.Add(context.Background(), u, startingBalance, ledger.ReasonOnboarding))
	}
}

// building создаёт запись здания с владельцем и возвращает её id.
func (f *fixture) building(owner string) string {
	id := "R-" + gofakeit.LetterN(8)
	f.srv.Seed("building", datastoretest.Row{"id": id, "username": owner})
	return id
}

func (f *fixture) owner(recordID string) interface{} {
	return f.srv.Find("building", recordID)["username"]
}

func (f *fixture) entry(t *testing.T, username string) ledger.Entry {
	t.Helper()
	e, err := f.ledger.GetEntry(context.Background(), username)
	require.NoError(t, err)
	return e
}

func (f *fixture) bid(t *testing.T, recordID, bidder, owner string, amount int64) *Bid {
	t.Helper()
	b, err := f.service.CreateBid(context.Background(), CreateBidRequest{
		RecordID:      recordID,
		RecordType:    ownership.RecordTypeBuilding,
		OwnerUsername: owner,
		BidAmount:     amount,
	}, bidder)
	require.NoError(t, err)
	return b
}
