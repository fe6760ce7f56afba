package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/datastore/datastoretest"
	"serotonyl.ru/checkin-bids/internal/features/bids"
	"serotonyl.ru/checkin-bids/internal/features/ledger"
	"serotonyl.ru/checkin-bids/internal/features/ownership"
	"serotonyl.ru/checkin-bids/internal/metrics"
)

type apiFixture struct {
	srv    *datastoretest.Server
	ledger *ledger.Service
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	srv := datastoretest.NewServer(t)
	client := srv.Client(t)
	m := metrics.New()

	led := ledger.NewService(ledger.NewMemoryStore(), m)
	svc := bids.NewService(bids.NewRepository(client), led, ownership.NewService(client),
		bids.NewMemoryIntentStore(), nil, m)

	require.NoError(t, led.Add(context.Background(), "alice", 1000, ledger.ReasonOnboarding))
	srv.Seed("building", datastoretest.Row{"id": "R1", "username": "bob"})

	return &apiFixture{srv: srv, ledger: led, router: NewHandler(svc, led, m).Router()}
}

func (f *apiFixture) do(t *testing.T, method, path, username string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if username != "" {
		req.Header.Set(UsernameHeader, username)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBid(t *testing.T, rec *httptest.ResponseRecorder) bids.Bid {
	t.Helper()
	var b bids.Bid
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b), rec.Body.String())
	return b
}

func (f *apiFixture) createBid(t *testing.T, amount int64) bids.Bid {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/bids", "alice", map[string]interface{}{
		"record_id": "R1", "record_type": "building", "owner_username": "bob", "bid_amount": amount,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBid(t, rec)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestUsernameHeaderRequired(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/credits", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBidLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	b := f.createBid(t, 100)
	assert.Equal(t, bids.StatusPending, b.Status)

	rec := f.do(t, http.MethodPost, "/api/bids/"+b.ID+"/counter", "bob", map[string]interface{}{"counter_amount": 150})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, bids.StatusCountered, decodeBid(t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/bids/"+b.ID+"/accept", "alice", map[string]string{"contact": "alice@x.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, bids.StatusAccepted, decodeBid(t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/bids/"+b.ID+"/accept", "@Bob", map[string]string{"contact": "bob@x.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeBid(t, rec)
	assert.Equal(t, bids.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "alice", f.srv.Find("building", "R1")["username"])

	rec = f.do(t, http.MethodGet, "/api/credits", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"username":"alice","total_credits":850,"frozen_credits":0,"available_credits":850}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `checkin_bids_bids_transitions_total{status="completed"} 1`)
}

func TestCreateBidNormalizesOwner(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/bids", "alice", map[string]interface{}{
		"record_id": "R1", "record_type": "building", "owner_username": "@Bob", "bid_amount": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decodeBid(t, rec)
	assert.Equal(t, "bob", b.OwnerUsername)
	assert.Equal(t, "alice", b.BidderUsername)
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	b := f.createBid(t, 100)

	tests := []struct {
		name     string
		method   string
		path     string
		username string
		body     interface{}
		want     int
	}{
		{"insufficient", http.MethodPost, "/api/bids", "alice",
			map[string]interface{}{"record_id": "R1", "record_type": "building", "owner_username": "bob", "bid_amount": 5000}, http.StatusPaymentRequired},
		{"self bid", http.MethodPost, "/api/bids", "bob",
			map[string]interface{}{"record_id": "R1", "record_type": "building", "owner_username": "bob", "bid_amount": 10}, http.StatusBadRequest},
		{"stale owner", http.MethodPost, "/api/bids", "alice",
			map[string]interface{}{"record_id": "R1", "record_type": "building", "owner_username": "carol", "bid_amount": 10}, http.StatusConflict},
		{"empty body", http.MethodPost, "/api/bids", "alice", nil, http.StatusBadRequest},
		{"counter by bidder", http.MethodPost, "/api/bids/" + b.ID + "/counter", "alice", map[string]int{"counter_amount": 120}, http.StatusConflict},
		{"zero counter", http.MethodPost, "/api/bids/" + b.ID + "/counter", "bob", map[string]int{"counter_amount": 0}, http.StatusBadRequest},
		{"missing contact", http.MethodPost, "/api/bids/" + b.ID + "/accept", "bob", map[string]string{}, http.StatusBadRequest},
		{"foreign bid", http.MethodGet, "/api/bids/" + b.ID, "mallory", nil, http.StatusNotFound},
		{"unknown bid", http.MethodPost, "/api/bids/nope/cancel", "alice", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.username, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/bids", bytes.NewBufferString("{not json"))
	req.Header.Set(UsernameHeader, "alice")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcceptWithPendingTransferReturns202(t *testing.T) {
	f := newAPIFixture(t)
	b := f.createBid(t, 100)

	rec := f.do(t, http.MethodPost, "/api/bids/"+b.ID+"/accept", "bob", map[string]string{"contact": "bob@x.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.srv.Fail(http.MethodPatch, "/rest/v1/building", http.StatusServiceUnavailable, -1)
	rec = f.do(t, http.MethodPost, "/api/bids/"+b.ID+"/accept", "alice", map[string]string{"contact": "alice@x.com"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		Bid     bids.Bid `json:"bid"`
		Pending string   `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, bids.StatusAccepted, resp.Bid.Status)
	assert.NotEmpty(t, resp.Pending)
}

func TestDatastoreOutageIs502(t *testing.T) {
	f := newAPIFixture(t)
	b := f.createBid(t, 100)

	f.srv.Fail(http.MethodGet, "/rest/v1/bids", http.StatusServiceUnavailable, -1)
	rec := f.do(t, http.MethodGet, "/api/bids/"+b.ID, "alice", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestListsFallBackWithoutRPC(t *testing.T) {
	f := newAPIFixture(t)
	f.createBid(t, 100)
	f.createBid(t, 200)

	rec := f.do(t, http.MethodGet, "/api/bids/received", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list []bids.Bid
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = f.do(t, http.MethodGet, "/api/bids/sent", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&common.TransferFailedError{Cause: common.ErrInsufficientBalance}, http.StatusAccepted},
		{common.NewValidationError("x", "y"), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", common.ErrNotFound), http.StatusNotFound},
		{common.ErrInsufficientBalance, http.StatusPaymentRequired},
		{common.ErrStaleRecord, http.StatusConflict},
		{&common.HTTPError{Status: 400}, http.StatusBadGateway},
		{common.ErrNetwork, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestUnreadFallsBackToPendingCount(t *testing.T) {
	f := newAPIFixture(t)
	b := f.createBid(t, 100)
	f.createBid(t, 50)

	rec := f.do(t, http.MethodPost, "/api/bids/"+b.ID+"/reject", "bob", map[string]string{"message": "нет"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/bids/unread", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"unread":1}`, rec.Body.String())
}
