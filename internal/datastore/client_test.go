package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/checkin-bids/internal/common"
)

var fastRetry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		APIKey:      "service-key",
		BearerToken: "user-token",
		Timeout:     time.Second,
		Retry:       fastRetry,
	})
	require.NoError(t, err)
	return c
}

func TestClientSendsAuthHeadersAndDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/rest/v1/bids", r.URL.Path)
		assert.Equal(t, "eq.b1", r.URL.Query().Get("id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"b1"}]`))
	})

	var rows []map[string]string
	err := c.Select(context.Background(), "bids", url.Values{"id": {Eq("b1")}}, &rows)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b1", rows[0]["id"])
}

func TestClientBearerDefaultsToAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer only-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "only-key"})
	require.NoError(t, err)
	require.NoError(t, c.Select(context.Background(), "bids", nil, nil))
}

func TestClientInsertAsksForRepresentation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["bidder_username"])

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`[{"id":"new"}]`))
	})

	var rows []map[string]string
	err := c.Insert(context.Background(), "bids", map[string]string{"bidder_username": "alice"}, &rows)
	require.NoError(t, err)
	assert.Equal(t, "new", rows[0]["id"])
}

func TestClientInsertIdempotentIgnoresDuplicates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "id", r.URL.Query().Get("on_conflict"))
		assert.Equal(t, "return=representation,resolution=ignore-duplicates", r.Header.Get("Prefer"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`[]`))
	})

	var rows []map[string]string
	err := c.InsertIdempotent(context.Background(), "bids", "id", map[string]string{"id": "b1"}, &rows)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestClientRetriesTransientStatus(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`5`))
	})

	var n int
	err := c.RPC(context.Background(), "get_unread_bid_count", map[string]string{"p_username": "bob"}, &n)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream down`))
	})

	err := c.Select(context.Background(), "bids", nil, nil)
	var httpErr *common.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.Status)
	assert.Equal(t, "upstream down", httpErr.Body)
	assert.Equal(t, int32(fastRetry.MaxRetries+1), atomic.LoadInt32(&calls))
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad filter"}`))
	})

	err := c.Select(context.Background(), "bids", nil, nil)
	var httpErr *common.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientTimeoutIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL: srv.URL,
		APIKey:  "k",
		Timeout: 20 * time.Millisecond,
		Retry:   RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)

	err = c.Select(context.Background(), "bids", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrTimeout))
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxRetries: 10, BaseDelay: 50 * time.Millisecond}, "test", func(context.Context) error {
		calls++
		cancel()
		return common.ErrNetwork
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(2))
}

func TestWithFallback(t *testing.T) {
	ctx := context.Background()

	res, err := WithFallback(ctx, "ok",
		func(context.Context) ([]string, error) { return []string{"rpc"}, nil },
		func(context.Context) ([]string, error) { t.Fatal("fallback must not run"); return nil, nil },
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"rpc"}, res)

	res, err = WithFallback(ctx, "fallback",
		func(context.Context) ([]string, error) { return nil, &common.HTTPError{Status: 404} },
		func(context.Context) ([]string, error) { return []string{"list"}, nil },
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"list"}, res)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = WithFallback(cctx, "cancelled",
		func(context.Context) ([]string, error) { return nil, common.ErrNetwork },
		func(context.Context) ([]string, error) { t.Fatal("fallback must not run"); return nil, nil },
	)
	assert.ErrorIs(t, err, context.Canceled)
}
