// Package api — HTTP API поверх движка ставок и реестра кредитов.
// Пользователь определяется заголовком X-Username; аутентификацию выполняет
// шлюз перед сервисом.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/features/bids"
	"serotonyl.ru/checkin-bids/internal/features/ledger"
	"serotonyl.ru/checkin-bids/internal/metrics"
)

// UsernameHeader — заголовок с username вызывающего.
const UsernameHeader = "X-Username"

type ctxKey struct{}

// Handler обслуживает HTTP API.
type Handler struct {
	bids    *bids.Service
	ledger  *ledger.Service
	metrics *metrics.Metrics
}

// NewHandler создаёт обработчик API. m может быть nil, тогда /metrics не отдаётся.
func NewHandler(bidsService *bids.Service, ledgerService *ledger.Service, m *metrics.Metrics) *Handler {
	return &Handler{bids: bidsService, ledger: ledgerService, metrics: m}
}

// Router собирает маршруты.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if h.metrics != nil {
		router.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(requireUsername)
	api.HandleFunc("/credits", h.credits).Methods(http.MethodGet)
	api.HandleFunc("/bids", h.createBid).Methods(http.MethodPost)
	api.HandleFunc("/bids/received", h.receivedBids).Methods(http.MethodGet)
	api.HandleFunc("/bids/sent", h.sentBids).Methods(http.MethodGet)
	api.HandleFunc("/bids/unread", h.unreadCount).Methods(http.MethodGet)
	api.HandleFunc("/bids/{id}", h.getBid).Methods(http.MethodGet)
	api.HandleFunc("/bids/{id}/counter", h.counterOffer).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/accept", h.acceptBid).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/reject", h.rejectBid).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/cancel", h.cancelBid).Methods(http.MethodPost)

	router.Use(loggingMiddleware)
	return router
}

// NewServer создаёт HTTP-сервер с таймаутами.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// requireUsername достаёт username из заголовка и кладёт в контекст.
func requireUsername(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := common.NormalizeUsername(r.Header.Get(UsernameHeader))
		if username == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "заголовок "+UsernameHeader+" обязателен")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, username)))
	})
}

func usernameFrom(r *http.Request) string {
	u, _ := r.Context().Value(ctxKey{}).(string)
	return u
}

// loggingMiddleware логирует каждый запрос.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP-запрос")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
