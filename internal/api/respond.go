package api

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
)

// errorResponse — тело ответа с ошибкой.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Ошибка записи JSON-ответа")
	}
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}

// statusFor сопоставляет ошибку движка HTTP-статусу и короткому коду.
// Незавершённая передача — 202: согласие получено, сделка будет доведена.
func statusFor(err error) (int, string) {
	switch {
	case common.IsTransferFailed(err):
		return http.StatusAccepted, "transfer_pending"
	case errors.Is(err, common.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, common.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, common.ErrInvalidTransition), errors.Is(err, common.ErrStaleRecord):
		return http.StatusConflict, "conflict"
	}

	var httpErr *common.HTTPError
	if common.IsTemporary(err) || errors.As(err, &httpErr) {
		return http.StatusBadGateway, "datastore_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeServiceError отвечает ошибкой движка. Для 202 и 409 с известной
// ставкой в теле возвращается её текущее состояние.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, bid interface{}) {
	status, code := statusFor(err)

	switch {
	case status == http.StatusAccepted && bid != nil:
		writeJSON(w, status, bidResponse{Bid: bid, Pending: err.Error()})
		return
	case status >= http.StatusInternalServerError:
		log.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Ошибка обработки запроса")
	}
	writeError(w, status, code, err.Error())
}
