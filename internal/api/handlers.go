package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"serotonyl.ru/checkin-bids/internal/features/bids"
)

type counterRequest struct {
	CounterAmount int64  `json:"counter_amount"`
	Message       string `json:"message"`
}

type acceptRequest struct {
	Contact string `json:"contact"`
}

type rejectRequest struct {
	Message string `json:"message"`
}

// bidResponse — ставка и, для 202, причина незавершённой передачи.
type bidResponse struct {
	Bid     interface{} `json:"bid"`
	Pending string      `json:"pending,omitempty"`
}

type creditsResponse struct {
	Username  string `json:"username"`
	Total     int64  `json:"total_credits"`
	Frozen    int64  `json:"frozen_credits"`
	Available int64  `json:"available_credits"`
}

// decode читает JSON-тело. Пустое тело допустимо для необязательных полей.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "некорректный JSON: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) credits(w http.ResponseWriter, r *http.Request) {
	e, err := h.ledger.GetEntry(r.Context(), usernameFrom(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, creditsResponse{
		Username:  e.Username,
		Total:     e.Total,
		Frozen:    e.Frozen,
		Available: e.Available(),
	})
}

func (h *Handler) createBid(w http.ResponseWriter, r *http.Request) {
	var req bids.CreateBidRequest
	if r.ContentLength == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "пустое тело запроса")
		return
	}
	if !decode(w, r, &req) {
		return
	}

	b, err := h.bids.CreateBid(r.Context(), req, usernameFrom(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) receivedBids(w http.ResponseWriter, r *http.Request) {
	list, err := h.bids.GetReceivedBids(r.Context(), usernameFrom(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(list))
}

func (h *Handler) sentBids(w http.ResponseWriter, r *http.Request) {
	list, err := h.bids.GetSentBids(r.Context(), usernameFrom(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(list))
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.bids.GetUnreadBidCount(r.Context(), usernameFrom(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (h *Handler) getBid(w http.ResponseWriter, r *http.Request) {
	b, err := h.bids.GetBid(r.Context(), mux.Vars(r)["id"], usernameFrom(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) counterOffer(w http.ResponseWriter, r *http.Request) {
	var req counterRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.bids.CounterOffer(r.Context(), mux.Vars(r)["id"], usernameFrom(r), req.CounterAmount, req.Message)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// acceptBid определяет сторону по самой ставке: покупатель или владелец.
func (h *Handler) acceptBid(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if !decode(w, r, &req) {
		return
	}
	id, caller := mux.Vars(r)["id"], usernameFrom(r)

	current, err := h.bids.GetBid(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}

	b, err := h.bids.AcceptBid(r.Context(), id, caller, req.Contact, current.BidderUsername == caller)
	if err != nil {
		var body interface{}
		if b != nil {
			body = b
		}
		writeServiceError(w, r, err, body)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) rejectBid(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.bids.RejectBid(r.Context(), mux.Vars(r)["id"], usernameFrom(r), req.Message)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) cancelBid(w http.ResponseWriter, r *http.Request) {
	b, err := h.bids.CancelBid(r.Context(), mux.Vars(r)["id"], usernameFrom(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func orEmpty(list []bids.Bid) []bids.Bid {
	if list == nil {
		return []bids.Bid{}
	}
	return list
}
