package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/httpstore"
	"github.com/Wyydra/yacall/internal/auth"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxBody = 1 << 20

func (h *Handler) CreateCall(w http.ResponseWriter, r *http.Request) {
	var in domain.CallAttempt
	if !decode(w, r, &in) {
		return
	}
	if !h.allowed(w, r, in.CallerID, in.ReceiverID) {
		return
	}
	call, err := domain.NewCallAttempt(in.ID, in.ChatID, in.CallerID, in.ReceiverID, in.Kind, in.CreatedAt)
	if err != nil {
		writeError(w, err)
		return
	}
	if in.CreatedAt.IsZero() {
		call.CreatedAt = h.Records.Now()
	}
	if err := h.Calls.Create(r.Context(), *call); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, call)
}

func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	call, ok := h.loadCall(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (h *Handler) UpdateCall(w http.ResponseWriter, r *http.Request) {
	call, ok := h.loadCall(w, r)
	if !ok {
		return
	}
	var u domain.StatusUpdate
	if !decode(w, r, &u) {
		return
	}
	updated, err := h.Calls.Update(r.Context(), call.ID, u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteCall(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	by, _ := auth.UserFrom(r.Context())
	if err := h.Records.Delete(r.Context(), id, by); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	call, ok := h.loadCall(w, r)
	if !ok {
		return
	}
	sigs, err := h.Calls.Signals(r.Context(), call.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sigs)
}

func (h *Handler) AppendSignal(w http.ResponseWriter, r *http.Request) {
	call, ok := h.loadCall(w, r)
	if !ok {
		return
	}
	var sig domain.SignalRecord
	if !decode(w, r, &sig) {
		return
	}
	if !call.Involves(sig.SenderID) {
		writeError(w, domain.ErrUnauthorized)
		return
	}
	// With auth on, a participant may only log its own signals.
	if !h.allowed(w, r, sig.SenderID) {
		return
	}
	if sig.Description == nil && sig.Candidate == nil {
		writeJSON(w, http.StatusBadRequest, httpstore.ErrorBody{Error: "signal has no payload", Code: httpstore.CodeInvalid})
		return
	}
	sig.CallID = call.ID
	if sig.ID == (domain.SignalID{}) {
		sig.ID = domain.NewSignalID()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = h.Records.Now()
	}
	if err := h.Calls.AppendSignal(r.Context(), sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (h *Handler) ActiveCall(w http.ResponseWriter, r *http.Request) {
	call, err := h.Calls.ActiveByChat(r.Context(), domain.ChatID(chi.URLParam(r, "chatID")))
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.allowed(w, r, call.CallerID, call.ReceiverID) {
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (h *Handler) UserCalls(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(chi.URLParam(r, "userID"))
	if !h.allowed(w, r, userID) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, httpstore.ErrorBody{Error: "limit must be a non-negative integer", Code: httpstore.CodeInvalid})
			return
		}
		limit = n
	}
	calls, err := h.Records.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (h *Handler) loadCall(w http.ResponseWriter, r *http.Request) (domain.CallAttempt, bool) {
	id, ok := callID(w, r)
	if !ok {
		return domain.CallAttempt{}, false
	}
	call, err := h.Calls.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return domain.CallAttempt{}, false
	}
	if !h.allowed(w, r, call.CallerID, call.ReceiverID) {
		return domain.CallAttempt{}, false
	}
	return call, true
}

// allowed lets the request through when auth is off or the token belongs to one of users.
func (h *Handler) allowed(w http.ResponseWriter, r *http.Request, users ...domain.UserID) bool {
	if h.Auth == nil {
		return true
	}
	me, ok := auth.UserFrom(r.Context())
	if ok {
		for _, u := range users {
			if u == me {
				return true
			}
		}
	}
	writeError(w, domain.ErrUnauthorized)
	return false
}

func callID(w http.ResponseWriter, r *http.Request) (domain.CallID, bool) {
	id, err := domain.ParseCallID(chi.URLParam(r, "callID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, httpstore.ErrorBody{Error: "malformed call id", Code: httpstore.CodeInvalid})
		return domain.CallID{}, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, httpstore.ErrorBody{Error: "malformed body: " + err.Error(), Code: httpstore.CodeInvalid})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCallNotFound):
		writeJSON(w, http.StatusNotFound, httpstore.ErrorBody{Error: err.Error(), Code: httpstore.CodeNotFound})
	case errors.Is(err, domain.ErrStatusRegression):
		writeJSON(w, http.StatusConflict, httpstore.ErrorBody{Error: err.Error(), Code: httpstore.CodeRegression})
	case errors.Is(err, domain.ErrInvalidCall):
		writeJSON(w, http.StatusBadRequest, httpstore.ErrorBody{Error: err.Error(), Code: httpstore.CodeInvalid})
	case errors.Is(err, domain.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, httpstore.ErrorBody{Error: err.Error(), Code: httpstore.CodeUnauthorized})
	default:
		log.Error().Err(err).Msg("Call API error")
		writeJSON(w, http.StatusInternalServerError, httpstore.ErrorBody{Error: "internal error", Code: httpstore.CodeInternal})
	}
}
