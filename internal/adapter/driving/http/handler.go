package http

import (
	"encoding/json"
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/auth"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	Hub     *ws.Hub
	Relay   *service.SignalingRelay
	Calls   port.CallStore
	Records *service.CallRecorder
	// Auth is optional; the call API is open when nil.
	Auth *auth.Manager
}

func NewHandler(hub *ws.Hub, relay *service.SignalingRelay, calls port.CallStore, authManager *auth.Manager) *Handler {
	return &Handler{
		Hub:     hub,
		Relay:   relay,
		Calls:   calls,
		Records: service.NewCallRecorder(calls),
		Auth:    authManager,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", h.Status)
	r.Get("/online-users", h.OnlineUsers)
	r.Get("/ws", h.ServeWS)

	r.Group(func(r chi.Router) {
		if h.Auth != nil {
			r.Use(auth.RequireToken(h.Auth))
		}
		r.Route("/calls", func(r chi.Router) {
			r.Post("/", h.CreateCall)
			r.Route("/{callID}", func(r chi.Router) {
				r.Get("/", h.GetCall)
				r.Patch("/", h.UpdateCall)
				r.Delete("/", h.DeleteCall)
				r.Get("/signals", h.ListSignals)
				r.Post("/signals", h.AppendSignal)
			})
		})
		r.Get("/chats/{chatID}/calls/active", h.ActiveCall)
		r.Get("/users/{userID}/calls", h.UserCalls)
	})

	return r
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Hub.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"message":        "Signaling server running",
		"connectedUsers": len(snap.Online),
	})
}

func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Hub.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"onlineUsers": snap.Online})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Error writing response")
	}
}
