package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/voice"
)

type errorBody struct {
	Error   string         `json:"error"`
	Session voice.Snapshot `json:"session"`
}

type historyBody struct {
	Messages []voice.Message `json:"messages"`
}

// Handler returns the HTTP API, health probes, metrics and the WebSocket
// status feed behind the request metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("GET /v1/session", a.handleSnapshot)
	mux.Handle("GET /v1/session/events", a.hub)
	mux.HandleFunc("GET /v1/history", a.handleHistory)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.manager.Start(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Info("session start failed", "err", err)
		writeJSON(w, startStatus(err), errorBody{Error: voice.UserMessage(err), Session: a.manager.Snapshot()})
		return
	}
	writeJSON(w, http.StatusOK, a.manager.Snapshot())
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, voice.ErrAlreadyActive), errors.Is(err, voice.ErrStartAborted):
		return http.StatusConflict
	case errors.Is(err, voice.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, voice.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: voice.UserMessage(err), Session: a.manager.Snapshot()})
		return
	}
	writeJSON(w, http.StatusOK, a.manager.Snapshot())
}

func (a *App) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Snapshot())
}

// handleHistory lists messages. session_id is a UUID or "current"; absent
// means all sessions. limit keeps the newest n.
func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	var q history.Query
	switch id := r.URL.Query().Get("session_id"); id {
	case "":
	case "current":
		q.SessionID = a.manager.Snapshot().SessionID
		if q.SessionID == uuid.Nil {
			writeJSON(w, http.StatusOK, historyBody{Messages: []voice.Message{}})
			return
		}
	default:
		parsed, err := uuid.Parse(id)
		if err != nil {
			http.Error(w, "invalid session_id", http.StatusBadRequest)
			return
		}
		q.SessionID = parsed
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}

	msgs, err := a.history.List(r.Context(), q)
	if err != nil {
		observe.Logger(r.Context()).Error("list history", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, historyBody{Messages: msgs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
