package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cdiperi/datacompass/internal/dq"
	"github.com/cdiperi/datacompass/internal/ledger"
	"github.com/cdiperi/datacompass/internal/runner"
	"github.com/cdiperi/datacompass/internal/storage"
)

type RunTrigger interface {
	Run(ctx context.Context, ids []string) runner.Summary
}

type BreachReader interface {
	GetBreach(ctx context.Context, id string) (dq.Breach, error)
	ListBreaches(ctx context.Context, status string) ([]dq.Breach, error)
}

type BreachLifecycle interface {
	Acknowledge(ctx context.Context, breachID, actor string, now time.Time) (dq.Breach, error)
	Close(ctx context.Context, breachID, actor string, now time.Time) (dq.Breach, error)
}

type NotificationReader interface {
	ListNotifications(ctx context.Context, ruleID string) ([]storage.NotificationRecord, error)
}

type Handler struct {
	Runner        RunTrigger
	Breaches      BreachReader
	Lifecycle     BreachLifecycle
	Notifications NotificationReader
	Timeout       time.Duration
}

type runRequest struct {
	ExpectationIDs []string `json:"expectationIds"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/runs", h.handleRun)
	r.Route("/breaches", func(r chi.Router) {
		r.Get("/", h.handleBreachList)
		r.Get("/{id}", h.handleBreachGet)
		r.Post("/{id}/acknowledge", h.handleBreachAcknowledge)
		r.Post("/{id}/close", h.handleBreachClose)
	})
	r.Get("/notifications", h.handleNotificationList)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
			return
		}
	}
	summary := h.Runner.Run(r.Context(), req.ExpectationIDs)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "summary": summary})
}

func (h *Handler) handleBreachList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	ctx, cancel := h.requestContext(r)
	defer cancel()
	breaches, err := h.Breaches.ListBreaches(ctx, status)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list breaches"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "breaches": breaches})
}

func (h *Handler) handleBreachGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	breach, err := h.Breaches.GetBreach(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeBreachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "breach": breach})
}

func (h *Handler) handleBreachAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Lifecycle.Acknowledge)
}

func (h *Handler) handleBreachClose(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Lifecycle.Close)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string, time.Time) (dq.Breach, error)) {
	var req actorRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
			return
		}
	}
	if req.Actor == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "actor is required"})
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()
	breach, err := fn(ctx, chi.URLParam(r, "id"), req.Actor, time.Now().UTC())
	if err != nil {
		writeBreachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "breach": breach})
}

func (h *Handler) handleNotificationList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	records, err := h.Notifications.ListNotifications(ctx, r.URL.Query().Get("ruleId"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list notifications"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notifications": records})
}

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

func writeBreachError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrBreachNotFound), errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "breach not found"})
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "breach operation failed"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
