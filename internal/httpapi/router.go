// Package httpapi exposes the dispatcher over a small JSON API, mainly for
// scripting and for operators without the chat client.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/antonkrylov/streamops/internal/dispatch"
	"github.com/antonkrylov/streamops/internal/session"
)

type Handler interface {
	Handle(ctx context.Context, ev dispatch.Event) error
}

// Auth is what a caller must present. Operators, when non-empty, are the
// only ids the token holder may act as.
type Auth struct {
	Token     string
	Operators []string
}

// NewRouter wires the gateway routes. Every route except /healthz requires
// the bearer token; with an empty token they all answer 401.
func NewRouter(h Handler, gw *Gateway, sessions *session.Store, auth Auth, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	api := &api{handler: h, gateway: gw, sessions: sessions, operators: auth.Operators, logger: logger}
	r.Get("/healthz", api.Health)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(auth.Token))
		r.Post("/v1/events", api.PostEvent)
		r.Get("/v1/sessions/{operator}", api.GetSession)
		r.Get("/v1/outbox/{name}", api.GetOutbox)
		r.Delete("/v1/outbox/{name}", api.DeleteOutbox)
	})
	return r
}

type api struct {
	handler   Handler
	gateway   *Gateway
	sessions  *session.Store
	operators []string
	logger    *slog.Logger
}

func (a *api) mayActAs(operator string) bool {
	return len(a.operators) == 0 || slices.Contains(a.operators, operator)
}

type eventRequest struct {
	Operator string `json:"operator"`
	Payload  string `json:"payload"`
}

type messageJSON struct {
	Text           string   `json:"text"`
	Keyboard       []string `json:"keyboard,omitempty"`
	RemoveKeyboard bool     `json:"removeKeyboard,omitempty"`
}

type eventResponse struct {
	Messages []messageJSON `json:"messages"`
	Files    []string      `json:"files,omitempty"`
}

func (a *api) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": a.sessions.Len(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// PostEvent handles POST /v1/events. The response carries every reply the
// event produced, including side-effect outcomes.
func (a *api) PostEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}
	if !a.mayActAs(req.Operator) {
		writeError(w, http.StatusForbidden, "token may not act as this operator")
		return
	}
	c, err := a.gateway.open(req.Operator)
	if errors.Is(err, errOperatorInFlight) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer a.gateway.close(req.Operator)

	if err := a.handler.Handle(withCollector(r.Context(), c), dispatch.Event{Operator: req.Operator, Payload: req.Payload}); err != nil {
		a.logger.Error("handle event", "operator", req.Operator, "err", err)
	}

	a.gateway.mu.Lock()
	resp := eventResponse{Messages: make([]messageJSON, 0, len(c.messages)), Files: append([]string(nil), c.files...)}
	for _, m := range c.messages {
		resp.Messages = append(resp.Messages, messageJSON{Text: m.Text, Keyboard: m.Keyboard, RemoveKeyboard: m.RemoveKeyboard})
	}
	a.gateway.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /v1/sessions/{operator}.
func (a *api) GetSession(w http.ResponseWriter, r *http.Request) {
	operator := chi.URLParam(r, "operator")
	if !a.mayActAs(operator) {
		writeError(w, http.StatusForbidden, "token may not act as this operator")
		return
	}
	sess, ok := a.sessions.Get(operator)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !sess.TryAcquire() {
		writeJSON(w, http.StatusOK, map[string]any{"operator": operator, "state": "busy"})
		return
	}
	out := map[string]any{
		"operator":  operator,
		"state":     sess.State.String(),
		"createdAt": sess.CreatedAt.UTC().Format(time.RFC3339),
		"target":    sess.Fields.Target,
		"table":     sess.Fields.Table,
	}
	sess.Release()
	writeJSON(w, http.StatusOK, out)
}

func (a *api) outboxPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return "", false
	}
	return filepath.Join(a.gateway.OutboxDir, name), true
}

// GetOutbox handles GET /v1/outbox/{name}.
func (a *api) GetOutbox(w http.ResponseWriter, r *http.Request) {
	path, ok := a.outboxPath(w, r)
	if !ok {
		return
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Name()+`"`)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// DeleteOutbox handles DELETE /v1/outbox/{name}.
func (a *api) DeleteOutbox(w http.ResponseWriter, r *http.Request) {
	path, ok := a.outboxPath(w, r)
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type contextKey string

const requestIDKey contextKey = "requestID"

// RequestID tags each request with a short id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			id, _ := r.Context().Value(requestIDKey).(string)
			logger.Info("request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// BearerAuth checks Authorization: Bearer <token>. An empty token rejects
// every request.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if token == "" || subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
