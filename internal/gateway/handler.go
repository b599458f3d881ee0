package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/shsh-acp/internal/acp"
	"github.com/ashureev/shsh-acp/internal/config"
	"github.com/ashureev/shsh-acp/internal/identity"
	"github.com/ashureev/shsh-acp/internal/store"
)

// maxRequestBodySize bounds JSON command bodies (prompts included).
const maxRequestBodySize = 1 << 20

// ErrInvalidRequest marks client input errors.
var ErrInvalidRequest = errors.New("gateway: invalid request")

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps registry and session errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNoEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, acp.ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, acp.ErrSessionClosed), errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, acp.ErrNotConnected), errors.Is(err, acp.ErrSendQueueFull),
		errors.Is(err, ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	Error(w, status, err.Error())
}

// Handler serves the session API.
type Handler struct {
	registry *Registry
	repo     store.Repository
	sse      config.SSEConfig
}

// NewHandler returns a Handler over registry.
func NewHandler(registry *Registry, repo store.Repository, sse config.SSEConfig) *Handler {
	return &Handler{registry: registry, repo: repo, sse: sse}
}

// RegisterRoutes mounts the session API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/connect", h.command(func(s *acp.Session) error { return s.Connect() }))
			r.Post("/retry", h.command(func(s *acp.Session) error { return s.Retry() }))
			r.Post("/cancel", h.command(func(s *acp.Session) error { return s.CancelPrompt() }))
			r.Post("/disconnect", h.command(func(s *acp.Session) error {
				s.Disconnect()
				return nil
			}))
			r.Post("/agent", h.SwitchAgent)
			r.Post("/prompt", h.Prompt)
			r.Get("/messages", h.Messages)
			r.Get("/events", h.Events)
		})
	})
}

// RegisterHealth registers the health check route.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body too large", ErrInvalidRequest)
		}
		return fmt.Errorf("%w: invalid request body", ErrInvalidRequest)
	}
	return nil
}

// Create handles POST /api/sessions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID != "" && !identity.IsValidSessionID(req.SessionID) {
		Error(w, http.StatusBadRequest, "invalid sessionId")
		return
	}

	owner := identity.ViewerIDFromContext(r.Context())
	entry, created, err := h.registry.Create(r.Context(), owner, req)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		slog.Info("session created via API",
			"session_id", entry.Session().ID(),
			"owner", owner,
			"remote_ip", identity.IPFromRequest(r),
		)
	}
	JSON(w, status, liveView(entry))
}

// List handles GET /api/sessions.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.registry.List(r.Context(), identity.ViewerIDFromContext(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (h *Handler) entry(w http.ResponseWriter, r *http.Request) (*Entry, bool) {
	owner := identity.ViewerIDFromContext(r.Context())
	e, err := h.registry.Get(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	return e, true
}

// Get handles GET /api/sessions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, liveView(e))
}

// Delete handles DELETE /api/sessions/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	owner := identity.ViewerIDFromContext(r.Context())
	if err := h.registry.Remove(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// command adapts a session command to a handler that replies with the
// post-command snapshot.
func (h *Handler) command(fn func(*acp.Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := h.entry(w, r)
		if !ok {
			return
		}
		if err := fn(e.Session()); err != nil {
			writeErr(w, r, err)
			return
		}
		JSON(w, http.StatusOK, liveView(e))
	}
}

// SwitchAgent handles POST /api/sessions/{id}/agent.
func (h *Handler) SwitchAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentType string `json:"agentType"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.AgentType) == "" {
		Error(w, http.StatusBadRequest, "agentType is required")
		return
	}
	h.command(func(s *acp.Session) error { return s.SwitchAgent(req.AgentType) })(w, r)
}

// Prompt handles POST /api/sessions/{id}/prompt.
func (h *Handler) Prompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}
	h.command(func(s *acp.Session) error { return s.SendPrompt(req.Text) })(w, r)
}

// Messages handles GET /api/sessions/{id}/messages. With ?after=N it returns
// the persisted frames after seq N instead of the in-memory snapshot.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		JSON(w, http.StatusOK, e.Session().Messages().Snapshot())
		return
	}
	seq, err := strconv.ParseInt(after, 10, 64)
	if err != nil || seq < 0 {
		Error(w, http.StatusBadRequest, "invalid after")
		return
	}
	msgs, err := h.repo.ListMessages(r.Context(), e.Session().ID(), seq)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// Events handles GET /api/sessions/{id}/events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	slog.Info("session stream connected",
		"session_id", e.Session().ID(),
		"owner", e.Owner(),
		"last_event_id", lastEventID(r),
	)
	ServeSSE(w, r, e.Hub(), StreamOptions{
		RetryDelay:        h.sse.RetryDelay,
		KeepaliveInterval: h.sse.KeepaliveInterval,
		Initial:           e.Session().Snapshot(),
	})
	slog.Info("session stream closed", "session_id", e.Session().ID())
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":   "healthy",
		"checks":   checks,
		"sessions": h.registry.Len(),
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}
