// Package api provides HTTP handlers for the quote intake API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/quotevoice/internal/archive"
	"github.com/ashureev/quotevoice/internal/domain"
	"github.com/ashureev/quotevoice/internal/realtime"
	"github.com/ashureev/quotevoice/internal/vehicle"
)

// Sessions is the session manager surface used by the HTTP layer.
type Sessions interface {
	Create(userID string) (*domain.Session, error)
	Get(id string) (*domain.Session, error)
	Touch(id string) (*domain.Session, error)
	UpdateData(id string, patch domain.Application) (*domain.Session, error)
	History(id string) ([]domain.ConversationEntry, error)
	Count() int
}

// Lifecycle opens live sessions and ends them.
type Lifecycle interface {
	Open(ctx context.Context, sessionID string, clientInfo map[string]string) (*realtime.Orchestrator, error)
	End(ctx context.Context, sessionID, reason string) (*archive.Result, error)
	LiveCount() int
}

// VehicleSteps validates vehicle steps.
type VehicleSteps interface {
	Submit(ctx context.Context, sessionID string, slot int, step vehicle.Step, value string) (vehicle.StepResult, error)
}

// Conversations is the read side of the archive.
type Conversations interface {
	List(ctx context.Context, limit int) ([]*domain.ArchivedConversation, error)
	Get(ctx context.Context, conversationID string) (*archive.Record, error)
	Summary(ctx context.Context, conversationID string) (*archive.Summary, error)
	Extracted(ctx context.Context, conversationID string) (*domain.Application, error)
	Audio(ctx context.Context, conversationID string) ([]byte, error)
}

// Handler provides the session, vehicle and conversation endpoints.
type Handler struct {
	sessions      Sessions
	lifecycle     Lifecycle
	vehicles      VehicleSteps
	conversations Conversations
	limiter       *RateLimiter
	conns         *ConnRegistry
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// Options carries the optional parts of a Handler.
type Options struct {
	Limiter       *RateLimiter
	AllowedOrigin string
	IsDev         bool
	Logger        *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(sessions Sessions, lifecycle Lifecycle, vehicles VehicleSteps, conversations Conversations, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		sessions:      sessions,
		lifecycle:     lifecycle,
		vehicles:      vehicles,
		conversations: conversations,
		limiter:       opts.Limiter,
		conns:         NewConnRegistry(opts.Logger),
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		logger:        opts.Logger,
	}
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Patch("/", h.UpdateSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/keepalive", h.KeepAlive)
			r.Get("/history", h.GetHistory)
			r.Post("/end", h.EndSession)
			r.Post("/vehicles/{slot}/{step}", h.SubmitVehicleStep)
		})
	})
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations)
		r.Get("/{id}", h.GetConversation)
		r.Get("/{id}/summary", h.GetSummary)
		r.Get("/{id}/extracted", h.GetExtracted)
		r.Get("/{id}/audio", h.GetAudio)
	})
	r.Get("/ws/sessions/{id}", h.ServeLive)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, archive.ErrArchiveWrite), errors.Is(err, realtime.ErrEngineUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, vehicle.ErrInvalidSlot), errors.Is(err, vehicle.ErrInvalidStep):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and writes it. Server-side failures are
// logged and reported without internal detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	case http.StatusBadGateway:
		h.logger.Warn("Upstream failure", "path", r.URL.Path, "error", err)
	}
	Error(w, status, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
