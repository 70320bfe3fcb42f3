package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/quotevoice/internal/domain"
	"github.com/ashureev/quotevoice/internal/identity"
	"github.com/ashureev/quotevoice/internal/vehicle"
)

// CreateSession allocates a new session for the caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if h.limiter != nil && !h.limiter.Allow(identity.ClientKey(r)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	sess, err := h.sessions.Create(userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// GetSession returns the session state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// UpdateSession merges an application patch into the session.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var patch domain.Application
	if err := decodeJSON(r, &patch); err != nil {
		Error(w, http.StatusBadRequest, "invalid application patch: "+err.Error())
		return
	}
	sess, err := h.sessions.UpdateData(chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// KeepAlive extends the session deadline.
func (h *Handler) KeepAlive(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Touch(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"id": sess.ID, "expiresAt": sess.ExpiresAt})
}

// GetHistory returns the conversation history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.sessions.History(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, history)
}

// EndSession ends the session and returns its archive result.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	h.end(w, r, domain.EndReasonUser, http.StatusOK)
}

// DeleteSession ends the session without returning the archive result.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.end(w, r, domain.EndReasonDeleted, http.StatusNoContent)
}

func (h *Handler) end(w http.ResponseWriter, r *http.Request, reason string, status int) {
	id := chi.URLParam(r, "id")
	res, err := h.lifecycle.End(r.Context(), id, reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.conns.CloseSession(id, "session ended")
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	JSON(w, status, res)
}

type vehicleStepRequest struct {
	Value string `json:"value"`
}

// SubmitVehicleStep validates one vehicle step. Rejected values answer 422
// with the step to retry.
func (h *Handler) SubmitVehicleStep(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		Error(w, http.StatusBadRequest, "slot must be an integer")
		return
	}
	step, err := vehicle.ParseStep(chi.URLParam(r, "step"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req vehicleStepRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		Error(w, http.StatusBadRequest, "value is required")
		return
	}

	res, err := h.vehicles.Submit(r.Context(), chi.URLParam(r, "id"), slot, step, req.Value)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !res.Accepted {
		JSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	JSON(w, http.StatusOK, res)
}
