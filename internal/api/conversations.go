package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const maxListLimit = 500

// ListConversations returns archived conversations, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := h.conversations.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

// GetConversation returns the full archived record.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.conversations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, rec)
}

// GetSummary returns the archived summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.conversations.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// GetExtracted returns the aggregated extracted application.
func (h *Handler) GetExtracted(w http.ResponseWriter, r *http.Request) {
	app, err := h.conversations.Extracted(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, app)
}

// GetAudio streams the archived assistant audio as WAV.
func (h *Handler) GetAudio(w http.ResponseWriter, r *http.Request) {
	wav, err := h.conversations.Audio(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(wav); err != nil {
		h.logger.Debug("Failed to write audio", "error", err)
	}
}
