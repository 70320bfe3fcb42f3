package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/quotevoice/internal/domain"
	"github.com/ashureev/quotevoice/internal/identity"
	"github.com/ashureev/quotevoice/internal/realtime"
)

const (
	liveReadLimit  = 1 << 20
	liveOutBuffer  = 256
	liveWriteLimit = 10 * time.Second
)

// liveMessage is a JSON control message from the browser.
type liveMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServeLive upgrades to a websocket bound to a live session. Binary frames
// carry microphone PCM; text frames carry JSON control messages. Domain
// events are pushed back as JSON envelopes and assistant audio as binary
// frames.
func (h *Handler) ServeLive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	orch, err := h.lifecycle.Open(r.Context(), id, map[string]string{
		"userAgent": r.UserAgent(),
		"ip":        identity.IPFromRequest(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Error("Failed to accept websocket", "session_id", id, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "session_id", id, "error", closeErr)
		}
	}()
	ws.SetReadLimit(liveReadLimit)

	h.conns.Register(id, ws)
	defer h.conns.Unregister(id, ws)

	out := make(chan realtime.Event, liveOutBuffer)
	orch.SetListener(func(ev realtime.Event) {
		select {
		case out <- ev:
		default:
			h.logger.Warn("Dropping event for slow client", "session_id", id, "type", ev.Type())
		}
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var ended bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		ended = h.liveInput(ctx, ws, orch, id)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		h.liveOutput(ctx, ws, orch, out)
	}()
	wg.Wait()

	// The browser went away on its own: end the session unless another
	// connection took it over or it already ended.
	if !ended && h.conns.Active(id) == ws {
		orch.SetListener(nil)
		select {
		case <-orch.Done():
		default:
			endCtx, cancelEnd := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
			defer cancelEnd()
			if _, err := h.lifecycle.End(endCtx, id, domain.EndReasonDisconnected); err != nil {
				h.logger.Warn("Failed to end session after client disconnect", "session_id", id, "error", err)
			}
		}
	}
	h.logger.Info("Live connection ended", "session_id", id)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// liveInput forwards browser frames to the session. It reports whether the
// browser ended the session explicitly.
func (h *Handler) liveInput(ctx context.Context, ws *websocket.Conn, orch *realtime.Orchestrator, id string) bool {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "session_id", id)
			} else {
				h.logger.Warn("WebSocket read error", "session_id", id, "error", err)
			}
			return false
		}

		if typ == websocket.MessageBinary {
			if err := orch.SendAudio(ctx, data); err != nil {
				h.logger.Warn("Failed to forward audio", "session_id", id, "error", err)
			}
			continue
		}

		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeLive(ctx, ws, map[string]string{"type": "error", "error": "invalid message"})
			continue
		}

		switch msg.Type {
		case "text":
			if err := orch.SendText(ctx, msg.Text); err != nil {
				h.logger.Warn("Failed to forward text", "session_id", id, "error", err)
				h.writeLive(ctx, ws, map[string]string{"type": "error", "error": "engine unavailable"})
			}
		case "ping":
			h.writeLive(ctx, ws, map[string]string{"type": "pong"})
		case "end":
			orch.SetListener(nil)
			// Ending stops the orchestrator, which cancels ctx via the
			// output loop.
			detached := context.WithoutCancel(ctx)
			res, err := h.lifecycle.End(detached, id, domain.EndReasonUser)
			if err != nil {
				h.writeLive(detached, ws, map[string]any{"type": "error", "error": err.Error(), "status": StatusFor(err)})
				return false
			}
			h.writeLive(detached, ws, map[string]any{"type": "ended", "result": res})
			return true
		default:
			h.writeLive(ctx, ws, map[string]string{"type": "error", "error": "unknown message type " + msg.Type})
		}
	}
}

// liveOutput pushes session events to the browser until the session stops.
func (h *Handler) liveOutput(ctx context.Context, ws *websocket.Conn, orch *realtime.Orchestrator, out <-chan realtime.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-orch.Done():
			h.writeLive(ctx, ws, map[string]string{"type": "session_ended"})
			return
		case ev := <-out:
			h.writeLive(ctx, ws, realtime.Wrap(ev))
			if seg, ok := ev.(realtime.AudioSegment); ok {
				wctx, cancel := context.WithTimeout(ctx, liveWriteLimit)
				err := ws.Write(wctx, websocket.MessageBinary, seg.PCM)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}

func (h *Handler) writeLive(ctx context.Context, ws *websocket.Conn, v any) {
	wctx, cancel := context.WithTimeout(ctx, liveWriteLimit)
	defer cancel()
	if err := wsjson.Write(wctx, ws, v); err != nil {
		h.logger.Debug("Failed to write websocket message", "error", err)
	}
}
