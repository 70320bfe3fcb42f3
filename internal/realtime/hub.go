package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/quotevoice/internal/archive"
	"github.com/ashureev/quotevoice/internal/domain"
)

// ErrEngineUnavailable is returned when a session cannot reach the engine.
var ErrEngineUnavailable = errors.New("realtime engine unavailable")

// HubSessions is the session manager surface the hub needs.
type HubSessions interface {
	SessionService
	SetStatus(id string, status domain.SessionStatus) (*domain.Session, error)
	List() []*domain.Session
}

// Archive is the archiver surface the hub needs.
type Archive interface {
	Recorder
	Start(sessionID string, info archive.StartInfo) string
	Finalize(ctx context.Context, sessionID, reason string) (*archive.Result, error)
}

// EngineFactory creates an unconnected engine for a session.
type EngineFactory func(sessionID string) Engine

type liveSession struct {
	orch   *Orchestrator
	engine Engine
	cancel context.CancelFunc
}

// Hub is the registry of live orchestrators and the single path by which a
// session ends.
type Hub struct {
	sessions  HubSessions
	archive   Archive
	vehicles  VehicleSteps
	extractor Extractor
	newEngine EngineFactory
	cfg       OrchestratorConfig
	logger    *slog.Logger

	mu      sync.RWMutex
	live    map[string]*liveSession
	opening singleflight.Group
	wg      sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(sessions HubSessions, arch Archive, vehicles VehicleSteps, extractor Extractor,
	newEngine EngineFactory, cfg OrchestratorConfig, logger *slog.Logger,
) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:  sessions,
		archive:   arch,
		vehicles:  vehicles,
		extractor: extractor,
		newEngine: newEngine,
		cfg:       cfg,
		logger:    logger,
		live:      make(map[string]*liveSession),
	}
}

// Open returns the live orchestrator of sessionID, connecting a new engine
// and starting archive recording on first use.
func (h *Hub) Open(ctx context.Context, sessionID string, clientInfo map[string]string) (*Orchestrator, error) {
	if orch, ok := h.Live(sessionID); ok {
		return orch, nil
	}
	v, err, _ := h.opening.Do(sessionID, func() (any, error) {
		if orch, ok := h.Live(sessionID); ok {
			return orch, nil
		}
		return h.open(ctx, sessionID, clientInfo)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Orchestrator), nil
}

func (h *Hub) open(ctx context.Context, sessionID string, clientInfo map[string]string) (*Orchestrator, error) {
	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	engine := h.newEngine(sessionID)
	if err := engine.Connect(ctx); err != nil {
		_ = engine.Close()
		h.logger.Error("Failed to connect realtime engine", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	conversationID := h.archive.Start(sessionID, archive.StartInfo{
		UserID:     sess.UserID,
		AgentID:    sess.AgentID,
		ClientInfo: clientInfo,
	})

	orch := NewOrchestrator(sessionID, engine, h.sessions, h.archive, h.vehicles, h.extractor, h.cfg, h.logger)
	runCtx, cancel := context.WithCancel(context.Background())
	ls := &liveSession{orch: orch, engine: engine, cancel: cancel}

	h.mu.Lock()
	h.live[sessionID] = ls
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := orch.Run(runCtx); errors.Is(err, ErrEngineDisconnected) {
			if _, err := h.End(context.Background(), sessionID, domain.EndReasonDisconnected); err != nil {
				h.logger.Warn("Failed to end disconnected session", "session_id", sessionID, "error", err)
			}
		}
	}()

	h.logger.Info("Live session opened", "session_id", sessionID, "conversation_id", conversationID)
	return orch, nil
}

// Live returns the running orchestrator of sessionID, if any.
func (h *Hub) Live(sessionID string) (*Orchestrator, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ls, ok := h.live[sessionID]
	if !ok {
		return nil, false
	}
	return ls.orch, true
}

// LiveCount returns the number of running orchestrators.
func (h *Hub) LiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.live)
}

// End terminates sessionID: it stops the orchestrator, records a final
// snapshot, finalizes the archive and removes the session from the live
// table. It is safe to call repeatedly; later calls return the archived
// result. When the archive write fails the session stays live so End can be
// retried.
func (h *Hub) End(ctx context.Context, sessionID, reason string) (*archive.Result, error) {
	h.mu.Lock()
	ls, ok := h.live[sessionID]
	delete(h.live, sessionID)
	h.mu.Unlock()

	if ok {
		ls.cancel()
		<-ls.orch.Done()
		ls.orch.SetListener(nil)
		if err := ls.engine.Close(); err != nil {
			h.logger.Debug("Realtime engine close failed", "session_id", sessionID, "error", err)
		}
	}

	sess, err := h.sessions.Get(sessionID)
	switch {
	case err == nil:
		h.archive.Start(sessionID, archive.StartInfo{UserID: sess.UserID, AgentID: sess.AgentID})
		if err := h.archive.RecordSnapshot(sessionID, sess.ConversationHistory, sess.Data); err != nil {
			h.logger.Debug("Final snapshot not recorded", "session_id", sessionID, "error", err)
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	res, ferr := h.archive.Finalize(context.WithoutCancel(ctx), sessionID, reason)
	if ferr != nil {
		if !errors.Is(ferr, domain.ErrNotFound) {
			h.logger.Error("Failed to archive session", "session_id", sessionID, "reason", reason, "error", ferr)
		}
		return nil, ferr
	}

	if sess != nil {
		if _, err := h.sessions.SetStatus(sessionID, domain.StatusCompleted); err != nil && !errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("Failed to close session", "session_id", sessionID, "error", err)
		}
	}

	h.logger.Info("Session ended",
		"session_id", sessionID,
		"conversation_id", res.ConversationID,
		"reason", reason)
	return res, nil
}

// HandleEvict archives a session that expired. s is the session's final
// state, already removed from the live table.
func (h *Hub) HandleEvict(s *domain.Session) {
	h.archive.Start(s.ID, archive.StartInfo{UserID: s.UserID, AgentID: s.AgentID})
	if err := h.archive.RecordSnapshot(s.ID, s.ConversationHistory, s.Data); err != nil {
		h.logger.Debug("Eviction snapshot not recorded", "session_id", s.ID, "error", err)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.End(context.Background(), s.ID, domain.EndReasonExpired); err != nil {
			h.logger.Warn("Failed to end expired session", "session_id", s.ID, "error", err)
		}
	}()
}

// Shutdown ends every live and tabled session with the shutdown reason and
// waits for background terminations, bounded by ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	ids := make(map[string]struct{})
	h.mu.RLock()
	for id := range h.live {
		ids[id] = struct{}{}
	}
	h.mu.RUnlock()
	for _, s := range h.sessions.List() {
		ids[s.ID] = struct{}{}
	}

	var errs []error
	for id := range ids {
		if _, err := h.End(ctx, id, domain.EndReasonShutdown); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, fmt.Errorf("end session %s: %w", id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
