package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/quotevoice/internal/domain"
)

// DefaultSweepInterval is how often expired sessions are swept.
const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically evicts expired
// sessions until ctx is canceled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Session sweeper started", "interval", interval, "timeout", m.cfg.Timeout)

		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-ctx.Done():
				m.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep evicts every session past its deadline and returns how many were
// removed. Deletion is idempotent, so a concurrent explicit delete of the
// same session is harmless.
func (m *Manager) Sweep() int {
	now := m.cfg.Clock()

	var expired []*domain.Session
	m.store.Range(func(s *domain.Session) bool {
		m.mu.Lock()
		if s.Expired(now) && m.store.Delete(s.ID) {
			expired = append(expired, s.Clone())
		}
		m.mu.Unlock()
		return true
	})

	if len(expired) == 0 {
		return 0
	}

	m.mu.Lock()
	onEvict := m.onEvict
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("Session sweeper evicted session",
			slog.String("session_id", s.ID),
			slog.Time("expires_at", s.ExpiresAt))
		if onEvict != nil {
			onEvict(s)
		}
	}
	m.logger.Info("Session sweep completed", "evicted", len(expired), "remaining", m.store.Len())
	return len(expired)
}
