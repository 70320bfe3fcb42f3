package session

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/quotevoice/internal/domain"
)

const (
	// DefaultTimeout is the session lifetime when none is configured.
	DefaultTimeout = 30 * time.Minute
	// DefaultMaxSessions is the live-session capacity when none is configured.
	DefaultMaxSessions = 100
)

// Config holds manager limits.
type Config struct {
	Timeout     time.Duration
	MaxSessions int
	AgentID     string
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// EvictFunc observes sessions removed because they expired.
type EvictFunc func(s *domain.Session)

// Manager is the single owner of live sessions. All reads and writes of the
// table go through its methods.
type Manager struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	// mu serializes read-modify-write sequences against the store.
	mu      sync.Mutex
	onEvict EvictFunc
}

// NewManager creates a manager over store.
func NewManager(store Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, cfg: cfg, logger: logger}
}

// OnEvict registers fn to run after a session is evicted for expiry, either
// lazily on read or by the sweeper.
func (m *Manager) OnEvict(fn EvictFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// Timeout returns the configured session lifetime.
func (m *Manager) Timeout() time.Duration {
	return m.cfg.Timeout
}

// Create allocates a new active session. It returns ErrCapacityExceeded
// without touching the table when the live count is at the limit.
func (m *Manager) Create(userID string) (*domain.Session, error) {
	// Expired sessions the sweeper has not reached yet are not live.
	if m.store.Len() >= m.cfg.MaxSessions {
		m.Sweep()
	}
	now := m.cfg.Clock()

	m.mu.Lock()
	if m.store.Len() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.logger.Warn("Session capacity reached", "max", m.cfg.MaxSessions)
		return nil, domain.ErrCapacityExceeded
	}

	sess := &domain.Session{
		ID:                  uuid.NewString(),
		UserID:              userID,
		AgentID:             m.cfg.AgentID,
		Status:              domain.StatusActive,
		ConversationHistory: []domain.ConversationEntry{},
		CreatedAt:           now,
		LastActivity:        now,
		ExpiresAt:           now.Add(m.cfg.Timeout),
	}
	sess.Data.Recompute()
	m.store.Put(sess)
	out := sess.Clone()
	m.mu.Unlock()

	m.logger.Info("Session created", "session_id", sess.ID, "user_id", userID, "expires_at", sess.ExpiresAt)
	return out, nil
}

// Get returns a copy of the session and records the access. An expired
// session is evicted and reported as ErrNotFound.
func (m *Manager) Get(id string) (*domain.Session, error) {
	return m.mutate(id, func(*domain.Session) error { return nil })
}

// Touch extends the session deadline to now + Timeout.
func (m *Manager) Touch(id string) (*domain.Session, error) {
	return m.mutate(id, func(s *domain.Session) error {
		s.ExpiresAt = m.cfg.Clock().Add(m.cfg.Timeout)
		return nil
	})
}

// UpdateData deep-merges patch into the session's application.
func (m *Manager) UpdateData(id string, patch domain.Application) (*domain.Session, error) {
	return m.mutate(id, func(s *domain.Session) error {
		s.Data.Merge(patch)
		return nil
	})
}

// ApplyExtraction merges a patch produced from free text. Unlike UpdateData
// it never overrides validated vehicle records.
func (m *Manager) ApplyExtraction(id string, patch domain.Application) (*domain.Session, error) {
	return m.mutate(id, func(s *domain.Session) error {
		s.Data.MergeAdvisory(patch)
		return nil
	})
}

// ReduceData replaces the session data with reduce(current) under the
// session lock, then recomputes completion.
func (m *Manager) ReduceData(id string, reduce func(domain.Application) domain.Application) (*domain.Session, error) {
	return m.mutate(id, func(s *domain.Session) error {
		s.Data = reduce(s.Data)
		s.Data.Recompute()
		return nil
	})
}

// SetVehicle replaces vehicle slot with v. Slot 0 is mirrored into the
// primary vehicle fields.
func (m *Manager) SetVehicle(id string, slot int, v domain.Vehicle) (*domain.Session, error) {
	if slot < 0 || slot >= domain.MaxVehicles {
		return nil, fmt.Errorf("vehicle slot %d out of range", slot)
	}
	return m.mutate(id, func(s *domain.Session) error {
		vi := &s.Data.VehicleInfo
		for len(vi.Vehicles) <= slot {
			vi.Vehicles = append(vi.Vehicles, domain.Vehicle{})
		}
		vi.Vehicles[slot] = v
		if slot == 0 {
			vi.Year = v.Year
			vi.Make = v.Make
			vi.Model = v.Model
			vi.Trim = v.Trim
			if v.VIN != "" {
				vi.VIN = v.VIN
			}
		}
		s.Data.Recompute()
		return nil
	})
}

// Vehicle returns a copy of the given vehicle slot, or the zero Vehicle when
// the slot has not been started.
func (m *Manager) Vehicle(id string, slot int) (domain.Vehicle, error) {
	sess, err := m.Get(id)
	if err != nil {
		return domain.Vehicle{}, err
	}
	if slot < 0 || slot >= len(sess.Data.VehicleInfo.Vehicles) {
		return domain.Vehicle{}, nil
	}
	return sess.Data.VehicleInfo.Vehicles[slot], nil
}

// AddConversationItem appends an entry to the session history.
func (m *Manager) AddConversationItem(id string, role domain.Role, content string, metadata map[string]any) (*domain.ConversationEntry, error) {
	entry := domain.ConversationEntry{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   strings.TrimSpace(content),
		Timestamp: m.cfg.Clock(),
		Metadata:  metadata,
	}
	if _, err := m.mutate(id, func(s *domain.Session) error {
		s.AppendEntry(entry)
		return nil
	}); err != nil {
		return nil, err
	}
	return &entry, nil
}

// History returns a copy of the session's conversation history.
func (m *Manager) History(id string) ([]domain.ConversationEntry, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.ConversationHistory, nil
}

// SetStatus changes the session status. A terminal status removes the
// session from the live table; the returned copy is its final state.
func (m *Manager) SetStatus(id string, status domain.SessionStatus) (*domain.Session, error) {
	out, err := m.mutate(id, func(s *domain.Session) error {
		s.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !status.Live() {
		m.mu.Lock()
		m.store.Delete(id)
		m.mu.Unlock()
		m.logger.Info("Session closed", "session_id", id, "status", status)
	}
	return out, nil
}

// Delete removes the session. It reports false if it was already gone.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := m.store.Delete(id)
	if deleted {
		m.logger.Info("Session deleted", "session_id", id)
	}
	return deleted
}

// Count returns the number of sessions in the live table.
func (m *Manager) Count() int {
	return m.store.Len()
}

// List returns copies of all unexpired sessions, oldest first.
func (m *Manager) List() []*domain.Session {
	now := m.cfg.Clock()
	var out []*domain.Session
	m.store.Range(func(s *domain.Session) bool {
		m.mu.Lock()
		if !s.Expired(now) {
			out = append(out, s.Clone())
		}
		m.mu.Unlock()
		return true
	})
	slices.SortFunc(out, func(a, b *domain.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// mutate runs fn against the stored session under the manager lock, bumps
// lastActivity and returns a copy. Expired sessions are evicted first.
func (m *Manager) mutate(id string, fn func(s *domain.Session) error) (*domain.Session, error) {
	now := m.cfg.Clock()

	m.mu.Lock()
	sess, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	if sess.Expired(now) {
		m.store.Delete(id)
		evicted := sess.Clone()
		onEvict := m.onEvict
		m.mu.Unlock()

		m.logger.Info("Session expired on access", "session_id", id)
		if onEvict != nil {
			onEvict(evicted)
		}
		return nil, domain.ErrNotFound
	}

	if err := fn(sess); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sess.LastActivity = now
	out := sess.Clone()
	m.mu.Unlock()
	return out, nil
}
