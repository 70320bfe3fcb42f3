package session

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/quotevoice/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, maxSessions int) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(NewMemoryStore(), Config{
		Timeout:     time.Minute,
		MaxSessions: maxSessions,
		AgentID:     "agent-test",
		Clock:       clock.Now,
	}, logger)
	return m, clock
}

func TestManager_CreateSetsDeadline(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, 5)

	sess, err := m.Create("user-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.Status != domain.StatusActive {
		t.Errorf("status = %q, want active", sess.Status)
	}
	if want := clock.Now().Add(time.Minute); !sess.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", sess.ExpiresAt, want)
	}
	if sess.AgentID != "agent-test" {
		t.Errorf("agentId = %q", sess.AgentID)
	}
}

func TestManager_CapacityRefusalLeavesTableUnchanged(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 2)

	var ids []string
	for i := 0; i < 2; i++ {
		s, err := m.Create("")
		if err != nil {
			t.Fatalf("Create #%d error = %v", i, err)
		}
		ids = append(ids, s.ID)
	}

	if _, err := m.Create(""); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if got := m.Count(); got != 2 {
		t.Fatalf("Count() = %d after refusal, want 2", got)
	}
	for _, id := range ids {
		if _, err := m.Get(id); err != nil {
			t.Errorf("existing session %s lost: %v", id, err)
		}
	}
}

func TestManager_CreateReclaimsExpiredCapacity(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, 1)

	var evicted []string
	m.OnEvict(func(s *domain.Session) { evicted = append(evicted, s.ID) })

	old, err := m.Create("")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	fresh, err := m.Create("")
	if err != nil {
		t.Fatalf("Create() after expiry error = %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Errorf("new session missing: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != old.ID {
		t.Errorf("evict callback calls = %v, want [%s]", evicted, old.ID)
	}
}

func TestManager_ExtractedVehicleFillsBlankSlot(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 5)
	sess, _ := m.Create("")

	if _, err := m.SetVehicle(sess.ID, 1, domain.Vehicle{Year: domain.Ptr(2020), Make: "Toyota", Validated: true}); err != nil {
		t.Fatalf("SetVehicle() error = %v", err)
	}
	got, err := m.ApplyExtraction(sess.ID, domain.Application{
		VehicleInfo: domain.VehicleInfo{Vehicles: []domain.Vehicle{{Year: domain.Ptr(2018), Make: "Honda", Model: "Civic"}}},
	})
	if err != nil {
		t.Fatalf("ApplyExtraction() error = %v", err)
	}

	vs := got.Data.VehicleInfo.Vehicles
	if len(vs) != 2 || vs[0].Make != "Honda" || vs[0].Validated || vs[1].Make != "Toyota" || !vs[1].Validated {
		t.Fatalf("vehicles = %+v", vs)
	}
	if got.Data.CompletionStatus.VehicleInfo == 0 {
		t.Fatal("vehicle completion still 0 after extraction filled slot 0")
	}
}

func TestManager_ExpiredGetMissesTwice(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, 5)

	var evicted []string
	m.OnEvict(func(s *domain.Session) { evicted = append(evicted, s.ID) })

	sess, _ := m.Create("")
	clock.Advance(time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := m.Get(sess.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get #%d error = %v, want ErrNotFound", i, err)
		}
	}
	if m.Count() != 0 {
		t.Fatalf("expired session still in table")
	}
	if len(evicted) != 1 || evicted[0] != sess.ID {
		t.Fatalf("evict callback calls = %v", evicted)
	}
}

func TestManager_GetBumpsActivityButNotDeadline(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, 5)

	sess, _ := m.Create("")
	clock.Advance(30 * time.Second)

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.LastActivity.Equal(clock.Now()) {
		t.Errorf("lastActivity = %v, want %v", got.LastActivity, clock.Now())
	}
	if !got.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Errorf("Get() moved the deadline")
	}

	touched, err := m.Touch(sess.ID)
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if want := clock.Now().Add(time.Minute); !touched.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt after touch = %v, want %v", touched.ExpiresAt, want)
	}
}

func TestManager_UpdateDataMissing(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 5)

	_, err := m.UpdateData("missing", domain.Application{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("UpdateData() error = %v, want ErrNotFound", err)
	}
}

func TestManager_CompletionEndToEnd(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 5)

	sess, _ := m.Create("")
	if sess.Data.CompletionStatus.Overall != 0 {
		t.Fatalf("fresh session overall = %v", sess.Data.CompletionStatus.Overall)
	}

	if _, err := m.UpdateData(sess.ID, domain.Application{
		PersonalInfo: domain.PersonalInfo{FirstName: "Sam"},
	}); err != nil {
		t.Fatalf("UpdateData() error = %v", err)
	}
	got, err := m.UpdateData(sess.ID, domain.Application{
		VehicleInfo: domain.VehicleInfo{Year: domain.Ptr(2020), Make: "Honda"},
	})
	if err != nil {
		t.Fatalf("UpdateData() error = %v", err)
	}

	cs := got.Data.CompletionStatus
	if cs.PersonalInfo <= 0 || cs.VehicleInfo <= 0 {
		t.Fatalf("sections did not increase: %+v", cs)
	}
	if cs.CoveragePrefs != 0 || cs.DrivingHistory != 0 {
		t.Fatalf("untouched sections moved: %+v", cs)
	}
	if want := (cs.PersonalInfo + cs.VehicleInfo) / 4; cs.Overall != want {
		t.Fatalf("overall = %v, want %v", cs.Overall, want)
	}
	if got.Data.PersonalInfo.FirstName != "Sam" {
		t.Fatalf("first patch lost: %+v", got.Data.PersonalInfo)
	}
}

func TestManager_OverallNonDecreasing(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 5)
	sess, _ := m.Create("")

	patches := []domain.Application{
		{CoveragePrefs: domain.CoveragePrefs{CoverageLevel: "full"}},
		{PersonalInfo: domain.PersonalInfo{Email: "a@b.co"}},
		{CoveragePrefs: domain.CoveragePrefs{CoverageLevel: "minimum"}},
		{DrivingHistory: domain.DrivingHistory{Violations: domain.Ptr(0)}},
		{},
	}

	prev := 0.0
	for i, p := range patches {
		got, err := m.UpdateData(sess.ID, p)
		if err != nil {
			t.Fatalf("patch %d: %v", i, err)
		}
		if got.Data.CompletionStatus.Overall < prev {
			t.Fatalf("patch %d decreased overall %v -> %v", i, prev, got.Data.CompletionStatus.Overall)
		}
		prev = got.Data.CompletionStatus.Overall
	}
}

func TestManager_ApplyExtractionRespectsValidatedVehicle(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 5)
	sess, _ := m.Create("")

	if _, err := m.SetVehicle(sess.ID, 0, domain.Vehicle{Year: domain.Ptr(2021), Make: "Subaru", Validated: true}); err != nil {
		t.Fatalf("SetVehicle() error = %v", err)
	}
	got, err := m.ApplyExtraction(sess.ID, domain.Application{
		VehicleInfo: domain.VehicleInfo{Year: domain.Ptr(2009), Make: "Dodge"},
	})
	if err != nil {
		t.Fatalf("ApplyExtraction() error = %v", err)
	}
	if got.Data.VehicleInfo.Make != "Subaru" || *got.Data.VehicleInfo.Year != 2021 {
		t.Fatalf("validated vehicle overwritten: %+v", got.Data.VehicleInfo)
	}
}

func TestManager_SetVehicleSlotBounds(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 5)
	sess, _ := m.Create("")

	if _, err := m.SetVehicle(sess.ID, domain.MaxVehicles, domain.Vehicle{}); err == nil {
		t.Fatal("expected out-of-range slot error")
	}
	got, err := m.SetVehicle(sess.ID, 1, domain.Vehicle{Year: domain.Ptr(2018)})
	if err != nil {
		t.Fatalf("SetVehicle(1) error = %v", err)
	}
	if n := len(got.Data.VehicleInfo.Vehicles); n != 2 {
		t.Fatalf("vehicles len = %d, want 2", n)
	}
	if got.Data.VehicleInfo.Year != nil {
		t.Fatal("slot 1 must not mirror into primary fields")
	}
}

func TestManager_AddConversationItem(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 5)
	sess, _ := m.Create("")

	if _, err := m.AddConversationItem("missing", domain.RoleUser, "hi", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := m.AddConversationItem(sess.ID, domain.RoleUser, "turn "+strconv.Itoa(i), nil); err != nil {
			t.Fatalf("AddConversationItem() error = %v", err)
		}
	}
	history, err := m.History(sess.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 || history[2].Content != "turn 2" {
		t.Fatalf("unexpected history: %+v", history)
	}

	// Mutating the returned copy must not leak into the table.
	history[0].Content = "changed"
	again, _ := m.History(sess.ID)
	if again[0].Content != "turn 0" {
		t.Fatal("History() returned an aliased slice")
	}
}

func TestManager_TerminalStatusRemovesSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 5)
	sess, _ := m.Create("")

	final, err := m.SetStatus(sess.ID, domain.StatusCompleted)
	if err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if final.Status != domain.StatusCompleted {
		t.Fatalf("final status = %q", final.Status)
	}
	if _, err := m.Get(sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("completed session still retrievable: %v", err)
	}
}

func TestManager_DeleteIdempotent(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 5)
	sess, _ := m.Create("")

	if !m.Delete(sess.ID) {
		t.Fatal("first Delete() = false")
	}
	if m.Delete(sess.ID) {
		t.Fatal("second Delete() = true")
	}
}

func TestManager_SweepEvictsExpired(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, 5)

	old, _ := m.Create("")
	clock.Advance(45 * time.Second)
	fresh, _ := m.Create("")
	clock.Advance(20 * time.Second)

	var mu sync.Mutex
	var evicted []string
	m.OnEvict(func(s *domain.Session) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, s.ID)
	})

	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != old.ID {
		t.Fatalf("evicted = %v, want [%s]", evicted, old.ID)
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Fatalf("fresh session swept: %v", err)
	}
	if n := m.Sweep(); n != 0 {
		t.Fatalf("second Sweep() = %d, want 0", n)
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, 1000)
	sess, _ := m.Create("")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = m.UpdateData(sess.ID, domain.Application{
					DrivingHistory: domain.DrivingHistory{Claims: domain.Ptr(i)},
				})
				_, _ = m.AddConversationItem(sess.ID, domain.RoleAgent, "x", nil)
				_ = m.List()
				m.Sweep()
			}
		}(i)
	}
	wg.Wait()

	history, err := m.History(sess.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 8*50 {
		t.Fatalf("history len = %d, want %d", len(history), 8*50)
	}
}
