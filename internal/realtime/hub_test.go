package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/quotevoice/internal/archive"
	"github.com/ashureev/quotevoice/internal/domain"
	"github.com/ashureev/quotevoice/internal/extract"
	"github.com/ashureev/quotevoice/internal/session"
	"github.com/ashureev/quotevoice/internal/storage"
	"github.com/ashureev/quotevoice/internal/vehicle"
)

type sentTool struct {
	callID string
	output any
}

type fakeEngine struct {
	events     chan []byte
	connectErr error

	mu        sync.Mutex
	texts     []string
	audio     [][]byte
	tools     []sentTool
	closeOnce sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan []byte, 64)}
}

func (f *fakeEngine) Connect(context.Context) error {
	return f.connectErr
}

func (f *fakeEngine) SendAudio(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeEngine) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeEngine) SendToolResult(_ context.Context, callID string, output any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, sentTool{callID: callID, output: output})
	return nil
}

func (f *fakeEngine) Events() <-chan []byte { return f.events }

func (f *fakeEngine) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeEngine) push(raw string) { f.events <- []byte(raw) }

func (f *fakeEngine) sentTools() []sentTool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentTool(nil), f.tools...)
}

type hubFixture struct {
	hub      *Hub
	sessions *session.Manager
	archive  *archive.Archiver
	root     string
	engines  chan *fakeEngine
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	return newHubFixtureWith(t, extract.Default())
}

func newHubFixtureWith(t *testing.T, extractor Extractor) *hubFixture {
	t.Helper()
	logger := discardLogger()

	root := t.TempDir()
	backend, err := storage.NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	arch := archive.New(backend, nil, nil, archive.Config{CaptureAudio: true, SaveExtracted: true}, logger)
	mgr := session.NewManager(session.NewMemoryStore(), session.Config{Timeout: time.Hour, AgentID: "agent-test"}, logger)
	catalog, err := vehicle.LoadYAMLCatalog("")
	if err != nil {
		t.Fatalf("LoadYAMLCatalog: %v", err)
	}
	collector := vehicle.NewCollector(mgr, catalog, logger)

	f := &hubFixture{sessions: mgr, archive: arch, root: root, engines: make(chan *fakeEngine, 4)}
	factory := func(string) Engine {
		e := newFakeEngine()
		f.engines <- e
		return e
	}
	f.hub = NewHub(mgr, arch, collector, extractor, factory,
		OrchestratorConfig{SnapshotInterval: time.Hour, AudioDebounce: 20 * time.Millisecond}, logger)
	mgr.OnEvict(f.hub.HandleEvict)
	return f
}

// open starts a live session and returns its engine and an event stream.
func (f *hubFixture) open(t *testing.T, id string) (*fakeEngine, <-chan Event) {
	t.Helper()
	orch, err := f.hub.Open(context.Background(), id, map[string]string{"userAgent": "test"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eng := <-f.engines
	events := make(chan Event, 64)
	orch.SetListener(func(ev Event) { events <- ev })
	return eng, events
}

func waitFor[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if got, ok := ev.(T); ok {
				return got
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_TranscriptUpdatesSessionAndArchive(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t)

	sess, err := f.sessions.Create("user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	eng, events := f.open(t, sess.ID)

	eng.push(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"u1","transcript":"My name is Jane Doe and my zip code is 90210"}`)
	waitFor[UserTranscriptCompleted](t, events)
	eng.push(`{"type":"response.audio_transcript.done","item_id":"a1","response_id":"r1","transcript":"Thanks Jane. What car do you drive?"}`)
	waitFor[AssistantResponseCompleted](t, events)

	got, err := f.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pi := got.Data.PersonalInfo
	if pi.FirstName != "Jane" || pi.LastName != "Doe" || pi.ZipCode != "90210" {
		t.Fatalf("personal info = %+v", pi)
	}
	if len(got.ConversationHistory) != 2 {
		t.Fatalf("history len = %d, want 2", len(got.ConversationHistory))
	}

	res, err := f.hub.End(context.Background(), sess.ID, domain.EndReasonUser)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.Summary.MessageCounts[domain.RoleUser] != 1 || res.Summary.MessageCounts[domain.RoleAgent] != 1 {
		t.Fatalf("message counts = %v", res.Summary.MessageCounts)
	}
	if res.Summary.EndReason != domain.EndReasonUser {
		t.Fatalf("end reason = %q", res.Summary.EndReason)
	}
	if _, err := os.Stat(filepath.Join(f.root, filepath.FromSlash(res.Keys.Conversation))); err != nil {
		t.Fatalf("conversation artifact: %v", err)
	}
	if _, err := f.sessions.Get(sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("session still live after End: %v", err)
	}
	if f.hub.LiveCount() != 0 {
		t.Fatalf("live count = %d, want 0", f.hub.LiveCount())
	}

	again, err := f.hub.End(context.Background(), sess.ID, domain.EndReasonUser)
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if again.ConversationID != res.ConversationID {
		t.Fatalf("second End returned a different conversation")
	}
}

// recordingExtractor runs the default rules and keeps every prior it was given.
type recordingExtractor struct {
	mu     sync.Mutex
	priors []domain.Application
}

func (r *recordingExtractor) Accumulate(prior domain.Application, text string, role domain.Role) domain.Application {
	r.mu.Lock()
	r.priors = append(r.priors, prior.Clone())
	r.mu.Unlock()
	return extract.Accumulate(prior, text, role)
}

func (r *recordingExtractor) seen() []domain.Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Application(nil), r.priors...)
}

func TestHub_ExtractionFoldsIntoCurrentSessionData(t *testing.T) {
	t.Parallel()
	rec := &recordingExtractor{}
	f := newHubFixtureWith(t, rec)

	sess, err := f.sessions.Create("user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	eng, events := f.open(t, sess.ID)

	eng.push(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"u1","transcript":"My name is Jane Doe"}`)
	waitFor[UserTranscriptCompleted](t, events)

	// A form edit between turns must survive the next extraction.
	if _, err := f.sessions.UpdateData(sess.ID, domain.Application{
		PersonalInfo: domain.PersonalInfo{FirstName: "Janet"},
	}); err != nil {
		t.Fatalf("UpdateData: %v", err)
	}

	eng.push(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"u2","transcript":"my zip code is 90210"}`)
	waitFor[UserTranscriptCompleted](t, events)

	priors := rec.seen()
	if len(priors) != 2 {
		t.Fatalf("extractor ran %d times, want once per turn", len(priors))
	}
	if priors[1].PersonalInfo.FirstName != "Janet" || priors[1].PersonalInfo.LastName != "Doe" {
		t.Fatalf("second turn folded over %+v", priors[1].PersonalInfo)
	}

	got, err := f.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pi := got.Data.PersonalInfo
	if pi.FirstName != "Janet" || pi.LastName != "Doe" || pi.ZipCode != "90210" {
		t.Fatalf("personal info = %+v", pi)
	}
	if got.Data.CompletionStatus.PersonalInfo == 0 {
		t.Fatal("completion not recomputed after extraction")
	}
}

func TestHub_ToolCallSubmitsVehicleStep(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t)

	sess, _ := f.sessions.Create("")
	eng, events := f.open(t, sess.ID)

	eng.push(`{"type":"response.function_call_arguments.done","call_id":"c1","name":"submit_vehicle_step","arguments":"{\"slot\":0,\"step\":\"year\",\"value\":2020}"}`)
	first := waitFor[ToolResult](t, events)
	if first.Error != "" {
		t.Fatalf("year step error: %s", first.Error)
	}
	eng.push(`{"type":"response.function_call_arguments.done","call_id":"c2","name":"submit_vehicle_step","arguments":"{\"slot\":0,\"step\":\"make\",\"value\":\"honda\"}"}`)
	second := waitFor[ToolResult](t, events)
	step, ok := second.Output.(vehicle.StepResult)
	if !ok || !step.Accepted || step.Vehicle.Make != "Honda" {
		t.Fatalf("make step = %+v", second)
	}

	got, _ := f.sessions.Get(sess.ID)
	if got.Data.VehicleInfo.Make != "Honda" || got.Data.VehicleInfo.Year == nil || *got.Data.VehicleInfo.Year != 2020 {
		t.Fatalf("vehicle info = %+v", got.Data.VehicleInfo)
	}

	tools := eng.sentTools()
	if len(tools) != 2 || tools[1].callID != "c2" {
		t.Fatalf("tool results sent = %+v", tools)
	}

	eng.push(`{"type":"response.function_call_arguments.done","call_id":"c3","name":"book_flight","arguments":"{}"}`)
	if res := waitFor[ToolResult](t, events); res.Error == "" {
		t.Fatal("unknown tool should fail")
	}
}

func TestHub_EngineErrorIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t)

	sess, _ := f.sessions.Create("")
	eng, events := f.open(t, sess.ID)

	eng.push(`{"type":"error","event_id":"e1","error":{"code":"rate_limited","message":"slow down"}}`)
	waitFor[ErrorEvent](t, events)
	eng.push(`{"type":"not json`)
	eng.push(`{"type":"response.text.done","item_id":"a2","text":"Still here."}`)
	waitFor[AssistantResponseCompleted](t, events)

	if _, ok := f.hub.Live(sess.ID); !ok {
		t.Fatal("session should still be live")
	}
	history, _ := f.sessions.History(sess.ID)
	if len(history) != 2 || history[0].Role != domain.RoleSystem {
		t.Fatalf("history = %+v", history)
	}
}

func TestHub_AudioSegmentsArchived(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t)

	sess, _ := f.sessions.Create("")
	eng, events := f.open(t, sess.ID)

	eng.push(`{"type":"response.audio.delta","response_id":"r1","delta":"AAAAAA=="}`)
	eng.push(`{"type":"response.audio.done","response_id":"r1"}`)
	seg := waitFor[AudioSegment](t, events)
	if seg.Bytes != 4 {
		t.Fatalf("segment bytes = %d, want 4", seg.Bytes)
	}

	res, err := f.hub.End(context.Background(), sess.ID, domain.EndReasonUser)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.Keys.Audio == "" {
		t.Fatal("audio artifact missing")
	}
	wav, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(res.Keys.Audio)))
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if len(wav) != 44+4 {
		t.Fatalf("wav size = %d, want 48", len(wav))
	}
}

func TestHub_EngineDisconnectEndsSession(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t)

	sess, _ := f.sessions.Create("")
	eng, events := f.open(t, sess.ID)
	_ = eng.Close()

	if state := waitFor[ConnectionStateChanged](t, events); state.State != StateDisconnected {
		t.Fatalf("state = %q, want disconnected", state.State)
	}
	eventually(t, func() bool {
		_, err := f.sessions.Get(sess.ID)
		return errors.Is(err, domain.ErrNotFound) && f.archive.State(sess.ID) == archive.StateArchived
	})
}

func TestHub_EndWithoutLiveConnection(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t)

	sess, _ := f.sessions.Create("")
	if _, err := f.sessions.AddConversationItem(sess.ID, domain.RoleUser, "I drive a 2019 Toyota Camry", nil); err != nil {
		t.Fatalf("AddConversationItem: %v", err)
	}
	res, err := f.hub.End(context.Background(), sess.ID, domain.EndReasonUser)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.Summary.TotalMessages != 1 {
		t.Fatalf("total messages = %d, want 1", res.Summary.TotalMessages)
	}
}

func TestHub_EndUnknownSession(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t)

	if _, err := f.hub.End(context.Background(), "missing", domain.EndReasonUser); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHub_OpenEngineFailure(t *testing.T) {
	t.Parallel()

	logger := discardLogger()
	backend, _ := storage.NewLocal(t.TempDir())
	arch := archive.New(backend, nil, nil, archive.Config{}, logger)
	mgr := session.NewManager(session.NewMemoryStore(), session.Config{Timeout: time.Hour}, logger)
	hub := NewHub(mgr, arch, nil, extract.Default(), func(string) Engine {
		e := newFakeEngine()
		e.connectErr = errors.New("boom")
		return e
	}, OrchestratorConfig{}, logger)

	sess, _ := mgr.Create("")
	if _, err := hub.Open(context.Background(), sess.ID, nil); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("err = %v, want ErrEngineUnavailable", err)
	}
	if arch.State(sess.ID) != archive.StateNotStarted {
		t.Fatal("archive started for a session that never connected")
	}
	if _, err := hub.Open(context.Background(), "missing", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHub_ExpiredSessionArchived(t *testing.T) {
	t.Parallel()

	logger := discardLogger()
	root := t.TempDir()
	backend, _ := storage.NewLocal(root)
	arch := archive.New(backend, nil, nil, archive.Config{}, logger)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	mgr := session.NewManager(session.NewMemoryStore(), session.Config{Timeout: time.Minute, Clock: clock}, logger)
	hub := NewHub(mgr, arch, nil, extract.Default(), func(string) Engine { return newFakeEngine() }, OrchestratorConfig{}, logger)
	mgr.OnEvict(hub.HandleEvict)

	sess, _ := mgr.Create("")
	if _, err := mgr.AddConversationItem(sess.ID, domain.RoleUser, "hello", nil); err != nil {
		t.Fatalf("AddConversationItem: %v", err)
	}
	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()

	if n := mgr.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	eventually(t, func() bool { return arch.State(sess.ID) == archive.StateArchived })

	matches, _ := filepath.Glob(filepath.Join(root, "*", sess.ID, "*_summary.json"))
	if len(matches) != 1 {
		t.Fatalf("summary artifacts = %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	var summary archive.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.EndReason != domain.EndReasonExpired || summary.TotalMessages != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestHub_ShutdownEndsEverything(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t)

	live, _ := f.sessions.Create("")
	f.open(t, live.ID)
	idle, _ := f.sessions.Create("")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.hub.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, id := range []string{live.ID, idle.ID} {
		if st := f.archive.State(id); st != archive.StateArchived {
			t.Errorf("session %s archive state = %v", id, st)
		}
	}
	if f.sessions.Count() != 0 {
		t.Fatalf("sessions left = %d", f.sessions.Count())
	}
}

func TestOrchestrator_ForwardsClientInput(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t)

	sess, _ := f.sessions.Create("")
	eng, _ := f.open(t, sess.ID)
	orch, ok := f.hub.Live(sess.ID)
	if !ok {
		t.Fatal("session not live")
	}

	ctx := context.Background()
	if err := orch.SendText(ctx, "  I have two cars  "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := orch.SendText(ctx, "   "); err != nil {
		t.Fatalf("SendText blank: %v", err)
	}
	if err := orch.SendAudio(ctx, []byte{0, 1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.texts) != 1 || eng.texts[0] != "I have two cars" {
		t.Fatalf("texts = %q", eng.texts)
	}
	if len(eng.audio) != 1 || len(eng.audio[0]) != 4 {
		t.Fatalf("audio = %v", eng.audio)
	}
}
