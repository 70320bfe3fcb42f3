package archive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/quotevoice/internal/domain"
	"github.com/ashureev/quotevoice/internal/storage"
	"github.com/ashureev/quotevoice/internal/store"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memBackend is an in-memory storage.Backend that counts writes.
type memBackend struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     int
	failPuts int
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte)}
}

func (b *memBackend) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPuts > 0 {
		b.failPuts--
		return errors.New("disk full")
	}
	b.puts++
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrNotExist
	}
	return data, nil
}

func (b *memBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *memBackend) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

func newTestIndex(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fixedClock() func() time.Time {
	return func() time.Time { return testStart }
}

func userEntry(content string) domain.ConversationEntry {
	return domain.ConversationEntry{ID: "e-" + content, Role: domain.RoleUser, Content: content, Timestamp: testStart}
}

func TestFinalize_WritesLayoutWithEventsInOrder(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	backend, err := storage.NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}
	a := New(backend, newTestIndex(t), nil, Config{Clock: fixedClock()}, discardLogger())

	convID := a.Start("sess-1", StartInfo{AgentID: "agent-7"})
	if err := a.RecordEvent("sess-1", domain.EventUserTranscriptCompleted, map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if err := a.RecordEvent("sess-1", domain.EventAssistantResponseCompleted, map[string]string{"text": "hi there"}); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if err := a.RecordSnapshot("sess-1", []domain.ConversationEntry{userEntry("hello")}, domain.Application{}); err != nil {
		t.Fatalf("RecordSnapshot() error = %v", err)
	}

	res, err := a.Finalize(context.Background(), "sess-1", domain.EndReasonUser)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if res.ConversationID != convID {
		t.Fatalf("conversation id = %s, want %s", res.ConversationID, convID)
	}

	dir := filepath.Join(root, "2025-06-01", "sess-1")
	data, err := os.ReadFile(filepath.Join(dir, convID+"_conversation.json"))
	if err != nil {
		t.Fatalf("conversation artifact missing: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if len(rec.Events) != 2 ||
		rec.Events[0].Type != domain.EventUserTranscriptCompleted ||
		rec.Events[1].Type != domain.EventAssistantResponseCompleted ||
		rec.Events[0].Seq != 1 || rec.Events[1].Seq != 2 {
		t.Fatalf("events = %+v", rec.Events)
	}
	if rec.Metadata.EndReason != domain.EndReasonUser || rec.Metadata.AgentID != "agent-7" {
		t.Fatalf("metadata = %+v", rec.Metadata)
	}

	data, err = os.ReadFile(filepath.Join(dir, convID+"_summary.json"))
	if err != nil {
		t.Fatalf("summary artifact missing: %v", err)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.TotalMessages != 1 || sum.MessageCounts[domain.RoleUser] != 1 || sum.MessageCounts[domain.RoleAgent] != 0 {
		t.Fatalf("summary counts = %+v", sum)
	}
	if sum.EventCount != 2 || sum.SnapshotCount != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	if _, err := os.Stat(filepath.Join(dir, convID+"_extracted.json")); !os.IsNotExist(err) {
		t.Fatalf("extracted artifact written without SaveExtracted: %v", err)
	}
	if got := a.State("sess-1"); got != StateArchived {
		t.Fatalf("State() = %v, want archived", got)
	}
}

func TestFinalize_WritesOnce(t *testing.T) {
	t.Parallel()
	backend := newMemBackend()
	a := New(backend, nil, nil, Config{Clock: fixedClock()}, discardLogger())
	a.Start("sess-1", StartInfo{})

	first, err := a.Finalize(context.Background(), "sess-1", domain.EndReasonUser)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	second, err := a.Finalize(context.Background(), "sess-1", domain.EndReasonDisconnected)
	if err != nil {
		t.Fatalf("second Finalize() error = %v", err)
	}
	if first != second {
		t.Fatal("second finalize did not return the cached result")
	}
	if got := backend.putCount(); got != 2 {
		t.Fatalf("puts = %d, want 2", got)
	}
	if err := a.RecordEvent("sess-1", domain.EventError, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RecordEvent() after archive error = %v", err)
	}
}

func TestFinalize_ConcurrentCallersShareOneWrite(t *testing.T) {
	t.Parallel()
	backend := newMemBackend()
	a := New(backend, nil, nil, Config{Clock: fixedClock()}, discardLogger())
	a.Start("sess-1", StartInfo{})

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Finalize(context.Background(), "sess-1", domain.EndReasonDisconnected)
			if err != nil {
				t.Errorf("Finalize() error = %v", err)
				return
			}
			ids[i] = res.ConversationID
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("conversation ids differ: %v", ids)
		}
	}
	if got := backend.putCount(); got != 2 {
		t.Fatalf("puts = %d, want 2", got)
	}
}

func TestFinalize_UnknownSession(t *testing.T) {
	t.Parallel()
	a := New(newMemBackend(), nil, nil, Config{}, discardLogger())

	if _, err := a.Finalize(context.Background(), "missing", domain.EndReasonUser); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Finalize() error = %v, want ErrNotFound", err)
	}
}

func TestFinalize_WriteFailureCanBeRetried(t *testing.T) {
	t.Parallel()
	backend := newMemBackend()
	backend.failPuts = 2
	a := New(backend, nil, nil, Config{Clock: fixedClock()}, discardLogger())
	a.Start("sess-1", StartInfo{})

	_, err := a.Finalize(context.Background(), "sess-1", domain.EndReasonUser)
	if !errors.Is(err, ErrArchiveWrite) {
		t.Fatalf("Finalize() error = %v, want ErrArchiveWrite", err)
	}
	if got := a.State("sess-1"); got != StateRecording {
		t.Fatalf("State() after failure = %v, want recording", got)
	}
	if err := a.RecordEvent("sess-1", domain.EventError, map[string]string{"message": "late"}); err != nil {
		t.Fatalf("RecordEvent() after failed finalize error = %v", err)
	}

	res, err := a.Finalize(context.Background(), "sess-1", domain.EndReasonUser)
	if err != nil {
		t.Fatalf("retry Finalize() error = %v", err)
	}
	if res.Summary.EventCount != 1 {
		t.Fatalf("event count = %d, want 1", res.Summary.EventCount)
	}
}

func TestFinalize_SanitizeMask(t *testing.T) {
	t.Parallel()
	backend := newMemBackend()
	a := New(backend, nil, nil, Config{Clock: fixedClock(), Sanitize: SanitizeMask}, discardLogger())
	a.Start("sess-1", StartInfo{})

	text := "reach me at 555-123-4567 or jane@example.com"
	_ = a.RecordEvent("sess-1", domain.EventUserTranscriptCompleted, map[string]any{"text": text, "nested": []any{text}})
	_ = a.RecordSnapshot("sess-1", []domain.ConversationEntry{userEntry(text)}, domain.Application{})

	res, err := a.Finalize(context.Background(), "sess-1", domain.EndReasonUser)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	data, _ := backend.Get(context.Background(), res.Keys.Conversation)
	s := string(data)
	if strings.Contains(s, "555-123-4567") || strings.Contains(s, "jane@example.com") {
		t.Fatalf("conversation not masked: %s", s)
	}
	if !strings.Contains(s, "[phone]") || !strings.Contains(s, "[email]") {
		t.Fatalf("mask placeholders missing: %s", s)
	}
}

func TestFinalize_AudioAndExtracted(t *testing.T) {
	t.Parallel()
	backend := newMemBackend()
	a := New(backend, newTestIndex(t), nil, Config{Clock: fixedClock(), CaptureAudio: true, SaveExtracted: true}, discardLogger())
	a.Start("sess-1", StartInfo{})

	_ = a.RecordAudio("sess-1", []byte{1, 0, 2, 0})
	_ = a.RecordAudio("sess-1", []byte{3, 0, 4, 0})

	first := domain.Application{PersonalInfo: domain.PersonalInfo{FirstName: "Sam"}}
	second := domain.Application{VehicleInfo: domain.VehicleInfo{Make: "Honda"}}
	_ = a.RecordSnapshot("sess-1", nil, first)
	_ = a.RecordSnapshot("sess-1", nil, second)

	res, err := a.Finalize(context.Background(), "sess-1", domain.EndReasonUser)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if res.Keys.Audio == "" || res.Keys.Extracted == "" {
		t.Fatalf("keys = %+v", res.Keys)
	}

	wav, _ := backend.Get(context.Background(), res.Keys.Audio)
	if len(wav) != 44+8 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("wav header = %q (len %d)", wav[:12], len(wav))
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != AudioSampleRate {
		t.Fatalf("sample rate = %d", rate)
	}

	ctx := context.Background()
	extracted, err := a.Extracted(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("Extracted() error = %v", err)
	}
	if extracted.PersonalInfo.FirstName != "Sam" || extracted.VehicleInfo.Make != "Honda" {
		t.Fatalf("extracted = %+v", extracted)
	}
	audio, err := a.Audio(ctx, res.ConversationID)
	if err != nil || len(audio) != len(wav) {
		t.Fatalf("Audio() = %d bytes, %v", len(audio), err)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()
	backend := newMemBackend()
	a := New(backend, newTestIndex(t), nil, Config{Clock: fixedClock()}, discardLogger())
	ctx := context.Background()

	a.Start("sess-1", StartInfo{UserID: "u-1"})
	_ = a.RecordEvent("sess-1", domain.EventToolInvoked, map[string]string{"name": "submit_vehicle_step"})
	res, err := a.Finalize(ctx, "sess-1", domain.EndReasonUser)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	list, err := a.List(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %v, %v", list, err)
	}
	if list[0].ConversationID != res.ConversationID || list[0].ToolCallCount != 1 || list[0].UserID != "u-1" {
		t.Fatalf("index entry = %+v", list[0])
	}

	rec, err := a.Get(ctx, res.ConversationID)
	if err != nil || rec.SessionID != "sess-1" {
		t.Fatalf("Get() = %+v, %v", rec, err)
	}
	sum, err := a.Summary(ctx, res.ConversationID)
	if err != nil || sum.ToolCalls != 1 {
		t.Fatalf("Summary() = %+v, %v", sum, err)
	}
	if _, err := a.Extracted(ctx, res.ConversationID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Extracted() error = %v, want ErrNotFound", err)
	}
	if _, err := a.Get(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRecover_FinalizesLeftoverJournals(t *testing.T) {
	t.Parallel()
	journalDir := t.TempDir()
	backend := newMemBackend()
	index := newTestIndex(t)

	j1, err := NewJournal(JournalConfig{Dir: journalDir}, discardLogger())
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}
	crashed := New(backend, index, j1, Config{Clock: fixedClock()}, discardLogger())
	convID := crashed.Start("sess-1", StartInfo{AgentID: "agent-7"})
	_ = crashed.RecordEvent("sess-1", domain.EventUserTranscriptCompleted, map[string]string{"text": "my zip is 90210"})
	_ = crashed.RecordSnapshot("sess-1", []domain.ConversationEntry{userEntry("my zip is 90210")}, domain.Application{})
	if err := j1.Close(); err != nil {
		t.Fatal(err)
	}

	j2, err := NewJournal(JournalConfig{Dir: journalDir}, discardLogger())
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}
	defer func() { _ = j2.Close() }()
	restarted := New(backend, index, j2, Config{Clock: fixedClock()}, discardLogger())

	n, err := restarted.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover() = %d, %v", n, err)
	}

	sum, err := restarted.Summary(context.Background(), convID)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.EndReason != domain.EndReasonRecovered || sum.EventCount != 1 || sum.TotalMessages != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	j2.Flush()
	if _, err := os.Stat(filepath.Join(journalDir, "sess-1"+journalExt)); !os.IsNotExist(err) {
		t.Fatalf("journal not removed after recovery: %v", err)
	}
}

func TestMaskText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"call (555) 123-4567 today", "call [phone] today"},
		{"email a.b+c@mail.co.uk", "email [email]"},
		{"my zip is 90210", "my zip is 90210"},
		{"plain text", "plain text"},
	}
	for _, tt := range tests {
		if got := maskText(tt.in); got != tt.want {
			t.Errorf("maskText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
