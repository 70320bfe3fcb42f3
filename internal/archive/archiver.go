package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/quotevoice/internal/domain"
	"github.com/ashureev/quotevoice/internal/storage"
	"github.com/ashureev/quotevoice/internal/store"
)

// Artifact key suffixes.
const (
	SuffixConversation = "conversation.json"
	SuffixSummary      = "summary.json"
	SuffixExtracted    = "extracted.json"
	SuffixAudio        = "audio.wav"
)

const defaultResultCacheSize = 1024

// Config controls which artifacts are written and how.
type Config struct {
	CaptureAudio  bool
	SaveExtracted bool
	Sanitize      SanitizePolicy
	// ResultCacheSize bounds how many finalized results are remembered for
	// repeated Finalize calls.
	ResultCacheSize int
	Clock           func() time.Time
}

type entry struct {
	state  State
	record *Record
	audio  []byte
}

// Archiver owns every in-memory conversation record.
type Archiver struct {
	backend storage.Backend
	index   store.Repository
	journal *Journal
	cfg     Config
	logger  *slog.Logger

	mu          sync.Mutex
	entries     map[string]*entry
	results     map[string]*Result
	resultOrder []string

	finalizing singleflight.Group
}

// New creates an archiver writing artifacts to backend and index entries to
// index. journal may be nil.
func New(backend storage.Backend, index store.Repository, journal *Journal, cfg Config, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = defaultResultCacheSize
	}
	if cfg.Sanitize == "" {
		cfg.Sanitize = SanitizeNone
	}
	return &Archiver{
		backend: backend,
		index:   index,
		journal: journal,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
		results: make(map[string]*Result),
	}
}

// Start begins recording for sessionID and returns its conversation id. A
// second call for the same session returns the existing id.
func (a *Archiver) Start(sessionID string, info StartInfo) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.entries[sessionID]; ok {
		return e.record.ConversationID
	}
	if res, ok := a.results[sessionID]; ok {
		return res.ConversationID
	}

	rec := &Record{
		ConversationID: uuid.NewString(),
		SessionID:      sessionID,
		StartTime:      a.cfg.Clock().UTC(),
		Metadata: Metadata{
			UserID:     info.UserID,
			AgentID:    info.AgentID,
			ClientInfo: maps.Clone(info.ClientInfo),
		},
		Events: make([]Event, 0),
	}
	a.entries[sessionID] = &entry{state: StateRecording, record: rec}
	if a.journal != nil {
		a.journal.start(rec)
	}

	a.logger.Info("Archive recording started", "session_id", sessionID, "conversation_id", rec.ConversationID)
	return rec.ConversationID
}

// State reports the archive state of sessionID.
func (a *Archiver) State(sessionID string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[sessionID]; ok {
		return e.state
	}
	if _, ok := a.results[sessionID]; ok {
		return StateArchived
	}
	return StateNotStarted
}

// recording returns the entry for sessionID if it accepts appends. Caller
// holds a.mu.
func (a *Archiver) recording(sessionID string) (*entry, error) {
	e, ok := a.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("archive for session %s: %w", sessionID, domain.ErrNotFound)
	}
	if e.state != StateRecording {
		return nil, fmt.Errorf("archive for session %s is %s: %w", sessionID, e.state, ErrNotRecording)
	}
	return e, nil
}

// RecordEvent appends an event to the session's log. payload is encoded as
// JSON immediately so later mutation by the caller has no effect.
func (a *Archiver) RecordEvent(sessionID string, typ domain.EventType, payload any) error {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", typ, err)
		}
		data = b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	e, err := a.recording(sessionID)
	if err != nil {
		return err
	}
	ev := Event{
		Seq:       len(e.record.Events) + 1,
		Type:      typ,
		Timestamp: a.cfg.Clock().UTC(),
		Data:      data,
	}
	e.record.Events = append(e.record.Events, ev)
	if a.journal != nil {
		a.journal.event(sessionID, ev)
	}
	return nil
}

// RecordSnapshot captures the full conversation history and data.
func (a *Archiver) RecordSnapshot(sessionID string, history []domain.ConversationEntry, data domain.Application) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, err := a.recording(sessionID)
	if err != nil {
		return err
	}

	h := make([]domain.ConversationEntry, len(history))
	for i, item := range history {
		item.Metadata = maps.Clone(item.Metadata)
		h[i] = item
	}
	snap := Snapshot{
		Timestamp:         a.cfg.Clock().UTC(),
		History:           h,
		Data:              data.Clone(),
		ConversationState: stateOf(h, data, e.record.toolCalls()),
	}
	e.record.HistorySnapshots = append(e.record.HistorySnapshots, snap)
	if a.journal != nil {
		a.journal.snapshot(sessionID, snap)
	}
	return nil
}

// RecordAudio appends assistant PCM when audio capture is enabled.
func (a *Archiver) RecordAudio(sessionID string, pcm []byte) error {
	if !a.cfg.CaptureAudio || len(pcm) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, err := a.recording(sessionID)
	if err != nil {
		return err
	}
	e.audio = append(e.audio, pcm...)
	return nil
}

// Finalize persists the session's record exactly once. Concurrent callers
// share a single write; once archived the cached Result is returned. Unknown
// sessions return domain.ErrNotFound. Storage or index failures return an
// error wrapping ErrArchiveWrite and leave the record recording.
func (a *Archiver) Finalize(ctx context.Context, sessionID, reason string) (*Result, error) {
	v, err, _ := a.finalizing.Do(sessionID, func() (any, error) {
		return a.finalize(context.WithoutCancel(ctx), sessionID, reason)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (a *Archiver) finalize(ctx context.Context, sessionID, reason string) (*Result, error) {
	a.mu.Lock()
	if res, ok := a.results[sessionID]; ok {
		a.mu.Unlock()
		return res, nil
	}
	e, ok := a.entries[sessionID]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("archive for session %s: %w", sessionID, domain.ErrNotFound)
	}
	e.state = StateFinalizing
	rec := cloneRecord(e.record)
	audio := slices.Clone(e.audio)
	a.mu.Unlock()

	rec.EndTime = a.cfg.Clock().UTC()
	rec.Metadata.EndReason = reason
	rec.Metadata.DurationMs = rec.EndTime.Sub(rec.StartTime).Milliseconds()

	res, err := a.persist(ctx, rec, audio)
	if err != nil {
		a.mu.Lock()
		e.state = StateRecording
		a.mu.Unlock()
		a.logger.Error("Archive finalize failed",
			"session_id", sessionID,
			"conversation_id", rec.ConversationID,
			"error", err)
		return nil, err
	}

	a.mu.Lock()
	delete(a.entries, sessionID)
	a.cacheResult(sessionID, res)
	a.mu.Unlock()

	if a.journal != nil {
		a.journal.Remove(sessionID)
	}

	a.logger.Info("Conversation archived",
		"session_id", sessionID,
		"conversation_id", rec.ConversationID,
		"end_reason", reason,
		"events", len(rec.Events),
		"messages", res.Summary.TotalMessages)
	return res, nil
}

// persist writes every artifact concurrently, then indexes the conversation.
func (a *Archiver) persist(ctx context.Context, rec *Record, audio []byte) (*Result, error) {
	summary := rec.summarize()
	sanitizer{policy: a.cfg.Sanitize}.apply(rec)

	prefix := keyPrefix(rec)
	keys := domain.ArtifactKeys{
		Conversation: prefix + SuffixConversation,
		Summary:      prefix + SuffixSummary,
	}

	type artifact struct {
		key  string
		data func() ([]byte, error)
	}
	artifacts := []artifact{
		{keys.Conversation, func() ([]byte, error) { return json.MarshalIndent(rec, "", "  ") }},
		{keys.Summary, func() ([]byte, error) { return json.MarshalIndent(summary, "", "  ") }},
	}
	if a.cfg.SaveExtracted {
		if data, ok := rec.extracted(); ok {
			keys.Extracted = prefix + SuffixExtracted
			artifacts = append(artifacts, artifact{keys.Extracted, func() ([]byte, error) {
				return json.MarshalIndent(data, "", "  ")
			}})
		}
	}
	if a.cfg.CaptureAudio && len(audio) > 0 {
		keys.Audio = prefix + SuffixAudio
		artifacts = append(artifacts, artifact{keys.Audio, func() ([]byte, error) {
			return pcmToWAV(audio, AudioSampleRate, AudioBitsPerSample, AudioChannels), nil
		}})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, art := range artifacts {
		g.Go(func() error {
			data, err := art.data()
			if err != nil {
				return fmt.Errorf("encode %s: %w", art.key, err)
			}
			if err := a.backend.Put(gctx, art.key, data); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchiveWrite, err)
	}

	if a.index != nil {
		idx := &domain.ArchivedConversation{
			ConversationID: rec.ConversationID,
			SessionID:      rec.SessionID,
			UserID:         rec.Metadata.UserID,
			StartTime:      rec.StartTime,
			EndTime:        rec.EndTime,
			EndReason:      rec.Metadata.EndReason,
			MessageCount:   summary.TotalMessages,
			ToolCallCount:  summary.ToolCalls,
			EventCount:     summary.EventCount,
			Completion:     summary.Completion.Overall,
			Keys:           keys,
		}
		if err := a.index.UpsertConversation(ctx, idx); err != nil {
			return nil, fmt.Errorf("%w: index: %w", ErrArchiveWrite, err)
		}
	}

	return &Result{
		ConversationID: rec.ConversationID,
		SessionID:      rec.SessionID,
		Keys:           keys,
		Summary:        summary,
	}, nil
}

// cacheResult remembers res, evicting the oldest entries past the cache size.
// Caller holds a.mu.
func (a *Archiver) cacheResult(sessionID string, res *Result) {
	a.results[sessionID] = res
	a.resultOrder = append(a.resultOrder, sessionID)
	for len(a.resultOrder) > a.cfg.ResultCacheSize {
		delete(a.results, a.resultOrder[0])
		a.resultOrder = a.resultOrder[1:]
	}
}

// Recover finalizes every journal left behind by an unclean shutdown and
// returns how many conversations were archived.
func (a *Archiver) Recover(ctx context.Context) (int, error) {
	if a.journal == nil {
		return 0, nil
	}
	records, err := a.journal.Load()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, rec := range records {
		a.mu.Lock()
		_, live := a.entries[rec.SessionID]
		if !live {
			if rec.Events == nil {
				rec.Events = make([]Event, 0)
			}
			a.entries[rec.SessionID] = &entry{state: StateRecording, record: rec}
		}
		a.mu.Unlock()
		if live {
			continue
		}

		if _, err := a.Finalize(ctx, rec.SessionID, domain.EndReasonRecovered); err != nil {
			a.logger.Warn("Failed to recover conversation",
				"session_id", rec.SessionID,
				"conversation_id", rec.ConversationID,
				"error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		a.logger.Info("Recovered unfinished conversations", "count", recovered)
	}
	return recovered, nil
}

func keyPrefix(rec *Record) string {
	return fmt.Sprintf("%s/%s/%s_", rec.StartTime.UTC().Format(time.DateOnly), rec.SessionID, rec.ConversationID)
}

func cloneRecord(r *Record) *Record {
	out := *r
	out.Metadata.ClientInfo = maps.Clone(r.Metadata.ClientInfo)
	out.Events = slices.Clone(r.Events)
	out.HistorySnapshots = make([]Snapshot, len(r.HistorySnapshots))
	for i, s := range r.HistorySnapshots {
		s.History = slices.Clone(s.History)
		s.Data = s.Data.Clone()
		out.HistorySnapshots[i] = s
	}
	return &out
}
