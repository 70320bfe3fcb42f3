package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	journalExt              = ".ndjson"
	defaultJournalQueueSize = 1024
	maxJournalLine          = 16 << 20
)

// JournalConfig configures the on-disk recording journal.
type JournalConfig struct {
	Dir       string
	QueueSize int
}

// journalLine is one NDJSON line. Exactly one payload field is set.
type journalLine struct {
	Kind     string        `json:"kind"`
	Start    *journalStart `json:"start,omitempty"`
	Event    *Event        `json:"event,omitempty"`
	Snapshot *Snapshot     `json:"snapshot,omitempty"`
}

type journalStart struct {
	ConversationID string    `json:"conversationId"`
	SessionID      string    `json:"sessionId"`
	StartTime      time.Time `json:"startTime"`
	Metadata       Metadata  `json:"metadata"`
}

type journalOp struct {
	sessionID string
	line      []byte
	remove    bool
	done      chan struct{}
}

// Journal appends every recorded item to a per-session NDJSON file from a
// single background writer, so a crash loses at most the queued tail.
type Journal struct {
	dir    string
	logger *slog.Logger
	queue  chan journalOp
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewJournal creates the journal directory and starts the writer.
func NewJournal(cfg JournalConfig, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("journal dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultJournalQueueSize
	}

	j := &Journal{
		dir:    cfg.Dir,
		logger: logger,
		queue:  make(chan journalOp, size),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

func (j *Journal) path(sessionID string) (string, error) {
	if sessionID == "" || sessionID != filepath.Base(sessionID) || strings.HasPrefix(sessionID, ".") {
		return "", fmt.Errorf("invalid journal session id %q", sessionID)
	}
	return filepath.Join(j.dir, sessionID+journalExt), nil
}

func (j *Journal) run() {
	defer j.wg.Done()
	files := make(map[string]*os.File)
	defer func() {
		for id, f := range files {
			if err := f.Close(); err != nil {
				j.logger.Warn("Failed to close journal file", "session_id", id, "error", err)
			}
		}
	}()

	for op := range j.queue {
		j.apply(files, op)
		if op.done != nil {
			close(op.done)
		}
	}
}

func (j *Journal) apply(files map[string]*os.File, op journalOp) {
	if op.sessionID == "" {
		return
	}
	path, err := j.path(op.sessionID)
	if err != nil {
		j.logger.Warn("Dropping journal op", "error", err)
		return
	}

	if op.remove {
		if f, ok := files[op.sessionID]; ok {
			_ = f.Close()
			delete(files, op.sessionID)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			j.logger.Warn("Failed to remove journal", "session_id", op.sessionID, "error", err)
		}
		return
	}

	f, ok := files[op.sessionID]
	if !ok {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			j.logger.Warn("Failed to open journal", "session_id", op.sessionID, "error", err)
			return
		}
		files[op.sessionID] = f
	}
	if _, err := f.Write(append(op.line, '\n')); err != nil {
		j.logger.Warn("Failed to append journal line", "session_id", op.sessionID, "error", err)
	}
}

// send queues op. Appends never block the caller; a full queue drops the
// line with a warning. Removals and flushes wait for queue space.
func (j *Journal) send(op journalOp, block bool) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return false
	}
	if block {
		j.queue <- op
		return true
	}
	select {
	case j.queue <- op:
		return true
	default:
		j.logger.Warn("Journal queue full, dropping line", "session_id", op.sessionID, "queue_len", len(j.queue))
		return false
	}
}

func (j *Journal) append(sessionID string, line journalLine) {
	data, err := json.Marshal(line)
	if err != nil {
		j.logger.Warn("Failed to encode journal line", "session_id", sessionID, "kind", line.Kind, "error", err)
		return
	}
	j.send(journalOp{sessionID: sessionID, line: data}, false)
}

func (j *Journal) start(rec *Record) {
	j.append(rec.SessionID, journalLine{Kind: "start", Start: &journalStart{
		ConversationID: rec.ConversationID,
		SessionID:      rec.SessionID,
		StartTime:      rec.StartTime,
		Metadata:       rec.Metadata,
	}})
}

func (j *Journal) event(sessionID string, ev Event) {
	j.append(sessionID, journalLine{Kind: "event", Event: &ev})
}

func (j *Journal) snapshot(sessionID string, snap Snapshot) {
	j.append(sessionID, journalLine{Kind: "snapshot", Snapshot: &snap})
}

// Remove deletes the session's journal after every queued line is written.
func (j *Journal) Remove(sessionID string) {
	j.send(journalOp{sessionID: sessionID, remove: true}, true)
}

// Flush blocks until every op queued before it has been applied.
func (j *Journal) Flush() {
	done := make(chan struct{})
	if j.send(journalOp{done: done}, true) {
		<-done
	}
}

// Close drains the queue and stops the writer.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	j.wg.Wait()
	return nil
}

// Load reads every journal left on disk into records. Truncated trailing
// lines are skipped; files without a start line are ignored.
func (j *Journal) Load() ([]*Record, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("read journal dir: %w", err)
	}

	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), journalExt) {
			continue
		}
		rec, err := j.loadFile(filepath.Join(j.dir, e.Name()))
		if err != nil {
			j.logger.Warn("Skipping unreadable journal", "file", e.Name(), "error", err)
			continue
		}
		if rec == nil {
			j.logger.Warn("Skipping journal without start line", "file", e.Name())
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (j *Journal) loadFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rec *Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxJournalLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		var line journalLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			j.logger.Debug("Skipping malformed journal line", "file", filepath.Base(path), "line", lineNo, "error", err)
			continue
		}
		switch {
		case line.Kind == "start" && line.Start != nil:
			rec = &Record{
				ConversationID: line.Start.ConversationID,
				SessionID:      line.Start.SessionID,
				StartTime:      line.Start.StartTime,
				Metadata:       line.Start.Metadata,
			}
		case rec == nil:
			continue
		case line.Kind == "event" && line.Event != nil:
			rec.Events = append(rec.Events, *line.Event)
		case line.Kind == "snapshot" && line.Snapshot != nil:
			rec.HistorySnapshots = append(rec.HistorySnapshots, *line.Snapshot)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}
