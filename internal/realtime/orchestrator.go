package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/quotevoice/internal/domain"
	"github.com/ashureev/quotevoice/internal/vehicle"
)

// ErrEngineDisconnected is returned by Run when the engine closes its stream.
var ErrEngineDisconnected = errors.New("realtime engine disconnected")

// DefaultSnapshotInterval is the period of history snapshots sent to the
// archiver.
const DefaultSnapshotInterval = 30 * time.Second

// SessionService is the part of the session manager an orchestrator uses.
type SessionService interface {
	Get(id string) (*domain.Session, error)
	AddConversationItem(id string, role domain.Role, content string, metadata map[string]any) (*domain.ConversationEntry, error)
	ReduceData(id string, reduce func(domain.Application) domain.Application) (*domain.Session, error)
}

// Recorder receives the session's event log.
type Recorder interface {
	RecordEvent(sessionID string, typ domain.EventType, payload any) error
	RecordSnapshot(sessionID string, history []domain.ConversationEntry, data domain.Application) error
	RecordAudio(sessionID string, pcm []byte) error
}

// VehicleSteps validates vehicle steps submitted through tool calls.
type VehicleSteps interface {
	Submit(ctx context.Context, sessionID string, slot int, step vehicle.Step, value string) (vehicle.StepResult, error)
}

// Extractor folds one dialogue turn into an application. It must not modify
// prior or any validated vehicle in it.
type Extractor interface {
	Accumulate(prior domain.Application, text string, role domain.Role) domain.Application
}

// Listener receives every domain event of a session, in order. It runs on
// the orchestrator goroutine and must not block.
type Listener func(Event)

// OrchestratorConfig tunes one orchestrator.
type OrchestratorConfig struct {
	SnapshotInterval time.Duration
	AudioDebounce    time.Duration
}

type flushRequest struct {
	responseID string
	gen        uint64
}

// Orchestrator drives one session: it consumes the engine's events in
// arrival order on a single goroutine and fans them out to the session
// history, the extraction reducer, the vehicle collector and the archive.
type Orchestrator struct {
	sessionID string
	engine    Engine
	sessions  SessionService
	recorder  Recorder
	vehicles  VehicleSteps
	extractor Extractor
	cfg       OrchestratorConfig
	logger    *slog.Logger

	normalizer *Normalizer
	audio      *assembler
	flushes    chan flushRequest
	stopped    chan struct{}

	listenerMu sync.Mutex
	listener   Listener
}

// NewOrchestrator creates an orchestrator for sessionID. Run starts it.
func NewOrchestrator(sessionID string, engine Engine, sessions SessionService, recorder Recorder,
	vehicles VehicleSteps, extractor Extractor, cfg OrchestratorConfig, logger *slog.Logger,
) *Orchestrator {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sessionID)
	o := &Orchestrator{
		sessionID:  sessionID,
		engine:     engine,
		sessions:   sessions,
		recorder:   recorder,
		vehicles:   vehicles,
		extractor:  extractor,
		cfg:        cfg,
		logger:     logger,
		normalizer: NewNormalizer(defaultSeenCapacity),
		flushes:    make(chan flushRequest, 64),
		stopped:    make(chan struct{}),
	}
	o.audio = newAssembler(cfg.AudioDebounce, o.postFlush, logger)
	return o
}

// SessionID returns the orchestrated session.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// SetListener replaces the event listener. A nil listener detaches.
func (o *Orchestrator) SetListener(l Listener) {
	o.listenerMu.Lock()
	o.listener = l
	o.listenerMu.Unlock()
}

// Done is closed when Run returns.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.stopped
}

// SendAudio forwards microphone PCM to the engine.
func (o *Orchestrator) SendAudio(ctx context.Context, pcm []byte) error {
	return o.engine.SendAudio(ctx, pcm)
}

// SendText forwards a typed user message to the engine.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return o.engine.SendText(ctx, text)
}

func (o *Orchestrator) postFlush(responseID string, gen uint64) {
	select {
	case o.flushes <- flushRequest{responseID: responseID, gen: gen}:
	case <-o.stopped:
	}
}

// Run processes events until ctx is cancelled or the engine stream ends. It
// returns nil on cancellation and ErrEngineDisconnected when the engine goes
// away.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.stopped)
	defer o.audio.close()

	ticker := time.NewTicker(o.cfg.SnapshotInterval)
	defer ticker.Stop()

	o.emit(ConnectionStateChanged{State: StateConnected})

	events := o.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case raw, ok := <-events:
			if !ok {
				o.emit(ConnectionStateChanged{State: StateDisconnected, Reason: "engine closed the connection"})
				return ErrEngineDisconnected
			}
			o.handleRaw(ctx, raw)

		case req := <-o.flushes:
			if seg := o.audio.flush(req.responseID, req.gen); seg != nil {
				o.emitAudio(*seg)
			}

		case <-ticker.C:
			o.snapshot()
		}
	}
}

func (o *Orchestrator) handleRaw(ctx context.Context, raw []byte) {
	out, err := o.normalizer.Normalize(raw)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrUnknownEvent) {
			level = slog.LevelDebug
		}
		o.logger.Log(ctx, level, "Dropping upstream event", "error", err)
	}
	for _, ev := range out.Events {
		o.handle(ctx, ev)
	}
	for _, f := range out.Audio {
		if seg := o.audio.add(f); seg != nil {
			o.emitAudio(*seg)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case UserTranscriptCompleted:
		o.turn(domain.RoleUser, e.Text, e.ItemID)
		o.emit(e)

	case AssistantResponseCompleted:
		o.turn(domain.RoleAgent, e.Text, e.ItemID)
		o.emit(e)

	case ToolInvoked:
		o.emit(e)
		o.emit(o.invokeTool(ctx, e))

	case ErrorEvent:
		o.logger.Warn("Realtime engine reported an error", "code", e.Err.Code, "error", e.Err.Message)
		if _, err := o.sessions.AddConversationItem(o.sessionID, domain.RoleSystem, e.Err.Error(),
			map[string]any{"eventType": string(domain.EventError)}); err != nil {
			o.logger.Debug("Could not record engine error in history", "error", err)
		}
		o.emit(e)

	default:
		o.emit(ev)
	}
}

// turn appends a dialogue turn to the history and folds it into the
// extraction state.
func (o *Orchestrator) turn(role domain.Role, text, itemID string) {
	var meta map[string]any
	if itemID != "" {
		meta = map[string]any{"itemId": itemID}
	}
	if _, err := o.sessions.AddConversationItem(o.sessionID, role, text, meta); err != nil {
		o.logger.Warn("Failed to append conversation turn", "role", role, "error", err)
		return
	}

	var before float64
	sess, err := o.sessions.ReduceData(o.sessionID, func(prior domain.Application) domain.Application {
		before = prior.CompletionStatus.Overall
		return o.extractor.Accumulate(prior, text, role)
	})
	if err != nil {
		o.logger.Warn("Failed to apply extracted fields", "role", role, "error", err)
		return
	}
	if after := sess.Data.CompletionStatus.Overall; after != before {
		o.logger.Debug("Extracted application fields", "role", role, "completion", after)
	}
}

type vehicleStepArgs struct {
	Slot  int             `json:"slot"`
	Step  string          `json:"step"`
	Value json.RawMessage `json:"value"`
}

func (a vehicleStepArgs) value() string {
	raw := bytes.TrimSpace(a.Value)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (o *Orchestrator) invokeTool(ctx context.Context, call ToolInvoked) ToolResult {
	res := ToolResult{CallID: call.CallID, Name: call.Name}

	switch {
	case call.Name != VehicleStepTool:
		res.Error = fmt.Sprintf("unknown tool %q", call.Name)
	case o.vehicles == nil:
		res.Error = "vehicle collection is not available"
	default:
		var args vehicleStepArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			res.Error = "invalid arguments: " + err.Error()
			break
		}
		step, err := vehicle.ParseStep(args.Step)
		if err != nil {
			res.Error = err.Error()
			break
		}
		out, err := o.vehicles.Submit(ctx, o.sessionID, args.Slot, step, args.value())
		if err != nil {
			res.Error = err.Error()
			break
		}
		res.Output = out
	}

	var payload any = res.Output
	if res.Error != "" {
		o.logger.Warn("Tool call failed", "tool", call.Name, "call_id", call.CallID, "error", res.Error)
		payload = map[string]string{"error": res.Error}
	}
	if err := o.engine.SendToolResult(ctx, call.CallID, payload); err != nil {
		o.logger.Warn("Failed to return tool result", "call_id", call.CallID, "error", err)
	}
	return res
}

func (o *Orchestrator) emitAudio(seg AudioSegment) {
	if err := o.recorder.RecordAudio(o.sessionID, seg.PCM); err != nil {
		o.logger.Debug("Audio not archived", "error", err)
	}
	o.emit(seg)
}

func (o *Orchestrator) emit(ev Event) {
	if err := o.recorder.RecordEvent(o.sessionID, ev.Type(), ev); err != nil {
		o.logger.Debug("Event not archived", "type", ev.Type(), "error", err)
	}

	o.listenerMu.Lock()
	l := o.listener
	o.listenerMu.Unlock()
	if l != nil {
		l(ev)
	}
}

func (o *Orchestrator) snapshot() {
	sess, err := o.sessions.Get(o.sessionID)
	if err != nil {
		return
	}
	if err := o.recorder.RecordSnapshot(o.sessionID, sess.ConversationHistory, sess.Data); err != nil {
		o.logger.Debug("Snapshot not archived", "error", err)
	}
}
