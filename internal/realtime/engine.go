package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// ErrEngineClosed is returned when sending on an engine that is not connected.
var ErrEngineClosed = errors.New("realtime engine closed")

// VehicleStepTool is the function the engine calls to submit one validated
// vehicle step.
const VehicleStepTool = "submit_vehicle_step"

const (
	defaultEngineModel     = "gpt-4o-realtime-preview"
	defaultEngineVoice     = "alloy"
	defaultEngineReadLimit = 4 << 20
	engineEventBuffer      = 256
)

const defaultInstructions = `You are a friendly auto insurance intake assistant. Collect the caller's
personal details, vehicles, driving history and coverage preferences one topic at a time.
For each vehicle, confirm year, make, model and trim in that order and submit every answer
with the submit_vehicle_step tool. When a step is rejected, ask again for that step.`

// Engine is a connection to the remote conversational engine.
type Engine interface {
	Connect(ctx context.Context) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendText(ctx context.Context, text string) error
	SendToolResult(ctx context.Context, callID string, output any) error
	// Events yields raw upstream messages and is closed when the connection
	// ends.
	Events() <-chan []byte
	Close() error
}

// EngineConfig configures the websocket engine client.
type EngineConfig struct {
	URL          string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	ReadLimit    int64
}

// WebSocketEngine speaks the realtime JSON protocol over a websocket.
type WebSocketEngine struct {
	cfg    EngineConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	events chan []byte
	closed bool
}

// NewWebSocketEngine creates an unconnected engine client.
func NewWebSocketEngine(cfg EngineConfig, logger *slog.Logger) *WebSocketEngine {
	if cfg.Model == "" {
		cfg.Model = defaultEngineModel
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultEngineVoice
	}
	if cfg.Instructions == "" {
		cfg.Instructions = defaultInstructions
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultEngineReadLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketEngine{cfg: cfg, logger: logger, events: make(chan []byte, engineEventBuffer)}
}

// Connect dials the engine, configures the session and starts reading.
func (e *WebSocketEngine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.conn != nil {
		return nil
	}

	target, err := e.dialURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if e.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial realtime engine: %w", err)
	}
	conn.SetReadLimit(e.cfg.ReadLimit)

	if err := wsjson.Write(ctx, conn, e.sessionUpdate()); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return fmt.Errorf("configure realtime session: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	e.conn = conn
	e.cancel = cancel
	go e.readLoop(readCtx, conn)

	e.logger.Info("Realtime engine connected", "model", e.cfg.Model)
	return nil
}

func (e *WebSocketEngine) dialURL() (string, error) {
	u, err := url.Parse(e.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", e.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *WebSocketEngine) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(e.events)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || ctx.Err() != nil {
				e.logger.Debug("Realtime engine read loop stopped", "error", err)
			} else {
				e.logger.Warn("Realtime engine connection lost", "error", err, "status", status)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		select {
		case e.events <- data:
		case <-ctx.Done():
			return
		}
	}
}

// Events returns the raw upstream message stream.
func (e *WebSocketEngine) Events() <-chan []byte {
	return e.events
}

// SendAudio appends microphone PCM to the engine's input buffer.
func (e *WebSocketEngine) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return e.send(ctx, map[string]any{
		"event_id": eventID(),
		"type":     "input_audio_buffer.append",
		"audio":    base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText adds a typed user message and asks for a response.
func (e *WebSocketEngine) SendText(ctx context.Context, text string) error {
	err := e.send(ctx, map[string]any{
		"event_id": eventID(),
		"type":     "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
	if err != nil {
		return err
	}
	return e.requestResponse(ctx)
}

// SendToolResult returns a function call output and asks for a response.
func (e *WebSocketEngine) SendToolResult(ctx context.Context, callID string, output any) error {
	var encoded string
	switch v := output.(type) {
	case string:
		encoded = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode tool output: %w", err)
		}
		encoded = string(b)
	}
	err := e.send(ctx, map[string]any{
		"event_id": eventID(),
		"type":     "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  encoded,
		},
	})
	if err != nil {
		return err
	}
	return e.requestResponse(ctx)
}

func (e *WebSocketEngine) requestResponse(ctx context.Context) error {
	return e.send(ctx, map[string]any{
		"event_id": eventID(),
		"type":     "response.create",
	})
}

func (e *WebSocketEngine) send(ctx context.Context, msg any) error {
	e.mu.Lock()
	conn := e.conn
	closed := e.closed
	e.mu.Unlock()
	if conn == nil || closed {
		return ErrEngineClosed
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("write realtime event: %w", err)
	}
	return nil
}

// Close ends the connection. It is safe to call more than once.
func (e *WebSocketEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn, cancel := e.conn, e.cancel
	e.mu.Unlock()

	if conn == nil {
		close(e.events)
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
		e.logger.Debug("Realtime engine close handshake failed", "error", err)
	}
	cancel()
	return nil
}

func (e *WebSocketEngine) sessionUpdate() map[string]any {
	return map[string]any{
		"event_id": eventID(),
		"type":     "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        e.cfg.Instructions,
			"voice":               e.cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type": "server_vad",
			},
			"tools":       []map[string]any{vehicleStepToolSchema()},
			"tool_choice": "auto",
		},
	}
}

func vehicleStepToolSchema() map[string]any {
	return map[string]any{
		"type":        "function",
		"name":        VehicleStepTool,
		"description": "Submit one step of a vehicle description. Steps must be given in order: year, make, model, trim.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"slot": map[string]any{
					"type":        "integer",
					"description": "Vehicle index, 0 for the first vehicle and 1 for the second.",
				},
				"step": map[string]any{
					"type": "string",
					"enum": []string{"year", "make", "model", "trim"},
				},
				"value": map[string]any{"type": "string"},
			},
			"required": []string{"step", "value"},
		},
	}
}

func eventID() string {
	return "evt_" + uuid.NewString()[:12]
}
