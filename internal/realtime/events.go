// Package realtime binds a session to a remote conversational engine. It
// normalizes the engine's event stream into a closed set of domain events,
// reassembles streamed audio, and drives each session from one goroutine.
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/quotevoice/internal/domain"
)

// Event is a normalized domain event. The concrete types below are the only
// implementations.
type Event interface {
	Type() domain.EventType
	isEvent()
}

// UserTranscriptCompleted is a finished user turn, spoken or typed.
type UserTranscriptCompleted struct {
	ItemID string `json:"itemId,omitempty"`
	Text   string `json:"text"`
}

// AssistantResponseCompleted is a finished assistant turn.
type AssistantResponseCompleted struct {
	ItemID     string `json:"itemId,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
	Text       string `json:"text"`
}

// ToolInvoked is a function call requested by the engine.
type ToolInvoked struct {
	CallID    string          `json:"callId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the output returned to the engine for a call.
type ToolResult struct {
	CallID string `json:"callId"`
	Name   string `json:"name"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AudioSegment is one reassembled block of assistant audio.
type AudioSegment struct {
	ResponseID string `json:"responseId,omitempty"`
	PCM        []byte `json:"-"`
	Bytes      int    `json:"bytes"`
	DurationMs int64  `json:"durationMs"`
}

// ConnectionState is the engine connection state.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// ConnectionStateChanged reports an engine connection transition.
type ConnectionStateChanged struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// GuardrailTripped reports that the engine blocked or cut a response.
type GuardrailTripped struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorEvent carries an error reported by the remote engine. It never ends
// the session by itself.
type ErrorEvent struct {
	Err *RemoteEngineError `json:"error"`
}

// RemoteEngineError is an error reported by the engine.
type RemoteEngineError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"eventId,omitempty"`
}

func (e *RemoteEngineError) Error() string {
	if e.Code == "" {
		return "remote engine: " + e.Message
	}
	return fmt.Sprintf("remote engine: %s: %s", e.Code, e.Message)
}

func (UserTranscriptCompleted) Type() domain.EventType { return domain.EventUserTranscriptCompleted }
func (AssistantResponseCompleted) Type() domain.EventType {
	return domain.EventAssistantResponseCompleted
}
func (ToolInvoked) Type() domain.EventType            { return domain.EventToolInvoked }
func (ToolResult) Type() domain.EventType             { return domain.EventToolResult }
func (AudioSegment) Type() domain.EventType           { return domain.EventAudioSegment }
func (ConnectionStateChanged) Type() domain.EventType { return domain.EventConnectionStateChanged }
func (GuardrailTripped) Type() domain.EventType       { return domain.EventGuardrailTripped }
func (ErrorEvent) Type() domain.EventType             { return domain.EventError }

func (UserTranscriptCompleted) isEvent()    {}
func (AssistantResponseCompleted) isEvent() {}
func (ToolInvoked) isEvent()                {}
func (ToolResult) isEvent()                 {}
func (AudioSegment) isEvent()               {}
func (ConnectionStateChanged) isEvent()     {}
func (GuardrailTripped) isEvent()           {}
func (ErrorEvent) isEvent()                 {}

// Envelope is the JSON form of an event pushed to clients.
type Envelope struct {
	Type domain.EventType `json:"type"`
	Data Event            `json:"data"`
}

// Wrap builds the client envelope for ev.
func Wrap(ev Event) Envelope {
	return Envelope{Type: ev.Type(), Data: ev}
}
