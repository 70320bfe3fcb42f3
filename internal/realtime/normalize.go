package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

var (
	// ErrMalformedEvent is returned for upstream messages that are not a JSON
	// object with a type.
	ErrMalformedEvent = errors.New("malformed upstream event")
	// ErrUnknownEvent is returned for well-formed events outside the known
	// vocabulary.
	ErrUnknownEvent = errors.New("unrecognized upstream event")
)

const (
	defaultSeenCapacity = 512
	maxWrapperDepth     = 4
)

// AudioFragment is a piece of streamed assistant audio. Done marks the end of
// the response's audio.
type AudioFragment struct {
	ResponseID string
	Base64     string
	Done       bool
}

// Normalized is the output of one upstream message.
type Normalized struct {
	Events []Event
	Audio  []AudioFragment
}

func (n *Normalized) add(ev Event)             { n.Events = append(n.Events, ev) }
func (n *Normalized) addAudio(f AudioFragment) { n.Audio = append(n.Audio, f) }

// Upstream event vocabulary.
const (
	upSessionCreated          = "session.created"
	upSessionUpdated          = "session.updated"
	upItemCreated             = "conversation.item.created"
	upItemDone                = "conversation.item.done"
	upInputTranscriptDone     = "conversation.item.input_audio_transcription.completed"
	upInputTranscriptFailed   = "conversation.item.input_audio_transcription.failed"
	upOutputItemDone          = "response.output_item.done"
	upResponseDone            = "response.done"
	upTextDone                = "response.text.done"
	upAudioTranscriptDone     = "response.audio_transcript.done"
	upAudioDelta              = "response.audio.delta"
	upAudioDone               = "response.audio.done"
	upFunctionArgsDone        = "response.function_call_arguments.done"
	upError                   = "error"
	upGuardrailTripped        = "guardrail.tripped"
	upConnectionState         = "connection.state"
	upTransportEvent          = "transport_event"
	upOutputAudioDelta        = "response.output_audio.delta"
	upOutputAudioDone         = "response.output_audio.done"
	upOutputAudioTranscriptOK = "response.output_audio_transcript.done"
)

// Events that carry nothing the domain needs.
var ignoredEvents = map[string]bool{
	"conversation.created":                              true,
	"conversation.item.added":                           true,
	"conversation.item.truncated":                       true,
	"conversation.item.deleted":                         true,
	"conversation.item.input_audio_transcription.delta": true,
	"input_audio_buffer.committed":                      true,
	"input_audio_buffer.cleared":                        true,
	"input_audio_buffer.speech_started":                 true,
	"input_audio_buffer.speech_stopped":                 true,
	"response.created":                                  true,
	"response.output_item.added":                        true,
	"response.content_part.added":                       true,
	"response.content_part.done":                        true,
	"response.text.delta":                               true,
	"response.audio_transcript.delta":                   true,
	"response.output_audio_transcript.delta":            true,
	"response.output_text.delta":                        true,
	"response.function_call_arguments.delta":            true,
	"rate_limits.updated":                               true,
}

type wireContent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type wireItem struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Role      string        `json:"role"`
	Status    string        `json:"status"`
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Content   []wireContent `json:"content"`
}

func (it *wireItem) text() string {
	var parts []string
	for _, c := range it.Content {
		switch {
		case c.Text != "":
			parts = append(parts, c.Text)
		case c.Transcript != "":
			parts = append(parts, c.Transcript)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

type wireStatusDetails struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type wireResponse struct {
	ID            string             `json:"id"`
	Status        string             `json:"status"`
	StatusDetails *wireStatusDetails `json:"status_details"`
	Output        []wireItem         `json:"output"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireEvent struct {
	Type       string            `json:"type"`
	EventID    string            `json:"event_id"`
	ItemID     string            `json:"item_id"`
	ResponseID string            `json:"response_id"`
	Transcript string            `json:"transcript"`
	Text       string            `json:"text"`
	Delta      string            `json:"delta"`
	CallID     string            `json:"call_id"`
	Name       string            `json:"name"`
	Arguments  string            `json:"arguments"`
	State      string            `json:"state"`
	Reason     string            `json:"reason"`
	Message    string            `json:"message"`
	Item       *wireItem         `json:"item"`
	Response   *wireResponse     `json:"response"`
	Error      *wireError        `json:"error"`
	Event      json.RawMessage   `json:"event"`
	Events     []json.RawMessage `json:"events"`
}

// Normalizer is the single translation boundary from the engine's event
// vocabulary to domain events. It suppresses repeated signals for the same
// logical occurrence. A Normalizer belongs to one session and is not safe for
// concurrent use.
type Normalizer struct {
	seen *seenSet
}

// NewNormalizer creates a normalizer remembering up to capacity occurrences.
func NewNormalizer(capacity int) *Normalizer {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &Normalizer{seen: newSeenSet(capacity)}
}

// Normalize translates one raw upstream message. Malformed input returns
// ErrMalformedEvent; unknown event types return ErrUnknownEvent. Known events
// with nothing to report return an empty result.
func (n *Normalizer) Normalize(raw []byte) (Normalized, error) {
	var out Normalized
	err := n.normalize(raw, 0, &out)
	return out, err
}

func (n *Normalizer) normalize(raw []byte, depth int, out *Normalized) error {
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	switch ev.Type {
	case upTransportEvent:
		if depth >= maxWrapperDepth {
			return fmt.Errorf("%w: transport_event nested too deeply", ErrMalformedEvent)
		}
		nested := ev.Events
		if len(ev.Event) > 0 {
			nested = append([]json.RawMessage{ev.Event}, nested...)
		}
		if len(nested) == 0 {
			return fmt.Errorf("%w: empty transport_event", ErrMalformedEvent)
		}
		var errs []error
		for _, sub := range nested {
			if err := n.normalize(sub, depth+1, out); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	case upSessionCreated:
		if n.first("session:connected") {
			out.add(ConnectionStateChanged{State: StateConnected})
		}

	case upConnectionState:
		state := ConnectionState(strings.ToLower(ev.State))
		switch state {
		case StateConnecting, StateConnected, StateDisconnected:
			out.add(ConnectionStateChanged{State: state, Reason: ev.Reason})
		default:
			return fmt.Errorf("%w: connection state %q", ErrMalformedEvent, ev.State)
		}

	case upInputTranscriptDone:
		n.userTurn(ev.ItemID, ev.Transcript, out)

	case upInputTranscriptFailed:
		msg := "input audio transcription failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		if n.first("transcription_failed:" + ev.ItemID) {
			out.add(ErrorEvent{Err: &RemoteEngineError{Code: "transcription_failed", Message: msg, EventID: ev.EventID}})
		}

	case upItemCreated, upItemDone:
		if ev.Item != nil && ev.Item.Type == "message" {
			switch ev.Item.Role {
			case "user":
				n.userTurn(ev.Item.ID, ev.Item.text(), out)
			case "assistant":
				if ev.Item.Status == "completed" {
					n.assistantTurn(ev.Item.ID, "", ev.Item.text(), out)
				}
			}
		}

	case upAudioTranscriptDone, upOutputAudioTranscriptOK:
		n.assistantTurn(ev.ItemID, ev.ResponseID, ev.Transcript, out)

	case upTextDone:
		n.assistantTurn(ev.ItemID, ev.ResponseID, ev.Text, out)

	case upOutputItemDone:
		if ev.Item != nil {
			n.outputItem(*ev.Item, ev.ResponseID, out)
		}

	case upResponseDone:
		if ev.Response != nil {
			for _, item := range ev.Response.Output {
				n.outputItem(item, ev.Response.ID, out)
			}
			n.responseStatus(ev.Response, out)
		}

	case upFunctionArgsDone:
		n.toolCall(ev.CallID, ev.Name, ev.Arguments, out)

	case upAudioDelta, upOutputAudioDelta:
		if ev.Delta != "" {
			out.addAudio(AudioFragment{ResponseID: ev.ResponseID, Base64: ev.Delta})
		}

	case upAudioDone, upOutputAudioDone:
		out.addAudio(AudioFragment{ResponseID: ev.ResponseID, Done: true})

	case upGuardrailTripped:
		key := ev.EventID
		if key == "" {
			key = fingerprint(ev.Name, ev.Message)
		}
		if n.first("guardrail:" + key) {
			out.add(GuardrailTripped{Name: ev.Name, Message: ev.Message})
		}

	case upError:
		re := &RemoteEngineError{EventID: ev.EventID, Message: "unknown error"}
		if ev.Error != nil {
			re.Code = ev.Error.Code
			if re.Code == "" {
				re.Code = ev.Error.Type
			}
			if ev.Error.Message != "" {
				re.Message = ev.Error.Message
			}
		}
		key := ev.EventID
		if key == "" {
			key = fingerprint(re.Code, re.Message)
		}
		if n.first("error:" + key) {
			out.add(ErrorEvent{Err: re})
		}

	case upSessionUpdated:
		// Acknowledgement of our own configuration.

	default:
		if ignoredEvents[ev.Type] {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Type)
	}
	return nil
}

func (n *Normalizer) outputItem(item wireItem, responseID string, out *Normalized) {
	switch item.Type {
	case "message":
		if item.Role == "assistant" {
			n.assistantTurn(item.ID, responseID, item.text(), out)
		}
	case "function_call":
		n.toolCall(item.CallID, item.Name, item.Arguments, out)
	}
}

func (n *Normalizer) responseStatus(resp *wireResponse, out *Normalized) {
	if resp.StatusDetails == nil || resp.StatusDetails.Reason != "content_filter" {
		return
	}
	if n.first("guardrail:response:" + resp.ID) {
		out.add(GuardrailTripped{Name: "content_filter", Message: "response " + resp.Status})
	}
}

func (n *Normalizer) userTurn(itemID, text string, out *Normalized) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if n.first(occurrenceKey("user", itemID, "", text)) {
		out.add(UserTranscriptCompleted{ItemID: itemID, Text: text})
	}
}

func (n *Normalizer) assistantTurn(itemID, responseID, text string, out *Normalized) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if n.first(occurrenceKey("assistant", itemID, responseID, text)) {
		out.add(AssistantResponseCompleted{ItemID: itemID, ResponseID: responseID, Text: text})
	}
}

func (n *Normalizer) toolCall(callID, name, args string, out *Normalized) {
	if callID == "" || name == "" {
		return
	}
	if !n.first("tool:" + callID) {
		return
	}
	var raw json.RawMessage
	if args = strings.TrimSpace(args); args != "" {
		if json.Valid([]byte(args)) {
			raw = json.RawMessage(args)
		} else {
			raw, _ = json.Marshal(args)
		}
	}
	out.add(ToolInvoked{CallID: callID, Name: name, Arguments: raw})
}

// first records key and reports whether it had not been seen.
func (n *Normalizer) first(key string) bool {
	return n.seen.add(key)
}

// occurrenceKey identifies a turn by item id, falling back to a content
// fingerprint scoped to the response when the engine omits the item id.
func occurrenceKey(kind, itemID, responseID, text string) string {
	if itemID != "" {
		return kind + ":" + itemID
	}
	if responseID != "" {
		return kind + ":" + responseID + ":fp:" + fingerprint(text)
	}
	return kind + ":fp:" + fingerprint(text)
}

func fingerprint(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(p))))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// seenSet is a bounded set that forgets its oldest keys first.
type seenSet struct {
	keys  map[string]struct{}
	order []string
	next  int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{keys: make(map[string]struct{}, capacity), order: make([]string, 0, capacity)}
}

func (s *seenSet) add(key string) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	if len(s.order) < cap(s.order) {
		s.order = append(s.order, key)
	} else {
		delete(s.keys, s.order[s.next])
		s.order[s.next] = key
		s.next = (s.next + 1) % len(s.order)
	}
	s.keys[key] = struct{}{}
	return true
}
