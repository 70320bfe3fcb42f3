package domain

// EventType names a normalized realtime domain event. The set is closed.
type EventType string

const (
	EventUserTranscriptCompleted    EventType = "user_transcript_completed"
	EventAssistantResponseCompleted EventType = "assistant_response_completed"
	EventToolInvoked                EventType = "tool_invoked"
	EventToolResult                 EventType = "tool_result"
	EventAudioSegment               EventType = "audio_segment"
	EventConnectionStateChanged     EventType = "connection_state_changed"
	EventGuardrailTripped           EventType = "guardrail_tripped"
	EventError                      EventType = "error"
)

// End reasons recorded in archive metadata.
const (
	EndReasonUser         = "user_ended"
	EndReasonDeleted      = "deleted"
	EndReasonDisconnected = "disconnected"
	EndReasonExpired      = "expired"
	EndReasonShutdown     = "shutdown"
	EndReasonRecovered    = "recovered"
)
