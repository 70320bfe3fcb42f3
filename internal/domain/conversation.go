package domain

import "time"

// ArtifactKeys are the storage keys of one archived conversation. Optional
// artifacts are empty when they were not written.
type ArtifactKeys struct {
	Conversation string `json:"conversation"`
	Summary      string `json:"summary"`
	Extracted    string `json:"extracted,omitempty"`
	Audio        string `json:"audio,omitempty"`
}

// ArchivedConversation is the index entry for a persisted conversation.
type ArchivedConversation struct {
	ConversationID string       `json:"conversationId"`
	SessionID      string       `json:"sessionId"`
	UserID         string       `json:"userId,omitempty"`
	StartTime      time.Time    `json:"startTime"`
	EndTime        time.Time    `json:"endTime"`
	EndReason      string       `json:"endReason"`
	MessageCount   int          `json:"messageCount"`
	ToolCallCount  int          `json:"toolCallCount"`
	EventCount     int          `json:"eventCount"`
	Completion     float64      `json:"completion"`
	Keys           ArtifactKeys `json:"keys"`
}
