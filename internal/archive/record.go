// Package archive buffers each session's conversation in memory while it is
// live and persists it exactly once when the session ends.
//
// A record moves NotStarted -> Recording -> Finalizing -> Archived. Finalize
// is safe to call from every exit path at once: concurrent calls share one
// write, later calls return the cached Result, and a failed write returns the
// record to Recording so the call can be retried.
package archive

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ashureev/quotevoice/internal/domain"
)

var (
	// ErrArchiveWrite wraps storage or index failures during Finalize.
	ErrArchiveWrite = errors.New("archive write failed")
	// ErrNotRecording is returned when appending to a record that is finalizing.
	ErrNotRecording = errors.New("archive record is not recording")
)

// State is the lifecycle state of one session's archive record.
type State int

const (
	StateNotStarted State = iota
	StateRecording
	StateFinalizing
	StateArchived
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateArchived:
		return "archived"
	default:
		return "not_started"
	}
}

// Metadata describes the conversation as a whole.
type Metadata struct {
	UserID     string            `json:"userId,omitempty"`
	AgentID    string            `json:"agentId,omitempty"`
	ClientInfo map[string]string `json:"clientInfo,omitempty"`
	EndReason  string            `json:"endReason,omitempty"`
	DurationMs int64             `json:"durationMs"`
}

// Event is one entry of the flat, time-ordered event log.
type Event struct {
	Seq       int              `json:"seq"`
	Type      domain.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

// ConversationState is the digest stored with each history snapshot.
type ConversationState struct {
	MessageCounts map[domain.Role]int     `json:"messageCounts"`
	ToolCalls     int                     `json:"toolCalls"`
	LastRole      domain.Role             `json:"lastRole,omitempty"`
	Completion    domain.CompletionStatus `json:"completion"`
}

// Snapshot is a full capture of the conversation history at one point.
type Snapshot struct {
	Timestamp         time.Time                  `json:"timestamp"`
	History           []domain.ConversationEntry `json:"history"`
	Data              domain.Application         `json:"data"`
	ConversationState ConversationState          `json:"conversationState"`
}

// Record is the durable archive unit, one per session.
type Record struct {
	ConversationID   string     `json:"conversationId"`
	SessionID        string     `json:"sessionId"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          time.Time  `json:"endTime,omitzero"`
	Metadata         Metadata   `json:"metadata"`
	HistorySnapshots []Snapshot `json:"historySnapshots"`
	Events           []Event    `json:"events"`
}

// Summary is the derived overview written next to the record.
type Summary struct {
	ConversationID string                  `json:"conversationId"`
	SessionID      string                  `json:"sessionId"`
	StartTime      time.Time               `json:"startTime"`
	EndTime        time.Time               `json:"endTime"`
	DurationMs     int64                   `json:"durationMs"`
	LastActivity   time.Time               `json:"lastActivity"`
	EndReason      string                  `json:"endReason"`
	MessageCounts  map[domain.Role]int     `json:"messageCounts"`
	TotalMessages  int                     `json:"totalMessages"`
	ToolCalls      int                     `json:"toolCalls"`
	EventCount     int                     `json:"eventCount"`
	SnapshotCount  int                     `json:"snapshotCount"`
	Completion     domain.CompletionStatus `json:"completion"`
}

// Result is returned by Finalize.
type Result struct {
	ConversationID string              `json:"conversationId"`
	SessionID      string              `json:"sessionId"`
	Keys           domain.ArtifactKeys `json:"keys"`
	Summary        Summary             `json:"summary"`
}

// StartInfo carries the metadata known when recording begins.
type StartInfo struct {
	UserID     string
	AgentID    string
	ClientInfo map[string]string
}

func (r *Record) toolCalls() int {
	n := 0
	for _, e := range r.Events {
		if e.Type == domain.EventToolInvoked {
			n++
		}
	}
	return n
}

func (r *Record) lastActivity() time.Time {
	last := r.StartTime
	if n := len(r.Events); n > 0 && r.Events[n-1].Timestamp.After(last) {
		last = r.Events[n-1].Timestamp
	}
	if n := len(r.HistorySnapshots); n > 0 && r.HistorySnapshots[n-1].Timestamp.After(last) {
		last = r.HistorySnapshots[n-1].Timestamp
	}
	return last
}

// summarize derives the summary from the final snapshot. Only dialogue roles
// are counted as messages.
func (r *Record) summarize() Summary {
	s := Summary{
		ConversationID: r.ConversationID,
		SessionID:      r.SessionID,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		DurationMs:     r.EndTime.Sub(r.StartTime).Milliseconds(),
		LastActivity:   r.lastActivity(),
		EndReason:      r.Metadata.EndReason,
		MessageCounts:  map[domain.Role]int{domain.RoleUser: 0, domain.RoleAgent: 0},
		ToolCalls:      r.toolCalls(),
		EventCount:     len(r.Events),
		SnapshotCount:  len(r.HistorySnapshots),
	}
	if n := len(r.HistorySnapshots); n > 0 {
		final := r.HistorySnapshots[n-1]
		counts := domain.CountByRole(final.History)
		for _, role := range []domain.Role{domain.RoleUser, domain.RoleAgent} {
			s.MessageCounts[role] = counts[role]
			s.TotalMessages += counts[role]
		}
		s.Completion = final.Data.CompletionStatus
	}
	return s
}

// extracted merges the data of every snapshot in order. ok is false when
// there were no snapshots.
func (r *Record) extracted() (domain.Application, bool) {
	var out domain.Application
	if len(r.HistorySnapshots) == 0 {
		return out, false
	}
	for _, snap := range r.HistorySnapshots {
		out.Merge(snap.Data)
	}
	out.Recompute()
	return out, true
}

func stateOf(history []domain.ConversationEntry, data domain.Application, toolCalls int) ConversationState {
	st := ConversationState{
		MessageCounts: domain.CountByRole(history),
		ToolCalls:     toolCalls,
		Completion:    data.CompletionStatus,
	}
	if n := len(history); n > 0 {
		st.LastRole = history[n-1].Role
	}
	return st
}
