// Package domain contains core domain types for the quote intake service.
package domain

import (
	"errors"
	"maps"
	"time"
)

var (
	// ErrNotFound is returned when a session or conversation is absent or expired.
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded is returned when the live session table is full.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Live reports whether a session in this status belongs in the live table.
func (s SessionStatus) Live() bool {
	return s == StatusActive || s == StatusPaused
}

// Role identifies who produced a conversation entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// ConversationEntry is one item of a session's conversation history.
type ConversationEntry struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session is one bounded conversational interaction.
type Session struct {
	ID                  string              `json:"id"`
	UserID              string              `json:"userId,omitempty"`
	AgentID             string              `json:"agentId"`
	Status              SessionStatus       `json:"status"`
	Data                Application         `json:"data"`
	ConversationHistory []ConversationEntry `json:"conversationHistory"`
	CreatedAt           time.Time           `json:"createdAt"`
	LastActivity        time.Time           `json:"lastActivity"`
	ExpiresAt           time.Time           `json:"expiresAt"`
}

// Expired reports whether the session deadline has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AppendEntry records a conversation entry.
func (s *Session) AppendEntry(entry ConversationEntry) {
	s.ConversationHistory = append(s.ConversationHistory, entry)
}

// Clone returns a deep copy that callers may read without holding locks.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Data = s.Data.Clone()
	out.ConversationHistory = make([]ConversationEntry, len(s.ConversationHistory))
	for i, e := range s.ConversationHistory {
		e.Metadata = maps.Clone(e.Metadata)
		out.ConversationHistory[i] = e
	}
	return &out
}

// CountByRole returns how many history entries each role produced.
func CountByRole(history []ConversationEntry) map[Role]int {
	counts := make(map[Role]int, 3)
	for _, e := range history {
		counts[e.Role]++
	}
	return counts
}
