// Package store provides the conversation index used to list and look up
// archived conversations.
package store

import (
	"context"

	"github.com/ashureev/quotevoice/internal/domain"
)

// Repository defines the interface for indexing archived conversations.
type Repository interface {
	// UpsertConversation creates or replaces an index entry.
	UpsertConversation(ctx context.Context, c *domain.ArchivedConversation) error

	// GetConversation returns the entry for conversationID, or an error
	// wrapping domain.ErrNotFound.
	GetConversation(ctx context.Context, conversationID string) (*domain.ArchivedConversation, error)

	// ListConversations returns up to limit entries, newest start time first.
	ListConversations(ctx context.Context, limit int) ([]*domain.ArchivedConversation, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
