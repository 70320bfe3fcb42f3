package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/quotevoice/internal/domain"
	"github.com/ashureev/quotevoice/internal/storage"
)

// List returns archived conversations, newest first.
func (a *Archiver) List(ctx context.Context, limit int) ([]*domain.ArchivedConversation, error) {
	if a.index == nil {
		return []*domain.ArchivedConversation{}, nil
	}
	return a.index.ListConversations(ctx, limit)
}

// Get returns the full persisted record for conversationID.
func (a *Archiver) Get(ctx context.Context, conversationID string) (*Record, error) {
	var rec Record
	if err := a.load(ctx, conversationID, func(k domain.ArtifactKeys) string { return k.Conversation }, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Summary returns the persisted summary for conversationID.
func (a *Archiver) Summary(ctx context.Context, conversationID string) (*Summary, error) {
	var s Summary
	if err := a.load(ctx, conversationID, func(k domain.ArtifactKeys) string { return k.Summary }, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Extracted returns the aggregated extracted data for conversationID, or
// domain.ErrNotFound when none was saved.
func (a *Archiver) Extracted(ctx context.Context, conversationID string) (*domain.Application, error) {
	var app domain.Application
	if err := a.load(ctx, conversationID, func(k domain.ArtifactKeys) string { return k.Extracted }, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// Audio returns the WAV artifact for conversationID, or domain.ErrNotFound
// when audio was not captured.
func (a *Archiver) Audio(ctx context.Context, conversationID string) ([]byte, error) {
	key, err := a.artifactKey(ctx, conversationID, func(k domain.ArtifactKeys) string { return k.Audio })
	if err != nil {
		return nil, err
	}
	return a.read(ctx, conversationID, key)
}

func (a *Archiver) artifactKey(ctx context.Context, conversationID string, pick func(domain.ArtifactKeys) string) (string, error) {
	if a.index == nil {
		return "", fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	c, err := a.index.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	key := pick(c.Keys)
	if key == "" {
		return "", fmt.Errorf("conversation %s artifact: %w", conversationID, domain.ErrNotFound)
	}
	return key, nil
}

func (a *Archiver) read(ctx context.Context, conversationID, key string) ([]byte, error) {
	data, err := a.backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, fmt.Errorf("conversation %s artifact %s: %w", conversationID, key, domain.ErrNotFound)
	}
	return data, err
}

func (a *Archiver) load(ctx context.Context, conversationID string, pick func(domain.ArtifactKeys) string, dst any) error {
	key, err := a.artifactKey(ctx, conversationID, pick)
	if err != nil {
		return err
	}
	data, err := a.read(ctx, conversationID, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
