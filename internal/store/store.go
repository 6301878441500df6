package store

import (
	"context"
	"fmt"

	"qfit-chat/internal/domain"
)

// MessageStore is the durable per-group message cache. It survives
// process restarts and is the source of truth when the server does not
// replay history. The store does not deduplicate; callers dedup before
// Append. Append and Clear complete their I/O before returning, so a
// Load in the same process observes them.
type MessageStore interface {
	// Load returns the persisted sequence for the group, oldest first.
	// A corrupt entry is skipped with a logged warning, never an error.
	Load(ctx context.Context, groupID string) ([]domain.Message, error)
	// Append adds one message to the end of the group's sequence.
	Append(ctx context.Context, groupID string, msg domain.Message) error
	// Clear removes all stored messages for the group.
	Clear(ctx context.Context, groupID string) error
	Close() error
}

// storageKey is the key format the mobile client used for its local
// cache; kept for compatibility with existing on-device data.
func storageKey(groupID string) string {
	return fmt.Sprintf("group_%s_messages", groupID)
}
