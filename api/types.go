package api

import (
	"context"

	"mindspace-board/board"
	"mindspace-board/domain"
)

// Store abstracts persistence for handlers. Reads go through the board
// fetcher methods; drained changes leave through EnqueueChanges.
type Store interface {
	board.Fetcher
	ChangeSink
	FetchSettings(ctx context.Context, userID string) (domain.Settings, error)
}

// ChangeSink accepts drained changes for persistence.
type ChangeSink interface {
	EnqueueChanges(ctx context.Context, sess domain.Session, changes []domain.Change) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, scope, key string) error
}

// Notifier tells other instances that a workspace changed.
type Notifier interface {
	Notify(ctx context.Context, sess domain.Session, changes []domain.Change) error
}
