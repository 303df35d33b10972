package ports

import (
	"context"
	"guildsync/internal/types"
	"iter"
)

// DocumentStore persists one configuration document per key.
// Implementations MUST replace documents atomically: a reader observes either the previous
// or the new document, never a partial one. Storage failures are returned joined with
// types.ErrIOFailure and are never retried by the store itself.
type DocumentStore interface {
	// Read returns the most recently committed document.
	// MUST return types.ErrNotFound if the key has never been written.
	Read(ctx context.Context, key types.ConfigKey) (*types.Document, error)

	// Write atomically replaces the document for doc.Key only if the durable version equals
	// prevVersion (0 when no document exists). Returns types.ErrPrecondition otherwise.
	Write(ctx context.Context, doc types.Document, prevVersion int64) error

	// ListKeys lazily yields every stored key. Each range over the sequence restarts the
	// listing from the beginning.
	ListKeys(ctx context.Context) iter.Seq2[types.ConfigKey, error]

	Close() error
}

// WatchableStore is implemented by stores that can report keys changed by other processes.
type WatchableStore interface {
	DocumentStore

	// Watch delivers keys whose durable document changed, until ctx is done.
	Watch(ctx context.Context) (<-chan types.ConfigKey, error)
}
