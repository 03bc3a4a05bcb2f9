// Package storage holds the persistence collaborator the editing core calls
// out to. The core never implements durability itself: it loads initial
// content when a document is first opened and hands final content back
// opportunistically on eviction.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound means the store cannot provide the requested document.
var ErrNotFound = errors.New("storage: document not found")

// Store is the narrow interface the editing core consumes.
type Store interface {
	// LoadInitialContent returns the document's persisted content, or
	// ErrNotFound if the store has no such document.
	LoadInitialContent(ctx context.Context, docID string) (string, error)

	// Persist writes the document's content and version. Called on eviction
	// and shutdown; implementations decide their own durability semantics.
	Persist(ctx context.Context, docID string, content string, version int) error
}
