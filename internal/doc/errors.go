package doc

import "errors"

// Common errors. All are recoverable at the session boundary: the client is
// told to resync from a fresh snapshot instead of the process crashing.
var (
	// ErrStaleVersion means an edit claimed to be based on the current
	// version was not; the caller raced another writer and must rebase.
	ErrStaleVersion = errors.New("edit not based on current version")

	// ErrVersionMismatch means the claimed base version is ahead of the
	// server, or the client resubmitted against a version that predates its
	// own earlier edit. Either way the protocol was violated.
	ErrVersionMismatch = errors.New("base version inconsistent with history")

	// ErrHistoryEvicted means the claimed base version has aged out of the
	// retained history window; the client must resync from a snapshot.
	ErrHistoryEvicted = errors.New("base version older than retained history")

	// ErrDocumentNotFound means the storage collaborator cannot provide the
	// requested document.
	ErrDocumentNotFound = errors.New("document not found")
)
