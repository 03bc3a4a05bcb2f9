package doc

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/softctwo/resoftai-collab/internal/ot"
)

// DefaultHistoryLimit bounds how many applied sequences a document keeps for
// transforming late edits. Clients further behind than this are resynced.
const DefaultHistoryLimit = 1000

// historyEntry is one applied sequence plus the session that originated it.
// The session id supplies the fixed tie-break order for concurrent inserts.
type historyEntry struct {
	seq       ot.Sequence
	sessionID string
}

// Document is the versioned text buffer for one collaborative resource. All
// mutation happens under its lock, so edits to one document are serialized
// while edits to different documents proceed in parallel.
type Document struct {
	id string

	mu      sync.Mutex
	content string
	version int
	// history[i] produced version floor+i+1; floor is the oldest version
	// still usable as a transform base.
	history      []historyEntry
	floor        int
	historyLimit int
}

// New creates a document at version 0 with the given initial content.
func New(id, content string, historyLimit int) *Document {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Document{id: id, content: content, historyLimit: historyLimit}
}

// ID returns the document's resource identifier.
func (d *Document) ID() string { return d.id }

// Snapshot returns the current content and version, for late-joining sessions
// to initialize from without replaying history.
func (d *Document) Snapshot() (string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content, d.version
}

// ApplyLocal applies a sequence known to be based on the current version.
// Returns the new version, or ErrStaleVersion if another edit got in first.
func (d *Document) ApplyLocal(seq ot.Sequence, baseVersion int, sessionID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if baseVersion != d.version {
		return 0, fmt.Errorf("%w: base %d, current %d", ErrStaleVersion, baseVersion, d.version)
	}
	return d.apply(seq, sessionID)
}

// TransformAndApply reconciles a sequence produced against an older version:
// it transforms the sequence over every intervening history entry, applies
// the result, and returns the new version along with the transformed sequence
// to broadcast so every replica converges.
//
// The insert tie-break is fixed platform-wide: for each conflicting pair, the
// lower session id's insert lands first.
func (d *Document) TransformAndApply(seq ot.Sequence, baseVersion int, sessionID string) (int, ot.Sequence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if baseVersion > d.version {
		return 0, ot.Sequence{}, fmt.Errorf("%w: base %d ahead of current %d", ErrVersionMismatch, baseVersion, d.version)
	}
	if baseVersion < d.floor {
		return 0, ot.Sequence{}, fmt.Errorf("%w: base %d, window starts at %d", ErrHistoryEvicted, baseVersion, d.floor)
	}

	for v := baseVersion; v < d.version; v++ {
		h := d.history[v-d.floor]
		if h.sessionID == sessionID {
			// Clients buffer until their previous edit is acknowledged, so
			// an edit parented before the sender's own applied edit means
			// the protocol was violated.
			return 0, ot.Sequence{}, fmt.Errorf("%w: edit predates sender's own applied edit at version %d", ErrVersionMismatch, v+1)
		}
		var err error
		if sessionID < h.sessionID {
			seq, _, err = ot.Transform(seq, h.seq)
		} else {
			_, seq, err = ot.Transform(h.seq, seq)
		}
		if err != nil {
			return 0, ot.Sequence{}, err
		}
	}

	version, err := d.apply(seq, sessionID)
	if err != nil {
		return 0, ot.Sequence{}, err
	}
	return version, seq, nil
}

// apply runs seq against the current content and records it. Caller holds mu.
func (d *Document) apply(seq ot.Sequence, sessionID string) (int, error) {
	if seq.BaseLen() != utf8.RuneCountInString(d.content) {
		return 0, fmt.Errorf("%w: sequence covers %d runes, document has %d", ot.ErrVersionMismatch, seq.BaseLen(), utf8.RuneCountInString(d.content))
	}
	content, err := seq.Apply(d.content)
	if err != nil {
		return 0, err
	}
	d.content = content
	d.version++
	d.history = append(d.history, historyEntry{seq: seq, sessionID: sessionID})
	if len(d.history) > d.historyLimit {
		drop := len(d.history) - d.historyLimit
		d.history = append([]historyEntry(nil), d.history[drop:]...)
		d.floor += drop
	}
	return d.version, nil
}

// HistoryLen returns how many sequences are currently retained.
func (d *Document) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}
