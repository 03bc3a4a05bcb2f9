package session

import (
	"encoding/json"
	"time"

	"github.com/softctwo/resoftai-collab/internal/ot"
)

// Inbound message types, produced by the transport adapter.
const (
	TypeJoin   = "join"
	TypeLeave  = "leave"
	TypeEdit   = "edit"
	TypeCursor = "cursor"
)

// Outbound message types, delivered by the transport adapter.
const (
	TypeSnapshot        = "snapshot"
	TypeEditBroadcast   = "edit_broadcast"
	TypeCursorBroadcast = "cursor_broadcast"
	TypePresenceUpdate  = "presence_update"
	TypeError           = "error"
)

// Inbound is one client message routed by document id. The transport fills
// SessionID; clients never pick their own.
type Inbound struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	SessionID  string          `json:"sessionId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Outbound is one server message for the transport to deliver.
type Outbound struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Version    int    `json:"version,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// Identity is what the authentication collaborator establishes for a
// connection before it may join. The core trusts it as-is.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Range is a selection span in rune offsets.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// EditPayload carries a client edit parented off BaseVersion.
type EditPayload struct {
	BaseVersion int     `json:"baseVersion"`
	Ops         []ot.Op `json:"ops"`
}

// CursorPayload carries presence-only cursor state.
type CursorPayload struct {
	Position  int    `json:"position"`
	Selection *Range `json:"selection,omitempty"`
}

// Member describes one attached session for presence views.
type Member struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Cursor      int       `json:"cursor"`
	Selection   *Range    `json:"selection,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// SnapshotPayload initializes a late-joining session.
type SnapshotPayload struct {
	Content string   `json:"content"`
	Version int      `json:"version"`
	Members []Member `json:"members"`
}

// EditBroadcast is one transformed edit for other replicas to apply. Version
// is the document version after the edit; a client whose snapshot is at
// version N must discard broadcasts at or below N, since a join between an
// edit's enqueue and its batch flush sees that edit in both.
type EditBroadcast struct {
	SessionID string  `json:"sessionId"`
	Version   int     `json:"version"`
	Ops       []ot.Op `json:"ops"`
}

// CursorBroadcast is one session's cursor move.
type CursorBroadcast struct {
	SessionID string `json:"sessionId"`
	Position  int    `json:"position"`
	Selection *Range `json:"selection,omitempty"`
}

// PresencePayload announces membership changes. Carrying the full member
// list makes at-least-once delivery idempotent: receivers replace their view
// instead of applying a diff.
type PresencePayload struct {
	Event     string   `json:"event"` // "joined" or "left"
	SessionID string   `json:"sessionId"`
	Members   []Member `json:"members"`
}

// Error codes sent back to an offending session.
const (
	CodeInvalidOperation = "invalid_operation"
	CodeStaleVersion     = "stale_version"
	CodeVersionMismatch  = "version_mismatch"
	CodeHistoryEvicted   = "history_evicted"
	CodeDocumentNotFound = "document_not_found"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

// ErrorPayload tells one client what went wrong. Resync instructs it to
// discard unconfirmed local edits and reinitialize from a fresh snapshot.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Resync  bool   `json:"resync"`
}
