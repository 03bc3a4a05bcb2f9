package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/softctwo/resoftai-collab/internal/batch"
	"github.com/softctwo/resoftai-collab/internal/doc"
	"github.com/softctwo/resoftai-collab/internal/ot"
)

// Batch kinds. Kept separate so an edit is never queued behind cursor bursts.
const (
	KindEdit   = "edit"
	KindCursor = "cursor"
)

// DefaultHeartbeatGrace is how long a session may stay silent before the
// reaper treats it as gone.
const DefaultHeartbeatGrace = 30 * time.Second

var (
	errNotJoined  = errors.New("session is not joined to this document")
	errBadRequest = errors.New("malformed client message")
)

// Sender delivers one outbound envelope to one local session. Implementations
// must not block; the websocket hub drops slow clients instead.
type Sender interface {
	Send(sessionID string, env Outbound)
}

// Forwarder carries document-level outbound traffic to other nodes. Optional;
// single-node deployments leave it nil.
type Forwarder func(docID string, env Outbound)

// Session is one connection's membership in one document.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	DocumentID  string
	Cursor      int
	Selection   *Range
	JoinedAt    time.Time
	lastSeen    time.Time
}

// Config tunes the manager; zero values pick defaults.
type Config struct {
	FlushInterval  time.Duration
	MaxBatch       int
	HeartbeatGrace time.Duration
}

// Manager tracks which sessions are attached to which documents, routes
// inbound envelopes, and broadcasts updates. Edits and cursor moves go
// through the batcher; membership changes are latency-sensitive and go out
// immediately.
type Manager struct {
	registry  *doc.Registry
	sender    Sender
	forward   Forwarder
	batcher   *batch.Batcher[queued]
	heartbeat time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	done chan struct{}
	wg   sync.WaitGroup
}

// queued is one batched payload plus the session it must not echo back to.
type queued struct {
	origin  string
	version int
	payload any
}

// NewManager wires a manager to the registry and transport sender and starts
// its background tasks. Call Close to stop them.
func NewManager(registry *doc.Registry, sender Sender, cfg Config) *Manager {
	m := &Manager{
		registry:  registry,
		sender:    sender,
		heartbeat: cfg.HeartbeatGrace,
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
	}
	if m.heartbeat <= 0 {
		m.heartbeat = DefaultHeartbeatGrace
	}
	m.batcher = batch.New(cfg.FlushInterval, cfg.MaxBatch, m.flush)
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// SetForwarder installs the cross-node relay hook. Must be called before any
// traffic flows.
func (m *Manager) SetForwarder(f Forwarder) { m.forward = f }

// Join attaches a session to a document and returns the snapshot it should
// initialize from. Remaining members get an immediate presence update.
func (m *Manager) Join(ctx context.Context, docID, sessionID string, ident Identity) (SnapshotPayload, error) {
	d, err := m.registry.GetOrCreate(ctx, docID)
	if err != nil {
		return SnapshotPayload{}, err
	}

	m.mu.Lock()
	if prev, ok := m.sessions[sessionID]; ok && prev.DocumentID != docID {
		// A session belongs to one document at a time.
		m.mu.Unlock()
		m.Leave(prev.DocumentID, sessionID)
		m.mu.Lock()
	}
	now := time.Now()
	m.sessions[sessionID] = &Session{
		ID:          sessionID,
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
		DocumentID:  docID,
		JoinedAt:    now,
		lastSeen:    now,
	}
	m.mu.Unlock()

	m.registry.Attach(docID, sessionID)

	content, version := d.Snapshot()
	members := m.members(docID)
	m.broadcastPresence(docID, "joined", sessionID, members)
	return SnapshotPayload{Content: content, Version: version, Members: members}, nil
}

// Leave detaches a session and notifies remaining members. Idempotent:
// leaving twice, or timing out after an explicit leave, is harmless.
func (m *Manager) Leave(docID, sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok && sess.DocumentID == docID {
		delete(m.sessions, sessionID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	m.registry.Release(docID, sessionID)
	if ok {
		m.broadcastPresence(docID, "left", sessionID, m.members(docID))
	}
}

// SubmitEdit runs the conflict-resolution path for one client edit and
// schedules the transformed result for broadcast to every other session.
// The sender already applied its edit optimistically and is never echoed.
func (m *Manager) SubmitEdit(ctx context.Context, docID, sessionID string, p EditPayload) (int, error) {
	if !m.joined(docID, sessionID) {
		return 0, errNotJoined
	}
	seq, err := ot.FromOps(p.Ops)
	if err != nil {
		return 0, err
	}
	d, err := m.registry.GetOrCreate(ctx, docID)
	if err != nil {
		return 0, err
	}
	version, transformed, err := d.TransformAndApply(seq, p.BaseVersion, sessionID)
	if err != nil {
		return 0, err
	}
	m.batcher.Enqueue(batch.Key{DocumentID: docID, Kind: KindEdit}, queued{
		origin:  sessionID,
		version: version,
		payload: EditBroadcast{SessionID: sessionID, Version: version, Ops: transformed.Ops()},
	})
	return version, nil
}

// UpdateCursor records presence metadata for a session. It never touches the
// document version; the move reaches other members through the batcher.
func (m *Manager) UpdateCursor(docID, sessionID string, p CursorPayload) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.DocumentID != docID {
		m.mu.Unlock()
		return errNotJoined
	}
	sess.Cursor = p.Position
	sess.Selection = p.Selection
	m.mu.Unlock()

	m.batcher.Enqueue(batch.Key{DocumentID: docID, Kind: KindCursor}, queued{
		origin:  sessionID,
		payload: CursorBroadcast{SessionID: sessionID, Position: p.Position, Selection: p.Selection},
	})
	return nil
}

// Touch refreshes a session's heartbeat.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.lastSeen = time.Now()
	}
	m.mu.Unlock()
}

// HandleEnvelope routes one inbound client message. Every recoverable error
// is translated into an error envelope for the offending session only; a bad
// client message never takes the process down.
func (m *Manager) HandleEnvelope(ctx context.Context, env Inbound, ident Identity) {
	m.Touch(env.SessionID)
	var err error
	switch env.Type {
	case TypeJoin:
		var snapshot SnapshotPayload
		snapshot, err = m.Join(ctx, env.DocumentID, env.SessionID, ident)
		if err == nil {
			m.sender.Send(env.SessionID, Outbound{
				Type:       TypeSnapshot,
				DocumentID: env.DocumentID,
				Version:    snapshot.Version,
				Payload:    snapshot,
			})
		}
	case TypeLeave:
		m.Leave(env.DocumentID, env.SessionID)
	case TypeEdit:
		var p EditPayload
		if err = json.Unmarshal(env.Payload, &p); err != nil {
			err = fmt.Errorf("%w: %v", ot.ErrInvalidOperation, err)
			break
		}
		_, err = m.SubmitEdit(ctx, env.DocumentID, env.SessionID, p)
	case TypeCursor:
		var p CursorPayload
		if err = json.Unmarshal(env.Payload, &p); err != nil {
			err = fmt.Errorf("%w: %v", errBadRequest, err)
			break
		}
		err = m.UpdateCursor(env.DocumentID, env.SessionID, p)
	default:
		err = fmt.Errorf("%w: unknown envelope type %q", errBadRequest, env.Type)
	}
	if err != nil {
		log.Printf("session %s: %s on %s: %v", env.SessionID, env.Type, env.DocumentID, err)
		m.sender.Send(env.SessionID, Outbound{
			Type:       TypeError,
			DocumentID: env.DocumentID,
			Payload:    errorPayload(err),
		})
	}
}

// errorPayload maps the error taxonomy onto protocol codes. Version-shaped
// errors instruct the client to resync from a fresh snapshot.
func errorPayload(err error) ErrorPayload {
	switch {
	case errors.Is(err, ot.ErrInvalidOperation):
		return ErrorPayload{Code: CodeInvalidOperation, Message: err.Error()}
	case errors.Is(err, doc.ErrStaleVersion):
		return ErrorPayload{Code: CodeStaleVersion, Message: err.Error(), Resync: true}
	case errors.Is(err, doc.ErrHistoryEvicted):
		return ErrorPayload{Code: CodeHistoryEvicted, Message: err.Error(), Resync: true}
	case errors.Is(err, doc.ErrVersionMismatch), errors.Is(err, ot.ErrVersionMismatch):
		return ErrorPayload{Code: CodeVersionMismatch, Message: err.Error(), Resync: true}
	case errors.Is(err, doc.ErrDocumentNotFound):
		return ErrorPayload{Code: CodeDocumentNotFound, Message: err.Error()}
	case errors.Is(err, errNotJoined), errors.Is(err, errBadRequest):
		return ErrorPayload{Code: CodeBadRequest, Message: err.Error()}
	default:
		return ErrorPayload{Code: CodeInternal, Message: "internal error", Resync: true}
	}
}

func (m *Manager) joined(docID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return ok && sess.DocumentID == docID
}

// members builds the presence view for a document, ordered by join time for
// stable client rendering.
func (m *Manager) members(docID string) []Member {
	ids := m.registry.Sessions(docID)
	m.mu.Lock()
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		sess, ok := m.sessions[id]
		if !ok {
			continue
		}
		out = append(out, Member{
			SessionID:   sess.ID,
			UserID:      sess.UserID,
			DisplayName: sess.DisplayName,
			Cursor:      sess.Cursor,
			Selection:   sess.Selection,
			JoinedAt:    sess.JoinedAt,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// broadcastPresence sends a membership change to every member except the one
// it is about, immediately and unbatched.
func (m *Manager) broadcastPresence(docID, event, aboutSessionID string, members []Member) {
	env := Outbound{
		Type:       TypePresenceUpdate,
		DocumentID: docID,
		Payload:    PresencePayload{Event: event, SessionID: aboutSessionID, Members: members},
	}
	for _, member := range members {
		if member.SessionID == aboutSessionID {
			continue
		}
		m.sender.Send(member.SessionID, env)
	}
	if m.forward != nil {
		m.forward(docID, env)
	}
}

// flush delivers one drained batch group. Each recipient gets the group's
// payloads in enqueue order, minus anything it originated itself.
func (m *Manager) flush(key batch.Key, items []queued) {
	outType := TypeEditBroadcast
	if key.Kind == KindCursor {
		outType = TypeCursorBroadcast
	}

	for _, id := range m.registry.Sessions(key.DocumentID) {
		payloads := make([]any, 0, len(items))
		version := 0
		for _, item := range items {
			if item.origin == id {
				continue
			}
			payloads = append(payloads, item.payload)
			version = item.version
		}
		if len(payloads) == 0 {
			continue
		}
		m.sender.Send(id, Outbound{
			Type:       outType,
			DocumentID: key.DocumentID,
			Version:    version,
			Payload:    payloads,
		})
	}

	if m.forward != nil {
		payloads := make([]any, 0, len(items))
		version := 0
		for _, item := range items {
			payloads = append(payloads, item.payload)
			version = item.version
		}
		m.forward(key.DocumentID, Outbound{
			Type:       outType,
			DocumentID: key.DocumentID,
			Version:    version,
			Payload:    payloads,
		})
	}
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	interval := m.heartbeat / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap(time.Now())
		case <-m.done:
			return
		}
	}
}

// reap expires sessions whose heartbeat lapsed, treating each as a leave.
func (m *Manager) reap(now time.Time) {
	type expired struct{ docID, sessionID string }
	var gone []expired
	m.mu.Lock()
	for id, sess := range m.sessions {
		if now.Sub(sess.lastSeen) > m.heartbeat {
			gone = append(gone, expired{sess.DocumentID, id})
		}
	}
	m.mu.Unlock()
	for _, g := range gone {
		log.Printf("session %s: heartbeat expired, leaving %s", g.sessionID, g.docID)
		m.Leave(g.docID, g.sessionID)
	}
}

// Close stops the reaper and flushes the batcher.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
	m.batcher.Close()
}
