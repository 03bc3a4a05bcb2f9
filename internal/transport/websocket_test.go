package transport_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/softctwo/resoftai-collab/internal/doc"
	"github.com/softctwo/resoftai-collab/internal/ot"
	"github.com/softctwo/resoftai-collab/internal/session"
	"github.com/softctwo/resoftai-collab/internal/storage"
	"github.com/softctwo/resoftai-collab/internal/transport"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.MemoryStore) {
	t.Helper()
	return newTestServerWith(t, session.Config{FlushInterval: 10 * time.Millisecond}, 0)
}

func newTestServerWith(t *testing.T, cfg session.Config, ping time.Duration) (*httptest.Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	registry := doc.NewRegistry(store, 0, time.Minute)

	auth := transport.AuthenticatorFunc(func(r *http.Request) (session.Identity, error) {
		user := r.URL.Query().Get("user")
		return session.Identity{UserID: user, DisplayName: user}, nil
	})
	hub := transport.NewHub(auth)
	hub.SetPingInterval(ping)
	manager := session.NewManager(registry, hub, cfg)
	hub.SetManager(manager)

	r := mux.NewRouter()
	r.HandleFunc("/ws/{doc}", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		manager.Close()
		registry.Close()
	})
	return srv, store
}

func dial(t *testing.T, srv *httptest.Server, docID, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + docID + "?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env session.Inbound) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
}

// readUntil reads envelopes until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env map[string]any
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatal(err)
		}
		if env["type"] == typ {
			return env
		}
	}
}

func TestJoinEditBroadcastOverWebsocket(t *testing.T) {
	srv, store := newTestServer(t)
	store.Seed("notes", "Hello")

	c1 := dial(t, srv, "notes", "ada")
	send(t, c1, session.Inbound{Type: session.TypeJoin, DocumentID: "notes"})
	snap := readUntil(t, c1, session.TypeSnapshot)
	payload := snap["payload"].(map[string]any)
	if payload["content"] != "Hello" {
		t.Fatalf("snapshot content %v", payload["content"])
	}

	c2 := dial(t, srv, "notes", "grace")
	send(t, c2, session.Inbound{Type: session.TypeJoin, DocumentID: "notes"})
	readUntil(t, c2, session.TypeSnapshot)

	// The first client hears about the second joining.
	presence := readUntil(t, c1, session.TypePresenceUpdate)
	members := presence["payload"].(map[string]any)["members"].([]any)
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}

	// An edit from c1 reaches c2 transformed, with the new version.
	edit, _ := json.Marshal(session.EditPayload{
		BaseVersion: 0,
		Ops:         []ot.Op{ot.RetainOp(5), ot.InsertOp(" World")},
	})
	send(t, c1, session.Inbound{Type: session.TypeEdit, DocumentID: "notes", Payload: edit})

	env := readUntil(t, c2, session.TypeEditBroadcast)
	if env["version"].(float64) != 1 {
		t.Fatalf("broadcast version %v", env["version"])
	}
}

func TestIdleClientStaysJoinedThroughKeepalive(t *testing.T) {
	srv, store := newTestServerWith(t, session.Config{
		FlushInterval:  10 * time.Millisecond,
		HeartbeatGrace: 200 * time.Millisecond,
	}, 50*time.Millisecond)
	store.Seed("notes", "Hello")

	c1 := dial(t, srv, "notes", "ada")
	send(t, c1, session.Inbound{Type: session.TypeJoin, DocumentID: "notes"})
	readUntil(t, c1, session.TypeSnapshot)

	// Park a reader so protocol pings get answered while the client sends
	// nothing. A read-only viewer behaves exactly like this.
	go func() {
		c1.SetReadDeadline(time.Time{})
		for {
			if _, _, err := c1.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(600 * time.Millisecond)

	// Well past the heartbeat grace the idle session is still a member.
	c2 := dial(t, srv, "notes", "grace")
	send(t, c2, session.Inbound{Type: session.TypeJoin, DocumentID: "notes"})
	snap := readUntil(t, c2, session.TypeSnapshot)
	members := snap["payload"].(map[string]any)["members"].([]any)
	if len(members) != 2 {
		t.Fatalf("got %d members after idling, want 2", len(members))
	}

	// And its next edit is applied, not rejected.
	edit, _ := json.Marshal(session.EditPayload{
		BaseVersion: 0,
		Ops:         []ot.Op{ot.RetainOp(5), ot.InsertOp(" World")},
	})
	send(t, c1, session.Inbound{Type: session.TypeEdit, DocumentID: "notes", Payload: edit})
	env := readUntil(t, c2, session.TypeEditBroadcast)
	if env["version"].(float64) != 1 {
		t.Fatalf("broadcast version %v", env["version"])
	}
}

func TestUnknownDocumentGetsErrorEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	c := dial(t, srv, "missing", "ada")
	send(t, c, session.Inbound{Type: session.TypeJoin, DocumentID: "missing"})

	env := readUntil(t, c, session.TypeError)
	payload := env["payload"].(map[string]any)
	if payload["code"] != session.CodeDocumentNotFound {
		t.Fatalf("got code %v", payload["code"])
	}
}
