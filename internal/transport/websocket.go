// Package transport adapts the editing core to the network: a websocket hub
// for local clients and an optional Redis relay between nodes. The core only
// deals in structured envelopes; wire encoding lives here.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/softctwo/resoftai-collab/internal/session"
)

const (
	sendBuffer = 256

	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// defaultPingInterval is how often the write pump pings an idle
	// connection. Pong replies refresh the session heartbeat, so a client
	// that only watches a document stays joined as long as the socket is
	// healthy. Keep it well below the manager's heartbeat grace.
	defaultPingInterval = 10 * time.Second
)

// Authenticator is the authentication collaborator: it establishes who a
// connection is before it may join. The core trusts the result.
type Authenticator interface {
	Authenticate(r *http.Request) (session.Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (session.Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (session.Identity, error) { return f(r) }

// client is one websocket connection with its outbound queue.
type client struct {
	sessionID string
	docID     string
	conn      *websocket.Conn
	send      chan []byte
}

// Hub owns all websocket clients on this node and implements the manager's
// Sender. Each connection is bound to the document named in its URL path.
type Hub struct {
	manager  *session.Manager
	auth     Authenticator
	upgrader websocket.Upgrader
	ping     time.Duration

	mu      sync.Mutex
	clients map[string]*client            // session id → client
	byDoc   map[string]map[string]*client // doc id → session id → client
}

// NewHub creates a hub. SetManager must be called before serving.
func NewHub(auth Authenticator) *Hub {
	return &Hub{
		auth: auth,
		ping: defaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		byDoc:   make(map[string]map[string]*client),
	}
}

// SetManager wires the hub to the session manager. Separate from NewHub
// because the manager needs the hub as its Sender first.
func (h *Hub) SetManager(m *session.Manager) { h.manager = m }

// SetPingInterval overrides the keepalive ping period. Must be called before
// serving.
func (h *Hub) SetPingInterval(d time.Duration) {
	if d > 0 {
		h.ping = d
	}
}

// Send implements session.Sender. It never blocks: a client whose queue is
// full has the message dropped and logged; the heartbeat reaper will collect
// it if it stays unresponsive.
func (h *Hub) Send(sessionID string, env session.Outbound) {
	buf, err := json.Marshal(env)
	if err != nil {
		log.Printf("hub: marshal %s envelope: %v", env.Type, err)
		return
	}
	// The queue write stays under the lock so unregister cannot close the
	// channel mid-send; the select never blocks.
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[sessionID]
	if !ok {
		return
	}
	select {
	case c.send <- buf:
	default:
		log.Printf("hub: client %s send queue full, dropping %s", sessionID, env.Type)
	}
}

// BroadcastDoc delivers an envelope to every local client attached to the
// document. Used by the relay for traffic that originated on other nodes.
func (h *Hub) BroadcastDoc(docID string, env session.Outbound) {
	buf, err := json.Marshal(env)
	if err != nil {
		log.Printf("hub: marshal %s envelope: %v", env.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.byDoc[docID] {
		select {
		case c.send <- buf:
		default:
			log.Printf("hub: client %s send queue full, dropping relayed %s", c.sessionID, env.Type)
		}
	}
}

// ServeWS upgrades an HTTP request on /ws/{doc} into a collaborative session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	if docID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}
	ident, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade: %v", err)
		return
	}

	c := &client{
		sessionID: uuid.NewString(),
		docID:     docID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
	}
	h.register(c)
	log.Printf("hub: session %s (%s) connected to %s", c.sessionID, ident.UserID, docID)

	go c.writePump(h.ping)
	h.readPump(c, ident)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.sessionID] = c
	if h.byDoc[c.docID] == nil {
		h.byDoc[c.docID] = make(map[string]*client)
	}
	h.byDoc[c.docID][c.sessionID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.sessionID]; ok {
		delete(h.clients, c.sessionID)
		delete(h.byDoc[c.docID], c.sessionID)
		if len(h.byDoc[c.docID]) == 0 {
			delete(h.byDoc, c.docID)
		}
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump decodes inbound envelopes and hands them to the manager. A
// disconnect mid-edit simply discards the pending operation; nothing partial
// was applied. Pong replies to the write pump's pings count as liveness, so
// an idle viewer is never reaped while its connection stays responsive.
func (h *Hub) readPump(c *client, ident session.Identity) {
	defer func() {
		h.manager.Leave(c.docID, c.sessionID)
		h.unregister(c)
		c.conn.Close()
		log.Printf("hub: session %s disconnected from %s", c.sessionID, c.docID)
	}()
	pongWait := 2 * h.ping
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.manager.Touch(c.sessionID)
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var env session.Inbound
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("hub: session %s sent undecodable message: %v", c.sessionID, err)
			continue
		}
		// The transport, not the client, decides identity and routing.
		env.SessionID = c.sessionID
		env.DocumentID = c.docID
		h.manager.HandleEnvelope(context.Background(), env, ident)
	}
}

func (c *client) writePump(ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case buf, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
