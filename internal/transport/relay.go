package transport

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/softctwo/resoftai-collab/internal/session"
)

const relayChannelPrefix = "collab:doc:"

const redisOpTimeout = 2 * time.Second

// relayMsg wraps an outbound envelope with the node that produced it so a
// node can ignore its own publications.
type relayMsg struct {
	NodeID   string           `json:"nodeId"`
	Envelope session.Outbound `json:"envelope"`
}

// Relay fans document traffic out across nodes through Redis pub/sub. Each
// document gets its own channel; every node publishes its local broadcasts
// and re-delivers what other nodes publish.
type Relay struct {
	rdb     *redis.Client
	nodeID  string
	deliver func(docID string, env session.Outbound)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelay starts a relay delivering remote traffic through the given
// function (normally Hub.BroadcastDoc). Call Close to stop it.
func NewRelay(rdb *redis.Client, deliver func(docID string, env session.Outbound)) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		rdb:     rdb,
		nodeID:  uuid.NewString(),
		deliver: deliver,
		cancel:  cancel,
	}
	r.wg.Add(1)
	go r.run(ctx)
	return r
}

// Forward implements session.Forwarder: it publishes one local broadcast to
// the document's channel.
func (r *Relay) Forward(docID string, env session.Outbound) {
	buf, err := json.Marshal(relayMsg{NodeID: r.nodeID, Envelope: env})
	if err != nil {
		log.Printf("relay: marshal %s envelope: %v", env.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, relayChannelPrefix+docID, buf).Err(); err != nil {
		log.Printf("relay: publish to %s: %v", docID, err)
	}
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	pubsub := r.rdb.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()
	for {
		select {
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var rm relayMsg
			if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
				log.Printf("relay: undecodable message on %s: %v", msg.Channel, err)
				continue
			}
			if rm.NodeID == r.nodeID {
				continue
			}
			docID := strings.TrimPrefix(msg.Channel, relayChannelPrefix)
			r.deliver(docID, rm.Envelope)
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the subscriber loop.
func (r *Relay) Close() {
	r.cancel()
	r.wg.Wait()
}
