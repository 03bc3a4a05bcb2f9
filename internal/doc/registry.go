package doc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/softctwo/resoftai-collab/internal/storage"
)

// DefaultEvictGrace is how long a document with no attached sessions survives
// before the sweeper evicts it. The window tolerates brief reconnect flaps
// without losing in-flight history.
const DefaultEvictGrace = 5 * time.Second

// registryEntry pairs a document with the set of attached session ids.
// The load of document content happens under the entry lock, never under the
// registry map lock, so unrelated first-joins don't serialize on storage I/O.
type registryEntry struct {
	mu         sync.Mutex
	doc        *Document
	sessions   mapset.Set[string]
	emptySince time.Time
	dropped    bool // entry was removed from the map; waiters must re-look-up
}

// Registry is the process-wide lifecycle manager mapping resource ids to
// Documents. Documents are created lazily on first access, seeded from the
// storage collaborator, and evicted once no sessions remain past the grace
// window. Pass a Registry by reference wherever it is needed; there is no
// package-level instance.
type Registry struct {
	store        storage.Store
	historyLimit int
	grace        time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry backed by the given store and starts its
// eviction sweeper. Call Close to stop it.
func NewRegistry(store storage.Store, historyLimit int, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultEvictGrace
	}
	r := &Registry{
		store:        store,
		historyLimit: historyLimit,
		grace:        grace,
		entries:      make(map[string]*registryEntry),
		done:         make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// GetOrCreate returns the live document for id, loading its initial content
// from storage on first access. Concurrent first-joins for the same id never
// race-create two documents: the map lock hands both callers the same entry
// and the entry lock makes one of them do the load. A caller that waited on
// an entry which got dropped meanwhile (failed load, eviction) starts over
// from the map, so it never populates an orphaned entry.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Document, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		if !ok {
			e = &registryEntry{sessions: mapset.NewSet[string](), emptySince: time.Now()}
			r.entries[id] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if e.dropped {
			e.mu.Unlock()
			continue
		}
		if e.doc == nil {
			content, err := r.store.LoadInitialContent(ctx, id)
			if err != nil {
				e.mu.Unlock()
				r.dropIfUnloaded(id, e)
				if errors.Is(err, storage.ErrNotFound) {
					return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
				}
				return nil, fmt.Errorf("load %s: %w", id, err)
			}
			e.doc = New(id, content, r.historyLimit)
		}
		d := e.doc
		e.mu.Unlock()
		return d, nil
	}
}

// dropIfUnloaded removes an entry whose storage load failed so the next join
// retries from scratch. Locks nest map-then-entry, same as the sweeper.
func (r *Registry) dropIfUnloaded(id string, e *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[id]
	if !ok || cur != e {
		return
	}
	e.mu.Lock()
	if e.doc == nil && e.sessions.Cardinality() == 0 {
		e.dropped = true
		delete(r.entries, id)
	}
	e.mu.Unlock()
}

// Attach records a session as a member of the document.
func (r *Registry) Attach(id, sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.sessions.Add(sessionID)
	e.emptySince = time.Time{}
	e.mu.Unlock()
}

// Release removes a session from the document's set. An empty set marks the
// document evictable; actual removal is deferred to the sweeper.
func (r *Registry) Release(id, sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.sessions.Remove(sessionID)
	if e.sessions.Cardinality() == 0 {
		e.emptySince = time.Now()
	}
	e.mu.Unlock()
}

// Sessions returns the ids of sessions currently attached to the document.
func (r *Registry) Sessions(id string) []string {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return e.sessions.ToSlice()
}

// Len returns the number of live registry entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	interval := r.grace / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

// sweep evicts documents whose session set has been empty past the grace
// window, persisting final content through the storage collaborator.
func (r *Registry) sweep(now time.Time) {
	var evicted []*Document
	r.mu.Lock()
	for id, e := range r.entries {
		e.mu.Lock()
		empty := e.sessions.Cardinality() == 0 && !e.emptySince.IsZero() && now.Sub(e.emptySince) >= r.grace
		if empty {
			e.dropped = true
			delete(r.entries, id)
			if e.doc != nil {
				evicted = append(evicted, e.doc)
			}
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	// Persistence happens outside every registry lock.
	for _, d := range evicted {
		r.persist(d)
	}
}

// persist writes a document's final content out with retries. Persistence is
// opportunistic; failure is logged, not fatal, since storage remains the
// durable source only via this path.
func (r *Registry) persist(d *Document) {
	content, version := d.Snapshot()
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.store.Persist(ctx, d.ID(), content, version)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, policy); err != nil {
		log.Printf("registry: persist %s at v%d failed: %v", d.ID(), version, err)
	}
}

// Close stops the sweeper and persists every remaining document.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	var remaining []*Document
	for id, e := range r.entries {
		if e.doc != nil {
			remaining = append(remaining, e.doc)
		}
		delete(r.entries, id)
	}
	r.mu.Unlock()
	for _, d := range remaining {
		r.persist(d)
	}
}
