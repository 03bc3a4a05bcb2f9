// Package batch coalesces many small outbound updates into fewer, larger
// deliveries per destination group. Batching is purely a bandwidth
// optimization; convergence never depends on it.
package batch

import (
	"sync"
	"time"
)

// DefaultFlushInterval is how long a pending payload waits at most before it
// is flushed.
const DefaultFlushInterval = 75 * time.Millisecond

// DefaultMaxBatch flushes a group early once it holds this many payloads.
const DefaultMaxBatch = 64

// Key identifies one destination group. Edits and cursor updates use
// distinct Kinds so an edit is never delayed behind a burst of cursor moves.
type Key struct {
	DocumentID string
	Kind       string
}

// FlushFunc receives a group's payloads in enqueue order. It runs on the
// batcher's own drain goroutine, never re-entrantly from Enqueue's caller.
type FlushFunc[T any] func(key Key, payloads []T)

// Batcher coalesces payloads per Key and flushes each group on a fixed
// interval or when it reaches the size threshold, whichever comes first.
type Batcher[T any] struct {
	interval time.Duration
	maxBatch int
	flush    FlushFunc[T]

	mu      sync.Mutex
	pending map[Key][]T

	kick chan Key
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a batcher and starts its drain goroutine. Call Close to stop
// it; Close flushes whatever is still pending.
func New[T any](interval time.Duration, maxBatch int, flush FlushFunc[T]) *Batcher[T] {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	b := &Batcher[T]{
		interval: interval,
		maxBatch: maxBatch,
		flush:    flush,
		pending:  make(map[Key][]T),
		kick:     make(chan Key, 1),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Enqueue appends a payload to its group. Payloads within one group are
// flushed in enqueue order; no ordering across keys is guaranteed.
func (b *Batcher[T]) Enqueue(key Key, payload T) {
	b.mu.Lock()
	b.pending[key] = append(b.pending[key], payload)
	full := len(b.pending[key]) >= b.maxBatch
	b.mu.Unlock()
	if full {
		select {
		case b.kick <- key:
		default:
			// A drain is already signaled; the ticker covers the rest.
		}
	}
}

func (b *Batcher[T]) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.drainAll()
		case key := <-b.kick:
			b.drain(key)
		case <-b.done:
			b.drainAll()
			return
		}
	}
}

func (b *Batcher[T]) drain(key Key) {
	b.mu.Lock()
	payloads := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()
	if len(payloads) > 0 {
		b.flush(key, payloads)
	}
}

func (b *Batcher[T]) drainAll() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[Key][]T)
	b.mu.Unlock()
	for key, payloads := range pending {
		if len(payloads) > 0 {
			b.flush(key, payloads)
		}
	}
}

// Close stops the drain goroutine after flushing remaining payloads.
func (b *Batcher[T]) Close() {
	close(b.done)
	b.wg.Wait()
}
