package cache

import (
	"context"
	"fmt"
	"sync"
)

type chunkState uint8

const (
	chunkNotReady chunkState = iota
	chunkPending
	chunkReady
)

// FetchState is the result of attempting to begin a chunk fetch.
type FetchState uint8

const (
	// FetchAcquired means the caller owns the fetch and must call
	// Complete exactly once.
	FetchAcquired FetchState = iota

	// FetchReady means the chunk is already ready; no fetch is needed.
	FetchReady

	// FetchShared means another caller owns an in-flight fetch; wait on
	// the ticket for its outcome.
	FetchShared
)

// Ticket identifies one in-flight fetch of one chunk. The fetch owner
// passes it to Complete; waiters pass it to Wait.
type Ticket struct {
	index  uint32
	flight *flight
}

// flight is the synchronization point for one Pending window. Every
// concurrent requester of the chunk observes the same outcome: done is
// closed exactly once, after err is set.
type flight struct {
	done chan struct{}
	err  error
}

// StateTable tracks per-chunk readiness for one blob.
//
// Each chunk moves NotReady -> Pending -> Ready and never backward, except
// that a failed fetch returns Pending to NotReady. At most one fetch is in
// flight per chunk; transitions are linearizable per chunk. The table's
// mutex is held only across transitions, never across fetches, so reads of
// ready chunks never block on unrelated in-flight chunks.
type StateTable struct {
	mu    sync.Mutex
	cells []struct {
		state  chunkState
		flight *flight
	}
	ready uint32
}

// NewStateTable creates a table with every chunk not-ready.
func NewStateTable(chunkCount uint32) *StateTable {
	t := &StateTable{}
	t.cells = make([]struct {
		state  chunkState
		flight *flight
	}, chunkCount)
	return t
}

// Restore marks chunks recorded ready by a persisted bitmap. Persisted
// state is trusted without re-verification, matching the local store's
// write-once guarantee. Call before the table is shared.
func (t *StateTable) Restore(bm *Bitmap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.cells {
		if bm.IsSet(uint32(i)) && t.cells[i].state == chunkNotReady {
			t.cells[i].state = chunkReady
			t.ready++
		}
	}
}

// IsReady reports whether a chunk is ready. Non-blocking.
func (t *StateTable) IsReady(index uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cells[index].state == chunkReady
}

// ReadyCount returns the number of ready chunks.
func (t *StateTable) ReadyCount() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// AllReady reports whether every chunk is ready.
func (t *StateTable) AllReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready == uint32(len(t.cells))
}

// BeginFetch atomically claims the fetch of a chunk for exactly one
// caller. Concurrent callers for the same chunk receive FetchShared with a
// ticket on the same in-flight operation.
func (t *StateTable) BeginFetch(index uint32) (*Ticket, FetchState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cell := &t.cells[index]
	switch cell.state {
	case chunkReady:
		return nil, FetchReady
	case chunkPending:
		return &Ticket{index: index, flight: cell.flight}, FetchShared
	default:
		cell.state = chunkPending
		cell.flight = &flight{done: make(chan struct{})}
		return &Ticket{index: index, flight: cell.flight}, FetchAcquired
	}
}

// Complete resolves a fetch. On success the chunk becomes Ready; on
// failure it returns to NotReady so a later read re-fetches. All waiters
// are woken with the same outcome.
func (t *StateTable) Complete(ticket *Ticket, err error) {
	t.mu.Lock()
	cell := &t.cells[ticket.index]
	if cell.flight != ticket.flight || cell.state != chunkPending {
		t.mu.Unlock()
		panic(fmt.Sprintf("cache: complete of stale ticket for chunk %d", ticket.index))
	}
	if err == nil {
		cell.state = chunkReady
		t.ready++
	} else {
		cell.state = chunkNotReady
	}
	cell.flight = nil
	t.mu.Unlock()

	ticket.flight.err = err
	close(ticket.flight.done)
}

// Wait blocks until the ticket's fetch completes or ctx ends, returning
// the fetch's shared outcome. A caller abandoning the wait detaches
// without affecting the fetch; the owner runs to completion for whoever
// still waits.
func (t *StateTable) Wait(ctx context.Context, ticket *Ticket) error {
	select {
	case <-ticket.flight.done:
		return ticket.flight.err
	case <-ctx.Done():
		return fmt.Errorf("%w: chunk %d: %v", ErrTimeout, ticket.index, context.Cause(ctx))
	}
}
