package bridge

import (
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// PendingCommand is one queued editor command (currently only openFile)
// waiting for the host editor to drain it out of band.
type PendingCommand struct {
	ID      string
	Kind    string
	Payload any
}

// pendingQueue is a bounded ring buffer: push never blocks, and an
// overflow drops the oldest entry rather than the new one, so the most
// recent editor intent always wins.
type pendingQueue struct {
	mu       sync.Mutex
	entries  []PendingCommand
	capacity int
	log      *slog.Logger

	entropy *ulid.MonotonicEntropy
}

func newPendingQueue(capacity int, log *slog.Logger) *pendingQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &pendingQueue{
		capacity: capacity,
		log:      log,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// Push implements mcp.PendingCommandQueue.
func (q *pendingQueue) Push(kind string, payload any) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy).String()
	entry := PendingCommand{ID: id, Kind: kind, Payload: payload}

	if len(q.entries) >= q.capacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		if q.log != nil {
			q.log.Warn("bridge: pending command queue overflow, dropping oldest", "dropped_id", dropped.ID, "kind", dropped.Kind)
		}
	}
	q.entries = append(q.entries, entry)
}

// Drain removes and returns every queued command, oldest first.
func (q *pendingQueue) Drain() []PendingCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
