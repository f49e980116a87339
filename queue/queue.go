// Package queue implements the offline operation queue: a FIFO of deferred
// writes captured while a tier is initializing or unreachable, replayed once
// the tier becomes ready.
package queue

import (
	"context"
	"sync"
)

// Op is one deferred write. Apply re-issues the original operation against
// the now-ready backend.
type Op struct {
	Kind  string // "set" or "delete", for logs
	Key   string
	Apply func(ctx context.Context) error
}

// Queue is a mutex-guarded FIFO. The zero value is ready to use.
type Queue struct {
	mu  sync.Mutex
	ops []Op
}

func New() *Queue { return &Queue{} }

func (q *Queue) Enqueue(op Op) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Drain replays queued operations in enqueue order. An operation that fails
// is re-appended to the tail rather than dropped, so one bad write cannot
// lose the ones behind it. Each call makes exactly one pass over the
// operations present when it starts; re-appended failures wait for the next
// drain. Returns how many operations applied and how many were re-queued.
func (q *Queue) Drain(ctx context.Context) (applied, requeued int) {
	q.mu.Lock()
	n := len(q.ops)
	q.mu.Unlock()

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return applied, requeued
		}

		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return applied, requeued
		}
		op := q.ops[0]
		q.ops = q.ops[1:]
		q.mu.Unlock()

		if err := op.Apply(ctx); err != nil {
			q.mu.Lock()
			q.ops = append(q.ops, op)
			q.mu.Unlock()
			requeued++
			continue
		}
		applied++
	}
	return applied, requeued
}

// DropAll discards every queued operation and returns how many were dropped.
// Used when a tier fails terminally and its writes can never flush.
func (q *Queue) DropAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.ops)
	q.ops = nil
	return n
}
