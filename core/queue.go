package core

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"pkt.systems/notebookx/internal/cellstatus"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

// EnqueueResult tells the caller what a run request did.
type EnqueueResult string

const (
	// EnqueueAccepted means a new job was queued.
	EnqueueAccepted EnqueueResult = "accepted"
	// EnqueueCancelledActive means the cell was the active run and cancellation was requested.
	EnqueueCancelledActive EnqueueResult = "cancelled_active"
	// EnqueueDequeued means the cell was waiting and has been removed from the queue.
	EnqueueDequeued EnqueueResult = "dequeued"
	// EnqueueRejected means the queue is closed.
	EnqueueRejected EnqueueResult = "rejected"
)

// job is one queued or active cell run.
type job struct {
	id         string
	cell       schema.CellID
	enqueuedAt time.Time
	// ctx and cancel exist only once the job is started.
	ctx    context.Context
	cancel context.CancelCauseFunc
	reason schema.CancelReason
	// snapshot is the output shown before the run started, owned by the job goroutine.
	snapshot string
}

// runQueue is a FIFO of pending runs plus at most one active run.
type runQueue struct {
	status *cellstatus.Store
	base   context.Context
	exec   func(*job)
	now    func() time.Time
	log    pslog.Logger

	mu      sync.Mutex
	pending []*job
	members mapset.Set[schema.CellID]
	current *job
	busy    chan struct{}
	closed  bool
}

func newRunQueue(base context.Context, status *cellstatus.Store, exec func(*job), now func() time.Time, log pslog.Logger) *runQueue {
	return &runQueue{
		status:  status,
		base:    base,
		exec:    exec,
		now:     now,
		log:     log,
		members: mapset.NewThreadUnsafeSet[schema.CellID](),
	}
}

// enqueue toggles a run request: the active cell is cancelled, a waiting cell is dequeued,
// any other cell is appended.
func (q *runQueue) enqueue(cell schema.CellID) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && q.current.cell == cell {
		q.cancelActiveLocked(schema.CancelUser)
		return EnqueueCancelledActive
	}
	if q.members.Contains(cell) {
		q.removeLocked(cell)
		q.status.Set(cell, schema.CellIdle, nil)
		q.recomputeLocked()
		q.updateIdleLocked()
		q.log.Debug("queue job dequeued", "cell", cell)
		return EnqueueDequeued
	}
	if q.closed {
		return EnqueueRejected
	}
	q.appendLocked(cell)
	q.advanceLocked()
	return EnqueueAccepted
}

// enqueueIfAbsent appends cell unless it is already waiting or active.
func (q *runQueue) enqueueIfAbsent(cell schema.CellID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.members.Contains(cell) || (q.current != nil && q.current.cell == cell) {
		return false
	}
	q.appendLocked(cell)
	q.advanceLocked()
	return true
}

func (q *runQueue) appendLocked(cell schema.CellID) {
	j := &job{id: newJobID(), cell: cell, enqueuedAt: q.now()}
	q.pending = append(q.pending, j)
	q.members.Add(cell)
	q.recomputeLocked()
	q.updateIdleLocked()
	q.log.Debug("queue job enqueued", "cell", cell, "job", j.id, "pending", len(q.pending))
}

// advance starts the head job when nothing is active.
func (q *runQueue) advance() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.advanceLocked()
}

func (q *runQueue) advanceLocked() {
	if q.current != nil || len(q.pending) == 0 || q.closed {
		return
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	q.members.Remove(j.cell)
	j.ctx, j.cancel = context.WithCancelCause(q.base)
	q.current = j
	q.status.Set(j.cell, schema.CellRunning, nil)
	q.recomputeLocked()
	q.log.Debug("queue job started", "cell", j.cell, "job", j.id, "waited", q.now().Sub(j.enqueuedAt))
	go q.run(j)
}

func (q *runQueue) run(j *job) {
	defer q.settle(j)
	q.exec(j)
}

// settle releases the active slot and starts the next job.
func (q *runQueue) settle(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j.cancel(nil)
	if q.current == j {
		q.current = nil
	}
	q.log.Debug("queue job settled", "cell", j.cell, "job", j.id, "reason", j.reason)
	q.recomputeLocked()
	q.advanceLocked()
	q.updateIdleLocked()
}

// cancelActive signals the active job. The job stays active until it settles.
func (q *runQueue) cancelActive(reason schema.CancelReason) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelActiveLocked(reason)
}

func (q *runQueue) cancelActiveLocked(reason schema.CancelReason) bool {
	if q.current == nil {
		return false
	}
	if reason == schema.CancelNone {
		reason = schema.CancelUser
	}
	q.current.reason = reason
	q.current.cancel(&CancelledError{Reason: reason})
	q.log.Debug("queue job cancel requested", "cell", q.current.cell, "job", q.current.id, "reason", reason)
	return true
}

// cancelAll cancels the active job and drops every waiting job back to idle.
func (q *runQueue) cancelAll(reason schema.CancelReason) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelActiveLocked(reason)
	dropped := q.pending
	q.pending = nil
	q.members.Clear()
	for _, j := range dropped {
		q.status.Set(j.cell, schema.CellIdle, nil)
	}
	q.updateIdleLocked()
}

// reasonOf returns the cancel reason recorded for j.
func (q *runQueue) reasonOf(j *job) schema.CancelReason {
	q.mu.Lock()
	defer q.mu.Unlock()
	return j.reason
}

// positions returns the number of jobs ahead of each waiting cell.
func (q *runQueue) positions() map[schema.CellID]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[schema.CellID]int, len(q.pending))
	for i, j := range q.pending {
		out[j.cell] = i
	}
	return out
}

// active returns the cell of the active run.
func (q *runQueue) active() (schema.CellID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return "", false
	}
	return q.current.cell, true
}

// isQueued reports whether cell waits in the queue.
func (q *runQueue) isQueued(cell schema.CellID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.members.Contains(cell)
}

// waitIdle blocks until no job is active or waiting.
func (q *runQueue) waitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		busy := q.busy
		q.mu.Unlock()
		if busy == nil {
			return nil
		}
		select {
		case <-busy:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close rejects further jobs.
func (q *runQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *runQueue) removeLocked(cell schema.CellID) {
	kept := q.pending[:0]
	for _, j := range q.pending {
		if j.cell != cell {
			kept = append(kept, j)
		}
	}
	q.pending = kept
	q.members.Remove(cell)
}

func (q *runQueue) recomputeLocked() {
	for i, j := range q.pending {
		q.status.Set(j.cell, schema.CellQueued, schema.QueueMeta(i))
	}
}

func (q *runQueue) updateIdleLocked() {
	idle := q.current == nil && len(q.pending) == 0
	switch {
	case idle && q.busy != nil:
		close(q.busy)
		q.busy = nil
	case !idle && q.busy == nil:
		q.busy = make(chan struct{})
	}
}
