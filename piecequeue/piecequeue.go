// Package piecequeue implements the shared work-dispenser that hands piece
// indices out to peer workers and tracks how many have been completed.
package piecequeue

import "sync"

// PieceQueue is a FIFO dispenser of piece indices shared across peer
// workers. Pop blocks until a piece is available or the queue is shut down.
// MarkCompleted records a successful download and, once every piece the
// queue was built with has been marked completed, shuts the queue down so
// any blocked Pop calls return; WaitUntilFinished blocks until then.
type PieceQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []int
	total     int
	completed int
	shutdown  bool
}

// New builds a PieceQueue pre-loaded with indices [0, pieceCount).
func New(pieceCount int) *PieceQueue {
	indices := make([]int, pieceCount)
	for i := range indices {
		indices[i] = i
	}
	return NewFromIndices(indices)
}

// NewFromIndices builds a PieceQueue pre-loaded with exactly indices, in
// order. Total is len(indices), so MarkCompleted reaches "finished" once
// every one of those indices (not [0,N)) has been marked complete. Used by
// download_piece, which only ever wants a single index in flight.
func NewFromIndices(indices []int) *PieceQueue {
	q := &PieceQueue{
		queue: append([]int(nil), indices...),
		total: len(indices),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Pop removes and returns the next piece index, blocking while the queue is
// empty. It returns (0, false) once the queue has been shut down with
// nothing left to hand out.
func (q *PieceQueue) Pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.queue) > 0 {
			idx := q.queue[0]
			q.queue = q.queue[1:]
			return idx, true
		}
		if q.shutdown {
			return 0, false
		}
		q.cond.Wait()
	}
}

// Push returns a piece index to the queue, for retry after a failed
// download attempt. A no-op once the queue has finished: nothing is left
// to hand it back out to.
func (q *PieceQueue) Push(pieceIndex int) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, pieceIndex)
	q.mu.Unlock()
	q.cond.Signal()
}

// MarkCompleted records that a piece was downloaded and verified
// successfully. Once every piece handed out by New has been marked
// completed, any goroutine blocked in WaitUntilFinished is released and the
// queue shuts itself down.
func (q *PieceQueue) MarkCompleted() {
	q.mu.Lock()
	q.completed++
	done := q.completed >= q.total
	q.mu.Unlock()
	if done {
		q.Shutdown()
	}
}

// Shutdown marks the queue finished: blocked and future Pop calls return
// false once it is empty.
func (q *PieceQueue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// IsShutdown reports whether Shutdown has been called.
func (q *PieceQueue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// Completed reports how many pieces have been marked completed so far.
func (q *PieceQueue) Completed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Total reports how many pieces this queue was constructed to hand out.
func (q *PieceQueue) Total() int {
	return q.total
}

// WaitUntilFinished blocks until every piece has been marked completed.
// It is a polling wait on the same condition variable Pop/MarkCompleted use,
// woken by MarkCompleted's final Shutdown broadcast and by explicit
// Shutdown calls (e.g. when a caller aborts the download early).
func (q *PieceQueue) WaitUntilFinished() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.completed < q.total && !q.shutdown {
		q.cond.Wait()
	}
}
