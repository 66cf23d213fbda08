package queue

import (
	"time"

	"github.com/stockdl/downloader/internal/task"
)

// DataQueue is a bounded FIFO of DataBatches connecting the producer
// pool to the consumer pool (spec §4.7). Ordering within the queue
// doesn't matter to correctness (consumers partition by task_type+symbol
// regardless of arrival order), so this is a buffered channel guarded by
// select-based timeouts, mirroring the teacher's
// `select { case <-ch: ... case <-time.After(...): }` idiom.
type DataQueue struct {
	ch     chan task.DataBatch
	closed chan struct{}
}

// NewDataQueue constructs a DataQueue bounded to capacity batches.
func NewDataQueue(capacity int) *DataQueue {
	return &DataQueue{
		ch:     make(chan task.DataBatch, capacity),
		closed: make(chan struct{}),
	}
}

// Put enqueues b, blocking until space is available, the queue closes,
// or timeout elapses (timeout <= 0 means wait forever).
func (q *DataQueue) Put(b task.DataBatch, timeout time.Duration) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	if timeout <= 0 {
		select {
		case q.ch <- b:
			return nil
		case <-q.closed:
			return ErrClosed
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- b:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-timer.C:
		return ErrTimeout
	}
}

// Get dequeues the oldest batch, blocking until one is available, the
// queue closes and drains, or timeout elapses.
func (q *DataQueue) Get(timeout time.Duration) (task.DataBatch, error) {
	if timeout <= 0 {
		select {
		case b, ok := <-q.ch:
			if !ok {
				return task.DataBatch{}, ErrClosed
			}
			return b, nil
		case <-q.closed:
			return q.drainOrClosed()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b, ok := <-q.ch:
		if !ok {
			return task.DataBatch{}, ErrClosed
		}
		return b, nil
	case <-q.closed:
		return q.drainOrClosed()
	case <-timer.C:
		return task.DataBatch{}, ErrTimeout
	}
}

// drainOrClosed returns one remaining buffered batch if any, else ErrClosed.
func (q *DataQueue) drainOrClosed() (task.DataBatch, error) {
	select {
	case b, ok := <-q.ch:
		if ok {
			return b, nil
		}
	default:
	}
	return task.DataBatch{}, ErrClosed
}

// Len reports the number of buffered batches.
func (q *DataQueue) Len() int {
	return len(q.ch)
}

// Close signals no further Puts will succeed; buffered batches already
// enqueued remain retrievable via Get until drained.
func (q *DataQueue) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}
