// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// Queue is a bounded in-memory dispatch queue with context-aware operations.
type Queue struct {
	ch      chan coordinator.JobSignal
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan coordinator.JobSignal, capacity),
	}
}

// Enqueue pushes a signal into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, sig coordinator.JobSignal) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- sig:
		return nil
	}
}

// Dequeue pops the next signal, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (coordinator.JobSignal, error) {
	select {
	case <-ctx.Done():
		return coordinator.JobSignal{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case sig, ok := <-q.ch:
		if !ok {
			return coordinator.JobSignal{}, errors.New("queue closed")
		}
		return sig, nil
	}
}

// Len reports how many signals are waiting. The dispatcher uses it to tell
// when the pipeline has drained behind blocked jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
