// Package queue buffers normalized change events between webhook ingestion
// and the event workers.
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

const DefaultCapacity = 1024

var (
	ErrQueueFull      = errors.New("queue full")
	ErrClosed         = errors.New("queue closed")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Queue is a bounded FIFO of change events. TryEnqueue never blocks;
// Enqueue and Dequeue wait until there is room or an event, the context is
// done, or the queue is closed.
type Queue interface {
	TryEnqueue(ev canonical.ChangeEvent) error
	Enqueue(ctx context.Context, ev canonical.ChangeEvent) error
	Dequeue(ctx context.Context) (canonical.ChangeEvent, error)
	Depth() int
	Capacity() int
	Close() error
}

func validEvent(ev canonical.ChangeEvent) bool {
	return strings.TrimSpace(ev.SourcePlatform) != "" && strings.TrimSpace(ev.SourceEventID) != ""
}

type MemoryQueue struct {
	ch        chan canonical.ChangeEvent
	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{
		ch:     make(chan canonical.ChangeEvent, capacity),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *MemoryQueue) TryEnqueue(ev canonical.ChangeEvent) error {
	if !validEvent(ev) {
		return ErrInvalidInput
	}
	if q.isClosed() {
		return ErrClosed
	}
	select {
	case q.ch <- ev.Clone():
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, ev canonical.ChangeEvent) error {
	if !validEvent(ev) {
		return ErrInvalidInput
	}
	if q.isClosed() {
		return ErrClosed
	}
	select {
	case q.ch <- ev.Clone():
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue keeps handing out buffered events after Close and reports
// ErrClosed once the buffer is drained.
func (q *MemoryQueue) Dequeue(ctx context.Context) (canonical.ChangeEvent, error) {
	select {
	case ev := <-q.ch:
		return ev, nil
	case <-ctx.Done():
		return canonical.ChangeEvent{}, ctx.Err()
	case <-q.closed:
		select {
		case ev := <-q.ch:
			return ev, nil
		default:
			return canonical.ChangeEvent{}, ErrClosed
		}
	}
}

func (q *MemoryQueue) Depth() int {
	return len(q.ch)
}

func (q *MemoryQueue) Capacity() int {
	return cap(q.ch)
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
