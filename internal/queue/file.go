package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

const defaultPollInterval = 10 * time.Millisecond

// FileQueue persists its contents as a JSON snapshot so queued events
// survive a restart. Events beyond the capacity found on load are dropped
// oldest first.
type FileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration

	mu     sync.Mutex
	events []canonical.ChangeEvent
	closed bool
}

type fileQueueState struct {
	Events []canonical.ChangeEvent `json:"events"`
}

func NewFileQueue(path string, capacity int) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &FileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: defaultPollInterval,
		events:       []canonical.ChangeEvent{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) TryEnqueue(ev canonical.ChangeEvent) error {
	if !validEvent(ev) {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.events) >= q.capacity {
		return ErrQueueFull
	}
	q.events = append(q.events, ev.Clone())
	if err := q.saveLocked(); err != nil {
		q.events = q.events[:len(q.events)-1]
		return err
	}
	return nil
}

func (q *FileQueue) Enqueue(ctx context.Context, ev canonical.ChangeEvent) error {
	for {
		err := q.TryEnqueue(ev)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *FileQueue) Dequeue(ctx context.Context) (canonical.ChangeEvent, error) {
	for {
		ev, ok, err := q.tryDequeue()
		if ok || err != nil {
			return ev, err
		}
		select {
		case <-ctx.Done():
			return canonical.ChangeEvent{}, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *FileQueue) tryDequeue() (canonical.ChangeEvent, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		if q.closed {
			return canonical.ChangeEvent{}, false, ErrClosed
		}
		return canonical.ChangeEvent{}, false, nil
	}
	ev := q.events[0]
	q.events = q.events[1:]
	if err := q.saveLocked(); err != nil {
		// keep the event; the next poll retries the write
		q.events = append([]canonical.ChangeEvent{ev}, q.events...)
		return canonical.ChangeEvent{}, false, nil
	}
	return ev, true, nil
}

func (q *FileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *FileQueue) Capacity() int {
	return q.capacity
}

func (q *FileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *FileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Events) > q.capacity {
		q.events = append([]canonical.ChangeEvent(nil), snapshot.Events[len(snapshot.Events)-q.capacity:]...)
		return q.saveLocked()
	}
	q.events = append([]canonical.ChangeEvent(nil), snapshot.Events...)
	return nil
}

func (q *FileQueue) saveLocked() error {
	data, err := json.Marshal(fileQueueState{Events: q.events})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
