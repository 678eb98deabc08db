package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type deadlineEntry struct {
	key   pairKey
	due   time.Time
	index int
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	entry := x.(*deadlineEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// deadlineQueue holds at most one wake-up per pair and fires them from a
// single timer.
type deadlineQueue struct {
	mu      sync.Mutex
	entries deadlineHeap
	byKey   map[pairKey]*deadlineEntry
	wake    chan struct{}
}

func newDeadlineQueue() *deadlineQueue {
	return &deadlineQueue{
		byKey: map[pairKey]*deadlineEntry{},
		wake:  make(chan struct{}, 1),
	}
}

func (q *deadlineQueue) schedule(key pairKey, due time.Time) {
	q.mu.Lock()
	if entry, ok := q.byKey[key]; ok {
		entry.due = due
		heap.Fix(&q.entries, entry.index)
	} else {
		entry := &deadlineEntry{key: key, due: due}
		heap.Push(&q.entries, entry)
		q.byKey[key] = entry
	}
	q.mu.Unlock()
	q.signal()
}

func (q *deadlineQueue) cancel(key pairKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.byKey[key]
	if !ok {
		return
	}
	heap.Remove(&q.entries, entry.index)
	delete(q.byKey, key)
}

func (q *deadlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *deadlineQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popDue removes every entry due at or before now and reports when the next
// one is due.
func (q *deadlineQueue) popDue(now time.Time) ([]pairKey, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []pairKey
	for len(q.entries) > 0 && !q.entries[0].due.After(now) {
		entry := heap.Pop(&q.entries).(*deadlineEntry)
		delete(q.byKey, entry.key)
		due = append(due, entry.key)
	}
	if len(q.entries) == 0 {
		return due, time.Time{}, false
	}
	return due, q.entries[0].due, true
}

func (q *deadlineQueue) run(ctx context.Context, fire func(pairKey)) {
	for {
		now := time.Now()
		due, next, ok := q.popDue(now)
		for _, key := range due {
			fire(key)
		}
		if len(due) > 0 {
			// fire may have scheduled new entries
			continue
		}
		var timer *time.Timer
		var timerC <-chan time.Time
		if ok {
			timer = time.NewTimer(next.Sub(now))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
