package engine

import (
	"context"
	"sync"
)

// readyQueue is an unbounded FIFO of pairs waiting for a dispatch worker.
// A pair is queued at most once; workers re-check its state on pop.
type readyQueue struct {
	mu     sync.Mutex
	keys   []pairKey
	queued map[pairKey]struct{}
	notify chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		queued: map[pairKey]struct{}{},
		notify: make(chan struct{}, 1),
	}
}

func (q *readyQueue) push(keys ...pairKey) {
	if len(keys) == 0 {
		return
	}
	q.mu.Lock()
	for _, key := range keys {
		if _, ok := q.queued[key]; ok {
			continue
		}
		q.queued[key] = struct{}{}
		q.keys = append(q.keys, key)
	}
	pendingGauge.Set(float64(len(q.keys)))
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// pop blocks until a key is available or ctx is done. It also returns the
// queue length observed before the pop.
func (q *readyQueue) pop(ctx context.Context) (pairKey, int, bool) {
	for {
		q.mu.Lock()
		if n := len(q.keys); n > 0 {
			key := q.keys[0]
			q.keys = q.keys[1:]
			delete(q.queued, key)
			pendingGauge.Set(float64(len(q.keys)))
			more := len(q.keys) > 0
			q.mu.Unlock()
			if more {
				// hand the wake-up to the next worker
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return key, n, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return pairKey{}, 0, false
		case <-q.notify:
		}
	}
}
