// Package normalizer turns raw webhook payloads into canonical change events
// and suppresses redeliveries of events already accepted.
package normalizer

import (
	"container/list"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tasksync/internal/adapters"
	"github.com/agentworkforce/tasksync/internal/canonical"
)

var ErrUnknownPlatform = errors.New("unknown platform")

const (
	DefaultCapacity = 10000
	DefaultTTL      = 24 * time.Hour
)

type Outcome string

const (
	Accepted  Outcome = "accepted"
	Duplicate Outcome = "duplicate"
	Rejected  Outcome = "rejected"
	Ignored   Outcome = "ignored"
)

type Result struct {
	Outcome Outcome
	Event   *canonical.ChangeEvent
	Err     error
}

// AdapterSource resolves a platform name to its adapter.
type AdapterSource interface {
	Get(platform string) (adapters.Adapter, bool)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Capacity int
	TTL      time.Duration
	Logger   Logger
	Now      func() time.Time
}

type Counters struct {
	Accepted  uint64 `json:"accepted"`
	Duplicate uint64 `json:"duplicate"`
	Rejected  uint64 `json:"rejected"`
	Ignored   uint64 `json:"ignored"`
	Dropped   uint64 `json:"dropped"`
}

type Stats struct {
	DedupEntries int                 `json:"dedupEntries"`
	ByPlatform   map[string]Counters `json:"byPlatform"`
}

type Normalizer struct {
	source   AdapterSource
	capacity int
	ttl      time.Duration
	logger   Logger
	now      func() time.Time

	mu       sync.Mutex
	seen     map[string]*list.Element
	order    *list.List
	counters map[string]*Counters
}

type seenEntry struct {
	key        string
	insertedAt time.Time
}

func New(source AdapterSource, opts Options) *Normalizer {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Normalizer{
		source:   source,
		capacity: capacity,
		ttl:      ttl,
		logger:   logger,
		now:      now,
		seen:     map[string]*list.Element{},
		order:    list.New(),
		counters: map[string]*Counters{},
	}
}

// Normalize parses raw with the platform's adapter and checks the event
// against the recency set. The only error is ErrUnknownPlatform; every
// payload problem is reported as a Rejected result.
func (n *Normalizer) Normalize(platform string, raw adapters.RawPayload) (Result, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	adapter, ok := n.source.Get(platform)
	if !ok {
		return Result{}, ErrUnknownPlatform
	}

	event, err := adapter.ParseEvent(raw)
	if err != nil {
		n.logger.Printf("normalizer: rejected %s payload: %v", platform, err)
		n.count(platform, Rejected)
		return Result{Outcome: Rejected, Err: err}, nil
	}
	if event == nil {
		n.count(platform, Ignored)
		return Result{Outcome: Ignored}, nil
	}
	if strings.TrimSpace(event.SourceEventID) == "" {
		err := errors.New("event has no source event id")
		n.logger.Printf("normalizer: rejected %s payload: %v", platform, err)
		n.count(platform, Rejected)
		return Result{Outcome: Rejected, Err: err}, nil
	}
	if event.SourcePlatform == "" {
		event.SourcePlatform = platform
	}

	if !n.remember(dedupKey(platform, event.SourceEventID)) {
		n.count(platform, Duplicate)
		return Result{Outcome: Duplicate}, nil
	}
	n.count(platform, Accepted)
	return Result{Outcome: Accepted, Event: event}, nil
}

// Forget drops an event id from the recency set, e.g. when the event could
// not be queued and the sender will redeliver it.
func (n *Normalizer) Forget(platform, sourceEventID string) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	key := dedupKey(platform, sourceEventID)
	n.mu.Lock()
	defer n.mu.Unlock()
	if elem, ok := n.seen[key]; ok {
		n.order.Remove(elem)
		delete(n.seen, key)
	}
	counters := n.countersLocked(platform)
	if counters.Accepted > 0 {
		counters.Accepted--
	}
	counters.Dropped++
	dedupEntriesGauge.Set(float64(n.order.Len()))
}

func (n *Normalizer) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := Stats{DedupEntries: n.order.Len(), ByPlatform: make(map[string]Counters, len(n.counters))}
	for platform, counters := range n.counters {
		out.ByPlatform[platform] = *counters
	}
	return out
}

// remember records key and reports whether it was new.
func (n *Normalizer) remember(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	n.expireLocked(now)
	if elem, ok := n.seen[key]; ok {
		entry := elem.Value.(*seenEntry)
		if now.Sub(entry.insertedAt) <= n.ttl {
			return false
		}
		n.order.Remove(elem)
		delete(n.seen, key)
	}
	n.seen[key] = n.order.PushFront(&seenEntry{key: key, insertedAt: now})
	for n.order.Len() > n.capacity {
		n.evictOldestLocked()
	}
	dedupEntriesGauge.Set(float64(n.order.Len()))
	return true
}

// expireLocked trims entries older than the TTL; the list is in insertion
// order so it stops at the first live entry.
func (n *Normalizer) expireLocked(now time.Time) {
	for {
		oldest := n.order.Back()
		if oldest == nil {
			return
		}
		if now.Sub(oldest.Value.(*seenEntry).insertedAt) <= n.ttl {
			return
		}
		n.evictOldestLocked()
	}
}

func (n *Normalizer) evictOldestLocked() {
	oldest := n.order.Back()
	if oldest == nil {
		return
	}
	n.order.Remove(oldest)
	delete(n.seen, oldest.Value.(*seenEntry).key)
}

func (n *Normalizer) count(platform string, outcome Outcome) {
	recordOutcome(platform, outcome)
	n.mu.Lock()
	defer n.mu.Unlock()
	counters := n.countersLocked(platform)
	switch outcome {
	case Accepted:
		counters.Accepted++
	case Duplicate:
		counters.Duplicate++
	case Rejected:
		counters.Rejected++
	case Ignored:
		counters.Ignored++
	}
}

func (n *Normalizer) countersLocked(platform string) *Counters {
	counters, ok := n.counters[platform]
	if !ok {
		counters = &Counters{}
		n.counters[platform] = counters
	}
	return counters
}

func dedupKey(platform, sourceEventID string) string {
	return platform + "/" + strings.TrimSpace(sourceEventID)
}
