package adapters

import (
	"container/list"
	"sync"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

const defaultCacheCapacity = 4096

// stateCache remembers the last native state each adapter saw or wrote per
// native id, plus the idempotency keys it already delivered. It lets
// ApplyChange skip a write the platform already holds without a read call.
type stateCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	keys     map[string]*list.Element
	keyOrder *list.List
}

type cacheEntry struct {
	nativeID string
	values   map[canonical.Field]string
	labels   []string

	// labelsKnown distinguishes "no labels" from "never observed".
	labelsKnown bool
}

func newStateCache(capacity int) *stateCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &stateCache{
		capacity: capacity,
		entries:  map[string]*list.Element{},
		order:    list.New(),
		keys:     map[string]*list.Element{},
		keyOrder: list.New(),
	}
}

func (c *stateCache) entry(nativeID string) *cacheEntry {
	if elem, ok := c.entries[nativeID]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry)
	}
	entry := &cacheEntry{nativeID: nativeID, values: map[canonical.Field]string{}}
	c.entries[nativeID] = c.order.PushFront(entry)
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).nativeID)
	}
	return entry
}

// observe records values reported by an inbound event.
func (c *stateCache) observe(nativeID string, values map[canonical.Field]string) {
	if nativeID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entry(nativeID)
	for field, value := range values {
		entry.values[field] = value
	}
}

func (c *stateCache) recordWrite(nativeID, key string, values map[canonical.Field]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entry(nativeID)
	for field, value := range values {
		entry.values[field] = value
	}
	if key == "" {
		return
	}
	if _, ok := c.keys[key]; ok {
		return
	}
	c.keys[key] = c.keyOrder.PushFront(key)
	for c.keyOrder.Len() > c.capacity {
		oldest := c.keyOrder.Back()
		c.keyOrder.Remove(oldest)
		delete(c.keys, oldest.Value.(string))
	}
}

// satisfied reports whether the write can be skipped.
func (c *stateCache) satisfied(nativeID, key string, changes map[canonical.Field]string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key != "" {
		if _, ok := c.keys[key]; ok {
			return true
		}
	}
	elem, ok := c.entries[nativeID]
	if !ok {
		return false
	}
	entry := elem.Value.(*cacheEntry)
	for field, value := range changes {
		have, ok := entry.values[field]
		if !ok || have != value {
			return false
		}
	}
	return true
}

func (c *stateCache) setLabels(nativeID string, labels []string) {
	if nativeID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entry(nativeID)
	entry.labels = append([]string(nil), labels...)
	entry.labelsKnown = true
}

func (c *stateCache) labels(nativeID string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[nativeID]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	return append([]string(nil), entry.labels...), entry.labelsKnown
}
