package queue

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/tasksync/internal/store"
)

type Factory func(dsn string, capacity int) (Queue, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// Open builds a queue from a DSN. An empty DSN yields an in-memory queue.
func Open(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := store.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}
