package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/queue"
)

const consumeErrorDelay = 250 * time.Millisecond

// EventSource is the read side of the ingress queue.
type EventSource interface {
	Dequeue(ctx context.Context) (canonical.ChangeEvent, error)
}

// Consume runs workers goroutines that pull events from source and apply
// them. It returns when ctx is done or the source is closed and drained.
func (e *Engine) Consume(ctx context.Context, source EventSource, workers int) {
	if workers <= 0 {
		workers = DefaultEventWorkers
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			e.consumeLoop(ctx, source)
		}()
	}
	wg.Wait()
}

func (e *Engine) consumeLoop(ctx context.Context, source EventSource) {
	for {
		ev, err := source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			e.logger.Printf("engine: dequeue failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeErrorDelay):
			}
			continue
		}
		// Apply logs and counts rejected events itself.
		if _, err := e.Apply(ctx, ev); err != nil &&
			!errors.Is(err, canonical.ErrValidation) && !errors.Is(err, ErrLinkConflict) && !errors.Is(err, ErrInvalidEvent) {
			e.logger.Printf("engine: apply event platform=%s event=%s failed: %v", ev.SourcePlatform, ev.SourceEventID, err)
		}
	}
}
