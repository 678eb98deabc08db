// Package deadletter publishes delivery attempts that the engine gave up on.
package deadletter

import (
	"context"
	"errors"
	"log"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

// Sink receives dead letters after they have been persisted.
type Sink interface {
	Publish(ctx context.Context, letter canonical.DeadLetter) error
}

type Logger interface {
	Printf(format string, args ...any)
}

// LogSink writes one line per dead letter.
type LogSink struct {
	logger Logger
}

func NewLogSink(logger Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, letter canonical.DeadLetter) error {
	fields := canonical.PayloadFields(letter.Payload)
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		names = append(names, string(field))
	}
	s.logger.Printf("deadletter: id=%s item=%s platform=%s class=%s attempts=%d fields=%v error=%q",
		letter.ID, letter.ItemID, letter.TargetPlatform, letter.Class, letter.AttemptCount, names, letter.LastError)
	return nil
}

// Multi publishes to every sink and joins their errors. A failing sink does
// not stop the others.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, letter canonical.DeadLetter) error {
	var err error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if pubErr := sink.Publish(ctx, letter); pubErr != nil {
			err = errors.Join(err, pubErr)
		}
	}
	return err
}
