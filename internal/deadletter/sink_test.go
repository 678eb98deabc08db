package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

type bufferLogger struct {
	lines []string
}

func (l *bufferLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func sampleLetter() canonical.DeadLetter {
	return canonical.DeadLetter{
		ID:             "dl-1",
		ItemID:         "item-1",
		TargetPlatform: "linear",
		Payload:        map[canonical.Field]string{canonical.FieldStatus: "InReview"},
		AttemptCount:   5,
		LastError:      "linear: status=503",
		Class:          "transient",
		FailedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestKafkaSinkWritesKeyedJSON(t *testing.T) {
	writer := &recordingWriter{}
	sink := newKafkaSink("dead", writer)
	sink.now = func() time.Time { return time.Unix(100, 0) }

	require.NoError(t, sink.Publish(context.Background(), sampleLetter()))
	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	require.Equal(t, "item-1", string(msg.Key))
	require.Equal(t, time.Unix(100, 0).UTC(), msg.Time)

	var decoded canonical.DeadLetter
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, "linear", decoded.TargetPlatform)
	require.Equal(t, "InReview", decoded.Payload[canonical.FieldStatus])

	require.NoError(t, sink.Close())
	require.True(t, writer.closed)
}

func TestKafkaSinkWrapsWriterError(t *testing.T) {
	boom := errors.New("broker unavailable")
	sink := newKafkaSink("dead", &recordingWriter{err: boom})
	err := sink.Publish(context.Background(), sampleLetter())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "dl-1")
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink([]string{" ", ""}, "")
	require.ErrorIs(t, err, ErrNoBrokers)

	sink, err := NewKafkaSink([]string{"localhost:9092"}, "")
	require.NoError(t, err)
	require.Equal(t, DefaultTopic, sink.topic)
}

func TestMultiPublishesToAllSinks(t *testing.T) {
	boom := errors.New("boom")
	failing := newKafkaSink("dead", &recordingWriter{err: boom})
	logger := &bufferLogger{}
	err := Multi{failing, nil, NewLogSink(logger)}.Publish(context.Background(), sampleLetter())
	require.ErrorIs(t, err, boom)
	require.Len(t, logger.lines, 1)
	require.True(t, strings.Contains(logger.lines[0], "platform=linear"))
}
