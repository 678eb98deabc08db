package normalizer

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tasksync/internal/adapters"
	"github.com/agentworkforce/tasksync/internal/canonical"
)

// stubAdapter parses bodies of the form "<eventID>" into a title change;
// "bad" is malformed and "skip" is irrelevant.
type stubAdapter struct{}

func (stubAdapter) Platform() string { return "github" }

func (stubAdapter) ParseEvent(raw adapters.RawPayload) (*canonical.ChangeEvent, error) {
	switch string(raw.Body) {
	case "bad":
		return nil, &adapters.MalformedPayloadError{Platform: "github", Reason: "bad"}
	case "skip":
		return nil, nil
	}
	return &canonical.ChangeEvent{
		SourcePlatform:  "github",
		SourceEventID:   string(raw.Body),
		NativeID:        "acme/web#1",
		FieldChanges:    map[canonical.Field]string{canonical.FieldTitle: "t"},
		SourceTimestamp: 1,
	}, nil
}

func (stubAdapter) ApplyChange(context.Context, adapters.ChangeRequest) (adapters.DeliveryResult, error) {
	return adapters.DeliveryResult{}, nil
}

func (stubAdapter) Probe(context.Context) error { return nil }

type stubSource struct{}

func (stubSource) Get(platform string) (adapters.Adapter, bool) {
	if platform != "github" {
		return nil, false
	}
	return stubAdapter{}, true
}

func raw(body string) adapters.RawPayload {
	return adapters.RawPayload{Headers: http.Header{}, Body: []byte(body)}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNormalizeDuplicateWebhook(t *testing.T) {
	n := New(stubSource{}, Options{Logger: quietLogger()})

	first, err := n.Normalize("github", raw("delivery-1"))
	require.NoError(t, err)
	require.Equal(t, Accepted, first.Outcome)
	require.NotNil(t, first.Event)

	second, err := n.Normalize("GitHub", raw("delivery-1"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, second.Outcome)
	require.Nil(t, second.Event)

	stats := n.Stats()
	require.Equal(t, uint64(1), stats.ByPlatform["github"].Accepted)
	require.Equal(t, uint64(1), stats.ByPlatform["github"].Duplicate)
}

func TestNormalizeRejectedAndIgnored(t *testing.T) {
	n := New(stubSource{}, Options{Logger: quietLogger()})

	result, err := n.Normalize("github", raw("bad"))
	require.NoError(t, err)
	require.Equal(t, Rejected, result.Outcome)
	require.ErrorIs(t, result.Err, adapters.ErrMalformedPayload)

	result, err = n.Normalize("github", raw("skip"))
	require.NoError(t, err)
	require.Equal(t, Ignored, result.Outcome)

	_, err = n.Normalize("jira", raw("x"))
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestNormalizeEvictsLeastRecentlyInserted(t *testing.T) {
	n := New(stubSource{}, Options{Capacity: 2, Logger: quietLogger()})
	for _, id := range []string{"a", "b", "c"} {
		result, err := n.Normalize("github", raw(id))
		require.NoError(t, err)
		require.Equal(t, Accepted, result.Outcome)
	}
	// "a" was evicted, "c" is still remembered
	result, _ := n.Normalize("github", raw("a"))
	require.Equal(t, Accepted, result.Outcome)
	result, _ = n.Normalize("github", raw("c"))
	require.Equal(t, Duplicate, result.Outcome)
}

func TestNormalizeExpiresAfterTTL(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	n := New(stubSource{}, Options{TTL: time.Hour, Now: clock, Logger: quietLogger()})

	result, _ := n.Normalize("github", raw("d"))
	require.Equal(t, Accepted, result.Outcome)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	result, _ = n.Normalize("github", raw("d"))
	require.Equal(t, Accepted, result.Outcome)
}

func TestForgetAllowsRedelivery(t *testing.T) {
	n := New(stubSource{}, Options{Logger: quietLogger()})
	result, _ := n.Normalize("github", raw("e"))
	require.Equal(t, Accepted, result.Outcome)

	n.Forget("github", "e")
	result, _ = n.Normalize("github", raw("e"))
	require.Equal(t, Accepted, result.Outcome)
	require.Equal(t, uint64(1), n.Stats().ByPlatform["github"].Dropped)
}
