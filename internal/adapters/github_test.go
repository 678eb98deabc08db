package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

const githubLabeledPayload = `{
	"action": "labeled",
	"label": {"name": "status: in review"},
	"issue": {
		"number": 42,
		"title": "Fix login",
		"body": "Tracked as tasksync:5b1f63a4-7b9e-5d41-8a8e-0c3d6f0b9a11",
		"state": "open",
		"state_reason": null,
		"updated_at": "2026-03-01T10:00:00Z",
		"labels": [{"name": "bug"}, {"name": "status: in review"}],
		"assignee": {"login": "octocat"}
	},
	"repository": {"full_name": "acme/web"}
}`

func githubHeaders(event, delivery string) http.Header {
	headers := http.Header{}
	headers.Set("X-GitHub-Event", event)
	headers.Set("X-GitHub-Delivery", delivery)
	return headers
}

func TestGitHubParseEventLabeledReportsStatusOnly(t *testing.T) {
	adapter := NewGitHubAdapter(GitHubOptions{})
	ev, err := adapter.ParseEvent(RawPayload{Headers: githubHeaders("issues", "d-1"), Body: []byte(githubLabeledPayload)})
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, "acme/web#42", ev.NativeID)
	require.Equal(t, "d-1", ev.SourceEventID)
	require.Equal(t, "5b1f63a4-7b9e-5d41-8a8e-0c3d6f0b9a11", ev.ItemID)
	require.Equal(t, map[canonical.Field]string{canonical.FieldStatus: "InReview"}, ev.FieldChanges)
	require.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli(), ev.SourceTimestamp)
}

func TestGitHubParseEventIgnoresCommentsAndOtherLabels(t *testing.T) {
	adapter := NewGitHubAdapter(GitHubOptions{})
	ev, err := adapter.ParseEvent(RawPayload{Headers: githubHeaders("issue_comment", "d-2"), Body: []byte(`{"action":"created"}`)})
	require.NoError(t, err)
	require.Nil(t, ev)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(githubLabeledPayload), &payload))
	payload["label"] = map[string]any{"name": "bug"}
	body, _ := json.Marshal(payload)
	ev, err = adapter.ParseEvent(RawPayload{Headers: githubHeaders("issues", "d-3"), Body: body})
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestGitHubParseEventRejectsMalformedPayload(t *testing.T) {
	adapter := NewGitHubAdapter(GitHubOptions{})
	_, err := adapter.ParseEvent(RawPayload{Headers: githubHeaders("issues", "d-4"), Body: []byte(`{"action":"opened","issue":{"number":"x"}}`)})
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = adapter.ParseEvent(RawPayload{Headers: githubHeaders("issues", ""), Body: []byte(githubLabeledPayload)})
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = adapter.ParseEvent(RawPayload{Headers: githubHeaders("issues", "d-5"), Body: []byte(`not json`)})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestGitHubApplyChangeSendsSinglePatch(t *testing.T) {
	var calls int32
	var capturedPath, capturedKey, capturedAuth string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		capturedPath = r.Method + " " + r.URL.Path
		capturedKey = r.Header.Get("Idempotency-Key")
		capturedAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"number":42}`))
	}))
	defer server.Close()

	adapter := NewGitHubAdapter(GitHubOptions{Client: ClientOptions{
		BaseURL:       server.URL,
		TokenProvider: StaticToken("gh_token"),
		HTTPClient:    server.Client(),
	}})
	// observe the issue first so its non-status labels are known
	_, err := adapter.ParseEvent(RawPayload{Headers: githubHeaders("issues", "d-1"), Body: []byte(githubLabeledPayload)})
	require.NoError(t, err)

	req := ChangeRequest{
		NativeID:       "acme/web#42",
		Changes:        map[canonical.Field]string{canonical.FieldStatus: "InProgress"},
		IdempotencyKey: "key-1",
	}
	result, err := adapter.ApplyChange(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, "PATCH /repos/acme/web/issues/42", capturedPath)
	require.Equal(t, "key-1", capturedKey)
	require.Equal(t, "Bearer gh_token", capturedAuth)
	require.Equal(t, "open", capturedBody["state"])
	require.ElementsMatch(t, []any{"bug", "status: in progress"}, capturedBody["labels"])

	// the same idempotency key is never sent twice
	result, err = adapter.ApplyChange(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGitHubApplyChangeWithUnseenLabelsLeavesThemAlone(t *testing.T) {
	var calls int32
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewGitHubAdapter(GitHubOptions{Client: ClientOptions{BaseURL: server.URL, TokenProvider: StaticToken("t"), HTTPClient: server.Client()}})

	_, err := adapter.ApplyChange(context.Background(), ChangeRequest{
		NativeID:       "acme/web#42",
		Changes:        map[canonical.Field]string{canonical.FieldStatus: "InReview"},
		IdempotencyKey: "cold-1",
	})
	require.NoError(t, err)
	_, err = adapter.ApplyChange(context.Background(), ChangeRequest{
		NativeID:       "acme/web#43",
		Changes:        map[canonical.Field]string{canonical.FieldStatus: "Canceled", canonical.FieldTitle: "Drop it"},
		IdempotencyKey: "cold-2",
	})
	require.NoError(t, err)

	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	require.Equal(t, map[string]any{"state": "open"}, bodies[0])
	require.NotContains(t, bodies[1], "labels")
	require.Equal(t, "closed", bodies[1]["state"])
	require.Equal(t, "not_planned", bodies[1]["state_reason"])
	require.Equal(t, "Drop it", bodies[1]["title"])
}

func TestGitHubApplyChangeSkipsWhenPlatformAlreadyMatches(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewGitHubAdapter(GitHubOptions{Client: ClientOptions{BaseURL: server.URL, TokenProvider: StaticToken("t"), HTTPClient: server.Client()}})
	_, err := adapter.ParseEvent(RawPayload{Headers: githubHeaders("issues", "d-1"), Body: []byte(githubLabeledPayload)})
	require.NoError(t, err)

	result, err := adapter.ApplyChange(context.Background(), ChangeRequest{
		NativeID:       "acme/web#42",
		Changes:        map[canonical.Field]string{canonical.FieldTitle: "Fix login"},
		IdempotencyKey: "key-2",
	})
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestGitHubApplyChangeClassifiesFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	}))
	defer server.Close()

	adapter := NewGitHubAdapter(GitHubOptions{Client: ClientOptions{BaseURL: server.URL, TokenProvider: StaticToken("t"), HTTPClient: server.Client()}})
	req := ChangeRequest{NativeID: "acme/web#42", Changes: map[canonical.Field]string{canonical.FieldTitle: "x"}}

	_, err := adapter.ApplyChange(context.Background(), req)
	require.ErrorIs(t, err, ErrTransient)
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected DeliveryError, got %T", err)
	}
	require.Equal(t, 7*time.Second, deliveryErr.RetryAfter)

	status.Store(http.StatusNotFound)
	_, err = adapter.ApplyChange(context.Background(), req)
	require.ErrorIs(t, err, ErrPermanent)

	_, err = adapter.ApplyChange(context.Background(), ChangeRequest{NativeID: "", Changes: req.Changes})
	require.ErrorIs(t, err, ErrPermanent)
}

func TestGitHubApplyChangeNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	adapter := NewGitHubAdapter(GitHubOptions{Client: ClientOptions{BaseURL: baseURL, TokenProvider: StaticToken("t")}})
	_, err := adapter.ApplyChange(context.Background(), ChangeRequest{NativeID: "acme/web#1", Changes: map[canonical.Field]string{canonical.FieldTitle: "x"}})
	require.ErrorIs(t, err, ErrTransient)
}

func TestGitHubProbeCallsUserEndpoint(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewGitHubAdapter(GitHubOptions{Client: ClientOptions{BaseURL: server.URL, TokenProvider: StaticToken("t"), HTTPClient: server.Client()}})
	require.NoError(t, adapter.Probe(context.Background()))
	require.Equal(t, "/user", path)
}

func TestSplitGitHubNativeID(t *testing.T) {
	repo, number, err := splitGitHubNativeID("12", "acme/api")
	require.NoError(t, err)
	require.Equal(t, "acme/api", repo)
	require.Equal(t, 12, number)

	_, _, err = splitGitHubNativeID("12", "")
	require.Error(t, err)
}
