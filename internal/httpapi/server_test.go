package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tasksync/internal/adapters"
	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/engine"
	"github.com/agentworkforce/tasksync/internal/health"
	"github.com/agentworkforce/tasksync/internal/normalizer"
	"github.com/agentworkforce/tasksync/internal/queue"
)

const testSecret = "test-secret"

var quietLogger = log.New(io.Discard, "", 0)

// stubAdapter understands a tiny JSON webhook format:
// {"id": "...", "issue": "...", "status": "...", "ignore": false}.
type stubAdapter struct {
	platform string

	mu    sync.Mutex
	fail  error
	calls int
}

func (a *stubAdapter) Platform() string { return a.platform }

func (a *stubAdapter) ParseEvent(raw adapters.RawPayload) (*canonical.ChangeEvent, error) {
	var body struct {
		ID     string `json:"id"`
		Issue  string `json:"issue"`
		Status string `json:"status"`
		Ignore bool   `json:"ignore"`
	}
	if err := json.Unmarshal(raw.Body, &body); err != nil || body.Issue == "" {
		return nil, fmt.Errorf("%w: missing issue", adapters.ErrMalformedPayload)
	}
	if body.Ignore {
		return nil, nil
	}
	return &canonical.ChangeEvent{
		SourcePlatform:  a.platform,
		SourceEventID:   body.ID,
		NativeID:        body.Issue,
		SourceTimestamp: raw.ReceivedAt.UnixMilli(),
		FieldChanges:    map[canonical.Field]string{canonical.FieldStatus: body.Status},
	}, nil
}

func (a *stubAdapter) ApplyChange(_ context.Context, req adapters.ChangeRequest) (adapters.DeliveryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail != nil {
		return adapters.DeliveryResult{}, a.fail
	}
	return adapters.DeliveryResult{NativeID: req.NativeID, Applied: req.Changes, StatusCode: http.StatusOK}, nil
}

func (a *stubAdapter) Probe(context.Context) error { return nil }

func (a *stubAdapter) setFail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = err
}

type harness struct {
	server   *Server
	queue    *queue.MemoryQueue
	engine   *engine.Engine
	monitor  *health.Monitor
	github   *stubAdapter
	linear   *stubAdapter
	registry *adapters.Registry
}

func newHarness(t *testing.T, queueSize int, cfg ServerConfig) *harness {
	t.Helper()
	github := &stubAdapter{platform: "github"}
	linear := &stubAdapter{platform: "linear"}
	registry := adapters.NewRegistry()
	registry.Register(github, "shh")
	registry.Register(linear, "")

	monitor := health.NewMonitor([]health.Prober{github, linear}, health.Options{Logger: quietLogger})
	eng := engine.New(registry, engine.Options{
		Health:  monitor,
		Logger:  quietLogger,
		Backoff: engine.Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Close() })

	q := queue.NewMemoryQueue(queueSize)
	cfg.JWTSecret = testSecret
	cfg.Logger = quietLogger
	server := NewServer(Deps{
		Webhooks:   registry,
		Normalizer: normalizer.New(registry, normalizer.Options{Logger: quietLogger}),
		Queue:      q,
		Engine:     eng,
		Health:     monitor,
	}, cfg)
	return &harness{server: server, queue: q, engine: eng, monitor: monitor, github: github, linear: linear, registry: registry}
}

func mustTestJWT(t *testing.T, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "operator-1",
		"scopes": scopes,
		"aud":    aud,
		"exp":    exp.Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func readToken(t *testing.T) string {
	return mustTestJWT(t, []string{scopeRead}, "tasksync", time.Now().Add(time.Hour))
}

func adminToken(t *testing.T) string {
	return mustTestJWT(t, []string{scopeRead, scopeTrigger}, "tasksync", time.Now().Add(time.Hour))
}

func doRequest(t *testing.T, server http.Handler, method, path, token string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func signedWebhook(t *testing.T, server http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	header, value := adapters.Sign("github", "shh", []byte(body))
	return doRequest(t, server, http.MethodPost, "/v1/webhooks/github", "", []byte(body), map[string]string{header: value})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func TestWebhookOutcomes(t *testing.T) {
	h := newHarness(t, 8, ServerConfig{MaxBodyBytes: 256})

	rec := doRequest(t, h.server, http.MethodPost, "/v1/webhooks/jira", "", []byte(`{}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h.server, http.MethodPost, "/v1/webhooks/github", "", []byte(`{"id":"d-1","issue":"acme/web#1","status":"Done"}`), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp webhookResponse
	rec = signedWebhook(t, h.server, `{"id":"d-1","issue":"acme/web#1","status":"Done"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &resp)
	require.Equal(t, "accepted", resp.Outcome)
	require.Equal(t, "d-1", resp.EventID)
	require.Equal(t, 1, h.queue.Depth())

	rec = signedWebhook(t, h.server, `{"id":"d-1","issue":"acme/web#1","status":"Done"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	require.Equal(t, "duplicate", resp.Outcome)
	require.Equal(t, 1, h.queue.Depth())

	rec = signedWebhook(t, h.server, `{"id":"d-2","issue":"acme/web#1","ignore":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	require.Equal(t, "ignored", resp.Outcome)

	// an unsigned platform skips verification
	rec = doRequest(t, h.server, http.MethodPost, "/v1/webhooks/linear", "", []byte(`{"id":"l-1"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = webhookResponse{}
	decode(t, rec, &resp)
	require.Equal(t, "rejected", resp.Outcome)
	require.Contains(t, resp.Error, "malformed payload")

	big := `{"id":"d-3","issue":"` + strings.Repeat("x", 400) + `"}`
	rec = signedWebhook(t, h.server, big)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, 1, h.queue.Depth())
}

func TestWebhookQueueFullForgetsEvent(t *testing.T) {
	h := newHarness(t, 1, ServerConfig{QueueRetryAfter: 3 * time.Second})

	rec := signedWebhook(t, h.server, `{"id":"d-1","issue":"acme/web#1","status":"Done"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h.server, http.MethodPost, "/v1/webhooks/github", "", []byte(`{"id":"d-2","issue":"acme/web#2","status":"Todo"}`),
		map[string]string{"X-Correlation-Id": "corr-1", "X-Hub-Signature-256": sign("github", `{"id":"d-2","issue":"acme/web#2","status":"Todo"}`)})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "3", rec.Header().Get("Retry-After"))
	require.Equal(t, "corr-1", rec.Header().Get("X-Correlation-Id"))

	_, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)

	// the rejected delivery was not remembered, so the redelivery is accepted
	var resp webhookResponse
	rec = signedWebhook(t, h.server, `{"id":"d-2","issue":"acme/web#2","status":"Todo"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	require.Equal(t, "accepted", resp.Outcome)
}

func sign(platform, body string) string {
	_, value := adapters.Sign(platform, "shh", []byte(body))
	return value
}

func TestWebhookWhileDraining(t *testing.T) {
	h := newHarness(t, 4, ServerConfig{})
	h.server.SetDraining(true)
	rec := signedWebhook(t, h.server, `{"id":"d-1","issue":"acme/web#1","status":"Done"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, 0, h.queue.Depth())
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, 4, ServerConfig{})

	rec := doRequest(t, h.server, http.MethodGet, "/v1/status/platforms", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongAud := mustTestJWT(t, []string{scopeRead}, "billing", time.Now().Add(time.Hour))
	rec = doRequest(t, h.server, http.MethodGet, "/v1/status/platforms", wrongAud, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := mustTestJWT(t, []string{scopeRead}, "tasksync", time.Now().Add(-time.Minute))
	rec = doRequest(t, h.server, http.MethodGet, "/v1/status/platforms", expired, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	noScopes := mustTestJWT(t, nil, "tasksync", time.Now().Add(time.Hour))
	rec = doRequest(t, h.server, http.MethodGet, "/v1/status/platforms", noScopes, nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h.server, http.MethodPost, "/v1/status/probe", readToken(t), nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h.server, http.MethodGet, "/v1/nowhere", readToken(t), nil, map[string]string{"X-Correlation-Id": "corr-9"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "corr-9", rec.Header().Get("X-Correlation-Id"))

	rec = doRequest(t, h.server, http.MethodGet, "/health", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoints(t *testing.T) {
	h := newHarness(t, 4, ServerConfig{})
	token := adminToken(t)

	rec := doRequest(t, h.server, http.MethodGet, "/v1/status/platforms", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var platforms struct {
		Platforms []health.PlatformHealth `json:"platforms"`
	}
	decode(t, rec, &platforms)
	require.Len(t, platforms.Platforms, 2)
	require.Equal(t, "github", platforms.Platforms[0].Platform)
	require.Equal(t, health.Healthy, platforms.Platforms[0].Status)

	rec = doRequest(t, h.server, http.MethodPost, "/v1/status/probe", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &platforms)
	require.False(t, platforms.Platforms[1].LastProbeAt.IsZero())

	rec = signedWebhook(t, h.server, `{"id":"d-1","issue":"acme/web#1","status":"Done"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h.server, http.MethodGet, "/v1/status/ingress", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ingress ingressStatus
	decode(t, rec, &ingress)
	require.Equal(t, 1, ingress.Queue.Depth)
	require.Equal(t, 4, ingress.Queue.Capacity)
	require.Equal(t, uint64(1), ingress.Normalizer.ByPlatform["github"].Accepted)

	rec = doRequest(t, h.server, http.MethodGet, "/v1/items/missing", token, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	res, err := h.engine.Apply(context.Background(), canonical.ChangeEvent{
		SourcePlatform:  "github",
		SourceEventID:   "d-7",
		NativeID:        "acme/web#7",
		SourceTimestamp: 10,
		FieldChanges:    map[canonical.Field]string{canonical.FieldTitle: "Fix login", canonical.FieldStatus: "InProgress"},
	})
	require.NoError(t, err)
	rec = doRequest(t, h.server, http.MethodGet, "/v1/items/"+res.ItemID, token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var item struct {
		Item  canonical.TrackedItem `json:"item"`
		Pairs []engine.PairStatus   `json:"pairs"`
	}
	decode(t, rec, &item)
	require.Equal(t, "Fix login", item.Item.Title)
	require.Equal(t, canonical.StatusInProgress, item.Item.Status)
	require.Len(t, item.Pairs, 1)
	require.Equal(t, "acme/web#7", item.Pairs[0].NativeID)
}

func TestDeadLetterEndpoints(t *testing.T) {
	h := newHarness(t, 4, ServerConfig{})
	token := adminToken(t)
	h.linear.setFail(&adapters.DeliveryError{Platform: "linear", Class: adapters.ClassPermanent, StatusCode: http.StatusUnprocessableEntity})

	ctx := context.Background()
	res, err := h.engine.Apply(ctx, canonical.ChangeEvent{
		SourcePlatform: "github", SourceEventID: "d-1", NativeID: "acme/web#1", SourceTimestamp: 10,
		FieldChanges: map[canonical.Field]string{canonical.FieldTitle: "Fix login", canonical.FieldStatus: "Todo"},
	})
	require.NoError(t, err)
	_, err = h.engine.Apply(ctx, canonical.ChangeEvent{
		ItemID: res.ItemID, SourcePlatform: "linear", SourceEventID: "l-1", NativeID: "LIN-1", SourceTimestamp: 5,
		FieldChanges: map[canonical.Field]string{canonical.FieldStatus: "Todo"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.engine.DeadLetters("", 0)) == 1 }, time.Second, 5*time.Millisecond)

	var listed struct {
		DeadLetters []canonical.DeadLetter `json:"deadLetters"`
	}
	rec := doRequest(t, h.server, http.MethodGet, "/v1/dead-letters?platform=github", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &listed)
	require.Empty(t, listed.DeadLetters)

	rec = doRequest(t, h.server, http.MethodGet, "/v1/dead-letters?platform=linear&limit=5", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &listed)
	require.Len(t, listed.DeadLetters, 1)
	letter := listed.DeadLetters[0]
	require.Equal(t, res.ItemID, letter.ItemID)
	require.Equal(t, "permanent", letter.Class)
	require.Equal(t, map[canonical.Field]string{canonical.FieldTitle: "Fix login"}, letter.Payload)

	rec = doRequest(t, h.server, http.MethodPost, "/v1/dead-letters/"+letter.ID+"/replay", readToken(t), nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	h.linear.setFail(nil)
	rec = doRequest(t, h.server, http.MethodPost, "/v1/dead-letters/"+letter.ID+"/replay", token, nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool { return h.engine.Stats().Committed == 1 }, time.Second, 5*time.Millisecond)

	rec = doRequest(t, h.server, http.MethodPost, "/v1/dead-letters/"+letter.ID+"/ack", token, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, h.server, http.MethodPost, "/v1/dead-letters/"+letter.ID+"/replay", token, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetterAck(t *testing.T) {
	h := newHarness(t, 4, ServerConfig{})
	h.linear.setFail(&adapters.DeliveryError{Platform: "linear", Class: adapters.ClassPermanent, StatusCode: http.StatusNotFound})

	ctx := context.Background()
	res, err := h.engine.Apply(ctx, canonical.ChangeEvent{
		SourcePlatform: "github", SourceEventID: "d-1", NativeID: "acme/web#1", SourceTimestamp: 10,
		FieldChanges: map[canonical.Field]string{canonical.FieldAssignee: "alice"},
	})
	require.NoError(t, err)
	_, err = h.engine.Apply(ctx, canonical.ChangeEvent{
		ItemID: res.ItemID, SourcePlatform: "linear", SourceEventID: "l-1", NativeID: "LIN-1", SourceTimestamp: 5,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.engine.DeadLetters("", 0)) == 1 }, time.Second, 5*time.Millisecond)
	id := h.engine.DeadLetters("", 0)[0].ID

	rec := doRequest(t, h.server, http.MethodPost, "/v1/dead-letters/"+id+"/ack", adminToken(t), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, h.engine.DeadLetters("", 0))
}

func TestRateLimitPerSubject(t *testing.T) {
	h := newHarness(t, 4, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute})
	token := readToken(t)
	rec := doRequest(t, h.server, http.MethodGet, "/v1/status/platforms", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h.server, http.MethodGet, "/v1/status/platforms", token, nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, 4, ServerConfig{})
	signedWebhook(t, h.server, `{"id":"d-1","issue":"acme/web#1","status":"Done"}`)

	rec := doRequest(t, h.server, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tasksync_http_webhook_responses_total")

	rec = doRequest(t, h.server, http.MethodGet, "/dashboard", "", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamForwardsNotifications(t *testing.T) {
	h := newHarness(t, 4, ServerConfig{})
	ts := httptest.NewServer(h.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/stream", nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/stream?access_token="+readToken(t), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	received := make(chan engine.Notification, 1)
	go func() {
		var note engine.Notification
		if err := wsjson.Read(ctx, conn, &note); err == nil {
			received <- note
		}
	}()

	// the observer registers after the handshake, so keep producing updates
	// until one arrives
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case note := <-received:
			require.Equal(t, engine.NotifyItemUpdated, note.Type)
			require.Equal(t, "github", note.Platform)
			return
		case <-ticker.C:
			_, err := h.engine.Apply(context.Background(), canonical.ChangeEvent{
				SourcePlatform:  "github",
				SourceEventID:   fmt.Sprintf("d-%d", i),
				NativeID:        fmt.Sprintf("acme/web#%d", i),
				SourceTimestamp: int64(i + 1),
				FieldChanges:    map[canonical.Field]string{canonical.FieldTitle: "Stream me"},
			})
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("no notification received")
		}
	}
}

func TestStreamRejectsUnlistedOrigins(t *testing.T) {
	h := newHarness(t, 4, ServerConfig{StreamOrigins: []string{"dash.acme.dev"}})
	ts := httptest.NewServer(h.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream?access_token=" + readToken(t)

	dial := func(origin string) (*websocket.Conn, *http.Response, error) {
		headers := http.Header{}
		if origin != "" {
			headers.Set("Origin", origin)
		}
		return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: headers})
	}

	_, resp, err := dial("https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	for _, origin := range []string{"https://dash.acme.dev", ""} {
		conn, _, err := dial(origin)
		require.NoError(t, err, origin)
		conn.Close(websocket.StatusNormalClosure, "")
	}

	same := newHarness(t, 4, ServerConfig{})
	sameTS := httptest.NewServer(same.server)
	defer sameTS.Close()
	headers := http.Header{}
	headers.Set("Origin", "https://dash.acme.dev")
	_, resp, err = websocket.Dial(ctx, "ws"+strings.TrimPrefix(sameTS.URL, "http")+"/v1/stream?access_token="+readToken(t), &websocket.DialOptions{HTTPHeader: headers})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
