package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/mapping"
)

const linearUpdatePayload = `{
	"action": "update",
	"type": "Issue",
	"data": {
		"id": "lin-issue-1",
		"identifier": "ENG-7",
		"title": "Fix login",
		"description": "see tasksync:5b1f63a4-7b9e-5d41-8a8e-0c3d6f0b9a11",
		"updatedAt": "2026-03-01T10:00:05.123Z",
		"state": {"id": "state-started", "name": "In Progress", "type": "started"},
		"assignee": {"id": "user-123"}
	},
	"updatedFrom": {"stateId": "state-todo"},
	"webhookTimestamp": 1772359205200
}`

func TestLinearParseEventReportsUpdatedFieldsOnly(t *testing.T) {
	adapter := NewLinearAdapter(LinearOptions{})
	headers := http.Header{}
	headers.Set("Linear-Delivery", "ld-1")
	ev, err := adapter.ParseEvent(RawPayload{Headers: headers, Body: []byte(linearUpdatePayload)})
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, "lin-issue-1", ev.NativeID)
	require.Equal(t, "ld-1", ev.SourceEventID)
	require.Equal(t, "5b1f63a4-7b9e-5d41-8a8e-0c3d6f0b9a11", ev.ItemID)
	require.Equal(t, map[canonical.Field]string{canonical.FieldStatus: "InProgress"}, ev.FieldChanges)
}

func TestLinearParseEventIgnoresNonIssueTypes(t *testing.T) {
	adapter := NewLinearAdapter(LinearOptions{})
	ev, err := adapter.ParseEvent(RawPayload{Headers: http.Header{}, Body: []byte(`{"action":"create","type":"Comment","data":{"id":"c1"}}`)})
	require.NoError(t, err)
	require.Nil(t, ev)

	_, err = adapter.ParseEvent(RawPayload{Headers: http.Header{}, Body: []byte(`{"action":"update","type":"Issue","data":{"id":"x"}}`)})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestLinearParseEventRemoveMapsToCanceled(t *testing.T) {
	adapter := NewLinearAdapter(LinearOptions{})
	body := `{"action":"remove","type":"Issue","data":{"id":"lin-2","title":"Gone","updatedAt":"2026-03-01T10:00:00Z"}}`
	ev, err := adapter.ParseEvent(RawPayload{Headers: http.Header{}, Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, map[canonical.Field]string{canonical.FieldStatus: "Canceled"}, ev.FieldChanges)
	require.Equal(t, "lin-2:remove:2026-03-01T10:00:00Z", ev.SourceEventID)
}

func TestLinearApplyChangeSendsIssueUpdate(t *testing.T) {
	var captured struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"data":{"issueUpdate":{"success":true,"issue":{"id":"lin-issue-1"}}}}`))
	}))
	defer server.Close()

	rules, err := mapping.Parse([]byte("platforms:\n  linear:\n    outbound:\n      InReview: state-review\n"))
	require.NoError(t, err)
	adapter := NewLinearAdapter(LinearOptions{
		Client: ClientOptions{BaseURL: server.URL, TokenProvider: StaticToken("lin_api_key"), HTTPClient: server.Client()},
		Rules:  mapping.NewSet(rules),
	})
	result, err := adapter.ApplyChange(context.Background(), ChangeRequest{
		NativeID: "lin-issue-1",
		Changes:  map[canonical.Field]string{canonical.FieldStatus: "InReview"},
	})
	require.NoError(t, err)
	require.Equal(t, "lin-issue-1", result.NativeID)
	require.Equal(t, "lin_api_key", auth)
	require.Contains(t, captured.Query, "issueUpdate")
	input := captured.Variables["input"].(map[string]any)
	require.Equal(t, "state-review", input["stateId"])
}

func TestLinearApplyChangeClassifiesGraphQLErrors(t *testing.T) {
	code := "RATELIMITED"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"slow down","extensions":{"code":"` + code + `"}}]}`))
	}))
	defer server.Close()

	adapter := NewLinearAdapter(LinearOptions{Client: ClientOptions{BaseURL: server.URL, TokenProvider: StaticToken("k"), HTTPClient: server.Client()}})
	_, err := adapter.ApplyChange(context.Background(), ChangeRequest{NativeID: "lin-1", Changes: map[canonical.Field]string{canonical.FieldTitle: "t"}})
	require.ErrorIs(t, err, ErrTransient)

	// no workflow state mapped for the status
	_, err = adapter.ApplyChange(context.Background(), ChangeRequest{NativeID: "lin-1", Changes: map[canonical.Field]string{canonical.FieldStatus: "Done"}})
	require.ErrorIs(t, err, ErrPermanent)
}

const notionUpdatePayload = `{
	"id": "evt-1",
	"type": "page.properties_updated",
	"timestamp": "2026-03-01T10:00:00.000Z",
	"entity": {"id": "page-1", "type": "page"},
	"data": {
		"updated_properties": ["Status"],
		"properties": {
			"Name": {"type": "title", "title": [{"plain_text": "Fix "}, {"plain_text": "login"}]},
			"Status": {"type": "status", "status": {"name": "In review"}},
			"Assignee": {"type": "people", "people": []}
		}
	}
}`

func TestNotionParseEventMapsProperties(t *testing.T) {
	adapter := NewNotionAdapter(NotionOptions{})
	ev, err := adapter.ParseEvent(RawPayload{Headers: http.Header{}, Body: []byte(notionUpdatePayload)})
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, "page-1", ev.NativeID)
	require.Equal(t, "evt-1", ev.SourceEventID)
	require.Equal(t, map[canonical.Field]string{canonical.FieldStatus: "InReview"}, ev.FieldChanges)

	comment := `{"id":"evt-2","type":"comment.created","timestamp":"2026-03-01T10:00:00Z","entity":{"id":"c-1","type":"comment"}}`
	ev, err = adapter.ParseEvent(RawPayload{Headers: http.Header{}, Body: []byte(comment)})
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestNotionApplyChangePatchesPage(t *testing.T) {
	var path, version string
	var body map[string]map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.Method + " " + r.URL.Path
		version = r.Header.Get("Notion-Version")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"object":"page","id":"page-1"}`))
	}))
	defer server.Close()

	adapter := NewNotionAdapter(NotionOptions{Client: ClientOptions{BaseURL: server.URL, TokenProvider: StaticToken("secret_x"), HTTPClient: server.Client()}})
	_, err := adapter.ApplyChange(context.Background(), ChangeRequest{
		NativeID: "page-1",
		Changes:  map[canonical.Field]string{canonical.FieldStatus: "InProgress", canonical.FieldAssignee: ""},
	})
	require.NoError(t, err)
	require.Equal(t, "PATCH /v1/pages/page-1", path)
	require.Equal(t, defaultNotionAPIVersion, version)
	status := body["properties"]["Status"].(map[string]any)["status"].(map[string]any)
	require.Equal(t, "In progress", status["name"])
	require.Contains(t, body["properties"], "Assignee")
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	for _, platform := range []string{PlatformGitHub, PlatformLinear, PlatformNotion} {
		header, value := Sign(platform, "s3cret", body)
		headers := http.Header{}
		headers.Set(header, value)
		require.NoError(t, VerifySignature(platform, "s3cret", headers, body), platform)
		require.ErrorIs(t, VerifySignature(platform, "other", headers, body), ErrInvalidSignature, platform)
		require.ErrorIs(t, VerifySignature(platform, "s3cret", http.Header{}, body), ErrInvalidSignature, platform)
		require.NoError(t, VerifySignature(platform, "", http.Header{}, body), platform)
	}
}

func TestBuildRegistersEnabledPlatforms(t *testing.T) {
	registry, err := Build([]PlatformConfig{
		{Name: "github", Enabled: true, Repository: "acme/web"},
		{Name: "linear", Enabled: false},
		{Name: "Notion", Enabled: true},
	}, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"github", "notion"}, registry.Platforms())
	_, ok := registry.Get("linear")
	require.False(t, ok)
	require.ErrorIs(t, registry.Verify("linear", http.Header{}, nil), ErrUnknownPlatform)

	_, err = Build([]PlatformConfig{{Name: "jira", Enabled: true}}, nil, nil, nil)
	require.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestBuildWarnsWhenLinearStateIdsAreMissing(t *testing.T) {
	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)
	_, err := Build([]PlatformConfig{
		{Name: "github", Enabled: true, Repository: "acme/web"},
		{Name: "linear", Enabled: true},
	}, mapping.NewSet(nil), nil, logger)
	require.NoError(t, err)
	require.Contains(t, logs.String(), "adapters: linear has no workflow state id")
	require.Contains(t, logs.String(), "Backlog")
	require.Equal(t, 1, bytes.Count(logs.Bytes(), []byte("\n")))

	rules := mapping.Default()
	linear := rules.Platforms["linear"]
	linear.Outbound = map[string]string{}
	for _, status := range canonical.Statuses() {
		linear.Outbound[string(status)] = "state-" + string(status)
	}
	rules.Platforms["linear"] = linear
	logs.Reset()
	_, err = Build([]PlatformConfig{{Name: "linear", Enabled: true}}, mapping.NewSet(rules), nil, logger)
	require.NoError(t, err)
	require.Empty(t, logs.String())
}

func TestClassifyStatus(t *testing.T) {
	transient := []int{408, 425, 429, 500, 502, 503}
	permanent := []int{400, 401, 403, 404, 410, 422}
	for _, code := range transient {
		require.Equal(t, ClassTransient, ClassifyStatus(code), code)
	}
	for _, code := range permanent {
		require.Equal(t, ClassPermanent, ClassifyStatus(code), code)
	}
}
