package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/mapping"
)

const linearIssueUpdateMutation = `mutation IssueUpdate($id: String!, $input: IssueUpdateInput!) {
  issueUpdate(id: $id, input: $input) { success issue { id updatedAt } }
}`

const linearViewerQuery = `query Viewer { viewer { id } }`

type LinearOptions struct {
	Client ClientOptions
	Rules  *mapping.Set
}

type LinearAdapter struct {
	client *restClient
	rules  *mapping.Set
	cache  *stateCache
}

type linearWebhook struct {
	Action           string                     `json:"action"`
	Type             string                     `json:"type"`
	Data             json.RawMessage            `json:"data"`
	UpdatedFrom      map[string]json.RawMessage `json:"updatedFrom"`
	WebhookTimestamp int64                      `json:"webhookTimestamp"`
}

type linearIssue struct {
	ID          string  `json:"id"`
	Identifier  string  `json:"identifier"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	UpdatedAt   string  `json:"updatedAt"`
	State       *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"state"`
	Assignee *struct {
		ID string `json:"id"`
	} `json:"assignee"`
	AssigneeID *string `json:"assigneeId"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message    string `json:"message"`
		Extensions struct {
			Code string `json:"code"`
		} `json:"extensions"`
	} `json:"errors"`
}

func NewLinearAdapter(opts LinearOptions) *LinearAdapter {
	clientOpts := opts.Client
	if clientOpts.AuthScheme == "" {
		// personal API keys are sent without a scheme
		clientOpts.AuthScheme = "-"
	}
	rules := opts.Rules
	if rules == nil {
		rules = mapping.NewSet(nil)
	}
	return &LinearAdapter{
		client: newRESTClient(PlatformLinear, "https://api.linear.app", clientOpts),
		rules:  rules,
		cache:  newStateCache(0),
	}
}

func (a *LinearAdapter) Platform() string {
	return PlatformLinear
}

func (a *LinearAdapter) ParseEvent(raw RawPayload) (*canonical.ChangeEvent, error) {
	if _, err := decodeAndValidate(PlatformLinear, "linear-envelope", raw.Body); err != nil {
		return nil, err
	}
	var hook linearWebhook
	if err := json.Unmarshal(raw.Body, &hook); err != nil {
		return nil, malformed(PlatformLinear, "decode webhook", err)
	}
	if hook.Type != "Issue" {
		return nil, nil
	}
	dataDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(hook.Data))
	if err != nil {
		return nil, malformed(PlatformLinear, "decode issue", err)
	}
	if err := validateDocument(PlatformLinear, "linear-issue", dataDoc); err != nil {
		return nil, err
	}
	var issue linearIssue
	if err := json.Unmarshal(hook.Data, &issue); err != nil {
		return nil, malformed(PlatformLinear, "decode issue", err)
	}

	ts, err := parseTimestamp(PlatformLinear, issue.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if hook.Action == "remove" && hook.WebhookTimestamp > ts {
		ts = hook.WebhookTimestamp
	}

	rules := a.rules.Current()
	snapshot := map[canonical.Field]string{
		canonical.FieldTitle:    issue.Title,
		canonical.FieldAssignee: rules.CanonicalUser(PlatformLinear, linearAssignee(issue)),
	}
	if status, ok := linearStatus(rules, issue); ok {
		snapshot[canonical.FieldStatus] = string(status)
	}
	a.cache.observe(issue.ID, snapshot)

	var changes map[canonical.Field]string
	switch hook.Action {
	case "create":
		changes = snapshot
	case "remove":
		changes = map[canonical.Field]string{canonical.FieldStatus: string(canonical.StatusCanceled)}
	case "update":
		if hook.UpdatedFrom == nil {
			changes = snapshot
			break
		}
		var fields []canonical.Field
		if _, ok := hook.UpdatedFrom["title"]; ok {
			fields = append(fields, canonical.FieldTitle)
		}
		if _, ok := hook.UpdatedFrom["stateId"]; ok {
			fields = append(fields, canonical.FieldStatus)
		}
		if _, ok := hook.UpdatedFrom["assigneeId"]; ok {
			fields = append(fields, canonical.FieldAssignee)
		}
		changes = pick(snapshot, fields...)
	}
	if len(changes) == 0 {
		return nil, nil
	}

	eventID := strings.TrimSpace(raw.Headers.Get("Linear-Delivery"))
	if eventID == "" {
		eventID = fmt.Sprintf("%s:%s:%s", issue.ID, hook.Action, issue.UpdatedAt)
	}
	itemID := ""
	if issue.Description != nil {
		itemID = extractCorrelationKey(*issue.Description)
	}
	return &canonical.ChangeEvent{
		ItemID:          itemID,
		SourcePlatform:  PlatformLinear,
		FieldChanges:    canonical.ClonePayload(changes),
		SourceTimestamp: ts,
		SourceEventID:   eventID,
		NativeID:        issue.ID,
	}, nil
}

func linearAssignee(issue linearIssue) string {
	if issue.Assignee != nil {
		return issue.Assignee.ID
	}
	if issue.AssigneeID != nil {
		return *issue.AssigneeID
	}
	return ""
}

// linearStatus resolves the workflow state by id, then name, then state type.
func linearStatus(rules *mapping.Rules, issue linearIssue) (canonical.Status, bool) {
	if issue.State == nil {
		return "", false
	}
	for _, candidate := range []string{issue.State.ID, issue.State.Name, issue.State.Type} {
		if status, ok := rules.CanonicalStatus(PlatformLinear, candidate); ok {
			return status, true
		}
	}
	return "", false
}

func (a *LinearAdapter) ApplyChange(ctx context.Context, req ChangeRequest) (DeliveryResult, error) {
	result := DeliveryResult{NativeID: req.NativeID}
	if strings.TrimSpace(req.NativeID) == "" {
		return result, permanentError(PlatformLinear, "missing native id")
	}
	if len(req.Changes) == 0 || a.cache.satisfied(req.NativeID, req.IdempotencyKey, req.Changes) {
		result.Skipped = true
		result.Applied = canonical.ClonePayload(req.Changes)
		return result, nil
	}

	rules := a.rules.Current()
	input := map[string]any{}
	for field, value := range req.Changes {
		switch field {
		case canonical.FieldTitle:
			input["title"] = value
		case canonical.FieldStatus:
			status, err := canonical.ParseStatus(value)
			if err != nil {
				return result, permanentError(PlatformLinear, err.Error())
			}
			stateID := rules.NativeStatus(PlatformLinear, status)
			if stateID == "" {
				return result, permanentError(PlatformLinear, fmt.Sprintf("no workflow state mapped for status %s", status))
			}
			input["stateId"] = stateID
		case canonical.FieldAssignee:
			if value == "" {
				input["assigneeId"] = nil
			} else {
				input["assigneeId"] = rules.NativeUser(PlatformLinear, value)
			}
		default:
			return result, permanentError(PlatformLinear, fmt.Sprintf("unsupported field %s", field))
		}
	}

	var resp graphQLResponse
	code, err := a.client.do(ctx, apiRequest{
		Method: http.MethodPost,
		Path:   "/graphql",
		Body: map[string]any{
			"query":     linearIssueUpdateMutation,
			"variables": map[string]any{"id": req.NativeID, "input": input},
		},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
	}, &resp)
	result.StatusCode = code
	if err != nil {
		return result, err
	}
	if err := graphQLError(&resp); err != nil {
		return result, err
	}
	var data struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || !data.IssueUpdate.Success {
		return result, permanentError(PlatformLinear, "issueUpdate was not successful")
	}
	a.cache.recordWrite(req.NativeID, req.IdempotencyKey, req.Changes)
	result.Applied = canonical.ClonePayload(req.Changes)
	return result, nil
}

func (a *LinearAdapter) Probe(ctx context.Context) error {
	var resp graphQLResponse
	if _, err := a.client.do(ctx, apiRequest{
		Method: http.MethodPost,
		Path:   "/graphql",
		Body:   map[string]any{"query": linearViewerQuery},
	}, &resp); err != nil {
		return err
	}
	return graphQLError(&resp)
}

// graphQLError classifies errors reported inside a 200 response.
func graphQLError(resp *graphQLResponse) error {
	if len(resp.Errors) == 0 {
		return nil
	}
	first := resp.Errors[0]
	class := ClassPermanent
	switch strings.ToUpper(first.Extensions.Code) {
	case "RATELIMITED", "INTERNAL_SERVER_ERROR":
		class = ClassTransient
	}
	return &DeliveryError{
		Platform:   PlatformLinear,
		Class:      class,
		StatusCode: http.StatusOK,
		Message:    first.Message,
	}
}
