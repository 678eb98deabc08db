package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/mapping"
)

type GitHubOptions struct {
	Client ClientOptions
	// Repository ("owner/repo") is used for native ids that carry only an
	// issue number.
	Repository string
	Rules      *mapping.Set
}

type GitHubAdapter struct {
	client     *restClient
	repository string
	rules      *mapping.Set
	cache      *stateCache
}

type githubIssuesPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number      int     `json:"number"`
		Title       string  `json:"title"`
		Body        *string `json:"body"`
		State       string  `json:"state"`
		StateReason *string `json:"state_reason"`
		UpdatedAt   string  `json:"updated_at"`
		Labels      []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Assignee *struct {
			Login string `json:"login"`
		} `json:"assignee"`
	} `json:"issue"`
	Label *struct {
		Name string `json:"name"`
	} `json:"label"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Changes map[string]json.RawMessage `json:"changes"`
}

func NewGitHubAdapter(opts GitHubOptions) *GitHubAdapter {
	clientOpts := opts.Client
	headers := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	for key, value := range clientOpts.Headers {
		headers[key] = value
	}
	clientOpts.Headers = headers
	rules := opts.Rules
	if rules == nil {
		rules = mapping.NewSet(nil)
	}
	return &GitHubAdapter{
		client:     newRESTClient(PlatformGitHub, "https://api.github.com", clientOpts),
		repository: strings.Trim(strings.TrimSpace(opts.Repository), "/"),
		rules:      rules,
		cache:      newStateCache(0),
	}
}

func (a *GitHubAdapter) Platform() string {
	return PlatformGitHub
}

func (a *GitHubAdapter) ParseEvent(raw RawPayload) (*canonical.ChangeEvent, error) {
	if event := strings.TrimSpace(raw.Headers.Get("X-GitHub-Event")); event != "issues" {
		return nil, nil
	}
	deliveryID := strings.TrimSpace(raw.Headers.Get("X-GitHub-Delivery"))
	if deliveryID == "" {
		return nil, malformed(PlatformGitHub, "missing X-GitHub-Delivery header", nil)
	}
	if _, err := decodeAndValidate(PlatformGitHub, "github-issues", raw.Body); err != nil {
		return nil, err
	}
	var payload githubIssuesPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil, malformed(PlatformGitHub, "decode issues event", err)
	}
	ts, err := parseTimestamp(PlatformGitHub, payload.Issue.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rules := a.rules.Current()
	nativeID := githubNativeID(payload.Repository.FullName, a.repository, payload.Issue.Number)
	snapshot := map[canonical.Field]string{
		canonical.FieldTitle:  payload.Issue.Title,
		canonical.FieldStatus: string(a.issueStatus(rules, payload)),
	}
	if payload.Issue.Assignee != nil {
		snapshot[canonical.FieldAssignee] = rules.CanonicalUser(PlatformGitHub, payload.Issue.Assignee.Login)
	} else {
		snapshot[canonical.FieldAssignee] = ""
	}
	a.cache.observe(nativeID, snapshot)
	a.cache.setLabels(nativeID, nonStatusLabels(rules, payload))

	var changes map[canonical.Field]string
	switch payload.Action {
	case "opened":
		changes = snapshot
	case "closed", "reopened":
		changes = pick(snapshot, canonical.FieldStatus)
	case "edited":
		if _, ok := payload.Changes["title"]; ok {
			changes = pick(snapshot, canonical.FieldTitle)
		}
	case "labeled", "unlabeled":
		if payload.Label != nil && rules.IsStatusValue(PlatformGitHub, payload.Label.Name) {
			changes = pick(snapshot, canonical.FieldStatus)
		}
	case "assigned", "unassigned":
		changes = pick(snapshot, canonical.FieldAssignee)
	}
	if len(changes) == 0 {
		return nil, nil
	}

	itemID := ""
	if payload.Issue.Body != nil {
		itemID = extractCorrelationKey(*payload.Issue.Body)
	}
	return &canonical.ChangeEvent{
		ItemID:          itemID,
		SourcePlatform:  PlatformGitHub,
		FieldChanges:    canonical.ClonePayload(changes),
		SourceTimestamp: ts,
		SourceEventID:   deliveryID,
		NativeID:        nativeID,
	}, nil
}

// issueStatus prefers the open/closed state; open issues are refined by the
// first status label.
func (a *GitHubAdapter) issueStatus(rules *mapping.Rules, payload githubIssuesPayload) canonical.Status {
	if payload.Issue.State == "closed" {
		if payload.Issue.StateReason != nil {
			if status, ok := rules.CanonicalStatus(PlatformGitHub, *payload.Issue.StateReason); ok {
				return status
			}
		}
		if status, ok := rules.CanonicalStatus(PlatformGitHub, "closed"); ok {
			return status
		}
		return canonical.StatusDone
	}
	for _, label := range payload.Issue.Labels {
		if !rules.IsStatusValue(PlatformGitHub, label.Name) {
			continue
		}
		if status, ok := rules.CanonicalStatus(PlatformGitHub, label.Name); ok && !status.Terminal() {
			return status
		}
	}
	if status, ok := rules.CanonicalStatus(PlatformGitHub, "open"); ok {
		return status
	}
	return canonical.StatusTodo
}

func nonStatusLabels(rules *mapping.Rules, payload githubIssuesPayload) []string {
	out := make([]string, 0, len(payload.Issue.Labels))
	for _, label := range payload.Issue.Labels {
		if rules.IsStatusValue(PlatformGitHub, label.Name) {
			continue
		}
		out = append(out, label.Name)
	}
	return out
}

func (a *GitHubAdapter) ApplyChange(ctx context.Context, req ChangeRequest) (DeliveryResult, error) {
	result := DeliveryResult{NativeID: req.NativeID}
	repository, number, err := splitGitHubNativeID(req.NativeID, a.repository)
	if err != nil {
		return result, permanentError(PlatformGitHub, err.Error())
	}
	if len(req.Changes) == 0 || a.cache.satisfied(req.NativeID, req.IdempotencyKey, req.Changes) {
		result.Skipped = true
		result.Applied = canonical.ClonePayload(req.Changes)
		return result, nil
	}

	rules := a.rules.Current()
	body := map[string]any{}
	var writtenLabels []string
	for field, value := range req.Changes {
		switch field {
		case canonical.FieldTitle:
			body["title"] = value
		case canonical.FieldStatus:
			status, err := canonical.ParseStatus(value)
			if err != nil {
				return result, permanentError(PlatformGitHub, err.Error())
			}
			if status.Terminal() {
				body["state"] = "closed"
				if status == canonical.StatusCanceled {
					body["state_reason"] = "not_planned"
				} else {
					body["state_reason"] = "completed"
				}
			} else {
				body["state"] = "open"
			}
			// labels in a PATCH replace the whole set, so they are only sent
			// once the issue's other labels have been observed; until then
			// state and state_reason carry the status alone.
			labels, known := a.cache.labels(req.NativeID)
			if !known {
				break
			}
			labels = append([]string{}, labels...)
			if statusLabel := rules.NativeStatus(PlatformGitHub, status); statusLabel != "" {
				labels = append(labels, statusLabel)
			}
			body["labels"] = labels
			writtenLabels = labels
		case canonical.FieldAssignee:
			if value == "" {
				body["assignees"] = []string{}
			} else {
				body["assignees"] = []string{rules.NativeUser(PlatformGitHub, value)}
			}
		default:
			return result, permanentError(PlatformGitHub, fmt.Sprintf("unsupported field %s", field))
		}
	}

	code, err := a.client.do(ctx, apiRequest{
		Method:         http.MethodPatch,
		Path:           fmt.Sprintf("/repos/%s/issues/%d", repository, number),
		Body:           body,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
	}, nil)
	result.StatusCode = code
	if err != nil {
		return result, err
	}
	a.cache.recordWrite(req.NativeID, req.IdempotencyKey, req.Changes)
	if writtenLabels != nil {
		var others []string
		for _, label := range writtenLabels {
			if !rules.IsStatusValue(PlatformGitHub, label) {
				others = append(others, label)
			}
		}
		a.cache.setLabels(req.NativeID, others)
	}
	result.Applied = canonical.ClonePayload(req.Changes)
	return result, nil
}

func (a *GitHubAdapter) Probe(ctx context.Context) error {
	_, err := a.client.do(ctx, apiRequest{Method: http.MethodGet, Path: "/user"}, nil)
	return err
}

func githubNativeID(fullName, fallback string, number int) string {
	repository := strings.TrimSpace(fullName)
	if repository == "" {
		repository = fallback
	}
	if repository == "" {
		return strconv.Itoa(number)
	}
	return fmt.Sprintf("%s#%d", repository, number)
}

// splitGitHubNativeID accepts "owner/repo#123" or a bare "123" combined with
// the configured default repository.
func splitGitHubNativeID(nativeID, fallback string) (string, int, error) {
	nativeID = strings.TrimSpace(nativeID)
	if nativeID == "" {
		return "", 0, fmt.Errorf("missing native id")
	}
	repository := fallback
	numberPart := nativeID
	if idx := strings.LastIndex(nativeID, "#"); idx >= 0 {
		repository = nativeID[:idx]
		numberPart = nativeID[idx+1:]
	}
	number, err := strconv.Atoi(numberPart)
	if err != nil || number <= 0 {
		return "", 0, fmt.Errorf("invalid issue number in native id %q", nativeID)
	}
	if strings.Count(repository, "/") != 1 {
		return "", 0, fmt.Errorf("native id %q has no repository", nativeID)
	}
	return repository, number, nil
}
