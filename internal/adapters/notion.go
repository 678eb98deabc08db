package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/mapping"
)

const defaultNotionAPIVersion = "2022-06-28"

type NotionOptions struct {
	Client     ClientOptions
	APIVersion string
	Rules      *mapping.Set
}

type NotionAdapter struct {
	client *restClient
	rules  *mapping.Set
	cache  *stateCache
}

type notionEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Entity    struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
	Data struct {
		Properties        map[string]notionProperty `json:"properties"`
		UpdatedProperties []string                  `json:"updated_properties"`
	} `json:"data"`
}

type notionProperty struct {
	Type  string `json:"type"`
	Title []struct {
		PlainText string `json:"plain_text"`
	} `json:"title"`
	Status *struct {
		Name string `json:"name"`
	} `json:"status"`
	Select *struct {
		Name string `json:"name"`
	} `json:"select"`
	People []struct {
		ID string `json:"id"`
	} `json:"people"`
}

func NewNotionAdapter(opts NotionOptions) *NotionAdapter {
	clientOpts := opts.Client
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultNotionAPIVersion
	}
	headers := map[string]string{"Notion-Version": apiVersion}
	for key, value := range clientOpts.Headers {
		headers[key] = value
	}
	clientOpts.Headers = headers
	rules := opts.Rules
	if rules == nil {
		rules = mapping.NewSet(nil)
	}
	return &NotionAdapter{
		client: newRESTClient(PlatformNotion, "https://api.notion.com", clientOpts),
		rules:  rules,
		cache:  newStateCache(0),
	}
}

func (a *NotionAdapter) Platform() string {
	return PlatformNotion
}

func (a *NotionAdapter) ParseEvent(raw RawPayload) (*canonical.ChangeEvent, error) {
	if _, err := decodeAndValidate(PlatformNotion, "notion-event", raw.Body); err != nil {
		return nil, err
	}
	var event notionEvent
	if err := json.Unmarshal(raw.Body, &event); err != nil {
		return nil, malformed(PlatformNotion, "decode event", err)
	}
	if event.Entity.Type != "page" {
		return nil, nil
	}
	switch event.Type {
	case "page.created", "page.properties_updated", "page.deleted":
	default:
		return nil, nil
	}
	ts, err := parseTimestamp(PlatformNotion, event.Timestamp)
	if err != nil {
		return nil, err
	}

	rules := a.rules.Current()
	snapshot := map[canonical.Field]string{}
	byProperty := map[string]canonical.Field{}
	for _, field := range canonical.Fields() {
		name := rules.Property(PlatformNotion, field)
		byProperty[strings.ToLower(name)] = field
		prop, ok := event.Data.Properties[name]
		if !ok {
			continue
		}
		value, ok := notionValue(rules, field, prop)
		if ok {
			snapshot[field] = value
		}
	}
	a.cache.observe(event.Entity.ID, snapshot)

	var changes map[canonical.Field]string
	switch event.Type {
	case "page.created":
		changes = snapshot
	case "page.deleted":
		changes = map[canonical.Field]string{canonical.FieldStatus: string(canonical.StatusCanceled)}
	case "page.properties_updated":
		if len(event.Data.UpdatedProperties) == 0 {
			changes = snapshot
			break
		}
		var fields []canonical.Field
		for _, name := range event.Data.UpdatedProperties {
			if field, ok := byProperty[strings.ToLower(name)]; ok {
				fields = append(fields, field)
			}
		}
		changes = pick(snapshot, fields...)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return &canonical.ChangeEvent{
		SourcePlatform:  PlatformNotion,
		FieldChanges:    canonical.ClonePayload(changes),
		SourceTimestamp: ts,
		SourceEventID:   event.ID,
		NativeID:        event.Entity.ID,
	}, nil
}

func notionValue(rules *mapping.Rules, field canonical.Field, prop notionProperty) (string, bool) {
	switch field {
	case canonical.FieldTitle:
		var parts []string
		for _, text := range prop.Title {
			parts = append(parts, text.PlainText)
		}
		return strings.Join(parts, ""), len(parts) > 0
	case canonical.FieldStatus:
		name := ""
		if prop.Status != nil {
			name = prop.Status.Name
		} else if prop.Select != nil {
			name = prop.Select.Name
		}
		status, ok := rules.CanonicalStatus(PlatformNotion, name)
		return string(status), ok
	case canonical.FieldAssignee:
		if len(prop.People) == 0 {
			return "", true
		}
		return rules.CanonicalUser(PlatformNotion, prop.People[0].ID), true
	default:
		return "", false
	}
}

func (a *NotionAdapter) ApplyChange(ctx context.Context, req ChangeRequest) (DeliveryResult, error) {
	result := DeliveryResult{NativeID: req.NativeID}
	if strings.TrimSpace(req.NativeID) == "" {
		return result, permanentError(PlatformNotion, "missing native id")
	}
	if len(req.Changes) == 0 || a.cache.satisfied(req.NativeID, req.IdempotencyKey, req.Changes) {
		result.Skipped = true
		result.Applied = canonical.ClonePayload(req.Changes)
		return result, nil
	}

	rules := a.rules.Current()
	properties := map[string]any{}
	for field, value := range req.Changes {
		name := rules.Property(PlatformNotion, field)
		switch field {
		case canonical.FieldTitle:
			properties[name] = map[string]any{
				"title": []map[string]any{{"type": "text", "text": map[string]string{"content": value}}},
			}
		case canonical.FieldStatus:
			status, err := canonical.ParseStatus(value)
			if err != nil {
				return result, permanentError(PlatformNotion, err.Error())
			}
			option := rules.NativeStatus(PlatformNotion, status)
			if option == "" {
				option = string(status)
			}
			properties[name] = map[string]any{"status": map[string]string{"name": option}}
		case canonical.FieldAssignee:
			people := []map[string]string{}
			if value != "" {
				people = append(people, map[string]string{"id": rules.NativeUser(PlatformNotion, value)})
			}
			properties[name] = map[string]any{"people": people}
		default:
			return result, permanentError(PlatformNotion, fmt.Sprintf("unsupported field %s", field))
		}
	}

	code, err := a.client.do(ctx, apiRequest{
		Method:         http.MethodPatch,
		Path:           "/v1/pages/" + url.PathEscape(req.NativeID),
		Body:           map[string]any{"properties": properties},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
	}, nil)
	result.StatusCode = code
	if err != nil {
		return result, err
	}
	a.cache.recordWrite(req.NativeID, req.IdempotencyKey, req.Changes)
	result.Applied = canonical.ClonePayload(req.Changes)
	return result, nil
}

func (a *NotionAdapter) Probe(ctx context.Context) error {
	_, err := a.client.do(ctx, apiRequest{Method: http.MethodGet, Path: "/v1/users/me"}, nil)
	return err
}
