// Package canonical holds the platform-neutral representation of a tracked
// work item and the pure functions that mutate it.
package canonical

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var ErrValidation = errors.New("validation failed")

const maxTitleLength = 512

type Status string

const (
	StatusBacklog    Status = "Backlog"
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "InProgress"
	StatusInReview   Status = "InReview"
	StatusDone       Status = "Done"
	StatusCanceled   Status = "Canceled"
)

var allStatuses = []Status{
	StatusBacklog,
	StatusTodo,
	StatusInProgress,
	StatusInReview,
	StatusDone,
	StatusCanceled,
}

// Statuses returns every canonical status in workflow order.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus accepts the canonical spelling case-insensitively, ignoring
// spaces, underscores and hyphens ("in review", "IN_REVIEW", "InReview").
func ParseStatus(raw string) (Status, error) {
	key := statusKey(raw)
	for _, status := range allStatuses {
		if statusKey(string(status)) == key {
			return status, nil
		}
	}
	return "", &ValidationError{Field: FieldStatus, Value: raw, Reason: "unknown status"}
}

func (s Status) Valid() bool {
	for _, status := range allStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Terminal reports whether the status closes the item on every platform.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCanceled
}

func statusKey(raw string) string {
	replacer := strings.NewReplacer(" ", "", "_", "", "-", "")
	return strings.ToLower(replacer.Replace(strings.TrimSpace(raw)))
}

type Field string

const (
	FieldTitle    Field = "title"
	FieldStatus   Field = "status"
	FieldAssignee Field = "assignee"
)

var allFields = []Field{FieldTitle, FieldStatus, FieldAssignee}

// Fields lists the synchronized fields in a stable order.
func Fields() []Field {
	return append([]Field(nil), allFields...)
}

func (f Field) Valid() bool {
	return f == FieldTitle || f == FieldStatus || f == FieldAssignee
}

// TrackedItem is the canonical state of one work item. Values are treated as
// immutable: every mutation goes through ApplyFieldChange/ApplyChanges and
// yields a new copy.
type TrackedItem struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Status    Status            `json:"status"`
	Assignee  string            `json:"assignee,omitempty"`
	Links     map[string]string `json:"links"`
	UpdatedAt int64             `json:"updatedAt"`
	Version   uint64            `json:"version"`
}

// NewTrackedItem returns an empty item at version 0 in the Backlog status.
func NewTrackedItem(id string) TrackedItem {
	return TrackedItem{
		ID:     id,
		Status: StatusBacklog,
		Links:  map[string]string{},
	}
}

func (t TrackedItem) Clone() TrackedItem {
	out := t
	out.Links = make(map[string]string, len(t.Links))
	for platform, native := range t.Links {
		out.Links[platform] = native
	}
	return out
}

// Value returns the current canonical value of field.
func (t TrackedItem) Value(field Field) string {
	switch field {
	case FieldTitle:
		return t.Title
	case FieldStatus:
		return string(t.Status)
	case FieldAssignee:
		return t.Assignee
	default:
		return ""
	}
}

// Platforms returns the linked platforms sorted by name.
func (t TrackedItem) Platforms() []string {
	out := make([]string, 0, len(t.Links))
	for platform := range t.Links {
		out = append(out, platform)
	}
	sort.Strings(out)
	return out
}

type ValidationError struct {
	Field  Field
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s=%q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ApplyFieldChange returns a copy of item with field set to value and the
// version bumped by one. The input item is never modified.
func ApplyFieldChange(item TrackedItem, field Field, value string) (TrackedItem, error) {
	next := item.Clone()
	if err := setField(&next, field, value); err != nil {
		return TrackedItem{}, err
	}
	next.Version = item.Version + 1
	return next, nil
}

// ApplyChanges applies every change atomically: either all fields are valid
// and the result carries exactly one version bump, or the first validation
// error is returned.
func ApplyChanges(item TrackedItem, changes map[Field]string) (TrackedItem, error) {
	next := item.Clone()
	for _, field := range sortedFields(changes) {
		if err := setField(&next, field, changes[field]); err != nil {
			return TrackedItem{}, err
		}
	}
	next.Version = item.Version + 1
	return next, nil
}

// Validate checks every field of an item.
func Validate(item TrackedItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return &ValidationError{Reason: "item id is required"}
	}
	if !item.Status.Valid() {
		return &ValidationError{Field: FieldStatus, Value: string(item.Status), Reason: "unknown status"}
	}
	if utf8.RuneCountInString(item.Title) > maxTitleLength {
		return &ValidationError{Field: FieldTitle, Value: item.Title, Reason: "title too long"}
	}
	return nil
}

func setField(item *TrackedItem, field Field, value string) error {
	switch field {
	case FieldTitle:
		title := strings.TrimSpace(value)
		if title == "" {
			return &ValidationError{Field: field, Value: value, Reason: "title must not be empty"}
		}
		if utf8.RuneCountInString(title) > maxTitleLength {
			return &ValidationError{Field: field, Value: value, Reason: "title too long"}
		}
		item.Title = title
	case FieldStatus:
		status, err := ParseStatus(value)
		if err != nil {
			return err
		}
		item.Status = status
	case FieldAssignee:
		item.Assignee = strings.TrimSpace(value)
	default:
		return &ValidationError{Field: field, Value: value, Reason: "unknown field"}
	}
	return nil
}

func sortedFields(changes map[Field]string) []Field {
	out := make([]Field, 0, len(changes))
	for field := range changes {
		out = append(out, field)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var correlationNamespace = uuid.MustParse("6f1c9a52-3d0e-4b8f-9a57-1f7e2c4d8b60")

// CorrelationKey derives a stable correlation key for an item first seen on
// platform with the given native identifier.
func CorrelationKey(platform, nativeID string) string {
	name := strings.ToLower(strings.TrimSpace(platform)) + "|" + strings.TrimSpace(nativeID)
	return uuid.NewSHA1(correlationNamespace, []byte(name)).String()
}
