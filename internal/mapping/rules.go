// Package mapping holds the per-platform translation tables between native
// vocabularies and the canonical model. Tables are plain data loaded from a
// YAML file so new status synonyms never need a code change.
package mapping

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

type PlatformRules struct {
	// Statuses maps a native status spelling (state name, label, option
	// name or state id) to a canonical status.
	Statuses map[string]string `yaml:"statuses"`
	// Outbound maps a canonical status to the native value written back.
	Outbound map[string]string `yaml:"outbound"`
	// Properties maps a canonical field to the native property name.
	Properties map[string]string `yaml:"properties"`
}

type Rules struct {
	Platforms map[string]PlatformRules `yaml:"platforms"`
	// Identities maps a canonical user name to its native id per platform.
	Identities map[string]map[string]string `yaml:"identities"`
}

// Default returns the built-in tables used when no mapping file is configured.
func Default() *Rules {
	return &Rules{
		Platforms: map[string]PlatformRules{
			"github": {
				Statuses: map[string]string{
					"open":                "Todo",
					"closed":              "Done",
					"completed":           "Done",
					"not_planned":         "Canceled",
					"status: backlog":     "Backlog",
					"status: todo":        "Todo",
					"status: in progress": "InProgress",
					"status: in review":   "InReview",
				},
				Outbound: map[string]string{
					"Backlog":    "status: backlog",
					"Todo":       "status: todo",
					"InProgress": "status: in progress",
					"InReview":   "status: in review",
				},
			},
			"linear": {
				Statuses: map[string]string{
					"backlog":     "Backlog",
					"unstarted":   "Todo",
					"todo":        "Todo",
					"started":     "InProgress",
					"in progress": "InProgress",
					"in review":   "InReview",
					"completed":   "Done",
					"done":        "Done",
					"canceled":    "Canceled",
				},
				Outbound: map[string]string{},
			},
			"notion": {
				Statuses: map[string]string{
					"not started": "Todo",
					"in progress": "InProgress",
					"in review":   "InReview",
					"done":        "Done",
				},
				Outbound: map[string]string{
					"Backlog":    "Backlog",
					"Todo":       "Not started",
					"InProgress": "In progress",
					"InReview":   "In review",
					"Done":       "Done",
					"Canceled":   "Canceled",
				},
				Properties: map[string]string{
					"title":    "Name",
					"status":   "Status",
					"assignee": "Assignee",
				},
			},
		},
		Identities: map[string]map[string]string{},
	}
}

// Parse decodes a YAML mapping document. Platforms absent from the document
// keep the built-in tables.
func Parse(data []byte) (*Rules, error) {
	rules := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return rules, nil
	}
	var decoded Rules
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("mapping: decode: %w", err)
	}
	for platform, platformRules := range decoded.Platforms {
		rules.Platforms[strings.ToLower(platform)] = platformRules
	}
	for user, ids := range decoded.Identities {
		rules.Identities[user] = ids
	}
	if err := rules.validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

func LoadFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("mapping: %s: %w", filepath.Clean(path), err)
	}
	return rules, nil
}

func (r *Rules) validate() error {
	for platform, platformRules := range r.Platforms {
		for native, status := range platformRules.Statuses {
			if _, err := canonical.ParseStatus(status); err != nil {
				return fmt.Errorf("mapping: platform %s status %q: %w", platform, native, err)
			}
		}
		for status := range platformRules.Outbound {
			if _, err := canonical.ParseStatus(status); err != nil {
				return fmt.Errorf("mapping: platform %s outbound %q: %w", platform, status, err)
			}
		}
		for field := range platformRules.Properties {
			if !canonical.Field(field).Valid() {
				return fmt.Errorf("mapping: platform %s property for unknown field %q", platform, field)
			}
		}
	}
	return nil
}

// CanonicalStatus resolves a native status spelling. Table entries win over
// the canonical spelling itself.
func (r *Rules) CanonicalStatus(platform, native string) (canonical.Status, bool) {
	native = strings.TrimSpace(native)
	if native == "" {
		return "", false
	}
	if platformRules, ok := r.Platforms[platform]; ok {
		for key, value := range platformRules.Statuses {
			if strings.EqualFold(key, native) {
				status, err := canonical.ParseStatus(value)
				return status, err == nil
			}
		}
	}
	status, err := canonical.ParseStatus(native)
	if err != nil {
		return "", false
	}
	return status, true
}

// NativeStatus returns the value written to platform for a canonical status,
// or "" when the table has no entry.
func (r *Rules) NativeStatus(platform string, status canonical.Status) string {
	platformRules, ok := r.Platforms[platform]
	if !ok {
		return ""
	}
	for key, value := range platformRules.Outbound {
		if s, err := canonical.ParseStatus(key); err == nil && s == status {
			return value
		}
	}
	return ""
}

// UnmappedStatuses lists the canonical statuses that have no outbound value
// for platform.
func (r *Rules) UnmappedStatuses(platform string) []canonical.Status {
	var out []canonical.Status
	for _, status := range canonical.Statuses() {
		if r.NativeStatus(platform, status) == "" {
			out = append(out, status)
		}
	}
	return out
}

// IsStatusValue reports whether native is one of the platform's status
// spellings, used to pick status labels out of a label set.
func (r *Rules) IsStatusValue(platform, native string) bool {
	platformRules, ok := r.Platforms[platform]
	if !ok {
		return false
	}
	for key := range platformRules.Statuses {
		if strings.EqualFold(key, strings.TrimSpace(native)) {
			return true
		}
	}
	for _, value := range platformRules.Outbound {
		if strings.EqualFold(value, strings.TrimSpace(native)) {
			return true
		}
	}
	return false
}

// Property returns the native property name for field, falling back to the
// canonical field name.
func (r *Rules) Property(platform string, field canonical.Field) string {
	if platformRules, ok := r.Platforms[platform]; ok {
		if name := platformRules.Properties[string(field)]; name != "" {
			return name
		}
	}
	return string(field)
}

// CanonicalUser maps a native user id to its canonical name. Unmapped ids are
// returned unchanged.
func (r *Rules) CanonicalUser(platform, native string) string {
	if native == "" {
		return ""
	}
	for user, ids := range r.Identities {
		if ids[platform] == native {
			return user
		}
	}
	return native
}

// NativeUser maps a canonical user name to the platform's native id.
func (r *Rules) NativeUser(platform, user string) string {
	if user == "" {
		return ""
	}
	if ids, ok := r.Identities[user]; ok {
		if native := ids[platform]; native != "" {
			return native
		}
	}
	return user
}

// Set is a concurrency-safe holder for the active rules.
type Set struct {
	current atomic.Pointer[Rules]
}

func NewSet(rules *Rules) *Set {
	if rules == nil {
		rules = Default()
	}
	s := &Set{}
	s.current.Store(rules)
	return s
}

func (s *Set) Current() *Rules {
	return s.current.Load()
}

func (s *Set) Replace(rules *Rules) {
	if rules == nil {
		return
	}
	s.current.Store(rules)
}
