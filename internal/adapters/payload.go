package adapters

import (
	"regexp"
	"strings"
	"time"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

const (
	PlatformGitHub = "github"
	PlatformLinear = "linear"
	PlatformNotion = "notion"
)

var correlationMarker = regexp.MustCompile(`tasksync:([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)

// extractCorrelationKey finds a "tasksync:<key>" marker in free text.
func extractCorrelationKey(text string) string {
	match := correlationMarker.FindStringSubmatch(text)
	if len(match) < 2 {
		return ""
	}
	return strings.ToLower(match[1])
}

// parseTimestamp converts an RFC3339 timestamp into Unix milliseconds.
func parseTimestamp(platform, raw string) (int64, error) {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return 0, malformed(platform, "invalid timestamp", err)
	}
	return ts.UnixMilli(), nil
}

func pick(snapshot map[canonical.Field]string, fields ...canonical.Field) map[canonical.Field]string {
	out := make(map[canonical.Field]string, len(fields))
	for _, field := range fields {
		if value, ok := snapshot[field]; ok {
			out[field] = value
		}
	}
	return out
}
