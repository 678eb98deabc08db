package canonical

import (
	"sort"
	"strings"
	"time"
)

// ChangeEvent is a normalized description of what changed on one platform.
type ChangeEvent struct {
	ItemID          string           `json:"itemId,omitempty"`
	SourcePlatform  string           `json:"sourcePlatform"`
	FieldChanges    map[Field]string `json:"fieldChanges"`
	SourceTimestamp int64            `json:"sourceTimestamp"`
	SourceEventID   string           `json:"sourceEventId"`
	NativeID        string           `json:"nativeId,omitempty"`
}

func (e ChangeEvent) Clone() ChangeEvent {
	out := e
	out.FieldChanges = make(map[Field]string, len(e.FieldChanges))
	for field, value := range e.FieldChanges {
		out.FieldChanges[field] = value
	}
	return out
}

// Fields returns the changed fields in a stable order.
func (e ChangeEvent) Fields() []Field {
	return sortedFields(e.FieldChanges)
}

// DedupKey identifies the event for duplicate detection.
func (e ChangeEvent) DedupKey() string {
	return strings.ToLower(e.SourcePlatform) + "/" + e.SourceEventID
}

type DeliveryAttempt struct {
	ID             string           `json:"id"`
	TargetPlatform string           `json:"targetPlatform"`
	ItemID         string           `json:"itemId"`
	NativeID       string           `json:"nativeId"`
	Payload        map[Field]string `json:"payload"`
	BaseVersion    uint64           `json:"baseVersion"`
	AttemptCount   int              `json:"attemptCount"`
	NextRetryAt    time.Time        `json:"nextRetryAt,omitempty"`
	LastError      string           `json:"lastError,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey"`
	SourceEventID  string           `json:"sourceEventId,omitempty"`
}

func (a DeliveryAttempt) Clone() DeliveryAttempt {
	out := a
	out.Payload = ClonePayload(a.Payload)
	return out
}

type DeadLetter struct {
	ID             string           `json:"id"`
	ItemID         string           `json:"itemId"`
	TargetPlatform string           `json:"targetPlatform"`
	Payload        map[Field]string `json:"payload"`
	AttemptCount   int              `json:"attemptCount"`
	LastError      string           `json:"lastError"`
	Class          string           `json:"class"`
	SourceEventID  string           `json:"sourceEventId,omitempty"`
	FailedAt       time.Time        `json:"failedAt"`
}

func ClonePayload(payload map[Field]string) map[Field]string {
	if payload == nil {
		return nil
	}
	out := make(map[Field]string, len(payload))
	for field, value := range payload {
		out[field] = value
	}
	return out
}

// Delta returns the fields of item whose canonical value differs from known.
// Fields never reported by the platform count as different.
func Delta(item TrackedItem, known map[Field]string) map[Field]string {
	delta := map[Field]string{}
	for _, field := range allFields {
		want := item.Value(field)
		have, ok := known[field]
		if ok && have == want {
			continue
		}
		if !ok && want == "" {
			continue
		}
		delta[field] = want
	}
	return delta
}

// PayloadFields lists the payload's fields sorted by name.
func PayloadFields(payload map[Field]string) []Field {
	out := make([]Field, 0, len(payload))
	for field := range payload {
		out = append(out, field)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
