// Package adapters translates between each platform's native webhook and API
// vocabulary and the canonical model.
package adapters

import (
	"context"
	"net/http"
	"time"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

type Adapter interface {
	Platform() string
	// ParseEvent returns nil, nil for payloads that carry no tracked change.
	ParseEvent(raw RawPayload) (*canonical.ChangeEvent, error)
	ApplyChange(ctx context.Context, req ChangeRequest) (DeliveryResult, error)
	Probe(ctx context.Context) error
}

type RawPayload struct {
	Headers    http.Header
	Body       []byte
	ReceivedAt time.Time
}

type ChangeRequest struct {
	ItemID         string
	NativeID       string
	Changes        map[canonical.Field]string
	IdempotencyKey string
	CorrelationID  string
}

type DeliveryResult struct {
	NativeID string
	Applied  map[canonical.Field]string
	// Skipped is set when the platform already held the requested state and
	// no outbound call was made.
	Skipped    bool
	StatusCode int
}

type TokenProvider func(ctx context.Context) (string, error)

func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}
