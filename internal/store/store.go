// Package store persists item records and dead letters.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// FieldClock identifies the event that last won a field.
type FieldClock struct {
	Timestamp int64  `json:"ts"`
	Platform  string `json:"platform"`
	EventID   string `json:"eventId"`
}

// ItemRecord is everything the engine needs to rebuild an item after a
// restart: the canonical item, the last known representation per platform,
// per-field clocks, and the ids of recently applied events.
type ItemRecord struct {
	Item          canonical.TrackedItem                 `json:"item"`
	Known         map[string]map[canonical.Field]string `json:"known"`
	Clocks        map[canonical.Field]FieldClock        `json:"clocks"`
	AppliedEvents []string                              `json:"appliedEvents"`
}

type Store interface {
	LoadItems(ctx context.Context) ([]ItemRecord, error)
	SaveItem(ctx context.Context, record ItemRecord) error
	SaveDeadLetter(ctx context.Context, letter canonical.DeadLetter) error
	DeleteDeadLetter(ctx context.Context, id string) error
	ListDeadLetters(ctx context.Context) ([]canonical.DeadLetter, error)
	Close() error
}

func cloneRecord(record ItemRecord) (ItemRecord, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return ItemRecord{}, err
	}
	var out ItemRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return ItemRecord{}, err
	}
	return out, nil
}

func cloneDeadLetter(letter canonical.DeadLetter) canonical.DeadLetter {
	out := letter
	out.Payload = canonical.ClonePayload(letter.Payload)
	return out
}

func sortRecords(records []ItemRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Item.ID < records[j].Item.ID })
}

func sortDeadLetters(letters []canonical.DeadLetter) {
	sort.Slice(letters, func(i, j int) bool {
		if letters[i].FailedAt.Equal(letters[j].FailedAt) {
			return letters[i].ID < letters[j].ID
		}
		return letters[i].FailedAt.Before(letters[j].FailedAt)
	})
}
