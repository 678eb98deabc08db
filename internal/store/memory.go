package store

import (
	"context"
	"strings"
	"sync"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

type MemoryStore struct {
	mu          sync.Mutex
	items       map[string]ItemRecord
	deadLetters map[string]canonical.DeadLetter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:       map[string]ItemRecord{},
		deadLetters: map[string]canonical.DeadLetter{},
	}
}

func (s *MemoryStore) LoadItems(ctx context.Context) ([]ItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ItemRecord, 0, len(s.items))
	for _, record := range s.items {
		clone, err := cloneRecord(record)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) SaveItem(ctx context.Context, record ItemRecord) error {
	if strings.TrimSpace(record.Item.ID) == "" {
		return ErrInvalidInput
	}
	clone, err := cloneRecord(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[record.Item.ID] = clone
	return nil
}

func (s *MemoryStore) SaveDeadLetter(ctx context.Context, letter canonical.DeadLetter) error {
	if strings.TrimSpace(letter.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[letter.ID] = cloneDeadLetter(letter)
	return nil
}

func (s *MemoryStore) DeleteDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return ErrNotFound
	}
	delete(s.deadLetters, id)
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context) ([]canonical.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]canonical.DeadLetter, 0, len(s.deadLetters))
	for _, letter := range s.deadLetters {
		out = append(out, cloneDeadLetter(letter))
	}
	sortDeadLetters(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
