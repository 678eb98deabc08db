package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

// FileStore keeps everything in memory and rewrites a JSON snapshot on
// every mutation (write to .tmp, then rename).
type FileStore struct {
	path string

	mu          sync.Mutex
	items       map[string]ItemRecord
	deadLetters map[string]canonical.DeadLetter
}

type fileSnapshot struct {
	Items       map[string]ItemRecord           `json:"items"`
	DeadLetters map[string]canonical.DeadLetter `json:"deadLetters"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{
		path:        path,
		items:       map[string]ItemRecord{},
		deadLetters: map[string]canonical.DeadLetter{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Items != nil {
		s.items = snapshot.Items
	}
	if snapshot.DeadLetters != nil {
		s.deadLetters = snapshot.DeadLetters
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	data, err := json.Marshal(fileSnapshot{Items: s.items, DeadLetters: s.deadLetters})
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) LoadItems(ctx context.Context) ([]ItemRecord, error) {
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

func (s *FileStore) SaveItem(ctx context.Context, record ItemRecord) error {
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
	return s.saveLocked()
}

func (s *FileStore) SaveDeadLetter(ctx context.Context, letter canonical.DeadLetter) error {
	if strings.TrimSpace(letter.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[letter.ID] = cloneDeadLetter(letter)
	return s.saveLocked()
}

func (s *FileStore) DeleteDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return ErrNotFound
	}
	delete(s.deadLetters, id)
	return s.saveLocked()
}

func (s *FileStore) ListDeadLetters(ctx context.Context) ([]canonical.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]canonical.DeadLetter, 0, len(s.deadLetters))
	for _, letter := range s.deadLetters {
		out = append(out, cloneDeadLetter(letter))
	}
	sortDeadLetters(out)
	return out, nil
}

func (s *FileStore) Close() error {
	return nil
}
