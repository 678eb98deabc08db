package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

const (
	postgresItemsTableName       = "tasksync_items"
	postgresDeadLettersTableName = "tasksync_dead_letters"
	postgresOperationTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one row per item and one per dead letter, each holding
// the JSON record. Tables are created lazily on first use.
type PostgresStore struct {
	dsn              string
	itemsTable       string
	deadLettersTable string
	openDB           sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:              dsn,
		itemsTable:       postgresItemsTableName,
		deadLettersTable: postgresDeadLettersTableName,
		openDB:           sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					item_id TEXT PRIMARY KEY,
					version BIGINT NOT NULL,
					record TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, PostgresQuoteIdentifier(s.itemsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					item_id TEXT NOT NULL,
					platform TEXT NOT NULL,
					record TEXT NOT NULL,
					failed_at TIMESTAMPTZ NOT NULL
				)`, PostgresQuoteIdentifier(s.deadLettersTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) LoadItems(ctx context.Context) ([]ItemRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT record FROM %s ORDER BY item_id ASC", PostgresQuoteIdentifier(s.itemsTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ItemRecord, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record ItemRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, fmt.Errorf("decode item record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveItem(ctx context.Context, record ItemRecord) error {
	if strings.TrimSpace(record.Item.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// Never let an older version overwrite a newer one.
	query := fmt.Sprintf(`
		INSERT INTO %s (item_id, version, record, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (item_id)
		DO UPDATE SET version = EXCLUDED.version, record = EXCLUDED.record, updated_at = NOW()
		WHERE %s.version <= EXCLUDED.version`, PostgresQuoteIdentifier(s.itemsTable), PostgresQuoteIdentifier(s.itemsTable))
	_, err = s.db.ExecContext(ctx, query, record.Item.ID, int64(record.Item.Version), string(payload))
	return err
}

func (s *PostgresStore) SaveDeadLetter(ctx context.Context, letter canonical.DeadLetter) error {
	if strings.TrimSpace(letter.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(letter)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, item_id, platform, record, failed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET record = EXCLUDED.record, failed_at = EXCLUDED.failed_at`, PostgresQuoteIdentifier(s.deadLettersTable))
	_, err = s.db.ExecContext(ctx, query, letter.ID, letter.ItemID, letter.TargetPlatform, string(payload), letter.FailedAt.UTC())
	return err
}

func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", PostgresQuoteIdentifier(s.deadLettersTable))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context) ([]canonical.DeadLetter, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT record FROM %s ORDER BY failed_at ASC, id ASC", PostgresQuoteIdentifier(s.deadLettersTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]canonical.DeadLetter, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var letter canonical.DeadLetter
		if err := json.Unmarshal([]byte(payload), &letter); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, letter)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func PostgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
