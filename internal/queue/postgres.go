package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/store"
)

const (
	postgresQueueTableName   = "tasksync_event_queue"
	postgresQueueKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueue shares one table between any number of processes. Capacity
// is enforced under an advisory lock and consumers claim rows with
// FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc
	closed       atomic.Bool

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueue(dsn string, capacity int) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PostgresQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: defaultPollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := store.PostgresQuoteIdentifier(q.tableName)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					queue_key TEXT NOT NULL,
					item_id TEXT NOT NULL DEFAULT '',
					payload TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
				store.PostgresQuoteIdentifier(q.tableName+"_queue_key_id_idx"), table),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresQueue) TryEnqueue(ev canonical.ChangeEvent) error {
	if !validEvent(ev) {
		return ErrInvalidInput
	}
	if q.closed.Load() {
		return ErrClosed
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := store.PostgresQuoteIdentifier(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return err
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", table)
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, item_id, payload, created_at) VALUES ($1, $2, $3, NOW())", table)
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, ev.ItemID, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, ev canonical.ChangeEvent) error {
	for {
		err := q.TryEnqueue(ev)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (canonical.ChangeEvent, error) {
	for {
		// rows left behind stay in the table for the next process
		if q.closed.Load() {
			return canonical.ChangeEvent{}, ErrClosed
		}
		ev, ok, err := q.tryDequeue(ctx)
		if err != nil {
			return canonical.ChangeEvent{}, err
		}
		if ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return canonical.ChangeEvent{}, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) tryDequeue(ctx context.Context) (canonical.ChangeEvent, bool, error) {
	if err := q.ensureReady(); err != nil {
		return canonical.ChangeEvent{}, false, err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return canonical.ChangeEvent{}, false, fmt.Errorf("begin dequeue: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := store.PostgresQuoteIdentifier(q.tableName)
	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, table)
	var id int64
	var payload string
	if err := tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return canonical.ChangeEvent{}, false, nil
		}
		return canonical.ChangeEvent{}, false, fmt.Errorf("claim queued event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), id); err != nil {
		return canonical.ChangeEvent{}, false, fmt.Errorf("delete queued event %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return canonical.ChangeEvent{}, false, fmt.Errorf("commit dequeue of %d: %w", id, err)
	}
	committed = true

	var ev canonical.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return canonical.ChangeEvent{}, false, fmt.Errorf("decode queued event %d: %w", id, err)
	}
	return ev, true, nil
}

func (q *PostgresQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", store.PostgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
