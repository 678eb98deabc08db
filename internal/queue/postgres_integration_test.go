package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/tasksync/internal/store"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationQueue(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TASKSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TASKSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	q, err := NewPostgresQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres queue: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	q.tableName = fmt.Sprintf("tasksync_event_queue_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		_ = q.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			t.Fatalf("open postgres for cleanup failed: %v", err)
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+store.PostgresQuoteIdentifier(q.tableName)); err != nil {
			t.Fatalf("drop cleanup table failed: %v", err)
		}
	})

	exerciseQueue(t, q)
}
