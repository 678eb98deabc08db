package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostgresQueueDequeueSurfacesConnectionErrors(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	dsn := fmt.Sprintf("postgres://tasksync:secret@%s/tasksync?sslmode=disable&connect_timeout=2", addr)
	q, err := NewPostgresQueue(dsn, 4)
	require.NoError(t, err)
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	// skip table setup; the database is unreachable
	q.initOnce.Do(func() { q.db = db })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = q.Dequeue(ctx)
	require.Error(t, err)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "dequeue kept polling instead of reporting %v", err)
	require.Contains(t, err.Error(), "begin dequeue")
}
