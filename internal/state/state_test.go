package state

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	require.NoError(t, InitializeSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, InitializeSchema(db))
}

func TestLogAndQueryEvents(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	duration := 1500 * time.Millisecond
	require.NoError(t, LogArchiveEvent(ctx, db, "/data/a.zip", "hmd", EventDiscovered, "run-1", "", nil))
	require.NoError(t, LogArchiveEvent(ctx, db, "/data/a.zip", "hmd", EventProcessStart, "run-1", "", nil))
	require.NoError(t, LogArchiveEvent(ctx, db, "/data/a.zip", "hmd", EventProcessEnd, "run-1", "contents=10 skipped=0", &duration))
	require.NoError(t, LogArchiveEvent(ctx, db, "/data/b.zip", "lwm", EventError, "run-1", "open archive: bad zip", nil))

	events, err := RecentEvents(ctx, db, "", 10)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	errors, err := RecentEvents(ctx, db, EventError, 10)
	require.NoError(t, err)
	require.Len(t, errors, 1)
	assert.Equal(t, "/data/b.zip", errors[0].ArchivePath)
	assert.Equal(t, "open archive: bad zip", errors[0].Message)

	ends, err := RecentEvents(ctx, db, EventProcessEnd, 10)
	require.NoError(t, err)
	require.Len(t, ends, 1)
	assert.Equal(t, int64(1500), ends[0].DurationMs)
	assert.Equal(t, "run-1", ends[0].RunID)
}

func TestRecentEventsLimit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, LogArchiveEvent(ctx, db, "/data/a.zip", "hmd", EventDiscovered, "run-1", "", nil))
	}
	events, err := RecentEvents(ctx, db, "", 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestCompletedArchives(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, LogArchiveEvent(ctx, db, "/data/a.zip", "hmd", EventProcessEnd, "run-1", "", nil))
	require.NoError(t, LogArchiveEvent(ctx, db, "/data/a.zip", "hmd", EventProcessEnd, "run-2", "", nil))
	require.NoError(t, LogArchiveEvent(ctx, db, "/data/b.zip", "hmd", EventProcessStart, "run-2", "", nil))
	require.NoError(t, LogArchiveEvent(ctx, db, "/data/c.zip", "lwm", EventError, "run-2", "boom", nil))

	completed, err := CompletedArchives(ctx, db, testLogger())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"/data/a.zip": true}, completed,
		"only archives that reached process_end count as completed")
}

func TestCompletedArchivesEmptyLog(t *testing.T) {
	completed, err := CompletedArchives(context.Background(), openTestDB(t), testLogger())
	require.NoError(t, err)
	assert.Empty(t, completed)
}
