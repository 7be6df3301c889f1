package ledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/processor"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/postgres"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	host := os.Getenv("ANN_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("ANN_TEST_POSTGRES_HOST not set, skipping ledger tests")
	}
	ctx := context.Background()
	db, err := postgres.New(ctx, config.PostgresConfig{
		Host:         host,
		Port:         5432,
		Database:     envOr("ANN_TEST_POSTGRES_DB", "postgres"),
		User:         envOr("ANN_TEST_POSTGRES_USER", "postgres"),
		Password:     os.Getenv("ANN_TEST_POSTGRES_PASSWORD"),
		SSLMode:      "disable",
		MaxOpenConns: 2,
	})
	if err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := New(db)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestWindowLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	runID := uuid.NewString()
	w := scheduler.Window{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC),
	}

	ok, err := store.StartWindow(ctx, runID, w, false)
	require.NoError(t, err)
	require.NoError(t, store.FinishWindow(ctx, ok, scheduler.WindowResult{
		IDs:    3,
		Counts: scheduler.Counts{processor.Annotated: 2, processor.SkippedNoText: 1},
	}))

	bad, err := store.StartWindow(ctx, runID, w, false)
	require.NoError(t, err)
	require.NoError(t, store.FinishWindow(ctx, bad, scheduler.WindowResult{Err: errors.New("scan failed")}))

	entries, err := store.Recent(ctx, runID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, bad, entries[0].ID)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, "scan failed", entries[0].Error)

	assert.Equal(t, StatusCompleted, entries[1].Status)
	assert.Equal(t, 3, entries[1].Documents)
	assert.Equal(t, map[string]int{"annotated": 2, "skipped_no_text": 1}, entries[1].Outcomes)
	assert.True(t, w.Start.Equal(entries[1].Start))
	assert.NotNil(t, entries[1].FinishedAt)
}
