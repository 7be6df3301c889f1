package bulk

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store/storetest"
)

// countingSeq yields n operations and records how many were pulled.
func countingSeq(n int, pulled *int) iter.Seq[store.WriteOperation] {
	return func(yield func(store.WriteOperation) bool) {
		for i := range n {
			*pulled++
			op := store.WriteOperation{
				Type:  store.OpIndex,
				Index: "annotations",
				ID:    fmt.Sprintf("op-%d", i),
				Body:  map[string]any{"n": i},
			}
			if !yield(op) {
				return
			}
		}
	}
}

func TestWriteChunksStream(t *testing.T) {
	cluster := storetest.NewCluster()
	b := New(cluster.Gateway("annotations"), 4, time.Second, nil)

	var pulled int
	stats, err := b.Write(context.Background(), countingSeq(10, &pulled))
	require.NoError(t, err)
	assert.Equal(t, Stats{Submitted: 10, Failed: 0, Chunks: 3}, stats)
	assert.Equal(t, []int{4, 4, 2}, cluster.BulkSizes)
	assert.Len(t, cluster.IDs("annotations"), 10)
}

func TestWriteCountsRejectedOperations(t *testing.T) {
	cluster := storetest.NewCluster()
	cluster.RejectIDs["op-1"] = true
	cluster.RejectIDs["op-6"] = true
	b := New(cluster.Gateway("annotations"), 5, time.Second, nil)

	var pulled int
	stats, err := b.Write(context.Background(), countingSeq(8, &pulled))
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Submitted)
	assert.Equal(t, 2, stats.Failed)
	assert.Len(t, cluster.IDs("annotations"), 6)
}

func TestWriteAbortsOnConnectionError(t *testing.T) {
	cluster := storetest.NewCluster()
	cluster.BulkErr = errors.New("connection refused")
	b := New(cluster.Gateway("annotations"), 2, time.Second, nil)

	var pulled int
	stats, err := b.Write(context.Background(), countingSeq(10, &pulled))
	require.Error(t, err)
	assert.Zero(t, stats.Submitted)
	assert.Equal(t, 1, cluster.BulkCalls)
	assert.Equal(t, 2, pulled, "the rest of the stream is never produced")
}

func TestWriteEmptyStream(t *testing.T) {
	cluster := storetest.NewCluster()
	b := New(cluster.Gateway("annotations"), 0, 0, nil)

	var pulled int
	stats, err := b.Write(context.Background(), countingSeq(0, &pulled))
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Zero(t, cluster.BulkCalls)
}

type slowWriter struct{}

func (slowWriter) Bulk(ctx context.Context, ops []store.WriteOperation, timeout time.Duration) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestWriteChunkTimeout(t *testing.T) {
	b := New(slowWriter{}, 10, 20*time.Millisecond, nil)

	var pulled int
	_, err := b.Write(context.Background(), countingSeq(3, &pulled))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
