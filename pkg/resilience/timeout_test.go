package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
)

func TestWithTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	t.Run("deadline", func(t *testing.T) {
		err := WithTimeout(context.Background(), 10*time.Millisecond, "bulk", slow)
		assert.ErrorIs(t, err, apperrors.ErrTimeout)
		assert.Contains(t, err.Error(), "bulk")
	})

	t.Run("parent cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WithTimeout(ctx, time.Second, "bulk", slow)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, apperrors.ErrTimeout)
	})

	t.Run("plain error passes through", func(t *testing.T) {
		boom := errors.New("boom")
		err := WithTimeout(context.Background(), time.Second, "bulk", func(context.Context) error { return boom })
		assert.Same(t, boom, err)
	})

	t.Run("no limit", func(t *testing.T) {
		err := WithTimeout(context.Background(), 0, "bulk", func(ctx context.Context) error {
			_, has := ctx.Deadline()
			assert.False(t, has)
			return nil
		})
		assert.NoError(t, err)
	})
}
