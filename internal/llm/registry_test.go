package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knath2000/klk-back-sub001/internal/llm"
)

type closeRecorder struct {
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestRegistry(t *testing.T) {
	t.Run("duplicate ids are rejected", func(t *testing.T) {
		r := llm.NewRegistry()
		_, cancel := context.WithCancelCause(context.Background())
		defer cancel(nil)

		_, err := r.Register("req-1", cancel)
		require.NoError(t, err)
		_, err = r.Register("req-1", cancel)
		require.ErrorIs(t, err, llm.ErrDuplicateRequest)
	})

	t.Run("cancel aborts context and reader", func(t *testing.T) {
		r := llm.NewRegistry()
		ctx, cancel := context.WithCancelCause(context.Background())
		entry, err := r.Register("req-1", cancel)
		require.NoError(t, err)

		reader := &closeRecorder{}
		entry.AttachReader(reader)

		require.True(t, r.Cancel("req-1"))
		require.ErrorIs(t, context.Cause(ctx), llm.ErrCanceled)
		require.Equal(t, 1, reader.closed)
		require.True(t, entry.Canceled())
		require.Zero(t, r.Len())

		require.False(t, r.Cancel("req-1"))
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		r := llm.NewRegistry()
		require.False(t, r.Cancel("missing"))
	})

	t.Run("reader attached after cancel is closed", func(t *testing.T) {
		r := llm.NewRegistry()
		_, cancel := context.WithCancelCause(context.Background())
		entry, err := r.Register("req-1", cancel)
		require.NoError(t, err)
		require.True(t, r.Cancel("req-1"))

		reader := &closeRecorder{}
		entry.AttachReader(reader)
		require.Equal(t, 1, reader.closed)
	})

	t.Run("remove only drops the matching entry", func(t *testing.T) {
		r := llm.NewRegistry()
		_, cancel := context.WithCancelCause(context.Background())
		defer cancel(nil)

		first, err := r.Register("req-1", cancel)
		require.NoError(t, err)
		r.Remove(first)
		r.Remove(first)
		require.Zero(t, r.Len())

		second, err := r.Register("req-1", cancel)
		require.NoError(t, err)
		r.Remove(first)
		require.Equal(t, 1, r.Len())
		r.Remove(second)
		require.Zero(t, r.Len())
	})
}
