package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fmqerrors "github.com/maxpert/fmq/errors"
)

func TestWriterLockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q")
	ctx := context.Background()

	first := newWriterLock(path)
	second := newWriterLock(path)

	require.NoError(t, first.Lock(ctx, time.Second))
	assert.True(t, first.Held())
	assert.Error(t, first.Lock(ctx, time.Second), "re-locking a held lock")

	err := second.Lock(ctx, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, fmqerrors.ErrTimeout)
	assert.False(t, second.Held())

	require.NoError(t, first.Unlock())
	require.NoError(t, second.Lock(ctx, time.Second))
	require.NoError(t, second.Unlock())
	require.NoError(t, second.Unlock())
}

func TestWriterLockContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q")
	holder := newWriterLock(path)
	require.NoError(t, holder.Lock(context.Background(), 0))
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := newWriterLock(path).Lock(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
