package fmq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/fmq/interfaces"
)

func TestWriteBatcherThreshold(t *testing.T) {
	b := NewWriteBatcher(0)
	assert.Equal(t, 1, b.Threshold())

	b.SetThreshold(3)
	assert.False(t, b.Add(1, 0, []byte("a")))
	assert.False(t, b.Add(1, 0, []byte("b")))
	assert.True(t, b.Add(1, 0, []byte("c")))
	assert.Equal(t, 3, b.Len())
}

func TestWriteBatcherCopiesPayload(t *testing.T) {
	b := NewWriteBatcher(2)
	payload := []byte("abc")
	b.Add(1, 2, payload)
	payload[0] = 'X'

	var got []interfaces.Message
	require.NoError(t, b.Flush(context.Background(), func(_ context.Context, msgs []interfaces.Message) (int, error) {
		got = msgs
		return len(msgs), nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, []byte("abc"), got[0].Payload)
	assert.Equal(t, int32(2), got[0].Subtype)
	assert.Equal(t, 0, b.Len())
}

func TestWriteBatcherFlushFailureKeepsPending(t *testing.T) {
	b := NewWriteBatcher(5)
	b.Add(1, 0, []byte("a"))
	b.Add(2, 0, []byte("b"))

	boom := errors.New("boom")
	err := b.Flush(context.Background(), func(context.Context, []interfaces.Message) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, b.Len())

	calls := 0
	require.NoError(t, b.Flush(context.Background(), func(_ context.Context, msgs []interfaces.Message) (int, error) {
		calls++
		assert.Len(t, msgs, 2)
		return len(msgs), nil
	}))
	assert.Equal(t, 1, calls)

	// empty flush does not call write
	require.NoError(t, b.Flush(context.Background(), func(context.Context, []interfaces.Message) (int, error) {
		t.Fatal("write called for empty batch")
		return 0, nil
	}))

	b.Add(1, 0, nil)
	b.Clear()
	assert.Equal(t, 0, b.Len())
}

func TestWriteBatcherFlushDropsCommittedPrefix(t *testing.T) {
	tests := []struct {
		name      string
		committed int
		want      []string
	}{
		{"none", 0, []string{"a", "b", "c"}},
		{"some", 2, []string{"c"}},
		{"over report", 7, nil},
		{"negative", -1, []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewWriteBatcher(10)
			for _, p := range []string{"a", "b", "c"} {
				b.Add(1, 0, []byte(p))
			}

			boom := errors.New("boom")
			err := b.Flush(context.Background(), func(context.Context, []interfaces.Message) (int, error) {
				return tt.committed, boom
			})
			assert.ErrorIs(t, err, boom)

			var left []string
			require.NoError(t, b.Flush(context.Background(), func(_ context.Context, msgs []interfaces.Message) (int, error) {
				for _, m := range msgs {
					left = append(left, string(m.Payload))
				}
				return len(msgs), nil
			}))
			assert.Equal(t, tt.want, left)
		})
	}
}

func TestReadDrain(t *testing.T) {
	var d ReadDrain
	_, ok := d.Peek()
	assert.False(t, ok)

	d.Push(
		interfaces.Message{ID: 4, Type: 1},
		interfaces.Message{ID: 5, Type: 2},
		interfaces.Message{ID: 6, Type: 1},
		interfaces.Message{ID: 7, Type: 3},
	)
	id, ok := d.Peek()
	require.True(t, ok)
	assert.Equal(t, int64(4), id)

	// non-matching messages in front are consumed
	m, ok := d.Next(interfaces.Types(2))
	require.True(t, ok)
	assert.Equal(t, int64(5), m.ID)
	assert.Equal(t, int64(5), d.LastDelivered())
	assert.Equal(t, 2, d.Len())

	m, ok = d.Next(interfaces.AnyType())
	require.True(t, ok)
	assert.Equal(t, int64(6), m.ID)

	// no match drains everything
	_, ok = d.Next(interfaces.Types(9))
	assert.False(t, ok)
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, int64(7), d.LastDelivered())

	resume, ok := d.Resume()
	require.True(t, ok)
	assert.Equal(t, int64(7), resume)

	d.Push(interfaces.Message{ID: 8}, interfaces.Message{ID: 9})
	resume, ok = d.Resume()
	require.True(t, ok)
	assert.Equal(t, int64(7), resume)

	d.Reset()
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, int64(0), d.LastDelivered())
	_, ok = d.Resume()
	assert.False(t, ok)
}
