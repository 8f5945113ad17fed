package interfaces

import (
	"testing"

	"github.com/maxpert/fmq/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenModeProperties(t *testing.T) {
	tests := []struct {
		mode     OpenMode
		blocking bool
		writable bool
	}{
		{ModeCreate, false, true},
		{ModeReadWrite, false, true},
		{ModeReadOnly, false, false},
		{ModeBlockingReadOnly, true, false},
		{ModeBlockingReadWrite, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.True(t, tt.mode.Valid())
			assert.Equal(t, tt.blocking, tt.mode.Blocking())
			assert.Equal(t, tt.writable, tt.mode.Writable())

			parsed, err := ParseOpenMode(tt.mode.String())
			require.NoError(t, err)
			assert.Equal(t, tt.mode, parsed)
		})
	}

	assert.False(t, OpenMode(0).Valid())
	_, err := ParseOpenMode("append")
	assert.Error(t, err)
}

func TestPositionParse(t *testing.T) {
	for _, p := range []Position{PositionStart, PositionEnd, PositionLast, PositionBack} {
		parsed, err := ParsePosition(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	assert.False(t, Position(9).Valid())
	assert.Equal(t, "position(9)", Position(9).String())
	_, err := ParsePosition("middle")
	assert.Error(t, err)
}

func TestMessageCompressed(t *testing.T) {
	msg := Message{Payload: []byte("x")}
	assert.False(t, msg.Compressed())

	msg.Compression = compress.MethodZstd
	assert.True(t, msg.Compressed())
}
