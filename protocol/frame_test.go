package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMarshalUnmarshal(t *testing.T) {
	originalFrame := &Frame{
		Type:    FrameRequest,
		Seq:     42,
		Payload: []byte{byte(OpSeek), 0x01},
	}

	data, err := originalFrame.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, FrameHeaderSize+2+1)
	assert.Equal(t, byte(FrameEnd), data[len(data)-1])

	newFrame := &Frame{}
	require.NoError(t, newFrame.UnmarshalBinary(data))
	assert.Equal(t, originalFrame.Type, newFrame.Type)
	assert.Equal(t, originalFrame.Seq, newFrame.Seq)
	assert.Equal(t, uint32(2), newFrame.Size)
	assert.Equal(t, originalFrame.Payload, newFrame.Payload)
}

func TestFrameUnmarshalErrors(t *testing.T) {
	good, err := (&Frame{Type: FrameReply, Seq: 1, Payload: []byte("abc")}).MarshalBinary()
	require.NoError(t, err)

	badEnd := append([]byte(nil), good...)
	badEnd[len(badEnd)-1] = 0x00

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", good[:5]},
		{"size mismatch", good[:len(good)-1]},
		{"bad end byte", badEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, (&Frame{}).UnmarshalBinary(tt.data))
		})
	}
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	frames := []*Frame{
		{Type: FramePing, Seq: 1},
		{Type: FrameRequest, Seq: 2, Payload: bytes.Repeat([]byte{0xAB}, 70000)},
		{Type: FrameReply, Seq: 3, Payload: []byte("ok")},
	}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Seq, got.Seq)
		assert.Equal(t, len(want.Payload), len(got.Payload))
		assert.True(t, bytes.Equal(want.Payload, got.Payload))
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Type: FrameRequest, Payload: make([]byte, 100)}))

	_, err := ReadFrameLimit(bytes.NewReader(buf.Bytes()), 99)
	assert.Error(t, err)

	f, err := ReadFrameLimit(bytes.NewReader(buf.Bytes()), 100)
	require.NoError(t, err)
	assert.Len(t, f.Payload, 100)
}

func TestReadFrameTruncated(t *testing.T) {
	data, err := (&Frame{Type: FrameReply, Payload: []byte("payload")}).MarshalBinary()
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(data[:len(data)-3]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	data[len(data)-1] = 0x01
	_, err = ReadFrame(bytes.NewReader(data))
	assert.Error(t, err)
}
