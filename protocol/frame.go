package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types
const (
	FrameRequest = 1
	FrameReply   = 2
	FramePing    = 8
	FramePong    = 9
	FrameEnd     = 0xCE // Frame end marker byte
)

// FrameHeaderSize is type + seq + size.
const FrameHeaderSize = 1 + 4 + 4

// DefaultMaxFrameSize bounds a single request or reply payload.
const DefaultMaxFrameSize = 64 * 1024 * 1024

// Frame is one request, reply or ping on the wire. Seq pairs a reply with
// its request.
type Frame struct {
	Type    byte
	Seq     uint32
	Size    uint32
	Payload []byte
}

// MarshalBinary encodes a frame.
// Format: (1-byte type) + (4-byte seq) + (4-byte size) + (size-byte payload) + (1-byte end: 0xCE)
func (f *Frame) MarshalBinary() ([]byte, error) {
	frameSize := FrameHeaderSize + len(f.Payload) + 1
	data := make([]byte, frameSize)

	data[0] = f.Type
	binary.BigEndian.PutUint32(data[1:5], f.Seq)
	binary.BigEndian.PutUint32(data[5:9], uint32(len(f.Payload)))
	copy(data[FrameHeaderSize:], f.Payload)
	data[FrameHeaderSize+len(f.Payload)] = FrameEnd

	return data, nil
}

// UnmarshalBinary decodes a frame from binary format
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < FrameHeaderSize+1 {
		return fmt.Errorf("frame too short")
	}

	f.Type = data[0]
	f.Seq = binary.BigEndian.Uint32(data[1:5])
	payloadSize := binary.BigEndian.Uint32(data[5:9])

	if uint64(len(data)) != uint64(FrameHeaderSize)+uint64(payloadSize)+1 {
		return fmt.Errorf("frame size mismatch: expected %d bytes but got %d",
			uint64(FrameHeaderSize)+uint64(payloadSize)+1, len(data))
	}

	f.Size = payloadSize
	f.Payload = make([]byte, f.Size)
	copy(f.Payload, data[FrameHeaderSize:FrameHeaderSize+int(f.Size)])

	if data[FrameHeaderSize+int(f.Size)] != FrameEnd {
		return fmt.Errorf("invalid frame end-byte")
	}

	return nil
}

// ReadFrame reads a frame from an io.Reader, rejecting payloads larger than
// DefaultMaxFrameSize.
func ReadFrame(reader io.Reader) (*Frame, error) {
	return ReadFrameLimit(reader, DefaultMaxFrameSize)
}

// ReadFrameLimit reads a frame whose payload may not exceed maxSize bytes.
func ReadFrameLimit(reader io.Reader, maxSize int) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return nil, err
	}

	frameType := header[0]
	seq := binary.BigEndian.Uint32(header[1:5])
	size := binary.BigEndian.Uint32(header[5:9])

	if maxSize > 0 && uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("frame payload of %d bytes exceeds limit of %d", size, maxSize)
	}

	// Read the payload + end-byte
	payload := make([]byte, int(size)+1)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}

	if payload[size] != FrameEnd {
		return nil, fmt.Errorf("invalid frame end-byte")
	}

	return &Frame{
		Type:    frameType,
		Seq:     seq,
		Size:    size,
		Payload: payload[:size],
	}, nil
}

// WriteFrame writes a frame to an io.Writer in a single Write using a pooled
// buffer.
func WriteFrame(writer io.Writer, frame *Frame) error {
	buf := getBuffer()
	defer putBuffer(buf)

	payloadLen := len(frame.Payload)
	buf.Grow(FrameHeaderSize + payloadLen + 1)

	buf.WriteByte(frame.Type)

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], frame.Seq)
	binary.BigEndian.PutUint32(header[4:8], uint32(payloadLen))
	buf.Write(header[:])

	buf.Write(frame.Payload)
	buf.WriteByte(FrameEnd)

	_, err := buf.WriteTo(writer)
	return err
}
