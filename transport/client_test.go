package transport

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/protocol"
)

// fakeServer answers every frame on every accepted connection with handle.
type fakeServer struct {
	ln     net.Listener
	handle func(conn net.Conn, f *protocol.Frame) bool
}

func newFakeServer(t *testing.T, handle func(conn net.Conn, f *protocol.Frame) bool) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, handle: handle}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		f, err := protocol.ReadFrame(rd)
		if err != nil {
			return
		}
		if !s.handle(conn, f) {
			return
		}
	}
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

// echoHandler replies OK to every request, returning one message for READ.
func echoHandler(conn net.Conn, f *protocol.Frame) bool {
	switch f.Type {
	case protocol.FramePing:
		_ = protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.FramePong, Payload: []byte("fake/1.0")})
		return true
	case protocol.FrameRequest:
	default:
		return false
	}

	var req protocol.Request
	if err := req.UnmarshalBinary(f.Payload); err != nil {
		return false
	}
	reply := protocol.NewReply(req.Opcode)
	if req.Opcode == protocol.OpRead {
		payload, _ := compress.Compress(compress.MethodZstd, []byte("hello hello hello hello"))
		reply.Messages = []interfaces.Message{{
			ID: 7, Type: 3, Time: time.Unix(0, 99),
			Payload: payload, Compression: compress.MethodZstd, UncompressedLen: 23,
		}}
	}
	data, _ := reply.MarshalBinary()
	_ = protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.FrameReply, Seq: f.Seq, Payload: data})
	return true
}

func TestClientCall(t *testing.T) {
	srv := newFakeServer(t, echoHandler)
	ctx := context.Background()

	c, err := Dial(ctx, srv.addr(), Options{})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, srv.addr(), c.Addr())
	assert.NoError(t, c.Err())

	reply, err := c.Call(ctx, protocol.NewRequest(protocol.OpSetBlockingWrite))
	require.NoError(t, err)
	assert.NoError(t, reply.Err())
	assert.Equal(t, protocol.OpSetBlockingWrite, reply.Opcode)

	reply, err = c.Call(ctx, protocol.NewReadRequest(interfaces.AnyType(), 10*time.Millisecond, 4))
	require.NoError(t, err)
	require.Len(t, reply.Messages, 1)
	assert.Equal(t, "hello hello hello hello", string(reply.Messages[0].Payload))
	assert.Equal(t, int64(7), reply.Messages[0].ID)
	assert.False(t, reply.Messages[0].Compressed())
}

func TestClientErrorReply(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, f *protocol.Frame) bool {
		var req protocol.Request
		if err := req.UnmarshalBinary(f.Payload); err != nil {
			return false
		}
		data, _ := protocol.NewErrorReply(req.Opcode, assert.AnError).MarshalBinary()
		_ = protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.FrameReply, Seq: f.Seq, Payload: data})
		return true
	})

	c, err := Dial(context.Background(), srv.addr(), Options{})
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Call(context.Background(), protocol.NewSeekToIDRequest(5))
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Equal(t, fmqerrors.ReplyStatus, fmqerrors.GetErrorCode(reply.Err()))
	assert.NoError(t, c.Err(), "a failed reply is not a transport failure")
}

func TestClientSequenceMismatch(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, f *protocol.Frame) bool {
		data, _ := protocol.NewReply(protocol.OpClose).MarshalBinary()
		_ = protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.FrameReply, Seq: f.Seq + 10, Payload: data})
		return true
	})

	c, err := Dial(context.Background(), srv.addr(), Options{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), protocol.NewRequest(protocol.OpClose))
	require.Error(t, err)
	assert.True(t, fmqerrors.IsProtocolError(err))
	assert.True(t, fmqerrors.IsTransportError(c.Err()))
}

func TestClientServerHangupAndReopen(t *testing.T) {
	var calls atomic.Int32
	srv := newFakeServer(t, func(conn net.Conn, f *protocol.Frame) bool {
		if calls.Add(1) == 1 {
			return false
		}
		return echoHandler(conn, f)
	})
	ctx := context.Background()

	c, err := Dial(ctx, srv.addr(), Options{CallTimeout: time.Second})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(ctx, protocol.NewRequest(protocol.OpSetSingleWriter))
	require.Error(t, err)
	assert.True(t, fmqerrors.IsTransportError(err))
	assert.True(t, fmqerrors.IsTransportError(c.Err()))

	// The error state sticks until Reopen.
	_, err = c.Call(ctx, protocol.NewRequest(protocol.OpSetSingleWriter))
	assert.True(t, fmqerrors.IsTransportError(err))

	require.NoError(t, c.Reopen(ctx))
	assert.NoError(t, c.Err())
	reply, err := c.Call(ctx, protocol.NewRequest(protocol.OpSetSingleWriter))
	require.NoError(t, err)
	assert.True(t, reply.OK)
}

func TestClientCallTimeout(t *testing.T) {
	srv := newFakeServer(t, func(net.Conn, *protocol.Frame) bool {
		time.Sleep(500 * time.Millisecond)
		return false
	})

	c, err := Dial(context.Background(), srv.addr(), Options{CallTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	_, err = c.Call(context.Background(), protocol.NewRequest(protocol.OpClose))
	require.Error(t, err)
	assert.True(t, fmqerrors.IsTransportError(err))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestClientContextCancel(t *testing.T) {
	srv := newFakeServer(t, func(net.Conn, *protocol.Frame) bool {
		time.Sleep(500 * time.Millisecond)
		return false
	})

	c, err := Dial(context.Background(), srv.addr(), Options{})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err = c.Call(ctx, protocol.NewRequest(protocol.OpClose))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, Options{DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, fmqerrors.IsTransportError(err))
}

func TestClientClose(t *testing.T) {
	srv := newFakeServer(t, echoHandler)

	c, err := Dial(context.Background(), srv.addr(), Options{})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, fmqerrors.IsClosed(c.Err()))

	_, err = c.Call(context.Background(), protocol.NewRequest(protocol.OpClose))
	assert.True(t, fmqerrors.IsClosed(err))
}
