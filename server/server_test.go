package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/metrics"
	"github.com/maxpert/fmq/protocol"
	"github.com/maxpert/fmq/transport"
)

var _ MetricsCollector = (*metrics.Collector)(nil)

func startTestServer(t *testing.T, configure func(b *ServerBuilder)) (*Server, string) {
	t.Helper()
	b := NewServerBuilder().
		WithAddress("127.0.0.1").
		WithDataDir(t.TempDir()).
		WithLogger(zap.NewNop())
	if configure != nil {
		configure(b)
	}
	srv := b.BuildUnsafe()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	<-srv.Ready()

	t.Cleanup(func() {
		srv.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Wait(ctx)
	})
	return srv, ln.Addr().String()
}

func dialTest(t *testing.T, addr string) *transport.Client {
	t.Helper()
	client, err := transport.Dial(context.Background(), addr, transport.Options{CallTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func call(t *testing.T, c *transport.Client, req *protocol.Request) *protocol.Reply {
	t.Helper()
	reply, err := c.Call(context.Background(), req)
	require.NoError(t, err)
	return reply
}

func initReq(path string, mode interfaces.OpenMode, pos interfaces.Position) *protocol.Request {
	return protocol.NewInitRequest(path, "server-test", false, mode, pos, compress.MethodNone, 16, 4096)
}

func testMessages(n int) []interfaces.Message {
	msgs := make([]interfaces.Message, n)
	for i := range msgs {
		msgs[i] = interfaces.Message{Type: int32(i%2 + 1), Subtype: 7, Payload: []byte{byte('a' + i)}}
	}
	return msgs
}

func TestServerPing(t *testing.T) {
	_, addr := startTestServer(t, nil)

	ident, err := transport.Ping(context.Background(), addr, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fmq-server/1.0.0", ident)
}

func TestServerWriteThenRead(t *testing.T) {
	srv, addr := startTestServer(t, nil)

	writer := dialTest(t, addr)
	require.NoError(t, call(t, writer, initReq("orders", interfaces.ModeCreate, interfaces.PositionEnd)).Err())
	require.NoError(t, call(t, writer, protocol.NewWriteRequest(testMessages(3))).Err())

	reader := dialTest(t, addr)
	require.NoError(t, call(t, reader, initReq("orders", interfaces.ModeReadOnly, interfaces.PositionStart)).Err())

	reply := call(t, reader, protocol.NewReadRequest(interfaces.AnyType(), 0, 10))
	require.NoError(t, reply.Err())
	require.Len(t, reply.Messages, 3)
	for i, m := range reply.Messages {
		assert.Equal(t, int64(i+1), m.ID)
		assert.Equal(t, []byte{byte('a' + i)}, m.Payload)
		assert.Equal(t, int32(7), m.Subtype)
	}

	stats := srv.Stats()
	assert.Equal(t, int64(3), stats.MessagesWritten)
	assert.Equal(t, int64(3), stats.MessagesRead)
	assert.Equal(t, 2, stats.OpenQueues)
	assert.Equal(t, int64(4), stats.Requests)
	assert.Positive(t, stats.BytesReceived)
	assert.Positive(t, stats.BytesSent)
}

func TestServerReadBatchLimitAndFilter(t *testing.T) {
	_, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	require.NoError(t, call(t, c, initReq("batch", interfaces.ModeCreate, interfaces.PositionStart)).Err())
	require.NoError(t, call(t, c, protocol.NewWriteRequest(testMessages(5))).Err())

	reply := call(t, c, protocol.NewReadRequest(interfaces.AnyType(), 0, 2))
	require.NoError(t, reply.Err())
	require.Len(t, reply.Messages, 2)

	// remaining messages come back raw; the caller applies the filter
	reply = call(t, c, protocol.NewReadRequest(interfaces.Types(2), 0, 10))
	require.NoError(t, reply.Err())
	require.Len(t, reply.Messages, 3)
	assert.Equal(t, int64(3), reply.Messages[0].ID)
}

func TestServerSeek(t *testing.T) {
	_, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	require.NoError(t, call(t, c, initReq("seek", interfaces.ModeCreate, interfaces.PositionEnd)).Err())
	require.NoError(t, call(t, c, protocol.NewWriteRequest(testMessages(5))).Err())

	require.NoError(t, call(t, c, protocol.NewSeekToIDRequest(2)).Err())
	reply := call(t, c, protocol.NewReadRequest(interfaces.AnyType(), 0, 10))
	require.Len(t, reply.Messages, 3)
	assert.Equal(t, int64(3), reply.Messages[0].ID)

	require.NoError(t, call(t, c, protocol.NewSeekRequest(interfaces.PositionLast)).Err())
	reply = call(t, c, protocol.NewReadRequest(interfaces.AnyType(), 0, 10))
	require.Len(t, reply.Messages, 1)
	assert.Equal(t, int64(5), reply.Messages[0].ID)

	reply = call(t, c, protocol.NewSeekRequest(interfaces.Position(99)))
	assert.False(t, reply.OK)
}

func TestServerCompressedQueue(t *testing.T) {
	_, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	req := initReq("zq", interfaces.ModeCreate, interfaces.PositionStart)
	req.Compression = compress.MethodZstd
	require.NoError(t, call(t, c, req).Err())

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte('x')
	}
	require.NoError(t, call(t, c, protocol.NewWriteRequest([]interfaces.Message{{Type: 1, Payload: payload}})).Err())

	reply := call(t, c, protocol.NewReadRequest(interfaces.AnyType(), 0, 1))
	require.NoError(t, reply.Err())
	require.Len(t, reply.Messages, 1)
	assert.Equal(t, payload, reply.Messages[0].Payload)
}

func TestServerRequestWithoutInit(t *testing.T) {
	_, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	reply := call(t, c, protocol.NewReadRequest(interfaces.AnyType(), 0, 1))
	assert.False(t, reply.OK)
	assert.Equal(t, uint16(fmqerrors.Closed), reply.Code)
	assert.True(t, fmqerrors.IsClosed(reply.Err()))

	// CLOSE without a queue is harmless
	assert.NoError(t, call(t, c, protocol.NewRequest(protocol.OpClose)).Err())
}

func TestServerOpenMissingQueue(t *testing.T) {
	_, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	reply := call(t, c, initReq("missing", interfaces.ModeReadOnly, interfaces.PositionEnd))
	assert.False(t, reply.OK)
	assert.Equal(t, uint16(fmqerrors.OpenFailed), reply.Code)
	assert.Contains(t, reply.Error, "does not exist")
}

func TestServerBlockingOpenTimesOut(t *testing.T) {
	_, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	req := initReq("later", interfaces.ModeBlockingReadOnly, interfaces.PositionEnd)
	req.Timeout = 20 * time.Millisecond

	reply := call(t, c, req)
	assert.False(t, reply.OK)
	assert.True(t, fmqerrors.IsTimeout(reply.Err()))
}

func TestServerBlockingOpenWaitsForCreate(t *testing.T) {
	_, addr := startTestServer(t, nil)

	waiter := dialTest(t, addr)
	req := initReq("later", interfaces.ModeBlockingReadOnly, interfaces.PositionEnd)
	req.Timeout = 5 * time.Second

	done := make(chan *protocol.Reply, 1)
	go func() {
		reply, err := waiter.Call(context.Background(), req)
		if err != nil {
			reply = protocol.NewErrorReply(protocol.OpInit, err)
		}
		done <- reply
	}()

	time.Sleep(50 * time.Millisecond)
	creator := dialTest(t, addr)
	require.NoError(t, call(t, creator, initReq("later", interfaces.ModeCreate, interfaces.PositionEnd)).Err())
	require.NoError(t, call(t, creator, protocol.NewWriteRequest(testMessages(1))).Err())

	select {
	case reply := <-done:
		require.NoError(t, reply.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("blocking open did not complete")
	}

	// the open waited, so the reader starts at the beginning
	reply := call(t, waiter, protocol.NewReadRequest(interfaces.AnyType(), time.Second, 10))
	require.NoError(t, reply.Err())
	require.Len(t, reply.Messages, 1)
}

func TestServerReadWaits(t *testing.T) {
	_, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	require.NoError(t, call(t, c, initReq("idle", interfaces.ModeCreate, interfaces.PositionEnd)).Err())

	start := time.Now()
	reply := call(t, c, protocol.NewReadRequest(interfaces.AnyType(), 50*time.Millisecond, 1))
	require.NoError(t, reply.Err())
	assert.Empty(t, reply.Messages)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestServerSessionInfo(t *testing.T) {
	srv, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	require.NoError(t, call(t, c, initReq("info", interfaces.ModeCreate, interfaces.PositionEnd)).Err())

	infos := srv.SessionInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, "server-test", infos[0].ProgName)
	assert.Equal(t, srv.resolvePath("info"), infos[0].QueuePath)
	assert.Equal(t, interfaces.ModeCreate, infos[0].Mode)
	assert.Len(t, infos[0].ID, 16)

	// re-INIT replaces the queue instead of adding one
	require.NoError(t, call(t, c, initReq("info2", interfaces.ModeCreate, interfaces.PositionEnd)).Err())
	assert.Equal(t, 1, srv.Stats().OpenQueues)

	require.NoError(t, call(t, c, protocol.NewRequest(protocol.OpClose)).Err())
	assert.Equal(t, 0, srv.Stats().OpenQueues)
}

func TestServerMaxConnections(t *testing.T) {
	_, addr := startTestServer(t, func(b *ServerBuilder) { b.WithMaxConnections(1) })

	first := dialTest(t, addr)
	require.NoError(t, call(t, first, initReq("limit", interfaces.ModeCreate, interfaces.PositionEnd)).Err())

	_, err := transport.Ping(context.Background(), addr, 500*time.Millisecond)
	assert.Error(t, err)

	// the first session is unaffected
	require.NoError(t, call(t, first, protocol.NewWriteRequest(testMessages(1))).Err())
}

func TestServerIdleTimeout(t *testing.T) {
	srv, addr := startTestServer(t, func(b *ServerBuilder) { b.WithIdleTimeout(50 * time.Millisecond) })

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return len(srv.SessionInfos()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(srv.SessionInfos()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerConnectionTimeout(t *testing.T) {
	srv, addr := startTestServer(t, func(b *ServerBuilder) { b.WithConnectionTimeout(50 * time.Millisecond) })

	silent, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer silent.Close()
	require.Eventually(t, func() bool { return len(srv.SessionInfos()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(srv.SessionInfos()) == 0 }, 2*time.Second, 10*time.Millisecond)

	// once a frame arrived the connection timeout no longer applies
	c := dialTest(t, addr)
	require.NoError(t, call(t, c, initReq("quiet", interfaces.ModeCreate, interfaces.PositionEnd)).Err())
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, call(t, c, protocol.NewWriteRequest(testMessages(1))).Err())
}

func TestServerCapsBlockingOpenWait(t *testing.T) {
	_, addr := startTestServer(t, func(b *ServerBuilder) { b.WithOpenTimeout(50 * time.Millisecond) })

	c := dialTest(t, addr)
	req := initReq("never", interfaces.ModeBlockingReadOnly, interfaces.PositionEnd)
	req.Timeout = 10 * time.Second

	started := time.Now()
	reply := call(t, c, req)
	assert.False(t, reply.OK)
	assert.True(t, fmqerrors.IsTimeout(reply.Err()))
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestServerReplyCursorAndWritten(t *testing.T) {
	_, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	req := initReq("cursor", interfaces.ModeCreate, interfaces.PositionEnd)
	req.NumSlots, req.BufSize = 8, 64
	reply := call(t, c, req)
	require.NoError(t, reply.Err())
	assert.Equal(t, int64(1), reply.Cursor)

	msgs := testMessages(2)
	msgs = append(msgs, interfaces.Message{Type: 1, Payload: make([]byte, 100)})
	reply = call(t, c, protocol.NewWriteRequest(msgs))
	assert.True(t, fmqerrors.IsQueueFull(reply.Err()))
	assert.Equal(t, uint32(2), reply.Written)

	reply = call(t, c, protocol.NewSeekToIDRequest(1))
	require.NoError(t, reply.Err())
	assert.Equal(t, int64(2), reply.Cursor)

	reply = call(t, c, protocol.NewSeekRequest(interfaces.PositionStart))
	require.NoError(t, reply.Err())
	assert.Equal(t, int64(1), reply.Cursor)
}

func TestServerStopClosesSessions(t *testing.T) {
	srv, addr := startTestServer(t, nil)

	c := dialTest(t, addr)
	require.NoError(t, call(t, c, initReq("stop", interfaces.ModeCreate, interfaces.PositionEnd)).Err())

	require.NoError(t, srv.Stop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Wait(ctx))
	assert.Equal(t, 0, srv.Stats().OpenQueues)

	_, err := c.Call(context.Background(), protocol.NewReadRequest(interfaces.AnyType(), 0, 1))
	assert.Error(t, err)
}
