package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/protocol"
)

func TestPing(t *testing.T) {
	srv := newFakeServer(t, echoHandler)

	ident, err := Ping(context.Background(), srv.addr(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fake/1.0", ident)
}

func TestPingWrongFrame(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn, f *protocol.Frame) bool {
		_ = protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.FrameReply, Seq: f.Seq})
		return true
	})

	_, err := Ping(context.Background(), srv.addr(), time.Second)
	require.Error(t, err)
	assert.True(t, fmqerrors.IsProtocolError(err))
}

func TestPingLocator(t *testing.T) {
	srv := newFakeServer(t, echoHandler)
	host, portStr, err := net.SplitHostPort(srv.addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	var loc Locator = &PingLocator{Timeout: time.Second}
	addr, err := loc.Locate(context.Background(), host, port)
	require.NoError(t, err)
	assert.Equal(t, srv.addr(), addr)

	srv.ln.Close()
	_, err = loc.Locate(context.Background(), host, port)
	assert.True(t, fmqerrors.IsTransportError(err))
}
