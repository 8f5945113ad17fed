package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/protocol"
)

// DefaultPingTimeout bounds a locate probe.
const DefaultPingTimeout = 2 * time.Second

// Locator finds the queue server responsible for a host.
type Locator interface {
	Locate(ctx context.Context, host string, port int) (string, error)
}

// PingLocator treats the host's queue server as located when it answers a
// ping on the given port.
type PingLocator struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

func (l *PingLocator) Locate(ctx context.Context, host string, port int) (string, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ident, err := Ping(ctx, addr, l.Timeout)
	if err != nil {
		return "", err
	}
	if l.Logger != nil {
		l.Logger.Debug("Located queue server", zap.String("addr", addr), zap.String("server", ident))
	}
	return addr, nil
}

// Ping opens a short-lived connection to addr, exchanges a ping for a pong
// and returns the identification the server put in the pong.
func Ping(ctx context.Context, addr string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmqerrors.NewTransportError("ping", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.FramePing}); err != nil {
		return "", fmqerrors.NewTransportError("ping", addr, err)
	}
	frame, err := protocol.ReadFrameLimit(bufio.NewReader(conn), 64*1024)
	if err != nil {
		return "", fmqerrors.NewTransportError("ping", addr, err)
	}
	if frame.Type != protocol.FramePong {
		return "", fmqerrors.NewMalformed(fmt.Sprintf("expected pong, got frame type %d", frame.Type), 0)
	}
	return string(frame.Payload), nil
}
