package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/protocol"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	DialTimeout time.Duration
	// CallTimeout bounds one request/reply exchange. READ calls get their
	// own wait time on top of it.
	CallTimeout  time.Duration
	MaxFrameSize int
	Logger       *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Client is a connection to a queue server. Calls are strictly
// request/reply; a Client serialises concurrent callers.
//
// Any socket failure puts the client in an error state that sticks until
// Reopen. Callers check Err before a call to decide whether to reconnect.
type Client struct {
	addr   string
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
	seq  uint32
	err  error
}

// Dial connects to the queue server at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts.applyDefaults()
	c := &Client{
		addr:   addr,
		opts:   opts,
		logger: opts.Logger.With(zap.String("addr", addr)),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.opts.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.err = fmqerrors.NewTransportError("dial", c.addr, err)
		return c.err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	c.err = nil
	c.logger.Debug("Connected to queue server")
	return nil
}

// Err returns the sticky transport failure, or nil when the connection is
// usable.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil && c.err == nil {
		return fmqerrors.ErrClosed
	}
	return c.err
}

// Call sends req and waits for its reply. The returned error reports
// transport and framing failures only; a reply carrying a server-side
// failure is returned as is and surfaces through Reply.Err.
func (c *Client) Call(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	payload, err := req.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Opcode, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	if c.conn == nil {
		return nil, fmqerrors.ErrClosed
	}

	c.seq++
	seq := c.seq

	deadline := time.Now().Add(c.opts.CallTimeout)
	if req.Opcode == protocol.OpRead && req.Timeout > 0 {
		deadline = deadline.Add(req.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.fail("deadline", err)
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	frame := &protocol.Frame{Type: protocol.FrameRequest, Seq: seq, Payload: payload}
	if err := protocol.WriteFrame(c.conn, frame); err != nil {
		return nil, c.fail("send", ctxCause(ctx, err))
	}

	resp, err := protocol.ReadFrameLimit(c.rd, c.opts.MaxFrameSize)
	if err != nil {
		return nil, c.fail("receive", ctxCause(ctx, err))
	}
	if resp.Type != protocol.FrameReply || resp.Seq != seq {
		err := fmqerrors.NewMalformed(
			fmt.Sprintf("expected reply %d, got frame type %d seq %d", seq, resp.Type, resp.Seq),
			byte(req.Opcode))
		c.fail("receive", err)
		return nil, err
	}

	reply, err := protocol.LoadReply(resp.Payload)
	if err != nil {
		// A payload that does not decompress leaves the stream in sync.
		if !fmqerrors.IsDecompressionError(err) {
			c.fail("receive", err)
		}
		return nil, err
	}
	if reply.Opcode != req.Opcode {
		err := fmqerrors.NewMalformed(
			fmt.Sprintf("reply opcode %s does not match request", reply.Opcode), byte(req.Opcode))
		c.fail("receive", err)
		return nil, err
	}
	return reply, nil
}

// fail records a transport failure and drops the connection.
func (c *Client) fail(op string, cause error) error {
	c.err = fmqerrors.NewTransportError(op, c.addr, cause)
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.rd = nil
	}
	c.logger.Warn("Queue server connection failed", zap.String("op", op), zap.Error(cause))
	return c.err
}

// Reopen drops the current connection, if any, and dials again.
func (c *Client) Reopen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.seq = 0
	return c.connect(ctx)
}

// Close closes the connection. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.err = nil
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

func ctxCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
