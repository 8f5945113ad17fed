package protocol

import (
	"fmt"
	"time"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
)

// Reply answers exactly one Request. A failed request carries OK=false, the
// server's error code and its error text; READ replies carry zero or more
// messages.
//
// Cursor is the id the session's next read starts from, set by INIT, SEEK and
// SEEK_TO_ID. Written is the number of messages a WRITE committed, which on
// failure may be fewer than were sent.
type Reply struct {
	Opcode   Opcode
	OK       bool
	Code     uint16
	Error    string
	Cursor   int64
	Written  uint32
	Messages []interfaces.Message
}

// NewReply builds a successful reply.
func NewReply(op Opcode, msgs ...interfaces.Message) *Reply {
	return &Reply{Opcode: op, OK: true, Messages: msgs}
}

// NewErrorReply builds a failed reply from err. Timeouts and closed handles
// keep their code even when wrapped in another error, so the client can
// tell a wait that ran out from a real failure.
func NewErrorReply(op Opcode, err error) *Reply {
	code := fmqerrors.GetErrorCode(err)
	switch {
	case fmqerrors.IsTimeout(err):
		code = fmqerrors.Timeout
	case fmqerrors.IsClosed(err):
		code = fmqerrors.Closed
	}
	return &Reply{Opcode: op, OK: false, Code: uint16(code), Error: err.Error()}
}

// Err returns the application-level failure carried by the reply, if any.
// The result is always a ProtocolError. Its cause is rebuilt from the code so
// errors.As and the errors.IsX helpers answer as they would for a local
// queue.
func (r *Reply) Err() error {
	if r.OK {
		return nil
	}
	switch int(r.Code) {
	case fmqerrors.Timeout:
		err := fmqerrors.NewReplyError(byte(r.Opcode), r.Error)
		err.Cause = fmqerrors.ErrTimeout
		return err
	case fmqerrors.Closed:
		err := fmqerrors.NewReplyError(byte(r.Opcode), r.Error)
		err.Cause = fmqerrors.ErrClosed
		return err
	}
	if cause := fmqerrors.FromCode(int(r.Code), r.Error); cause != nil {
		err := fmqerrors.NewProtocolError(fmqerrors.ReplyStatus, "server reported error", byte(r.Opcode))
		err.Cause = cause
		return err
	}
	return fmqerrors.NewReplyError(byte(r.Opcode), r.Error)
}

// MarshalBinary assembles the reply payload. Message payloads are written as
// they are, compressed or not.
func (r *Reply) MarshalBinary() ([]byte, error) {
	e := newEncoder()
	e.u8(byte(r.Opcode))
	e.bool(r.OK)
	e.u16(r.Code)

	errText := r.Error
	if len(errText) > 0xFFFF {
		errText = errText[:0xFFFF]
	}
	if err := e.str(errText); err != nil {
		putBuffer(e.buf)
		return nil, err
	}
	e.i64(r.Cursor)
	e.u32(r.Written)

	e.u32(uint32(len(r.Messages)))
	for i := range r.Messages {
		m := &r.Messages[i]
		e.i64(m.ID)
		e.i32(m.Type)
		e.i32(m.Subtype)
		e.i64(m.Time.UnixNano())
		e.bool(m.Compressed())
		e.u8(byte(m.Compression))
		e.u32(uint32(m.UncompressedLen))
		e.blob(m.Payload)
	}

	return e.finish(), nil
}

// UnmarshalBinary disassembles a reply payload without touching message
// payloads.
func (r *Reply) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmqerrors.NewMalformed("empty reply", 0)
	}

	*r = Reply{Opcode: Opcode(data[0])}
	d := newDecoder(data[1:])

	r.OK = d.bool("status")
	r.Code = d.u16("code")
	r.Error = d.str("error")
	r.Cursor = d.i64("cursor")
	r.Written = d.u32("written")

	n := d.u32("message count")
	if d.err == nil && uint64(n) > uint64(len(data)) {
		return fmqerrors.NewMalformed(fmt.Sprintf("message count %d exceeds payload", n), byte(r.Opcode))
	}
	if n > 0 {
		r.Messages = make([]interfaces.Message, 0, n)
	}
	for i := uint32(0); i < n && d.err == nil; i++ {
		var m interfaces.Message
		m.ID = d.i64("id")
		m.Type = d.i32("type")
		m.Subtype = d.i32("subtype")
		m.Time = time.Unix(0, d.i64("time"))
		compressed := d.bool("compressed")
		m.Compression = compress.Method(d.u8("method"))
		m.UncompressedLen = int(d.u32("uncompressed length"))
		m.Payload = d.blob("payload")
		if !compressed {
			m.Compression = compress.MethodNone
		}
		r.Messages = append(r.Messages, m)
	}

	if err := d.done(); err != nil {
		return fmqerrors.NewMalformed(err.Error(), byte(r.Opcode))
	}
	return nil
}

// LoadReply disassembles a reply and decompresses every compressed payload,
// so callers only ever see plain bytes. A payload that does not expand to its
// declared length fails with a DecompressionError.
func LoadReply(data []byte) (*Reply, error) {
	var r Reply
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	for i := range r.Messages {
		m := &r.Messages[i]
		if !m.Compressed() {
			continue
		}
		if !m.Compression.Valid() {
			return nil, fmqerrors.NewDecompressionError(m.ID, m.UncompressedLen, 0,
				fmt.Errorf("unknown compression method %d", m.Compression))
		}
		plain, err := compress.DecompressSized(m.Compression, m.Payload, m.UncompressedLen)
		if err != nil {
			return nil, fmqerrors.NewDecompressionError(m.ID, m.UncompressedLen, len(plain), err)
		}
		m.Payload = plain
		m.Compression = compress.MethodNone
	}
	return &r, nil
}
