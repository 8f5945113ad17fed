package protocol

import (
	"fmt"
	"time"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
)

// Opcode identifies a request and is echoed in its reply.
type Opcode byte

const (
	OpInit Opcode = iota + 1
	OpRead
	OpWrite
	OpSeek
	OpSeekToID
	OpSetCompression
	OpSetBlockingWrite
	OpSetSingleWriter
	OpSetRegisterWithDmap
	OpClose
)

var opcodeNames = map[Opcode]string{
	OpInit:                "INIT",
	OpRead:                "READ",
	OpWrite:               "WRITE",
	OpSeek:                "SEEK",
	OpSeekToID:            "SEEK_TO_ID",
	OpSetCompression:      "SET_COMPRESSION",
	OpSetBlockingWrite:    "SET_BLOCKING_WRITE",
	OpSetSingleWriter:     "SET_SINGLE_WRITER",
	OpSetRegisterWithDmap: "SET_REGISTER_WITH_DMAP",
	OpClose:               "CLOSE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", byte(o))
}

// Valid reports whether o is a known opcode.
func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Request is one client call. Only the fields of its opcode are encoded.
type Request struct {
	Opcode Opcode

	// INIT
	URL         string
	ProgName    string
	Debug       bool
	Mode        interfaces.OpenMode
	Position    interfaces.Position // also SEEK
	Compression compress.Method     // also SET_COMPRESSION
	NumSlots    int32
	BufSize     int64

	// READ
	Filter interfaces.TypeFilter
	// Timeout is the READ wait, or for INIT in a blocking mode how long the
	// server may wait for the queue to appear. Milliseconds on the wire.
	Timeout     time.Duration
	MaxMessages int32

	// WRITE
	Messages []interfaces.Message

	// SEEK_TO_ID
	ID int64

	// SET_REGISTER_WITH_DMAP
	Enable   bool
	Interval time.Duration // millisecond resolution on the wire
}

// NewInitRequest builds the handshake that opens the server-side queue.
func NewInitRequest(url, progName string, debug bool, mode interfaces.OpenMode, pos interfaces.Position,
	method compress.Method, numSlots int32, bufSize int64) *Request {
	return &Request{
		Opcode:      OpInit,
		URL:         url,
		ProgName:    progName,
		Debug:       debug,
		Mode:        mode,
		Position:    pos,
		Compression: method,
		NumSlots:    numSlots,
		BufSize:     bufSize,
	}
}

// NewReadRequest asks for up to max messages, waiting up to timeout for one
// matching filter.
func NewReadRequest(filter interfaces.TypeFilter, timeout time.Duration, max int32) *Request {
	return &Request{Opcode: OpRead, Filter: filter, Timeout: timeout, MaxMessages: max}
}

// NewWriteRequest carries a batch of messages. A message with Compression set
// travels compressed.
func NewWriteRequest(msgs []interfaces.Message) *Request {
	return &Request{Opcode: OpWrite, Messages: msgs}
}

func NewSeekRequest(pos interfaces.Position) *Request {
	return &Request{Opcode: OpSeek, Position: pos}
}

func NewSeekToIDRequest(id int64) *Request {
	return &Request{Opcode: OpSeekToID, ID: id}
}

func NewSetCompressionRequest(method compress.Method) *Request {
	return &Request{Opcode: OpSetCompression, Compression: method}
}

func NewSetRegisterWithDmapRequest(enable bool, interval time.Duration) *Request {
	return &Request{Opcode: OpSetRegisterWithDmap, Enable: enable, Interval: interval}
}

// NewRequest builds a request for an opcode without arguments.
func NewRequest(op Opcode) *Request {
	return &Request{Opcode: op}
}

// MarshalBinary assembles the request payload: the opcode byte followed by
// its big-endian arguments.
func (r *Request) MarshalBinary() ([]byte, error) {
	e := newEncoder()
	e.u8(byte(r.Opcode))

	switch r.Opcode {
	case OpInit:
		if err := e.str(r.URL); err != nil {
			putBuffer(e.buf)
			return nil, fmqerrors.NewMalformed("url: "+err.Error(), byte(r.Opcode))
		}
		if err := e.str(r.ProgName); err != nil {
			putBuffer(e.buf)
			return nil, fmqerrors.NewMalformed("prog name: "+err.Error(), byte(r.Opcode))
		}
		e.bool(r.Debug)
		e.u8(byte(r.Mode))
		e.u8(byte(r.Position))
		e.u8(byte(r.Compression))
		e.i32(r.NumSlots)
		e.i64(r.BufSize)
		e.u32(uint32(r.Timeout / time.Millisecond))

	case OpRead:
		filter, err := r.Filter.MarshalBinary()
		if err != nil {
			putBuffer(e.buf)
			return nil, fmqerrors.NewMalformed("filter: "+err.Error(), byte(r.Opcode))
		}
		e.blob(filter)
		e.u32(uint32(r.Timeout / time.Millisecond))
		e.i32(r.MaxMessages)

	case OpWrite:
		e.u32(uint32(len(r.Messages)))
		for i := range r.Messages {
			m := &r.Messages[i]
			e.i32(m.Type)
			e.i32(m.Subtype)
			e.bool(m.Compressed())
			e.u8(byte(m.Compression))
			e.u32(uint32(m.UncompressedLen))
			e.blob(m.Payload)
		}

	case OpSeek:
		e.u8(byte(r.Position))

	case OpSeekToID:
		e.i64(r.ID)

	case OpSetCompression:
		e.u8(byte(r.Compression))

	case OpSetRegisterWithDmap:
		e.bool(r.Enable)
		e.u32(uint32(r.Interval / time.Millisecond))

	case OpSetBlockingWrite, OpSetSingleWriter, OpClose:

	default:
		putBuffer(e.buf)
		return nil, fmqerrors.NewMalformed(fmt.Sprintf("unknown opcode %d", r.Opcode), byte(r.Opcode))
	}

	return e.finish(), nil
}

// UnmarshalBinary disassembles a request payload.
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmqerrors.NewMalformed("empty request", 0)
	}

	*r = Request{Opcode: Opcode(data[0])}
	d := newDecoder(data[1:])

	switch r.Opcode {
	case OpInit:
		r.URL = d.str("url")
		r.ProgName = d.str("prog name")
		r.Debug = d.bool("debug")
		r.Mode = interfaces.OpenMode(d.u8("mode"))
		r.Position = interfaces.Position(d.u8("position"))
		r.Compression = compress.Method(d.u8("compression"))
		r.NumSlots = d.i32("num slots")
		r.BufSize = d.i64("buf size")
		r.Timeout = time.Duration(d.u32("open timeout")) * time.Millisecond

	case OpRead:
		filter := d.blob("filter")
		if d.err == nil {
			if err := r.Filter.UnmarshalBinary(filter); err != nil {
				return fmqerrors.NewMalformed(err.Error(), byte(r.Opcode))
			}
		}
		r.Timeout = time.Duration(d.u32("timeout")) * time.Millisecond
		r.MaxMessages = d.i32("max messages")

	case OpWrite:
		n := d.u32("message count")
		if d.err == nil && uint64(n) > uint64(len(data)) {
			return fmqerrors.NewMalformed(fmt.Sprintf("message count %d exceeds payload", n), byte(r.Opcode))
		}
		r.Messages = make([]interfaces.Message, 0, n)
		for i := uint32(0); i < n && d.err == nil; i++ {
			var m interfaces.Message
			m.Type = d.i32("type")
			m.Subtype = d.i32("subtype")
			compressed := d.bool("compressed")
			m.Compression = compress.Method(d.u8("method"))
			m.UncompressedLen = int(d.u32("uncompressed length"))
			m.Payload = d.blob("payload")
			if !compressed {
				m.Compression = compress.MethodNone
			}
			r.Messages = append(r.Messages, m)
		}

	case OpSeek:
		r.Position = interfaces.Position(d.u8("position"))

	case OpSeekToID:
		r.ID = d.i64("id")

	case OpSetCompression:
		r.Compression = compress.Method(d.u8("compression"))

	case OpSetRegisterWithDmap:
		r.Enable = d.bool("enable")
		r.Interval = time.Duration(d.u32("interval")) * time.Millisecond

	case OpSetBlockingWrite, OpSetSingleWriter, OpClose:

	default:
		return fmqerrors.NewMalformed(fmt.Sprintf("unknown opcode %d", data[0]), data[0])
	}

	if err := d.done(); err != nil {
		return fmqerrors.NewMalformed(err.Error(), byte(r.Opcode))
	}
	return nil
}
