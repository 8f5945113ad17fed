package interfaces

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/fmq/compress"
)

// OpenMode selects how a queue is opened.
type OpenMode uint8

const (
	// ModeCreate initialises a new queue, overwriting any existing one.
	ModeCreate OpenMode = iota + 1
	// ModeReadWrite opens an existing queue or creates it if absent.
	ModeReadWrite
	// ModeReadOnly fails if the queue does not exist.
	ModeReadOnly
	// ModeBlockingReadOnly waits for another process to create the queue.
	ModeBlockingReadOnly
	// ModeBlockingReadWrite waits for the queue like ModeBlockingReadOnly but
	// allows writes once it exists.
	ModeBlockingReadWrite
)

func (m OpenMode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeReadWrite:
		return "read_write"
	case ModeReadOnly:
		return "read_only"
	case ModeBlockingReadOnly:
		return "blocking_read_only"
	case ModeBlockingReadWrite:
		return "blocking_read_write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Blocking reports whether an open in this mode waits for the queue to exist.
func (m OpenMode) Blocking() bool {
	return m == ModeBlockingReadOnly || m == ModeBlockingReadWrite
}

// Writable reports whether handles opened in this mode may write.
func (m OpenMode) Writable() bool {
	return m == ModeCreate || m == ModeReadWrite || m == ModeBlockingReadWrite
}

// Valid reports whether m is a known mode.
func (m OpenMode) Valid() bool {
	return m >= ModeCreate && m <= ModeBlockingReadWrite
}

// ParseOpenMode converts a mode name as printed by String.
func ParseOpenMode(s string) (OpenMode, error) {
	for m := ModeCreate; m <= ModeBlockingReadWrite; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown open mode: %q", s)
}

// Position is where a reader cursor is placed on open or seek.
type Position uint8

const (
	// PositionStart is before the oldest live message.
	PositionStart Position = iota + 1
	// PositionEnd is after the newest message; only new writes will be read.
	PositionEnd
	// PositionLast re-reads the most recently written message.
	PositionLast
	// PositionBack steps the cursor back one message. Seek only.
	PositionBack
)

func (p Position) String() string {
	switch p {
	case PositionStart:
		return "start"
	case PositionEnd:
		return "end"
	case PositionLast:
		return "last"
	case PositionBack:
		return "back"
	default:
		return fmt.Sprintf("position(%d)", uint8(p))
	}
}

// Valid reports whether p is a known position.
func (p Position) Valid() bool {
	return p >= PositionStart && p <= PositionBack
}

// ParsePosition converts a position name as printed by String.
func ParsePosition(s string) (Position, error) {
	for p := PositionStart; p <= PositionBack; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown position: %q", s)
}

// Message is one queue entry. Payload is plain bytes unless Compression is
// set, which only happens on the raw read path used between server and codec.
type Message struct {
	ID              int64
	Type            int32
	Subtype         int32
	Time            time.Time
	Payload         []byte
	Compression     compress.Method
	UncompressedLen int
}

// Compressed reports whether Payload still needs decompressing.
func (m *Message) Compressed() bool {
	return m.Compression != compress.MethodNone
}

// Heartbeat is called during every blocking wait so a supervisor can tell the
// process is alive.
type Heartbeat func(label string)

// Registrar publishes "latest data" notifications for a queue to an external
// data mapper.
type Registrar interface {
	RegisterLatest(ctx context.Context, url string, latest time.Time) error
}

// QueueBackend is the set of operations a queue handle offers, implemented
// once for direct file access and once for a queue server.
type QueueBackend interface {
	ReadMsg(ctx context.Context, filter TypeFilter, timeout time.Duration) (Message, bool, error)
	ReadMsgBlocking(ctx context.Context, filter TypeFilter) (Message, error)
	// WriteMsgs returns how many of msgs were committed, also on error.
	WriteMsgs(ctx context.Context, msgs []Message) (int, error)
	Seek(ctx context.Context, pos Position) error
	SeekToID(ctx context.Context, id int64) error
	SetCompressionMethod(ctx context.Context, method compress.Method) error
	SetBlockingWrite(ctx context.Context) error
	SetSingleWriter(ctx context.Context) error
	SetRegisterWithDmap(ctx context.Context, enable bool, interval time.Duration) error
	Close(ctx context.Context) error
}
