package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/internal/poll"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultNumSlots     = 1024
	DefaultBufSize      = 1 << 20
	DefaultPollInterval = poll.DefaultInterval
)

// State is the lifecycle state of a handle.
type State int32

const (
	StateClosed State = iota
	StateWaiting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateWaiting:
		return "waiting_for_queue"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures Open.
type Options struct {
	Mode        interfaces.OpenMode
	Position    interfaces.Position
	Compression compress.Method

	// Geometry used when the queue is created. Existing queues keep theirs.
	NumSlots int
	BufSize  int64

	PollInterval        time.Duration
	BlockingReadTimeout time.Duration
	OpenTimeout         time.Duration
	LockTimeout         time.Duration

	// Sync calls fdatasync on the buffer and status files after each write.
	Sync bool

	ProgName  string
	Heartbeat interfaces.Heartbeat
	Registrar interfaces.Registrar
	Logger    *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Mode == 0 {
		o.Mode = interfaces.ModeReadWrite
	}
	if o.Position == 0 {
		o.Position = interfaces.PositionEnd
	}
	if o.NumSlots <= 0 {
		o.NumSlots = DefaultNumSlots
	}
	if o.BufSize <= 0 {
		o.BufSize = DefaultBufSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Queue is one process's handle on a file message queue. A handle carries a
// reader cursor and, for writable modes, the writer path. It is safe for use
// by multiple goroutines but is normally owned by one.
type Queue struct {
	path   string
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	stat       *os.File
	buf        *os.File
	readOnly   bool
	lock       *writerLock
	generation int64

	// reader cursor: id of the next message to inspect
	nextID   int64
	overruns int64

	evictions int64

	compression   compress.Method
	singleWriter  bool
	register      bool
	registerEvery time.Duration
	lastRegister  time.Time

	errs []string
}

// Open opens or creates the queue at path according to opts.Mode.
func Open(ctx context.Context, path string, opts Options) (*Queue, error) {
	opts.applyDefaults()

	if path == "" {
		return nil, fmqerrors.NewInvalidArgument("open", "empty queue path")
	}
	if !opts.Mode.Valid() {
		return nil, fmqerrors.NewInvalidArgument("open", fmt.Sprintf("invalid open mode %d", opts.Mode))
	}
	if !opts.Position.Valid() || opts.Position == interfaces.PositionBack {
		return nil, fmqerrors.NewInvalidArgument("open", fmt.Sprintf("invalid open position %s", opts.Position))
	}
	if !opts.Compression.Valid() {
		return nil, fmqerrors.NewInvalidArgument("open", fmt.Sprintf("invalid compression method %d", opts.Compression))
	}

	q := &Queue{
		path:        path,
		opts:        opts,
		logger:      opts.Logger.With(zap.String("queue", path)),
		lock:        newWriterLock(path),
		compression: opts.Compression,
	}

	position := opts.Position
	var err error
	switch opts.Mode {
	case interfaces.ModeCreate:
		err = q.create(ctx)
	case interfaces.ModeReadWrite:
		err = q.openOrCreate(ctx)
	case interfaces.ModeReadOnly:
		err = q.openExisting()
	case interfaces.ModeBlockingReadOnly, interfaces.ModeBlockingReadWrite:
		var waited bool
		waited, err = q.waitForQueue(ctx)
		if err == nil && waited && position != interfaces.PositionStart {
			// nothing written since creation may be skipped
			q.logger.Debug("Blocking open forces start position",
				zap.String("requested", position.String()))
			position = interfaces.PositionStart
		}
	}
	if err != nil {
		q.closeFiles()
		return nil, err
	}

	h, err := q.readHeader()
	if err != nil {
		q.closeFiles()
		return nil, fmqerrors.NewOpenError(path, "failed to read status", err)
	}
	q.generation = h.generation
	q.singleWriter = h.singleWriter()
	q.seekLocked(&h, position)
	q.state = StateOpen

	q.logger.Debug("Queue opened",
		zap.String("mode", opts.Mode.String()),
		zap.String("position", position.String()),
		zap.Int("num_slots", h.numSlots),
		zap.Int64("buf_size", h.bufSize),
		zap.Int64("next_id", q.nextID))

	return q, nil
}

// Path returns the queue path the handle was opened with.
func (q *Queue) Path() string {
	return q.path
}

// State returns the handle lifecycle state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Writable reports whether the handle may write.
func (q *Queue) Writable() bool {
	return q.opts.Mode.Writable() && !q.readOnly
}

func (q *Queue) create(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmqerrors.NewOpenError(q.path, "failed to create queue directory", err)
	}
	if err := q.lock.Lock(ctx, q.opts.LockTimeout); err != nil {
		return fmqerrors.NewOpenError(q.path, "failed to lock queue for create", err)
	}
	defer q.lock.Unlock()

	return q.createLocked()
}

// createLocked initialises the files. An existing queue keeps its inode so
// other processes' descriptors stay valid; they notice the new generation.
func (q *Queue) createLocked() error {
	var err error
	if q.stat == nil {
		q.stat, err = os.OpenFile(q.path+StatSuffix, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return fmqerrors.NewOpenError(q.path, "failed to create status file", err)
		}
	}
	if q.buf == nil {
		q.buf, err = os.OpenFile(q.path+BufSuffix, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return fmqerrors.NewOpenError(q.path, "failed to create buffer file", err)
		}
	}

	h := newHeader(q.opts.NumSlots, q.opts.BufSize, q.compression, time.Now().UnixNano())

	if err := q.buf.Truncate(h.bufSize); err != nil {
		return fmqerrors.NewOpenError(q.path, "failed to size buffer file", err)
	}
	if err := q.stat.Truncate(h.statSize()); err != nil {
		return fmqerrors.NewOpenError(q.path, "failed to size status file", err)
	}
	// a previous incarnation may have left slot records behind
	if _, err := q.stat.WriteAt(make([]byte, int64(h.numSlots)*slotSize), headerSize); err != nil {
		return fmqerrors.NewOpenError(q.path, "failed to clear slot table", err)
	}

	b := make([]byte, headerSize)
	h.encode(b)
	if _, err := q.stat.WriteAt(b, 0); err != nil {
		return fmqerrors.NewOpenError(q.path, "failed to write status header", err)
	}

	hostname, _ := os.Hostname()
	info := &Info{
		Path:          q.path,
		ProgName:      q.opts.ProgName,
		Host:          hostname,
		PID:           os.Getpid(),
		CreatedAt:     time.Unix(0, h.generation),
		NumSlots:      h.numSlots,
		BufSize:       h.bufSize,
		Compression:   h.compression,
		LayoutVersion: LayoutVersion,
	}
	if err := writeInfo(q.path, info); err != nil {
		// the descriptor is informational
		q.logger.Warn("Failed to write queue info", zap.Error(err))
	}

	q.logger.Info("Queue created",
		zap.Int("num_slots", h.numSlots),
		zap.Int64("buf_size", h.bufSize),
		zap.String("compression", h.compression.String()))
	return nil
}

func (q *Queue) openOrCreate(ctx context.Context) error {
	err := q.openExisting()
	if err == nil {
		return nil
	}
	if !fmqerrors.IsOpenError(err) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmqerrors.NewOpenError(q.path, "failed to create queue directory", err)
	}
	if err := q.lock.Lock(ctx, q.opts.LockTimeout); err != nil {
		return fmqerrors.NewOpenError(q.path, "failed to lock queue for create", err)
	}
	defer q.lock.Unlock()

	// another writer may have created it while we waited for the lock
	if err := q.openExisting(); err == nil {
		return nil
	}
	q.closeFiles()
	return q.createLocked()
}

// openExisting opens the files of a queue that must already exist and
// validates its header.
func (q *Queue) openExisting() error {
	q.closeFiles()

	stat, readOnly, err := openQueueFile(q.path+StatSuffix, q.opts.Mode.Writable())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmqerrors.NewQueueNotFound(q.path)
		}
		return fmqerrors.NewOpenError(q.path, "failed to open status file", err)
	}
	q.stat = stat
	q.readOnly = readOnly

	buf, _, err := openQueueFile(q.path+BufSuffix, q.opts.Mode.Writable() && !readOnly)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmqerrors.NewQueueNotFound(q.path)
		}
		return fmqerrors.NewOpenError(q.path, "failed to open buffer file", err)
	}
	q.buf = buf

	h, err := q.readHeader()
	if err != nil {
		return fmqerrors.NewQueueCorrupt(q.path, err.Error())
	}

	fi, err := q.buf.Stat()
	if err != nil {
		return fmqerrors.NewOpenError(q.path, "failed to stat buffer file", err)
	}
	if fi.Size() < h.bufSize {
		return fmqerrors.NewQueueCorrupt(q.path,
			fmt.Sprintf("buffer file is %d bytes, header says %d", fi.Size(), h.bufSize))
	}

	if q.opts.Mode.Writable() && (h.numSlots != q.opts.NumSlots || h.bufSize != q.opts.BufSize) {
		q.logger.Warn("Existing queue geometry differs from requested, using existing",
			zap.Int("num_slots", h.numSlots),
			zap.Int64("buf_size", h.bufSize),
			zap.Int("requested_num_slots", q.opts.NumSlots),
			zap.Int64("requested_buf_size", q.opts.BufSize))
	}
	return nil
}

// openQueueFile opens read-write when asked, falling back to read-only for
// readers on a read-only file system. Readers still prefer read-write so they
// can publish their read position in blocking-write mode.
func openQueueFile(path string, writable bool) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err == nil {
		return f, false, nil
	}
	if writable || errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	f, err = os.Open(path)
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// waitForQueue polls until another process creates the queue. It reports
// whether it had to wait.
func (q *Queue) waitForQueue(ctx context.Context) (bool, error) {
	if err := q.openExisting(); err == nil {
		return false, nil
	}

	q.mu.Lock()
	q.state = StateWaiting
	q.mu.Unlock()

	q.logger.Info("Waiting for queue to be created")

	err := poll.Until(ctx, q.opts.PollInterval, q.opts.OpenTimeout, q.opts.Heartbeat,
		"waiting for queue "+q.path,
		func(context.Context) (bool, error) {
			err := q.openExisting()
			if err == nil {
				return true, nil
			}
			if fmqerrors.IsOpenError(err) {
				return false, nil
			}
			return false, err
		})
	if err != nil {
		q.mu.Lock()
		q.state = StateClosed
		q.mu.Unlock()
		return true, fmqerrors.NewOpenError(q.path, "gave up waiting for queue", err)
	}
	return true, nil
}

// Close releases the handle. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateClosed {
		return nil
	}
	q.state = StateClosed
	err := errors.Join(q.lock.Unlock(), q.closeFiles())
	q.logger.Debug("Queue closed", zap.Int64("next_id", q.nextID))
	return err
}

func (q *Queue) closeFiles() error {
	var errs []error
	if q.buf != nil {
		if err := q.buf.Close(); err != nil {
			errs = append(errs, err)
		}
		q.buf = nil
	}
	if q.stat != nil {
		if err := q.stat.Close(); err != nil {
			errs = append(errs, err)
		}
		q.stat = nil
	}
	return errors.Join(errs...)
}

// ErrStr returns every error recorded on this handle, one per line.
func (q *Queue) ErrStr() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return strings.Join(q.errs, "\n")
}

// recordErr appends err to the error text and returns it unchanged.
func (q *Queue) recordErr(err error) error {
	if err != nil {
		q.errs = append(q.errs, err.Error())
	}
	return err
}

func (q *Queue) checkOpen(op string) error {
	if q.state != StateOpen {
		return fmt.Errorf("%s: %w", op, fmqerrors.ErrClosed)
	}
	return nil
}

// Stats is a snapshot of the status region plus this handle's cursor.
type Stats struct {
	Path          string
	NumSlots      int
	BufSize       int64
	LastID        int64
	OldestID      int64
	Live          int64
	NextOffset    int64
	LiveBytes     int64
	LastIDRead    int64
	Generation    int64
	LastWrite     time.Time
	Compression   compress.Method
	SingleWriter  bool
	BlockingWrite bool
	NextReadID    int64
	Overruns      int64
	// Evictions counts messages this handle evicted to make room.
	Evictions int64
}

// Stats reads the status header.
func (q *Queue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("stats"); err != nil {
		return Stats{}, err
	}
	h, err := q.readHeader()
	if err != nil {
		return Stats{}, q.recordErr(fmqerrors.NewQueueCorrupt(q.path, err.Error()))
	}

	s := Stats{
		Path:          q.path,
		NumSlots:      h.numSlots,
		BufSize:       h.bufSize,
		LastID:        h.lastID,
		OldestID:      h.oldestID,
		Live:          h.liveCount(),
		NextOffset:    h.nextOffset,
		LiveBytes:     h.liveBytes,
		LastIDRead:    h.lastIDRead,
		Generation:    h.generation,
		Compression:   h.compression,
		SingleWriter:  h.singleWriter(),
		BlockingWrite: h.blockingWrite(),
		NextReadID:    q.nextID,
		Overruns:      q.overruns,
		Evictions:     q.evictions,
	}
	if h.lastWriteTime != 0 {
		s.LastWrite = time.Unix(0, h.lastWriteTime)
	}
	return s, nil
}

// maxHeaderSpins bounds how many torn snapshots a reader retries before
// deciding whether the header is settled or still being rewritten.
const maxHeaderSpins = 1000

// headerSettle is how long a header with an odd commit sequence must stay
// unchanged to be taken as the remains of an interrupted commit.
const headerSettle = time.Millisecond

// errHeaderBusy is returned when no consistent header could be read.
var errHeaderBusy = errors.New("status header kept changing while being read")

// readHeader returns a consistent snapshot of the status header. Writers set
// commitSeq odd before rewriting the header and even after, so a snapshot is
// accepted only when the sequence is even and unchanged across the read.
//
// A writer that dies mid-commit leaves the sequence odd until the next
// commit. Such a header is accepted only if it stays byte-for-byte the same
// over headerSettle; anything still moving fails with errHeaderBusy.
func (q *Queue) readHeader() (header, error) {
	b := make([]byte, headerSize)
	seq := make([]byte, 8)

	for spin := 0; spin < maxHeaderSpins; spin++ {
		if err := readFull(q.stat, b, 0); err != nil {
			return header{}, err
		}
		if leUint64(b[offCommitSeq:])%2 == 0 {
			if err := readFull(q.stat, seq, offCommitSeq); err != nil {
				return header{}, err
			}
			if bytes.Equal(seq, b[offCommitSeq:offCommitSeq+8]) {
				return decodeHeader(b)
			}
		}
		runtime.Gosched()
	}

	settled := bytes.Clone(b)
	time.Sleep(headerSettle)
	if err := readFull(q.stat, b, 0); err != nil {
		return header{}, err
	}
	if !bytes.Equal(settled, b) {
		return header{}, errHeaderBusy
	}
	return decodeHeader(b)
}

func readFull(f *os.File, b []byte, off int64) error {
	n, err := f.ReadAt(b, off)
	if n == len(b) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (q *Queue) readSlot(h *header, id int64) (slotRecord, error) {
	b := make([]byte, slotSize)
	off := int64(headerSize) + int64(h.slotIndex(id))*slotSize
	if err := readFull(q.stat, b, off); err != nil {
		return slotRecord{}, err
	}
	return decodeSlot(b), nil
}
