package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/internal/poll"
)

// WriteMsg appends one message and returns once the status header records it.
func (q *Queue) WriteMsg(ctx context.Context, msgType, subtype int32, payload []byte) error {
	_, err := q.WriteMsgs(ctx, []interfaces.Message{{Type: msgType, Subtype: subtype, Payload: payload}})
	return err
}

// WriteMsgs appends msgs in order under a single writer-lock acquisition and
// returns how many were committed. Each message is committed on its own, so
// on failure the first n messages are in the queue and the rest are not.
// Messages arriving compressed are decompressed and stored according to the
// handle's compression method. A zero Time is stamped with the current time.
func (q *Queue) WriteMsgs(ctx context.Context, msgs []interfaces.Message) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("write"); err != nil {
		return 0, q.recordErr(err)
	}
	if !q.Writable() {
		return 0, q.recordErr(fmqerrors.NewInvalidArgument("write", "queue is not open for writing"))
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	written := 0
	err := q.withWriteLock(ctx, func(h *header) error {
		var last time.Time
		for i := range msgs {
			t, err := q.writeOne(ctx, h, &msgs[i])
			if err != nil {
				if written > 0 {
					q.maybeRegister(ctx, last)
				}
				return err
			}
			written++
			last = t
		}
		if q.opts.Sync {
			if err := q.syncFiles(); err != nil {
				return err
			}
		}
		q.maybeRegister(ctx, last)
		return nil
	})
	return written, q.recordErr(err)
}

// withWriteLock runs fn with the writer lock held (unless in single-writer
// mode) and a fresh header snapshot.
func (q *Queue) withWriteLock(ctx context.Context, fn func(h *header) error) error {
	h, err := q.readHeader()
	if err != nil {
		return fmqerrors.NewQueueCorrupt(q.path, err.Error())
	}

	if !q.singleWriter && !h.singleWriter() {
		if err := q.lock.Lock(ctx, q.opts.LockTimeout); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		defer q.lock.Unlock()

		h, err = q.readHeader()
		if err != nil {
			return fmqerrors.NewQueueCorrupt(q.path, err.Error())
		}
	}

	if h.generation != q.generation {
		q.logger.Info("Queue was re-created, repositioning reader to start",
			zap.Int64("old_generation", q.generation),
			zap.Int64("generation", h.generation))
		q.generation = h.generation
		q.nextID = h.oldestID
	}
	return fn(&h)
}

// writeOne stores a single message: make room, write the payload, then the
// slot, then the header. Until the header commit the message is invisible.
func (q *Queue) writeOne(ctx context.Context, h *header, msg *interfaces.Message) (time.Time, error) {
	payload := msg.Payload
	if msg.Compressed() {
		plain, err := compress.DecompressSized(msg.Compression, msg.Payload, msg.UncompressedLen)
		if err != nil {
			return time.Time{}, fmqerrors.NewDecompressionError(msg.ID, msg.UncompressedLen, len(plain), err)
		}
		payload = plain
	}

	stored, method := q.encodePayload(payload)
	n := int64(len(stored))
	if n > h.bufSize {
		return time.Time{}, fmqerrors.NewQueueFullError(len(stored), h.bufSize)
	}

	evicted, err := q.makeRoom(ctx, h, n)
	if err != nil {
		return time.Time{}, err
	}
	if evicted > 0 {
		// readers must stop trusting evicted slots before their bytes change
		if err := q.commitHeader(h); err != nil {
			return time.Time{}, err
		}
	}

	t := msg.Time
	if t.IsZero() {
		t = time.Now()
	}

	id := h.lastID + 1
	off, span := placement(h, n)
	if n > 0 {
		if _, err := q.buf.WriteAt(stored, off); err != nil {
			return time.Time{}, fmt.Errorf("failed to write payload: %w", err)
		}
	}

	slot := slotRecord{
		id:              id,
		msgType:         msg.Type,
		subtype:         msg.Subtype,
		time:            t.UnixNano(),
		offset:          off,
		storedLen:       len(stored),
		uncompressedLen: len(payload),
		compression:     method,
		active:          true,
		checksum:        checksum(stored),
		span:            span,
	}
	b := make([]byte, slotSize)
	slot.encode(b)
	if _, err := q.stat.WriteAt(b, int64(headerSize)+int64(h.slotIndex(id))*slotSize); err != nil {
		return time.Time{}, fmt.Errorf("failed to write slot: %w", err)
	}

	h.lastID = id
	h.nextOffset = off + n
	h.liveBytes += span
	h.writeSlot = h.slotIndex(id + 1)
	h.lastWriteTime = slot.time
	if err := q.commitHeader(h); err != nil {
		return time.Time{}, err
	}

	if evicted > 0 {
		q.evictions += evicted
		q.logger.Debug("Evicted messages",
			zap.Int64("count", evicted),
			zap.Int64("oldest_id", h.oldestID))
	}
	return t, nil
}

// encodePayload compresses with the handle's method, keeping the plain bytes
// whenever compression does not make them smaller.
func (q *Queue) encodePayload(payload []byte) ([]byte, compress.Method) {
	if q.compression == compress.MethodNone || len(payload) == 0 {
		return payload, compress.MethodNone
	}
	out, err := compress.Compress(q.compression, payload)
	if err != nil {
		q.logger.Warn("Compression failed, storing uncompressed",
			zap.String("method", q.compression.String()),
			zap.Error(err))
		return payload, compress.MethodNone
	}
	if len(out) == 0 || len(out) >= len(payload) {
		return payload, compress.MethodNone
	}
	return out, q.compression
}

// makeRoom evicts the oldest messages until n more bytes and one more slot
// fit. It returns the number of messages evicted.
func (q *Queue) makeRoom(ctx context.Context, h *header, n int64) (int64, error) {
	var evicted int64
	for {
		_, span := placement(h, n)
		slotsFull := h.liveCount() >= int64(h.numSlots)
		if !slotsFull && h.liveBytes+span <= h.bufSize {
			return evicted, nil
		}
		if h.empty() {
			// only the tail gap is in the way
			h.nextOffset = 0
			h.liveBytes = 0
			continue
		}
		if err := q.evictOldest(ctx, h); err != nil {
			return evicted, err
		}
		evicted++
	}
}

func (q *Queue) evictOldest(ctx context.Context, h *header) error {
	if h.blockingWrite() && h.lastIDRead < h.oldestID {
		if err := q.waitForReaders(ctx, h); err != nil {
			return err
		}
	}

	slot, err := q.readSlot(h, h.oldestID)
	if err != nil {
		return fmt.Errorf("failed to read slot %d: %w", h.oldestID, err)
	}
	if slot.id == h.oldestID {
		h.liveBytes -= slot.span
	} else {
		q.logger.Warn("Slot does not hold the oldest message",
			zap.Int64("expected_id", h.oldestID),
			zap.Int64("slot_id", slot.id))
	}
	h.oldestID++
	if h.liveBytes < 0 || h.empty() {
		h.liveBytes = 0
	}
	if h.empty() {
		h.nextOffset = 0
	}
	return nil
}

// waitForReaders blocks a blocking-write writer until some reader has
// consumed the oldest live message.
func (q *Queue) waitForReaders(ctx context.Context, h *header) error {
	q.logger.Debug("Write blocked until readers catch up",
		zap.Int64("oldest_id", h.oldestID),
		zap.Int64("last_id_read", h.lastIDRead))

	b := make([]byte, 8)
	return poll.Until(ctx, q.opts.PollInterval, 0, q.opts.Heartbeat, "write blocked "+q.path,
		func(context.Context) (bool, error) {
			if err := readFull(q.stat, b, offLastIDRead); err != nil {
				return false, err
			}
			h.lastIDRead = int64(leUint64(b))
			return h.lastIDRead >= h.oldestID, nil
		})
}

// commitHeader publishes h. commitSeq goes odd for the duration of the
// rewrite so readers can detect a torn snapshot.
func (q *Queue) commitHeader(h *header) error {
	if h.commitSeq%2 == 1 {
		h.commitSeq++
	}
	h.commitSeq++

	seq := make([]byte, 8)
	putLeUint64(seq, h.commitSeq)
	if _, err := q.stat.WriteAt(seq, offCommitSeq); err != nil {
		return fmt.Errorf("failed to write status header: %w", err)
	}

	h.commitSeq++
	b := make([]byte, writerRegion)
	h.encode(b)
	if _, err := q.stat.WriteAt(b, 0); err != nil {
		return fmt.Errorf("failed to write status header: %w", err)
	}
	return nil
}

func (q *Queue) syncFiles() error {
	if err := unix.Fdatasync(int(q.buf.Fd())); err != nil {
		return fmt.Errorf("failed to sync buffer: %w", err)
	}
	if err := unix.Fdatasync(int(q.stat.Fd())); err != nil {
		return fmt.Errorf("failed to sync status: %w", err)
	}
	return nil
}

// maybeRegister notifies the registrar of new data, at most once per
// interval. Failures are logged and recorded but do not fail the write.
func (q *Queue) maybeRegister(ctx context.Context, latest time.Time) {
	if !q.register || q.opts.Registrar == nil {
		return
	}
	now := time.Now()
	if !q.lastRegister.IsZero() && now.Sub(q.lastRegister) < q.registerEvery {
		return
	}
	q.lastRegister = now

	if err := q.opts.Registrar.RegisterLatest(ctx, q.path, latest); err != nil {
		q.logger.Warn("Data mapper registration failed", zap.Error(err))
		q.recordErr(fmt.Errorf("register with data mapper: %w", err))
	}
}

// SetCompressionMethod changes how this handle stores new messages. Writable
// handles also record the method in the status header.
func (q *Queue) SetCompressionMethod(ctx context.Context, method compress.Method) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("set compression"); err != nil {
		return q.recordErr(err)
	}
	if !method.Valid() {
		return q.recordErr(fmqerrors.NewInvalidArgument("set compression",
			fmt.Sprintf("invalid compression method %d", method)))
	}
	q.compression = method
	if !q.Writable() {
		return nil
	}
	return q.recordErr(q.withWriteLock(ctx, func(h *header) error {
		h.compression = method
		return q.commitHeader(h)
	}))
}

// SetBlockingWrite makes writers wait for readers instead of evicting
// unread messages.
func (q *Queue) SetBlockingWrite(ctx context.Context) error {
	return q.setFlag(ctx, "set blocking write", flagBlockingWrite)
}

// SetSingleWriter disables writer locking. Only valid when the caller
// guarantees a single writing process.
func (q *Queue) SetSingleWriter(ctx context.Context) error {
	if err := q.setFlag(ctx, "set single writer", flagSingleWriter); err != nil {
		return err
	}
	q.mu.Lock()
	q.singleWriter = true
	q.mu.Unlock()
	return nil
}

func (q *Queue) setFlag(ctx context.Context, op string, flag uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen(op); err != nil {
		return q.recordErr(err)
	}
	if !q.Writable() {
		return q.recordErr(fmqerrors.NewInvalidArgument(op, "queue is not open for writing"))
	}
	return q.recordErr(q.withWriteLock(ctx, func(h *header) error {
		if h.flags&flag != 0 {
			return nil
		}
		h.flags |= flag
		return q.commitHeader(h)
	}))
}

// SetRegisterWithDmap turns data-mapper notifications on or off. The
// registrar is called after writes at most once per interval.
func (q *Queue) SetRegisterWithDmap(_ context.Context, enable bool, interval time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("set register with dmap"); err != nil {
		return q.recordErr(err)
	}
	if interval < 0 {
		return q.recordErr(errors.New("set register with dmap: negative interval"))
	}
	q.register = enable
	q.registerEvery = interval
	q.lastRegister = time.Time{}
	if enable && q.opts.Registrar == nil {
		q.logger.Debug("Data mapper registration enabled without a registrar")
	}
	return nil
}
