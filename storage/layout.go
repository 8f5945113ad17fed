package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/fmq/compress"
)

// File suffixes appended to a queue path.
const (
	StatSuffix = ".fmq_stat"
	BufSuffix  = ".fmq_buf"
	LockSuffix = ".fmq_lock"
	InfoSuffix = ".fmq_info"
)

// On-disk layout v1. All integers are little-endian.
//
// Status file: a 128-byte header followed by numSlots 64-byte slot records.
//
//	Header
//	  0   magic "FMQS"
//	  4   layout version      u32
//	  8   numSlots            u32
//	  12  flags               u32  (bit0 single writer, bit1 blocking write)
//	  16  bufSize             u64
//	  24  writeSlot           u32  (slot index the next write uses)
//	  28  compression         u32
//	  32  lastID              u64  (monotonic write counter)
//	  40  oldestID            u64  (lastID+1 when empty)
//	  48  nextOffset          u64  (buffer write head)
//	  56  liveBytes           u64  (sum of live slot spans)
//	  64  generation          i64  (creation stamp)
//	  72  commitSeq           u64  (odd while a writer is mid-commit)
//	  80  lastWriteTime       i64
//	  88  reserved
//	  96  lastIDRead          u64  (reader owned, never written by writers)
//	  104 reserved to 128
//
//	Slot
//	  0   id                  u64
//	  8   type                i32
//	  12  subtype             i32
//	  16  time                i64  (unix nanoseconds)
//	  24  offset              u64
//	  32  storedLen           u32
//	  36  uncompressedLen     u32
//	  40  compression         u8
//	  41  active              u8
//	  48  checksum            u64  (xxhash64 of the stored bytes)
//	  56  span                u64  (storedLen plus any tail gap skipped on wrap)
const (
	statMagic     = "FMQS"
	LayoutVersion = 1

	headerSize = 128
	slotSize   = 64

	// writers rewrite [0, writerRegion) on every commit
	writerRegion = 96

	offMagic         = 0
	offVersion       = 4
	offNumSlots      = 8
	offFlags         = 12
	offBufSize       = 16
	offWriteSlot     = 24
	offCompression   = 28
	offLastID        = 32
	offOldestID      = 40
	offNextOffset    = 48
	offLiveBytes     = 56
	offGeneration    = 64
	offCommitSeq     = 72
	offLastWriteTime = 80
	offLastIDRead    = 96

	slotOffID              = 0
	slotOffType            = 8
	slotOffSubtype         = 12
	slotOffTime            = 16
	slotOffOffset          = 24
	slotOffStoredLen       = 32
	slotOffUncompressedLen = 36
	slotOffCompression     = 40
	slotOffActive          = 41
	slotOffChecksum        = 48
	slotOffSpan            = 56
)

const (
	flagSingleWriter  uint32 = 1 << 0
	flagBlockingWrite uint32 = 1 << 1
)

// header is the decoded status region.
type header struct {
	numSlots      int
	flags         uint32
	bufSize       int64
	writeSlot     int
	compression   compress.Method
	lastID        int64
	oldestID      int64
	nextOffset    int64
	liveBytes     int64
	generation    int64
	commitSeq     uint64
	lastWriteTime int64
	lastIDRead    int64
}

func newHeader(numSlots int, bufSize int64, method compress.Method, generation int64) header {
	return header{
		numSlots:    numSlots,
		bufSize:     bufSize,
		compression: method,
		oldestID:    1,
		generation:  generation,
	}
}

func (h *header) empty() bool {
	return h.oldestID > h.lastID
}

func (h *header) liveCount() int64 {
	if h.empty() {
		return 0
	}
	return h.lastID - h.oldestID + 1
}

func (h *header) singleWriter() bool  { return h.flags&flagSingleWriter != 0 }
func (h *header) blockingWrite() bool { return h.flags&flagBlockingWrite != 0 }

func (h *header) slotIndex(id int64) int {
	return int((id - 1) % int64(h.numSlots))
}

func (h *header) statSize() int64 {
	return headerSize + int64(h.numSlots)*slotSize
}

func (h *header) encode(b []byte) {
	copy(b[offMagic:], statMagic)
	binary.LittleEndian.PutUint32(b[offVersion:], LayoutVersion)
	binary.LittleEndian.PutUint32(b[offNumSlots:], uint32(h.numSlots))
	binary.LittleEndian.PutUint32(b[offFlags:], h.flags)
	binary.LittleEndian.PutUint64(b[offBufSize:], uint64(h.bufSize))
	binary.LittleEndian.PutUint32(b[offWriteSlot:], uint32(h.writeSlot))
	binary.LittleEndian.PutUint32(b[offCompression:], uint32(h.compression))
	binary.LittleEndian.PutUint64(b[offLastID:], uint64(h.lastID))
	binary.LittleEndian.PutUint64(b[offOldestID:], uint64(h.oldestID))
	binary.LittleEndian.PutUint64(b[offNextOffset:], uint64(h.nextOffset))
	binary.LittleEndian.PutUint64(b[offLiveBytes:], uint64(h.liveBytes))
	binary.LittleEndian.PutUint64(b[offGeneration:], uint64(h.generation))
	binary.LittleEndian.PutUint64(b[offCommitSeq:], h.commitSeq)
	binary.LittleEndian.PutUint64(b[offLastWriteTime:], uint64(h.lastWriteTime))
	if len(b) >= headerSize {
		binary.LittleEndian.PutUint64(b[offLastIDRead:], uint64(h.lastIDRead))
	}
}

func decodeHeader(b []byte) (header, error) {
	var h header
	if len(b) < headerSize {
		return h, fmt.Errorf("status header too short: %d bytes", len(b))
	}
	if string(b[offMagic:offMagic+4]) != statMagic {
		return h, fmt.Errorf("bad magic %q", b[offMagic:offMagic+4])
	}
	if v := binary.LittleEndian.Uint32(b[offVersion:]); v != LayoutVersion {
		return h, fmt.Errorf("unsupported layout version %d", v)
	}

	h.numSlots = int(binary.LittleEndian.Uint32(b[offNumSlots:]))
	h.flags = binary.LittleEndian.Uint32(b[offFlags:])
	h.bufSize = int64(binary.LittleEndian.Uint64(b[offBufSize:]))
	h.writeSlot = int(binary.LittleEndian.Uint32(b[offWriteSlot:]))
	h.compression = compress.Method(binary.LittleEndian.Uint32(b[offCompression:]))
	h.lastID = int64(binary.LittleEndian.Uint64(b[offLastID:]))
	h.oldestID = int64(binary.LittleEndian.Uint64(b[offOldestID:]))
	h.nextOffset = int64(binary.LittleEndian.Uint64(b[offNextOffset:]))
	h.liveBytes = int64(binary.LittleEndian.Uint64(b[offLiveBytes:]))
	h.generation = int64(binary.LittleEndian.Uint64(b[offGeneration:]))
	h.commitSeq = binary.LittleEndian.Uint64(b[offCommitSeq:])
	h.lastWriteTime = int64(binary.LittleEndian.Uint64(b[offLastWriteTime:]))
	h.lastIDRead = int64(binary.LittleEndian.Uint64(b[offLastIDRead:]))

	switch {
	case h.numSlots <= 0:
		return h, fmt.Errorf("invalid slot count %d", h.numSlots)
	case h.writeSlot >= h.numSlots:
		return h, fmt.Errorf("write slot %d out of range for %d slots", h.writeSlot, h.numSlots)
	case h.bufSize <= 0:
		return h, fmt.Errorf("invalid buffer size %d", h.bufSize)
	case h.oldestID < 1 || h.oldestID > h.lastID+1:
		return h, fmt.Errorf("invalid id range [%d, %d]", h.oldestID, h.lastID)
	case h.liveBytes < 0 || h.liveBytes > h.bufSize || h.nextOffset < 0 || h.nextOffset > h.bufSize:
		return h, fmt.Errorf("invalid buffer accounting: next=%d live=%d size=%d", h.nextOffset, h.liveBytes, h.bufSize)
	}
	return h, nil
}

// slotRecord is one entry of the slot table.
type slotRecord struct {
	id              int64
	msgType         int32
	subtype         int32
	time            int64
	offset          int64
	storedLen       int
	uncompressedLen int
	compression     compress.Method
	active          bool
	checksum        uint64
	span            int64
}

func (s *slotRecord) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[slotOffID:], uint64(s.id))
	binary.LittleEndian.PutUint32(b[slotOffType:], uint32(s.msgType))
	binary.LittleEndian.PutUint32(b[slotOffSubtype:], uint32(s.subtype))
	binary.LittleEndian.PutUint64(b[slotOffTime:], uint64(s.time))
	binary.LittleEndian.PutUint64(b[slotOffOffset:], uint64(s.offset))
	binary.LittleEndian.PutUint32(b[slotOffStoredLen:], uint32(s.storedLen))
	binary.LittleEndian.PutUint32(b[slotOffUncompressedLen:], uint32(s.uncompressedLen))
	b[slotOffCompression] = byte(s.compression)
	if s.active {
		b[slotOffActive] = 1
	} else {
		b[slotOffActive] = 0
	}
	binary.LittleEndian.PutUint64(b[slotOffChecksum:], s.checksum)
	binary.LittleEndian.PutUint64(b[slotOffSpan:], uint64(s.span))
}

func decodeSlot(b []byte) slotRecord {
	return slotRecord{
		id:              int64(binary.LittleEndian.Uint64(b[slotOffID:])),
		msgType:         int32(binary.LittleEndian.Uint32(b[slotOffType:])),
		subtype:         int32(binary.LittleEndian.Uint32(b[slotOffSubtype:])),
		time:            int64(binary.LittleEndian.Uint64(b[slotOffTime:])),
		offset:          int64(binary.LittleEndian.Uint64(b[slotOffOffset:])),
		storedLen:       int(binary.LittleEndian.Uint32(b[slotOffStoredLen:])),
		uncompressedLen: int(binary.LittleEndian.Uint32(b[slotOffUncompressedLen:])),
		compression:     compress.Method(b[slotOffCompression]),
		active:          b[slotOffActive] == 1,
		checksum:        binary.LittleEndian.Uint64(b[slotOffChecksum:]),
		span:            int64(binary.LittleEndian.Uint64(b[slotOffSpan:])),
	}
}

func checksum(stored []byte) uint64 {
	return xxhash.Sum64(stored)
}

// placement decides where a stored payload of n bytes goes given the current
// head. It returns the offset and the span charged to the slot: when the
// payload does not fit before the end of the buffer the tail gap is skipped
// and charged to this message.
func placement(h *header, n int64) (offset, span int64) {
	if n == 0 {
		return h.nextOffset, 0
	}
	if h.nextOffset+n <= h.bufSize {
		return h.nextOffset, n
	}
	return 0, h.bufSize - h.nextOffset + n
}

func leUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func putLeUint64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}
