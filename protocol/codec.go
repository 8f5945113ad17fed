package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// encoder appends big-endian fields to a pooled buffer.
type encoder struct {
	buf *bytes.Buffer
}

func newEncoder() *encoder {
	return &encoder{buf: getBuffer()}
}

// finish returns a copy of the encoded data and releases the buffer.
func (e *encoder) finish() []byte {
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	putBuffer(e.buf)
	e.buf = nil
	return out
}

func (e *encoder) u8(v uint8) { e.buf.WriteByte(v) }

func (e *encoder) bool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) i32(v int32) { e.u32(uint32(v)) }
func (e *encoder) i64(v int64) { e.u64(uint64(v)) }

// str writes a string with a 2-byte length prefix.
func (e *encoder) str(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes too long", len(s))
	}
	e.u16(uint16(len(s)))
	e.buf.WriteString(s)
	return nil
}

// blob writes a byte slice with a 4-byte length prefix.
func (e *encoder) blob(b []byte) {
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

// decoder reads big-endian fields. The first short read sticks in err and
// every later read returns zero values.
type decoder struct {
	data []byte
	off  int
	err  error
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data}
}

func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = fmt.Errorf("%s extends beyond data at offset %d", what, d.off)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8(what string) uint8 {
	b := d.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) bool(what string) bool { return d.u8(what) != 0 }

func (d *decoder) u16(what string) uint16 {
	b := d.take(2, what)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32(what string) uint32 {
	b := d.take(4, what)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64(what string) uint64 {
	b := d.take(8, what)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) i32(what string) int32 { return int32(d.u32(what)) }
func (d *decoder) i64(what string) int64 { return int64(d.u64(what)) }

func (d *decoder) str(what string) string {
	n := int(d.u16(what + " length"))
	b := d.take(n, what)
	return string(b)
}

// blob returns a copy so the message outlives the frame buffer.
func (d *decoder) blob(what string) []byte {
	n := d.u32(what + " length")
	if d.err == nil && uint64(n) > uint64(len(d.data)-d.off) {
		d.err = fmt.Errorf("%s of %d bytes extends beyond data at offset %d", what, n, d.off)
		return nil
	}
	b := d.take(int(n), what)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// done reports trailing bytes as an error.
func (d *decoder) done() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.data) {
		return fmt.Errorf("%d trailing bytes", len(d.data)-d.off)
	}
	return nil
}
