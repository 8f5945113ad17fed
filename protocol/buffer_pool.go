package protocol

import (
	"bytes"
	"sync"
)

// maxPooledBuffer keeps one large batch from pinning memory in the pool.
const maxPooledBuffer = 1024 * 1024

// bufferPool is a pool of bytes.Buffer objects for reuse by WriteFrame and
// the request/reply encoders.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// getBuffer gets a buffer from the pool
func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putBuffer returns a buffer to the pool
func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}
