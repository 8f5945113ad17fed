package compress

import (
	"errors"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// maxLZ4Block caps how far an unsized decode grows its buffer.
const maxLZ4Block = 128 << 20

var lz4Compressors = sync.Pool{
	New: func() any { return new(lz4.Compressor) },
}

// LZ4Compressor stores payloads as raw LZ4 blocks. Blocks do not record
// their decoded length; the queue keeps it in the slot instead.
type LZ4Compressor struct{}

var (
	_ Codec             = (*LZ4Compressor)(nil)
	_ SizedDecompressor = (*LZ4Compressor)(nil)
)

func NewLZ4Compressor() LZ4Compressor {
	return LZ4Compressor{}
}

// Compress returns an empty block for input LZ4 cannot shrink. Callers then
// store the payload as it is.
func (LZ4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	lc := lz4Compressors.Get().(*lz4.Compressor)
	defer lz4Compressors.Put(lc)

	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lc.CompressBlock(data, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// Decompress is for blocks of unknown size: it doubles the output buffer,
// from four times the input, until the block fits.
func (LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	for size := len(data) * 4; ; size *= 2 {
		size = min(size, maxLZ4Block)
		buf := make([]byte, size)
		n, err := lz4.UncompressBlock(data, buf)
		switch {
		case err == nil:
			return buf[:n], nil
		case errors.Is(err, lz4.ErrInvalidSourceShortBuffer) && size < maxLZ4Block:
			continue
		default:
			return nil, err
		}
	}
}

// DecompressSized decodes into a buffer of exactly size bytes and only falls
// back to growing when the block turns out to be larger.
func (c LZ4Compressor) DecompressSized(data []byte, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := lz4.UncompressBlock(data, buf)
	if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
		out, err := c.Decompress(data)
		if err != nil {
			return nil, err
		}
		return out, ErrSizeMismatch
	}
	if err != nil {
		return nil, err
	}
	if n != size {
		return buf[:n], ErrSizeMismatch
	}
	return buf, nil
}
