package compress

import "github.com/klauspost/compress/s2"

// S2Compressor stores payloads as S2 blocks. A block carries its decoded
// length up front, so a sized decode can check it before any work.
type S2Compressor struct{}

var (
	_ Codec             = (*S2Compressor)(nil)
	_ SizedDecompressor = (*S2Compressor)(nil)
)

func NewS2Compressor() S2Compressor {
	return S2Compressor{}
}

func (S2Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return s2.EncodeBetter(nil, data), nil
}

func (S2Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return s2.Decode(nil, data)
}

func (c S2Compressor) DecompressSized(data []byte, size int) ([]byte, error) {
	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n != size {
		out, err := c.Decompress(data)
		if err != nil {
			return nil, err
		}
		return out, ErrSizeMismatch
	}
	return s2.Decode(make([]byte, size), data)
}
