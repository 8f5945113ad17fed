package compress

import (
	"errors"
	"fmt"
	"strings"
)

// Method identifies a compression algorithm.
type Method uint8

const (
	MethodNone Method = iota
	MethodGzip
	MethodZstd
	MethodS2
	MethodLZ4
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodGzip:
		return "gzip"
	case MethodZstd:
		return "zstd"
	case MethodS2:
		return "s2"
	case MethodLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// ParseMethod converts a configuration string into a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return MethodNone, nil
	case "gzip", "zlib":
		return MethodGzip, nil
	case "zstd":
		return MethodZstd, nil
	case "s2", "snappy":
		return MethodS2, nil
	case "lz4":
		return MethodLZ4, nil
	default:
		return MethodNone, fmt.Errorf("unknown compression method: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so methods read naturally in
// config files.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Compressor compresses a complete message payload.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

// Decompressor reverses Compressor. Returned slices are owned by the caller.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// Codec combines both directions.
type Codec interface {
	Compressor
	Decompressor
}

// SizedDecompressor is implemented by codecs that decode faster when the
// output length is known. It follows the DecompressSized contract.
type SizedDecompressor interface {
	DecompressSized(data []byte, size int) ([]byte, error)
}

var builtinCodecs = map[Method]Codec{
	MethodNone: NewNoOpCompressor(),
	MethodGzip: NewGzipCompressor(),
	MethodZstd: NewZstdCompressor(),
	MethodS2:   NewS2Compressor(),
	MethodLZ4:  NewLZ4Compressor(),
}

// GetCodec retrieves the built-in Codec for a method.
func GetCodec(method Method) (Codec, error) {
	if codec, ok := builtinCodecs[method]; ok {
		return codec, nil
	}

	return nil, fmt.Errorf("unsupported compression method: %s", method)
}

// Valid reports whether the method has a registered codec.
func (m Method) Valid() bool {
	_, ok := builtinCodecs[m]
	return ok
}

// Compress compresses data with the given method.
func Compress(method Method, data []byte) ([]byte, error) {
	codec, err := GetCodec(method)
	if err != nil {
		return nil, err
	}
	return codec.Compress(data)
}

// Decompress decompresses data that was compressed with the given method.
func Decompress(method Method, data []byte) ([]byte, error) {
	codec, err := GetCodec(method)
	if err != nil {
		return nil, err
	}
	return codec.Decompress(data)
}

// ErrSizeMismatch is returned by DecompressSized when the output length
// differs from the declared length.
var ErrSizeMismatch = errors.New("decompressed size mismatch")

// DecompressSized decompresses data and checks the result is exactly size
// bytes. On a mismatch the decompressed bytes are returned with
// ErrSizeMismatch so callers can report the actual length.
func DecompressSized(method Method, data []byte, size int) ([]byte, error) {
	if method == MethodNone {
		if len(data) != size {
			return data, ErrSizeMismatch
		}
		return data, nil
	}
	codec, err := GetCodec(method)
	if err != nil {
		return nil, err
	}
	if sized, ok := codec.(SizedDecompressor); ok && size >= 0 {
		return sized.DecompressSized(data, size)
	}
	out, err := codec.Decompress(data)
	if err != nil {
		return nil, err
	}
	if len(out) != size {
		return out, ErrSizeMismatch
	}
	return out, nil
}
