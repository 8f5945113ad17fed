package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/maxpert/fmq/compress"
)

const tempFileExtension = ".tmp"

// Info is the descriptor written next to a queue when it is created. It is
// informational only; the status header is authoritative.
type Info struct {
	Path          string          `cbor:"path"`
	ProgName      string          `cbor:"prog_name"`
	Host          string          `cbor:"host"`
	PID           int             `cbor:"pid"`
	CreatedAt     time.Time       `cbor:"created_at"`
	NumSlots      int             `cbor:"num_slots"`
	BufSize       int64           `cbor:"buf_size"`
	Compression   compress.Method `cbor:"compression"`
	LayoutVersion int             `cbor:"layout_version"`
}

// ReadInfo loads the descriptor of the queue at path.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path + InfoSuffix)
	if err != nil {
		return nil, err
	}

	var info Info
	if err := cbor.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode queue info: %w", err)
	}
	return &info, nil
}

func writeInfo(path string, info *Info) error {
	data, err := cbor.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode queue info: %w", err)
	}
	return atomicWrite(path+InfoSuffix, data)
}

// atomicWrite writes data to a file atomically using temp file + rename
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + tempFileExtension
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
