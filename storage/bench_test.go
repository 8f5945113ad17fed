package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/maxpert/fmq/compress"
	"github.com/maxpert/fmq/interfaces"
)

func benchQueue(b *testing.B, numSlots int, bufSize int64, method compress.Method) *Queue {
	b.Helper()
	q, err := Open(context.Background(), filepath.Join(b.TempDir(), "bench"), Options{
		Mode:        interfaces.ModeCreate,
		NumSlots:    numSlots,
		BufSize:     bufSize,
		Compression: method,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { q.Close() })
	return q
}

// Steady state: the queue is full and every write evicts.
func BenchmarkWriteMsg(b *testing.B) {
	for _, size := range []int{64, 1024, 16384} {
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			q := benchQueue(b, 1024, 8<<20, compress.MethodNone)
			payload := make([]byte, size)
			ctx := context.Background()

			b.SetBytes(int64(size))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := q.WriteMsg(ctx, 1, 0, payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkWriteMsgsBatch(b *testing.B) {
	for _, batch := range []int{1, 16, 128} {
		b.Run(fmt.Sprintf("batch=%d", batch), func(b *testing.B) {
			q := benchQueue(b, 4096, 16<<20, compress.MethodNone)
			msgs := make([]interfaces.Message, batch)
			for i := range msgs {
				msgs[i] = interfaces.Message{Type: 1, Payload: make([]byte, 256)}
			}
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i += batch {
				if _, err := q.WriteMsgs(ctx, msgs); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkWriteCompressed(b *testing.B) {
	payload := []byte(fmt.Sprintf("%0512d", 42))
	for _, method := range []compress.Method{compress.MethodNone, compress.MethodLZ4, compress.MethodS2, compress.MethodZstd} {
		b.Run(method.String(), func(b *testing.B) {
			q := benchQueue(b, 1024, 8<<20, method)
			ctx := context.Background()

			b.SetBytes(int64(len(payload)))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := q.WriteMsg(ctx, 1, 0, payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkReadMsg(b *testing.B) {
	const numSlots = 4096
	q := benchQueue(b, numSlots, 16<<20, compress.MethodNone)
	ctx := context.Background()
	payload := make([]byte, 256)
	for i := 0; i < numSlots; i++ {
		if err := q.WriteMsg(ctx, int32(i%4), 0, payload); err != nil {
			b.Fatal(err)
		}
	}

	for _, tc := range []struct {
		name   string
		filter interfaces.TypeFilter
	}{
		{"any", interfaces.AnyType()},
		{"one-in-four", interfaces.Types(3)},
	} {
		b.Run(tc.name, func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, ok, err := q.ReadMsg(ctx, tc.filter, 0)
				if err != nil {
					b.Fatal(err)
				}
				if !ok {
					b.StopTimer()
					if err := q.Seek(ctx, interfaces.PositionStart); err != nil {
						b.Fatal(err)
					}
					b.StartTimer()
				}
			}
		})
	}
}
