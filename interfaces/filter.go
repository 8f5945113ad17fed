package interfaces

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// TypeFilter selects which message types a read returns. The zero value
// matches every type.
type TypeFilter struct {
	types *roaring.Bitmap
}

// AnyType matches every message type.
func AnyType() TypeFilter {
	return TypeFilter{}
}

// Types matches only the listed message types. With no arguments it matches
// every type.
func Types(types ...int32) TypeFilter {
	if len(types) == 0 {
		return TypeFilter{}
	}
	bm := roaring.New()
	for _, t := range types {
		bm.Add(uint32(t))
	}
	return TypeFilter{types: bm}
}

// TypeFilterFromInt follows the command-line convention where a negative type
// means "any".
func TypeFilterFromInt(t int) TypeFilter {
	if t < 0 {
		return AnyType()
	}
	return Types(int32(t))
}

// Any reports whether the filter accepts every type.
func (f TypeFilter) Any() bool {
	return f.types == nil || f.types.IsEmpty()
}

// Match reports whether a message of type t passes the filter.
func (f TypeFilter) Match(t int32) bool {
	if f.Any() {
		return true
	}
	return f.types.Contains(uint32(t))
}

// MarshalBinary encodes the filter; an empty result means "any".
func (f TypeFilter) MarshalBinary() ([]byte, error) {
	if f.Any() {
		return nil, nil
	}
	return f.types.ToBytes()
}

// UnmarshalBinary decodes a filter produced by MarshalBinary.
func (f *TypeFilter) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		f.types = nil
		return nil
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to decode type filter: %w", err)
	}
	f.types = bm
	return nil
}

func (f TypeFilter) String() string {
	if f.Any() {
		return "any"
	}
	parts := make([]string, 0, f.types.GetCardinality())
	it := f.types.Iterator()
	for it.HasNext() {
		parts = append(parts, fmt.Sprintf("%d", int32(it.Next())))
	}
	return strings.Join(parts, ",")
}
