package interfaces

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeFilterMatch(t *testing.T) {
	tests := []struct {
		name    string
		filter  TypeFilter
		matches []int32
		rejects []int32
	}{
		{"zero value", TypeFilter{}, []int32{0, 1, 99}, nil},
		{"any", AnyType(), []int32{0, 7}, nil},
		{"empty types", Types(), []int32{3}, nil},
		{"single", Types(1), []int32{1}, []int32{0, 2}},
		{"several", Types(2, 5, 9), []int32{2, 5, 9}, []int32{1, 3}},
		{"negative int means any", TypeFilterFromInt(-1), []int32{4}, nil},
		{"int", TypeFilterFromInt(3), []int32{3}, []int32{4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, typ := range tt.matches {
				assert.True(t, tt.filter.Match(typ), "type %d", typ)
			}
			for _, typ := range tt.rejects {
				assert.False(t, tt.filter.Match(typ), "type %d", typ)
			}
		})
	}
}

func TestTypeFilterBinary(t *testing.T) {
	data, err := AnyType().MarshalBinary()
	require.NoError(t, err)
	assert.Empty(t, data)

	var decoded TypeFilter
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.True(t, decoded.Any())

	data, err = Types(1, 40000).MarshalBinary()
	require.NoError(t, err)
	require.NotEmpty(t, data)

	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.False(t, decoded.Any())
	assert.True(t, decoded.Match(1))
	assert.True(t, decoded.Match(40000))
	assert.False(t, decoded.Match(2))

	assert.Error(t, decoded.UnmarshalBinary([]byte{0xff, 0x01}))
}

func TestTypeFilterString(t *testing.T) {
	assert.Equal(t, "any", AnyType().String())
	assert.Equal(t, "1,3", Types(3, 1).String())
}
