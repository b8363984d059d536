package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSet_AddAndContains(t *testing.T) {
	set := NewChunkSet(10)

	assert.False(t, set.Contains(0))
	set.Add(3)
	assert.True(t, set.Contains(3))
	assert.False(t, set.Contains(2))
	assert.Equal(t, 1, set.Count())

	// duplicate add is a no-op
	set.Add(3)
	assert.Equal(t, 1, set.Count())
}

func TestChunkSet_LastContiguous(t *testing.T) {
	set := NewChunkSet(20)
	assert.Equal(t, -1, set.LastContiguous())

	// gap at 0 keeps the cursor at -1
	set.Add(1)
	set.Add(2)
	assert.Equal(t, -1, set.LastContiguous())

	set.Add(0)
	assert.Equal(t, 2, set.LastContiguous())

	// a later gap stops the cursor
	set.Add(5)
	assert.Equal(t, 2, set.LastContiguous())

	set.Add(3)
	set.Add(4)
	assert.Equal(t, 5, set.LastContiguous())
}

func TestChunkSet_LastContiguousAcrossWordBoundary(t *testing.T) {
	set := NewChunkSet(20)
	for i := 0; i < 17; i++ {
		set.Add(i)
	}
	assert.Equal(t, 16, set.LastContiguous())
	assert.Equal(t, 17, set.Count())
}

func TestChunkSet_Indices(t *testing.T) {
	set := NewChunkSet(16)
	set.Add(9)
	set.Add(0)
	set.Add(4)

	assert.Equal(t, []int{0, 4, 9}, set.Indices())
}

func TestChunkSet_JSONRoundTrip(t *testing.T) {
	set := NewChunkSet(12)
	set.Add(0)
	set.Add(7)
	set.Add(11)

	encoded, err := json.Marshal(set)
	require.NoError(t, err)

	var decoded ChunkSet
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	assert.Equal(t, set.Indices(), decoded.Indices())
	assert.Equal(t, set.LastContiguous(), decoded.LastContiguous())
}

func TestChunkSet_ScanValue(t *testing.T) {
	set := NewChunkSet(8)
	set.Add(2)
	set.Add(3)

	value, err := set.Value()
	require.NoError(t, err)

	var scanned ChunkSet
	require.NoError(t, scanned.Scan(value))
	assert.True(t, scanned.Contains(2))
	assert.True(t, scanned.Contains(3))
	assert.Equal(t, 2, scanned.Count())

	// string input, as some drivers hand back
	var fromString ChunkSet
	require.NoError(t, fromString.Scan(string(value.([]byte))))
	assert.Equal(t, 2, fromString.Count())

	var fromNil ChunkSet
	require.NoError(t, fromNil.Scan(nil))
	assert.Equal(t, 0, fromNil.Count())
}
