package keygroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignToKeyGroupStable(t *testing.T) {
	const maxParallelism = 128
	for _, key := range []string{"user-1", "user-2", "order-99", ""} {
		a := AssignToKeyGroup(key, maxParallelism)
		b := AssignToKeyGroup(key, maxParallelism)
		assert.Equal(t, a, b, "hash must be stable across calls")
		assert.GreaterOrEqual(t, a, int32(0))
		assert.Less(t, a, int32(maxParallelism))
	}
}

func TestAssignToKeyGroupDistributes(t *testing.T) {
	const maxParallelism = 16
	seen := make(map[int32]bool)
	for i := 0; i < 1000; i++ {
		kg := AssignToKeyGroup(string(rune('a'+i%26))+string(rune(i)), maxParallelism)
		seen[kg] = true
	}
	assert.Greater(t, len(seen), maxParallelism/2, "hash should spread across most kgs")
}

func TestRangeDeduplicatesInput(t *testing.T) {
	r := NewRange([]int32{7, 2, 5, 2})
	require.Equal(t, 3, r.Size())
	assert.Equal(t, []int32{2, 5, 7}, r.Iterate())
}

func TestRangeAlignmentBijection(t *testing.T) {
	r := NewRange([]int32{9, 1, 4})
	assert.Equal(t, []int32{1, 4, 9}, r.Iterate())

	for aligned, kg := range r.Iterate() {
		assert.Equal(t, kg, r.MapFromAlignedToHashed(aligned))
		got, ok := r.MapFromHashedToAligned(kg)
		assert.True(t, ok)
		assert.Equal(t, aligned, got)
	}

	assert.True(t, r.Contains(4))
	assert.False(t, r.Contains(100))
	_, ok := r.MapFromHashedToAligned(100)
	assert.False(t, ok)
}

func TestRangeUpdateMutatesInPlace(t *testing.T) {
	r := NewRange([]int32{0, 1, 2, 3})
	assert.True(t, r.Contains(3))
	r.Update([]int32{4, 5})
	assert.False(t, r.Contains(3))
	assert.True(t, r.Contains(4))
	assert.Equal(t, 2, r.Size())
}

func TestRangesPartitionDisjointUnion(t *testing.T) {
	maxParallelism := int32(8)
	t0 := NewRange([]int32{0, 1, 2, 3})
	t1 := NewRange([]int32{4, 5, 6, 7})

	for kg := int32(0); kg < maxParallelism; kg++ {
		inT0, inT1 := t0.Contains(kg), t1.Contains(kg)
		assert.True(t, inT0 != inT1, "kg %d must belong to exactly one range", kg)
	}
}
