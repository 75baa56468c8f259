/*
Package keygroup implements the smallest unit of routable state in
Spacker: the key-group (kg), the deterministic hash that assigns a record
key to one, and the KeyGroupRange a task uses to describe which kgs it
currently owns.

A range keeps two views of the same kgs: hashed (the real, possibly
sparse kg ids owned after rebalancing) and aligned (a dense 0..N-1 index
used for byte offsets into a KeyGroupStateHandle). Range edits only ever
happen under a task-local mutex held during reconfig; steady-state reads
are lock-free because a task is single-threaded.
*/
package keygroup

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// AssignToKeyGroup deterministically maps a record key to a key-group in
// [0, maxParallelism). The hash function is a compatibility constant for
// the lifetime of a job: changing it would silently misroute every
// existing key, so it must never vary across tasks or reconfigs.
func AssignToKeyGroup(key string, maxParallelism int32) int32 {
	if maxParallelism <= 0 {
		panic("keygroup: maxParallelism must be positive")
	}
	h := xxhash.Sum64String(key)
	return int32(h % uint64(maxParallelism))
}

// Range is the set of key-groups owned by one task at the current epoch.
// Not safe for concurrent use; callers serialize access via the owning
// task's lock.
type Range struct {
	// hashed holds the real kg ids in ascending order; aligned index i
	// corresponds to hashed[i].
	hashed []int32
}

// NewRange builds a Range over kgs, which need not be pre-sorted,
// contiguous, or de-duplicated.
func NewRange(kgs []int32) *Range {
	return &Range{hashed: sortedUnique(kgs)}
}

func sortedUnique(kgs []int32) []int32 {
	hashed := append([]int32(nil), kgs...)
	sort.Slice(hashed, func(i, j int) bool { return hashed[i] < hashed[j] })
	out := hashed[:0]
	for i, kg := range hashed {
		if i == 0 || kg != out[len(out)-1] {
			out = append(out, kg)
		}
	}
	return out
}

// Size returns the number of key-groups in the range.
func (r *Range) Size() int { return len(r.hashed) }

// Contains reports whether kg is owned by this range.
func (r *Range) Contains(kg int32) bool {
	i := sort.Search(len(r.hashed), func(i int) bool { return r.hashed[i] >= kg })
	return i < len(r.hashed) && r.hashed[i] == kg
}

// MapFromAlignedToHashed returns the real kg id at the given dense,
// ascending-order aligned index. Panics if alignedIdx is out of bounds,
// since this is only ever called with indices derived from Size().
func (r *Range) MapFromAlignedToHashed(alignedIdx int) int32 {
	return r.hashed[alignedIdx]
}

// MapFromHashedToAligned returns the aligned index of kg, and false if kg
// is not in the range.
func (r *Range) MapFromHashedToAligned(kg int32) (int, bool) {
	i := sort.Search(len(r.hashed), func(i int) bool { return r.hashed[i] >= kg })
	if i < len(r.hashed) && r.hashed[i] == kg {
		return i, true
	}
	return 0, false
}

// Update replaces the range's kgs in place. Callers must hold the task
// lock while migration is in flight, per the package invariant.
func (r *Range) Update(newKgs []int32) {
	r.hashed = sortedUnique(newKgs)
}

// Iterate returns the owned kgs in aligned order. The returned slice is a
// private copy; mutating it has no effect on the range.
func (r *Range) Iterate() []int32 {
	return append([]int32(nil), r.hashed...)
}
