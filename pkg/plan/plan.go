/*
Package plan builds a JobExecutionPlan (C4): the old-to-new mapping of
key-groups to tasks for a reconfig, classifying each task as unaffected,
source, destination, or both, and recording where every migrating kg
should go.
*/
package plan

import (
	"sort"
	"time"

	"github.com/sane-lab/spacker/pkg/spkerrors"
)

// UnusedSlot is the sentinel idInModel for a provisioned subtask index
// that is not part of the current plan.
const UnusedSlot = ""

// Layout is the caller-supplied old or new logical mapping: subtask index
// -> kgs it owns, plus the idInModel each occupied index carries.
type Layout struct {
	NumOpenedSubtasks int
	KeyGroups         map[int]([]int32)
	IDInModel         map[int]string
}

// Plan is the JobExecutionPlan: everything a reconfig needs to route
// state and records between the old and new layout.
type Plan struct {
	ReconfigID          uint64
	CreatedAt           time.Time
	NumOpenedSubtasks   int
	PartitionAssignment map[int][]int32
	SubtaskIndexMapping map[int]string
	AlignedRanges       map[int][]int32
	ModifiedSubtaskMap  map[int]bool
	SrcAffectedKgs      map[int][]int32
	DstAffectedKgs      map[int][]int32
	SrcKgWithDstAddr    map[int32]int
}

// Build classifies the transition from old to new and constructs a Plan.
// reconfigID is stamped onto the result for the monotonicity property;
// callers are responsible for ensuring it strictly increases across
// calls.
func Build(old, next *Layout, reconfigID uint64) (*Plan, error) {
	oldSubtasks := subtaskCount(old)
	newSubtasks := subtaskCount(next)

	added := subtractSubtasks(next, old)
	removed := subtractSubtasks(old, next)

	switch {
	case newSubtasks == oldSubtasks+1:
		if len(added) != 1 {
			return nil, spkerrors.ErrInvalidPlan
		}
	case newSubtasks == oldSubtasks-1:
		if len(removed) != 1 {
			return nil, spkerrors.ErrInvalidPlan
		}
	case newSubtasks == oldSubtasks:
		// Repartition: any number of subtasks may gain or lose kgs.
	default:
		return nil, spkerrors.ErrInvalidPlan
	}

	p := &Plan{
		ReconfigID:          reconfigID,
		CreatedAt:           time.Now(),
		NumOpenedSubtasks:   max(old.NumOpenedSubtasks, next.NumOpenedSubtasks),
		PartitionAssignment: map[int][]int32{},
		SubtaskIndexMapping: map[int]string{},
		AlignedRanges:       map[int][]int32{},
		ModifiedSubtaskMap:  map[int]bool{},
		SrcAffectedKgs:      map[int][]int32{},
		DstAffectedKgs:      map[int][]int32{},
		SrcKgWithDstAddr:    map[int32]int{},
	}

	for idx := 0; idx < p.NumOpenedSubtasks; idx++ {
		kgs := next.KeyGroups[idx]
		id, occupied := next.IDInModel[idx]
		if !occupied {
			id = UnusedSlot
		}
		p.PartitionAssignment[idx] = kgs
		p.SubtaskIndexMapping[idx] = id
	}

	occupiedSlots := 0
	for _, id := range p.SubtaskIndexMapping {
		if id != UnusedSlot {
			occupiedSlots++
		}
	}
	if occupiedSlots != newSubtasks {
		return nil, spkerrors.ErrInvalidPlan
	}

	destForKg := map[int32]int{}
	for idx := range p.PartitionAssignment {
		oldKgs := toSet(old.KeyGroups[idx])
		newKgs := toSet(next.KeyGroups[idx])

		var srcKgs, dstKgs []int32
		for kg := range oldKgs {
			if !newKgs[kg] {
				srcKgs = append(srcKgs, kg)
			}
		}
		for kg := range newKgs {
			if !oldKgs[kg] {
				dstKgs = append(dstKgs, kg)
			}
		}
		sort.Slice(srcKgs, func(i, j int) bool { return srcKgs[i] < srcKgs[j] })
		sort.Slice(dstKgs, func(i, j int) bool { return dstKgs[i] < dstKgs[j] })

		if len(srcKgs) > 0 {
			p.SrcAffectedKgs[idx] = srcKgs
			p.ModifiedSubtaskMap[idx] = true
		}
		if len(dstKgs) > 0 {
			p.DstAffectedKgs[idx] = dstKgs
			p.ModifiedSubtaskMap[idx] = true
			for _, kg := range dstKgs {
				if _, dup := destForKg[kg]; dup {
					return nil, spkerrors.ErrPlanConflict
				}
				destForKg[kg] = idx
			}
		}
	}

	for _, srcKgs := range p.SrcAffectedKgs {
		for _, kg := range srcKgs {
			dst, ok := destForKg[kg]
			if !ok {
				return nil, spkerrors.ErrPlanConflict
			}
			p.SrcKgWithDstAddr[kg] = dst
		}
	}

	// Aligned ranges: contiguous aligned indices per subtask, in
	// subtask-index order.
	indices := make([]int, 0, len(p.PartitionAssignment))
	for idx := range p.PartitionAssignment {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		kgs := append([]int32(nil), p.PartitionAssignment[idx]...)
		sort.Slice(kgs, func(i, j int) bool { return kgs[i] < kgs[j] })
		p.AlignedRanges[idx] = kgs
	}

	return p, nil
}

func subtaskCount(l *Layout) int {
	n := 0
	for _, id := range l.IDInModel {
		if id != UnusedSlot {
			n++
		}
	}
	return n
}

// subtractSubtasks returns the subtask indices present (occupied) in a
// but not in b.
func subtractSubtasks(a, b *Layout) []int {
	var out []int
	for idx, id := range a.IDInModel {
		if id == UnusedSlot {
			continue
		}
		if bid, ok := b.IDInModel[idx]; !ok || bid == UnusedSlot {
			out = append(out, idx)
		}
	}
	return out
}

func toSet(kgs []int32) map[int32]bool {
	m := make(map[int32]bool, len(kgs))
	for _, kg := range kgs {
		m[kg] = true
	}
	return m
}
