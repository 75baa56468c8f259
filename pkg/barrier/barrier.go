/*
Package barrier defines the two barrier kinds that travel on the record
stream -- ordinary checkpoints and reconfig-points -- and the minimal
alignment hook points a task needs to react to one. The generic
barrier-alignment machinery (counting channels, buffering records ahead of
a not-yet-aligned barrier) belongs to the engine's checkpointing
subsystem and is out of scope; this package only specifies what a
reconfig-point carries and how a task is notified once it is aligned.
*/
package barrier

import "context"

// Kind distinguishes an ordinary checkpoint from a reconfig-point.
type Kind int

const (
	Checkpoint Kind = iota
	ReconfigPoint
)

func (k Kind) String() string {
	if k == ReconfigPoint {
		return "RECONFIGPOINT"
	}
	return "CHECKPOINT"
}

// Barrier is the payload carried on the record stream for both barrier
// kinds. PlanDigest identifies the JobExecutionPlan driving a
// ReconfigPoint barrier; it is zero for ordinary checkpoints.
type Barrier struct {
	Kind       Kind
	ReconfigID uint64
	Timestamp  int64
	PlanDigest [16]byte
	Options    map[string]string
}

// OnAligned is invoked once a task has observed a Barrier on every input
// channel. Consumers must treat a ReconfigPoint like a checkpoint for
// alignment purposes, then dispatch to the affected-state snapshot path
// instead of (or in addition to) the ordinary checkpoint path.
type OnAligned func(ctx context.Context, b Barrier) error

// Aligner is the hook point a task registers with the (external) barrier
// alignment machinery: it is told when each input channel has delivered a
// barrier, and is expected to invoke OnAligned once all channels have.
type Aligner interface {
	// ChannelBarrier records that channel idx delivered b. Returns true
	// once every channel has delivered the same reconfigId/checkpointId.
	ChannelBarrier(idx int, b Barrier) (aligned bool)

	// Reset clears per-barrier alignment state, called after OnAligned
	// runs or the barrier is canceled.
	Reset()
}

// SingleChannelAligner is an Aligner for a task with exactly one input
// channel, which is trivially always aligned on first delivery. Useful
// for sources and for tests that don't need multi-channel alignment.
type SingleChannelAligner struct{}

func (SingleChannelAligner) ChannelBarrier(int, Barrier) bool { return true }
func (SingleChannelAligner) Reset()                           {}

// CountingAligner aligns across a fixed number of input channels,
// requiring one barrier per channel for the same ReconfigID before
// reporting aligned.
type CountingAligner struct {
	numChannels int
	seen        map[int]bool
	reconfigID  uint64
}

// NewCountingAligner builds an Aligner over numChannels input channels.
func NewCountingAligner(numChannels int) *CountingAligner {
	return &CountingAligner{numChannels: numChannels, seen: make(map[int]bool)}
}

func (a *CountingAligner) ChannelBarrier(idx int, b Barrier) bool {
	if len(a.seen) > 0 && a.reconfigID != b.ReconfigID {
		// A new barrier superseded a stale partial alignment.
		a.seen = make(map[int]bool)
	}
	a.reconfigID = b.ReconfigID
	a.seen[idx] = true
	return len(a.seen) >= a.numChannels
}

func (a *CountingAligner) Reset() {
	a.seen = make(map[int]bool)
}
