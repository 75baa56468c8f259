/*
Package rewire implements the ChannelRewirer (C8): when a task's
idInModel or key-group set changes, its upstream partitioners must
retarget. The rewirer substitutes input gates and output partitions
atomically under the task's lock, flushing old outputs first so no
records are lost, then tells the input processor to recompute its
migration bookkeeping (spec section 4.8).
*/
package rewire

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sane-lab/spacker/pkg/inputproc"
	"github.com/sane-lab/spacker/pkg/spklog"
)

// InputGate is the channel-level descriptor an upstream partitioner
// writes records into. Close releases it once superseded.
type InputGate interface {
	Close() error
}

// OutputPartition is a ResultPartitionWriter: the set of downstream
// channels this task's output fans into. Flush must complete before the
// writer is closed so no buffered record is lost during a rewire.
type OutputPartition interface {
	Flush() error
	Close() error
}

// Rewirer holds a task's current input gates and output partitions and
// substitutes them under lock when ownership changes.
type Rewirer struct {
	mu  sync.Mutex
	log zerolog.Logger

	gates      []InputGate
	partitions []OutputPartition
	processor  *inputproc.Processor
}

// New builds a Rewirer for the task owning processor. processor may be
// nil for a pure source task with no destination-side migration state.
func New(processor *inputproc.Processor) *Rewirer {
	return &Rewirer{log: spklog.WithComponent("rewire"), processor: processor}
}

// Reconnect substitutes the task's gates and partitions, under the
// task's lock, for newGates/newPartitions: old partitions are flushed
// then closed, old gates are closed, the new sets are installed, and
// releasedKgs are handed to the input processor's Reconnect so it drops
// stale source-side stop markers for kgs that finished migrating away.
func (r *Rewirer) Reconnect(newGates []InputGate, newPartitions []OutputPartition, releasedKgs []int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.partitions {
		if err := p.Flush(); err != nil {
			return fmt.Errorf("rewire: flush superseded output partition: %w", err)
		}
	}
	for _, p := range r.partitions {
		if err := p.Close(); err != nil {
			r.log.Warn().Err(err).Msg("error closing superseded output partition")
		}
	}
	for _, g := range r.gates {
		if err := g.Close(); err != nil {
			r.log.Warn().Err(err).Msg("error closing superseded input gate")
		}
	}

	r.gates = newGates
	r.partitions = newPartitions

	if r.processor != nil {
		r.processor.Reconnect(releasedKgs)
	}

	r.log.Info().Int("gates", len(newGates)).Int("partitions", len(newPartitions)).
		Int("released_kgs", len(releasedKgs)).Msg("channels rewired")
	return nil
}

// GateCount reports the number of currently installed input gates, the
// figure the spec's reconnect() step says must be recomputed after a
// rewire (e.g. to resize deserializer arrays and watermark valves).
func (r *Rewirer) GateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}

// PartitionCount reports the number of currently installed output
// partitions.
func (r *Rewirer) PartitionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partitions)
}
