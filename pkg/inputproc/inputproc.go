/*
Package inputproc implements the InputProcessor migration hooks (C6):
the single-threaded dispatch loop each task runs, extended with the
buffer-then-drain behavior a destination needs while a key-group's state
is in flight, and the stop-dispatch behavior a source needs once it has
handed a key-group off (spec section 4.6).

The buffer/drain idiom is grounded on the same problem as
kebukeYi-6.824's shardkv migrateOut/shard buffering
(_examples/kebukeYi-6.824/src/shardkv/server.go): records for a shard
(there) or key-group (here) that is mid-transfer are parked rather than
applied, then flushed once the transfer completes, in an order governed
by the configured reconfig.order_function.
*/
package inputproc

import (
	"context"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/sane-lab/spacker/pkg/config"
	"github.com/sane-lab/spacker/pkg/metrics"
	"github.com/sane-lab/spacker/pkg/spklog"
)

// Record is one dispatch unit: enough to route by key-group and hand to
// the operator. Payload is opaque to this package.
type Record struct {
	KG      int32
	Payload interface{}
}

// Operator is whatever the dispatch loop feeds non-buffered records to --
// the task's user operator.
type Operator interface {
	Process(ctx context.Context, r Record) error
}

// Processor is one task's input processor. It is not safe for concurrent
// use: Dispatch and the migration control calls (BeginMigratingIn,
// StateArrived, StopSource) must all be serialized under the task lock,
// which is how pkg/task calls them from both its dispatch path and its
// RPC handlers (spec section 5).
type Processor struct {
	op        Operator
	log       zerolog.Logger
	orderFunc config.OrderFunction

	migrating map[int32]bool
	migrated  []int32
	buffered  map[int32][]Record

	stopped map[int32]bool // source side: kgs no longer dispatched locally
}

// New builds a Processor feeding non-buffered records to op. cfg's
// reconfig.order_function setting governs the order migrated key-groups
// are drained relative to one another (spec section 6); a nil cfg
// defaults to arrival order, same as config.OrderDefault.
func New(cfg *config.Options, op Operator) *Processor {
	var orderFunc config.OrderFunction
	if cfg != nil {
		orderFunc = cfg.Reconfig.OrderFunction
	}
	return &Processor{
		op:        op,
		log:       spklog.WithComponent("inputproc"),
		orderFunc: orderFunc,
		migrating: make(map[int32]bool),
		buffered:  make(map[int32][]Record),
		stopped:   make(map[int32]bool),
	}
}

// BeginMigratingIn marks kg as in flight to this task as destination.
// Records for kg are buffered, not dispatched, until StateArrived(kg).
func (p *Processor) BeginMigratingIn(kg int32) {
	p.migrating[kg] = true
}

// StateArrived marks kg's state as ingested at this destination. The kg
// is queued for a synchronous drain at the next Dispatch call.
func (p *Processor) StateArrived(kg int32) {
	delete(p.migrating, kg)
	p.migrated = append(p.migrated, kg)
}

// StopSource marks kg as migrating out from this task: records for kg
// arriving at the input gate are acknowledged but dropped locally, since
// the partitioner will re-route them to the new owner once the upstream
// channel is rewired (C8) (spec section 4.6, "Sources").
func (p *Processor) StopSource(kg int32) {
	p.stopped[kg] = true
}

// Reconnect clears source-side stop markers for kgs this task no longer
// needs to track -- called by the rewirer once a reconfig commits and
// ownership of kg has moved for good.
func (p *Processor) Reconnect(releasedKgs []int32) {
	for _, kg := range releasedKgs {
		delete(p.stopped, kg)
	}
}

// InMigration reports whether any key-group is still buffering or
// awaiting drain.
func (p *Processor) InMigration() bool {
	return len(p.migrating) > 0 || len(p.migrated) > 0 || len(p.buffered) > 0
}

// Dispatch is the dispatch loop's per-record entry point: it first drains
// any key-groups whose state has just arrived, then routes r.
func (p *Processor) Dispatch(ctx context.Context, r Record) error {
	for len(p.migrated) > 0 {
		kg := p.nextMigrated()
		if err := p.drain(ctx, kg); err != nil {
			return err
		}
	}

	if p.migrating[r.KG] {
		p.buffered[r.KG] = append(p.buffered[r.KG], r)
		return nil
	}
	if p.stopped[r.KG] {
		return nil
	}
	return p.op.Process(ctx, r)
}

// nextMigrated pops and returns the next key-group due for drain from
// p.migrated, per the configured order_function: OrderDefault drains in
// arrival order (FIFO), OrderReverse drains most-recently-arrived first,
// and OrderRandom drains in a random permutation of the pending kgs. This
// only reorders *which kg* drains next -- a single kg's own buffered
// records are always flushed in the order they arrived (see drain).
func (p *Processor) nextMigrated() int32 {
	last := len(p.migrated) - 1
	var idx int
	switch p.orderFunc {
	case config.OrderReverse:
		idx = last
	case config.OrderRandom:
		idx = rand.Intn(last + 1)
	default:
		idx = 0
	}

	kg := p.migrated[idx]
	p.migrated = append(p.migrated[:idx], p.migrated[idx+1:]...)
	return kg
}

// drain flushes buffered[kg] through the operator in the exact order
// received. Records for kg are never interleaved with records for any
// other kg during this flush (spec section 4.6's per-kg atomicity
// invariant): Dispatch only calls drain from the top of its own loop, and
// nothing else mutates buffered[kg] while a drain for kg is in progress.
func (p *Processor) drain(ctx context.Context, kg int32) error {
	records := p.buffered[kg]
	delete(p.buffered, kg)
	if len(records) == 0 {
		return nil
	}

	timer := metrics.NewTimer()
	log := spklog.WithKeyGroup(p.log, kg)
	for _, r := range records {
		if err := p.op.Process(ctx, r); err != nil {
			log.Error().Err(err).Msg("drain aborted by operator error")
			return err
		}
	}
	d := timer.ObserveDuration(metrics.DrainDuration)
	log.Debug().Int("records", len(records)).Dur("elapsed", d).Msg("drained buffered records")
	return nil
}
