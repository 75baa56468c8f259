/*
Package replicator implements the StateReplicator (C7): proactive,
filter-selected shipping of newly modified key-group deltas to standby
replicas between reconfigs, so a later migration can skip re-sending a
key-group whose replica is already fresh (spec section 4.7).

The ticker-driven cycle loop is grounded on the teacher's
pkg/reconciler/reconciler.go and pkg/scheduler/scheduler.go: a ticker
selects against a stop channel, invoking one cycle per tick and logging
(not failing) on a cycle's errors.
*/
package replicator

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/sane-lab/spacker/pkg/config"
	"github.com/sane-lab/spacker/pkg/metrics"
	"github.com/sane-lab/spacker/pkg/spklog"
	"github.com/sane-lab/spacker/pkg/state"
	"github.com/sane-lab/spacker/pkg/transport"
)

// freshnessCacheSize bounds the replica-freshness LRU: one entry per
// (target, kg) pair this task has shipped to a standby.
const freshnessCacheSize = 4096

// Target is one standby replica this replicator ships deltas to.
type Target struct {
	Address string
	Client  transport.Transport
}

type freshnessKey struct {
	address string
	kg      int32
}

// Replicator ships StateTable changelog deltas to a set of standby
// Targets on a configured interval, tracking which (target, kg) pairs
// are already fresh so a migration's transfer phase can send a
// promote-replica marker instead of the payload.
type Replicator struct {
	cfg        *config.Options
	operatorID string
	table      *state.Table
	log        zerolog.Logger

	mu      sync.Mutex
	targets []Target

	fresh *lru.Cache // freshnessKey -> version (uint64)

	stopCh chan struct{}
}

// New builds a Replicator for operatorID backed by table.
func New(cfg *config.Options, operatorID string, table *state.Table) (*Replicator, error) {
	cache, err := lru.New(freshnessCacheSize)
	if err != nil {
		return nil, err
	}
	return &Replicator{
		cfg:        cfg,
		operatorID: operatorID,
		table:      table,
		log:        spklog.WithComponent("replicator"),
		fresh:      cache,
		stopCh:     make(chan struct{}),
	}, nil
}

// SetTargets replaces the standby replica set, e.g. in response to an
// UpdateBackupKeyGroups RPC from the coordinator.
func (r *Replicator) SetTargets(targets []Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append([]Target(nil), targets...)
}

// IsFresh reports whether target already holds a replica of kg at
// version -- the transfer phase uses this to decide whether to send
// bytes or just a promote-replica marker (spec section 4.7).
func (r *Replicator) IsFresh(target string, kg int32, version uint64) bool {
	v, ok := r.fresh.Get(freshnessKey{address: target, kg: kg})
	return ok && v.(uint64) >= version
}

// Start runs the replication cycle loop until ctx is canceled or Stop is
// called.
func (r *Replicator) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop ends the replication cycle loop.
func (r *Replicator) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

func (r *Replicator) run(ctx context.Context) {
	interval := r.cfg.Replicate.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", interval).Msg("replicator started")
	for {
		select {
		case <-ticker.C:
			r.cycle(ctx)
		case <-r.stopCh:
			r.log.Info().Msg("replicator stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// cycle ships the changelog delta for every kg the replicate_keys_filter
// policy selects, to every configured target. Shipped kgs are cleared
// from the changelog only for kgs that every target acknowledged; a
// partial failure leaves those kgs in the changelog for the next cycle
// (spec section 4.7's non-fatal replication failure).
func (r *Replicator) cycle(ctx context.Context) {
	changed := r.table.Changelog()
	var toShip []int32
	for _, kg := range changed {
		if r.cfg.ReplicatesKeyGroup(kg) {
			toShip = append(toShip, kg)
		}
	}
	if len(toShip) == 0 {
		return
	}

	r.mu.Lock()
	targets := append([]Target(nil), r.targets...)
	r.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	timer := metrics.NewTimer()
	var fullyShipped []int32
	for _, kg := range toShip {
		entries := r.table.Entries(kg)
		record := state.EncodeKeyGroupRecord(kg, entries)

		okForAllTargets := true
		for _, tgt := range targets {
			req := &transport.DispatchStateRequest{
				OperatorID: r.operatorID,
				KG:         kg,
				Version:    1,
				Bytes:      record,
			}
			if _, err := tgt.Client.DispatchState(ctx, req); err != nil {
				r.log.Warn().Str("target", tgt.Address).Int32("kg", kg).Err(err).
					Msg("replication delta failed, retaining changelog entry")
				okForAllTargets = false
				continue
			}
			r.fresh.Add(freshnessKey{address: tgt.Address, kg: kg}, req.Version)
			metrics.TransferBytesTotal.Add(float64(len(record)))
		}
		if okForAllTargets {
			fullyShipped = append(fullyShipped, kg)
		}
	}

	timer.ObserveDuration(metrics.ReplicationLag)
	if len(fullyShipped) > 0 {
		r.table.ClearChangelog(fullyShipped)
	}
}
