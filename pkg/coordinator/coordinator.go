/*
Package coordinator implements the ReconfigCoordinator (C5): the per-job
singleton FSM driving a reconfig-point end to end -- Trigger, affected
snapshot, transfer, rewire, drain, commit (spec section 4.5) -- plus the
status surface section 6 names.

It runs as a single actor goroutine reading off a handful of request
channels. The transition shape (typed request -> switch -> state
mutation, one struct per operation) is grounded on the teacher's
pkg/manager/fsm.go WarrenFSM.Apply, deliberately without hashicorp/raft:
the specification directs a single owned actor per job, not a replicated
state machine across a cluster (see DESIGN.md).
*/
package coordinator

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sane-lab/spacker/pkg/barrier"
	"github.com/sane-lab/spacker/pkg/config"
	"github.com/sane-lab/spacker/pkg/metrics"
	"github.com/sane-lab/spacker/pkg/plan"
	"github.com/sane-lab/spacker/pkg/spkerrors"
	"github.com/sane-lab/spacker/pkg/spklog"
	"github.com/sane-lab/spacker/pkg/transport"
)

// State is one of the ReconfigCoordinator's FSM states.
type State int

const (
	Idle State = iota
	Triggered
	Snapshotting
	Transferring
	Draining
	Committed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Triggered:
		return "TRIGGERED"
	case Snapshotting:
		return "SNAPSHOTTING"
	case Transferring:
		return "TRANSFERRING"
	case Draining:
		return "DRAINING"
	case Committed:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// BarrierInjector pushes a reconfig-point barrier into a source task's
// output. The coordinator doesn't own the record stream; the task
// runtime supplies this hook.
type BarrierInjector func(ctx context.Context, subtaskIndex int, b barrier.Barrier) error

// Status is the coordinator's externally visible health snapshot:
// status{state, reconfigId, unackedTasks[]} from spec section 6.
type Status struct {
	State        State
	ReconfigID   uint64
	UnackedTasks []int
	Partial      bool
}

type triggerRequest struct {
	ctx   context.Context
	old   *plan.Layout
	next  *plan.Layout
	reply chan triggerResult
}

type triggerResult struct {
	reconfigID uint64
	plan       *plan.Plan
	err        error
}

type ackRequest struct {
	req   *transport.AcknowledgeReconfigRequest
	reply chan error
}

type declineRequest struct {
	req   *transport.DeclineReconfigRequest
	reply chan error
}

// Coordinator is a per-job singleton. Build one with New, start its actor
// loop with Run in its own goroutine, then drive it through Trigger,
// AcknowledgeReconfig, and DeclineReconfig.
type Coordinator struct {
	cfg    *config.Options
	inject BarrierInjector
	log    zerolog.Logger

	triggerCh chan triggerRequest
	ackCh     chan ackRequest
	declineCh chan declineRequest
	timeoutCh chan uint64
	statusCh  chan chan Status

	// actor-owned: touched only by the goroutine running Run, the same
	// way a task's operator state is touched only by its task thread.
	state       State
	reconfigID  uint64
	currentPlan *plan.Plan
	idToIndex   map[string]int
	unacked     map[int]bool
	partial     bool
}

// New builds a Coordinator. cfg supplies reconfig.timeout_ms and the
// other reconfig.* options; inject is how the actor delivers
// reconfig-point barriers to source tasks.
func New(cfg *config.Options, inject BarrierInjector) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		inject:    inject,
		log:       spklog.WithComponent("coordinator"),
		triggerCh: make(chan triggerRequest),
		ackCh:     make(chan ackRequest),
		declineCh: make(chan declineRequest),
		timeoutCh: make(chan uint64, 1),
		statusCh:  make(chan chan Status),
		state:     Idle,
	}
}

// Run is the actor loop. Exactly one goroutine must run it for the
// coordinator's lifetime; it returns when ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	metrics.CoordinatorState.WithLabelValues(Idle.String()).Set(1)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.triggerCh:
			req.reply <- c.applyTrigger(req)
		case req := <-c.ackCh:
			req.reply <- c.applyAck(req.req)
		case req := <-c.declineCh:
			req.reply <- c.applyDecline(req.req)
		case reconfigID := <-c.timeoutCh:
			c.applyTimeout(reconfigID)
		case reply := <-c.statusCh:
			reply <- c.snapshot()
		}
	}
}

// Trigger starts a new reconfig-point from old to next. It returns
// ErrNotIdle if a previous reconfig-point is still in flight: two
// reconfig-points can never be in flight simultaneously (spec section 5).
func (c *Coordinator) Trigger(ctx context.Context, old, next *plan.Layout) (uint64, *plan.Plan, error) {
	reply := make(chan triggerResult, 1)
	select {
	case c.triggerCh <- triggerRequest{ctx: ctx, old: old, next: next, reply: reply}:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.reconfigID, res.plan, res.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// AcknowledgeReconfig records a task's per-key-group ingestion status for
// the active reconfig-point.
func (c *Coordinator) AcknowledgeReconfig(ctx context.Context, req *transport.AcknowledgeReconfigRequest) (*transport.AcknowledgeReconfigResponse, error) {
	reply := make(chan error, 1)
	select {
	case c.ackCh <- ackRequest{req: req, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
		return &transport.AcknowledgeReconfigResponse{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeclineReconfig aborts the active reconfig-point from a task's
// perspective.
func (c *Coordinator) DeclineReconfig(ctx context.Context, req *transport.DeclineReconfigRequest) (*transport.DeclineReconfigResponse, error) {
	reply := make(chan error, 1)
	select {
	case c.declineCh <- declineRequest{req: req, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
		return &transport.DeclineReconfigResponse{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the coordinator's current health snapshot.
func (c *Coordinator) Status(ctx context.Context) Status {
	reply := make(chan Status, 1)
	select {
	case c.statusCh <- reply:
	case <-ctx.Done():
		return Status{}
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return Status{}
	}
}

func (c *Coordinator) snapshot() Status {
	unacked := make([]int, 0, len(c.unacked))
	for idx, pending := range c.unacked {
		if pending {
			unacked = append(unacked, idx)
		}
	}
	sort.Ints(unacked)
	return Status{State: c.state, ReconfigID: c.reconfigID, UnackedTasks: unacked, Partial: c.partial}
}

func (c *Coordinator) applyTrigger(req triggerRequest) triggerResult {
	if c.state != Idle {
		return triggerResult{err: spkerrors.ErrNotIdle}
	}

	reconfigID := c.reconfigID + 1
	p, err := plan.Build(req.old, req.next, reconfigID)
	if err != nil {
		return triggerResult{err: err}
	}

	log := spklog.WithReconfig(c.log, reconfigID)
	corrID := uuid.New().String()

	c.reconfigID = reconfigID
	c.currentPlan = p
	c.partial = false
	c.idToIndex = make(map[string]int, len(p.SubtaskIndexMapping))
	for idx, id := range p.SubtaskIndexMapping {
		if id != plan.UnusedSlot {
			c.idToIndex[id] = idx
		}
	}
	c.unacked = make(map[int]bool, len(p.ModifiedSubtaskMap))
	for idx := range p.ModifiedSubtaskMap {
		c.unacked[idx] = true
	}
	metrics.KeyGroupsMigrating.Set(float64(len(p.SrcKgWithDstAddr)))

	log.Info().Str("correlation_id", corrID).Int("modified_subtasks", len(c.unacked)).Msg("reconfig triggered")
	c.transition(Triggered)

	b := barrier.Barrier{
		Kind:       barrier.ReconfigPoint,
		ReconfigID: reconfigID,
		Timestamp:  time.Now().UnixNano(),
		PlanDigest: digest(p),
	}
	c.transition(Snapshotting)
	for idx := range p.ModifiedSubtaskMap {
		if c.inject == nil {
			continue
		}
		if err := c.inject(req.ctx, idx, b); err != nil {
			log.Warn().Int("subtask_index", idx).Err(err).Msg("barrier injection failed")
		}
	}

	c.transition(Transferring)
	if len(c.unacked) == 0 {
		c.commit(log)
	} else if c.cfg.Reconfig.TimeoutMS > 0 {
		c.armTimeout(reconfigID, time.Duration(c.cfg.Reconfig.TimeoutMS)*time.Millisecond)
	}

	return triggerResult{reconfigID: reconfigID, plan: p}
}

func (c *Coordinator) applyAck(req *transport.AcknowledgeReconfigRequest) error {
	if c.state == Idle || req.ReconfigID != c.reconfigID {
		return spkerrors.ErrStaleReconfig
	}

	idx, ok := c.idToIndex[req.ExecutionID]
	if !ok {
		return fmt.Errorf("coordinator: unknown execution id %q", req.ExecutionID)
	}

	log := spklog.WithReconfig(c.log, req.ReconfigID)
	for kg, status := range req.PerKgStatus {
		if status != "ingested" && status != "released" {
			c.abort(log, spkerrors.NewKeyGroupError(spkerrors.ErrIngestFailure, kg, req.ReconfigID, fmt.Errorf("status %q", status)))
			return nil
		}
	}

	if c.state == Transferring {
		c.transition(Draining)
	}
	delete(c.unacked, idx)
	remaining := 0
	for _, dst := range c.currentPlan.SrcKgWithDstAddr {
		if c.unacked[dst] {
			remaining++
		}
	}
	metrics.KeyGroupsMigrating.Set(float64(remaining))

	if len(c.unacked) == 0 {
		c.commit(log)
	}
	return nil
}

func (c *Coordinator) applyDecline(req *transport.DeclineReconfigRequest) error {
	if c.state == Idle || req.ReconfigID != c.reconfigID {
		return spkerrors.ErrStaleReconfig
	}
	log := spklog.WithReconfig(c.log, req.ReconfigID)
	c.abort(log, fmt.Errorf("task declined: %s", req.Cause))
	return nil
}

func (c *Coordinator) applyTimeout(reconfigID uint64) {
	if reconfigID != c.reconfigID || c.state == Idle || c.state == Committed {
		return
	}
	log := spklog.WithReconfig(c.log, reconfigID)
	log.Warn().Int("unacked", len(c.unacked)).Msg("reconfig timed out before every task acknowledged")
	c.partial = true
	c.commit(log)
}

func (c *Coordinator) commit(log zerolog.Logger) {
	c.transition(Committed)
	outcome := "committed"
	if c.partial {
		outcome = "partial"
	}
	metrics.ReconfigsTotal.WithLabelValues(outcome).Inc()
	log.Info().Bool("partial", c.partial).Msg("reconfig committed")
	c.unacked = map[int]bool{}
	metrics.KeyGroupsMigrating.Set(0)
	c.transition(Idle)
}

// abort reverts to Idle under the old plan, per the failure semantics in
// spec section 4.5: the old plan remains authoritative and the next
// attempt gets a fresh reconfigId.
func (c *Coordinator) abort(log zerolog.Logger, cause error) {
	log.Error().Err(cause).Msg("reconfig aborted")
	metrics.ReconfigsTotal.WithLabelValues("aborted").Inc()
	c.unacked = map[int]bool{}
	metrics.KeyGroupsMigrating.Set(0)
	c.transition(Idle)
}

func (c *Coordinator) transition(s State) {
	metrics.CoordinatorState.WithLabelValues(c.state.String()).Set(0)
	c.state = s
	metrics.CoordinatorState.WithLabelValues(s.String()).Set(1)
}

func (c *Coordinator) armTimeout(reconfigID uint64, d time.Duration) {
	time.AfterFunc(d, func() {
		select {
		case c.timeoutCh <- reconfigID:
		default:
		}
	})
}

// digest computes the planDigest carried on a reconfig-point barrier: a
// deterministic fingerprint of the plan's aligned ranges, stable for
// equal plans regardless of map iteration order.
func digest(p *plan.Plan) [16]byte {
	indices := make([]int, 0, len(p.AlignedRanges))
	for idx := range p.AlignedRanges {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var sb strings.Builder
	fmt.Fprintf(&sb, "reconfig=%d;", p.ReconfigID)
	for _, idx := range indices {
		fmt.Fprintf(&sb, "%d:%v;", idx, p.AlignedRanges[idx])
	}
	return md5.Sum([]byte(sb.String()))
}
