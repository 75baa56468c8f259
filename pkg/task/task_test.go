package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sane-lab/spacker/pkg/barrier"
	"github.com/sane-lab/spacker/pkg/config"
	"github.com/sane-lab/spacker/pkg/coordinator"
	"github.com/sane-lab/spacker/pkg/inputproc"
	"github.com/sane-lab/spacker/pkg/metrics"
	"github.com/sane-lab/spacker/pkg/plan"
	"github.com/sane-lab/spacker/pkg/replicator"
	"github.com/sane-lab/spacker/pkg/transport"
)

type countingOperator struct {
	mu        sync.Mutex
	processed []inputproc.Record
}

func (o *countingOperator) Process(_ context.Context, r inputproc.Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed = append(o.processed, r)
	return nil
}

func (o *countingOperator) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.processed)
}

// coordinatorHandler adapts a *coordinator.Coordinator to transport.Handler
// for use with transport.InProcess: a coordinator only ever receives
// AcknowledgeReconfig and DeclineReconfig (spec section 6); the other
// three RPCs are addressed to tasks and would never reach this side.
type coordinatorHandler struct {
	c *coordinator.Coordinator
}

func (coordinatorHandler) DispatchStateToTask(context.Context, *transport.DispatchStateToTaskRequest) (*transport.DispatchStateToTaskResponse, error) {
	panic("coordinator does not receive DispatchStateToTask")
}

func (coordinatorHandler) DispatchState(context.Context, *transport.DispatchStateRequest) (*transport.DispatchStateResponse, error) {
	panic("coordinator does not receive DispatchState")
}

func (coordinatorHandler) UpdateBackupKeyGroups(context.Context, *transport.UpdateBackupKeyGroupsRequest) (*transport.UpdateBackupKeyGroupsResponse, error) {
	panic("coordinator does not receive UpdateBackupKeyGroups")
}

func (h coordinatorHandler) AcknowledgeReconfig(ctx context.Context, req *transport.AcknowledgeReconfigRequest) (*transport.AcknowledgeReconfigResponse, error) {
	return h.c.AcknowledgeReconfig(ctx, req)
}

func (h coordinatorHandler) DeclineReconfig(ctx context.Context, req *transport.DeclineReconfigRequest) (*transport.DeclineReconfigResponse, error) {
	return h.c.DeclineReconfig(ctx, req)
}

// TestScaleOutMigratesKeyGroupsAndCommits exercises the specification's
// scenario 1 (2->3 scale out, 8 kgs) end to end: the coordinator injects
// a reconfig-point, sources push kg 2/3/6/7 to the new task t2, and every
// modified task acknowledges, committing the reconfig.
func TestScaleOutMigratesKeyGroupsAndCommits(t *testing.T) {
	cfg := config.Default()

	old := &plan.Layout{
		NumOpenedSubtasks: 2,
		KeyGroups:         map[int][]int32{0: {0, 1, 2, 3}, 1: {4, 5, 6, 7}},
		IDInModel:         map[int]string{0: "t0", 1: "t1"},
	}
	next := &plan.Layout{
		NumOpenedSubtasks: 3,
		KeyGroups:         map[int][]int32{0: {0, 1}, 1: {4, 5}, 2: {2, 3, 6, 7}},
		IDInModel:         map[int]string{0: "t0", 1: "t1", 2: "t2"},
	}
	expectedPlan, err := plan.Build(old, next, 1)
	require.NoError(t, err)
	indexToID := expectedPlan.SubtaskIndexMapping

	var tasksByID map[string]*Task
	var clientsByID map[string]transport.Transport

	coord := coordinator.New(cfg, func(ctx context.Context, idx int, b barrier.Barrier) error {
		go func() {
			id := indexToID[idx]
			self := tasksByID[id]

			if srcKgs, ok := expectedPlan.SrcAffectedKgs[idx]; ok {
				for _, kg := range srcKgs {
					destIdx := expectedPlan.SrcKgWithDstAddr[kg]
					destID := indexToID[destIdx]
					_ = self.MigrateOut(ctx, destID, clientsByID[destID], kg, 1)
				}
			}

			if dstKgs, ok := expectedPlan.DstAffectedKgs[idx]; ok {
				for _, kg := range dstKgs {
					for i := 0; i < 200 && self.Table.Entries(kg) == nil; i++ {
						time.Sleep(2 * time.Millisecond)
					}
				}
				_ = self.Acknowledge(ctx, b.ReconfigID, dstKgs, "ingested")
			}

			if srcKgs, ok := expectedPlan.SrcAffectedKgs[idx]; ok && len(expectedPlan.DstAffectedKgs[idx]) == 0 {
				_ = self.Acknowledge(ctx, b.ReconfigID, srcKgs, "released")
			}
		}()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	coordClient := transport.InProcess{Handler: coordinatorHandler{c: coord}}

	op0, op1, op2 := &countingOperator{}, &countingOperator{}, &countingOperator{}
	t0 := New(cfg, "op", coordClient, op0)
	t1 := New(cfg, "op", coordClient, op1)
	t2 := New(cfg, "op", coordClient, op2)

	_, err = t0.DispatchStateToTask(ctx, &transport.DispatchStateToTaskRequest{OperatorID: "op", KeyGroups: []int32{0, 1, 2, 3}, IDInModel: "t0"})
	require.NoError(t, err)
	_, err = t1.DispatchStateToTask(ctx, &transport.DispatchStateToTaskRequest{OperatorID: "op", KeyGroups: []int32{4, 5, 6, 7}, IDInModel: "t1"})
	require.NoError(t, err)
	_, err = t2.DispatchStateToTask(ctx, &transport.DispatchStateToTaskRequest{OperatorID: "op", KeyGroups: []int32{2, 3, 6, 7}, IDInModel: "t2"})
	require.NoError(t, err)

	t0.Table.Put(2, "ns", "k", []byte("two"))
	t0.Table.Put(3, "ns", "k", []byte("three"))
	t1.Table.Put(6, "ns", "k", []byte("six"))
	t1.Table.Put(7, "ns", "k", []byte("seven"))

	tasksByID = map[string]*Task{"t0": t0, "t1": t1, "t2": t2}
	clientsByID = map[string]transport.Transport{
		"t0": transport.InProcess{Handler: t0},
		"t1": transport.InProcess{Handler: t1},
		"t2": transport.InProcess{Handler: t2},
	}

	reconfigID, p, err := coord.Trigger(ctx, old, next)
	require.NoError(t, err)
	assert.Equal(t, expectedPlan.SrcKgWithDstAddr, p.SrcKgWithDstAddr)

	require.Eventually(t, func() bool {
		st := coord.Status(ctx)
		return st.State == coordinator.Idle && len(st.UnackedTasks) == 0
	}, time.Second, 5*time.Millisecond)

	assert.False(t, coord.Status(ctx).Partial)

	for _, kg := range []int32{2, 3, 6, 7} {
		_, ok := t2.Table.Get(kg, "ns", "k")
		assert.True(t, ok, "kg %d should have landed on the new task", kg)
	}
	assert.Equal(t, uint64(1), reconfigID)
}

// TestAbortLeavesOldPlanAuthoritative exercises the decline path: a task
// that cannot ingest its incoming kg declines, and the coordinator
// reverts to Idle without committing any ownership change.
func TestAbortLeavesOldPlanAuthoritative(t *testing.T) {
	cfg := config.Default()

	old := &plan.Layout{
		NumOpenedSubtasks: 2,
		KeyGroups:         map[int][]int32{0: {0, 1, 2}, 1: {3, 4, 5}},
		IDInModel:         map[int]string{0: "t0", 1: "t1"},
	}
	next := &plan.Layout{
		NumOpenedSubtasks: 2,
		KeyGroups:         map[int][]int32{0: {0, 1}, 1: {2, 3, 4, 5}},
		IDInModel:         map[int]string{0: "t0", 1: "t1"},
	}

	var tasksByID map[string]*Task
	coord := coordinator.New(cfg, func(ctx context.Context, idx int, b barrier.Barrier) error {
		go func() {
			id := []string{"t0", "t1"}[idx]
			self := tasksByID[id]
			if id == "t1" {
				_ = self.Decline(ctx, b.ReconfigID, "synthetic snapshot failure")
			}
		}()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	coordClient := transport.InProcess{Handler: coordinatorHandler{c: coord}}
	t0 := New(cfg, "op", coordClient, &countingOperator{})
	t1 := New(cfg, "op", coordClient, &countingOperator{})
	tasksByID = map[string]*Task{"t0": t0, "t1": t1}

	_, _, err := coord.Trigger(ctx, old, next)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return coord.Status(ctx).State == coordinator.Idle
	}, time.Second, 5*time.Millisecond)
}

// recordingHandler plays the role of a standby replica / destination
// task in the replication-reuse test below: it records every
// DispatchState it receives so the test can tell a promote-only marker
// apart from a full-payload transfer.
type recordingHandler struct {
	mu   sync.Mutex
	seen []*transport.DispatchStateRequest
}

func (h *recordingHandler) DispatchStateToTask(context.Context, *transport.DispatchStateToTaskRequest) (*transport.DispatchStateToTaskResponse, error) {
	return &transport.DispatchStateToTaskResponse{}, nil
}

func (h *recordingHandler) DispatchState(_ context.Context, req *transport.DispatchStateRequest) (*transport.DispatchStateResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, req)
	return &transport.DispatchStateResponse{}, nil
}

func (h *recordingHandler) UpdateBackupKeyGroups(context.Context, *transport.UpdateBackupKeyGroupsRequest) (*transport.UpdateBackupKeyGroupsResponse, error) {
	return &transport.UpdateBackupKeyGroupsResponse{}, nil
}

func (h *recordingHandler) AcknowledgeReconfig(context.Context, *transport.AcknowledgeReconfigRequest) (*transport.AcknowledgeReconfigResponse, error) {
	return &transport.AcknowledgeReconfigResponse{}, nil
}

func (h *recordingHandler) DeclineReconfig(context.Context, *transport.DeclineReconfigRequest) (*transport.DeclineReconfigResponse, error) {
	return &transport.DeclineReconfigResponse{}, nil
}

func (h *recordingHandler) requests() []*transport.DispatchStateRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*transport.DispatchStateRequest(nil), h.seen...)
}

// TestMigrateOutReusesFreshReplicaAndSkipsPayload exercises the
// specification's scenario 5 (replication reuse) end to end: a source
// task replicates kg 6 to a standby, a replication cycle marks that
// standby fresh, and the subsequent MigrateOut for the same kg/version
// sends only a promote-replica marker, skipping the payload and
// incrementing the skip counter instead of the byte counter.
func TestMigrateOutReusesFreshReplicaAndSkipsPayload(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicateKeysFilter = 1 // replicate every kg
	cfg.Replicate.Interval = 5 * time.Millisecond

	coordClient := transport.InProcess{Handler: coordinatorHandler{}}
	src := New(cfg, "op", coordClient, &countingOperator{})
	src.Table.Put(6, "ns", "k", []byte("six"))

	standby := &recordingHandler{}
	require.NoError(t, src.EnableReplication([]replicator.Target{
		{Address: "standby-a", Client: transport.InProcess{Handler: standby}},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.Replicator.Start(ctx)

	require.Eventually(t, func() bool {
		return len(standby.requests()) > 0
	}, time.Second, 5*time.Millisecond)
	src.Replicator.Stop()

	replicated := standby.requests()
	require.Len(t, replicated, 1)
	assert.Equal(t, int32(6), replicated[0].KG)
	assert.False(t, replicated[0].PromoteReplica)
	assert.NotEmpty(t, replicated[0].Bytes)

	skippedBefore := testutil.ToFloat64(metrics.TransferSkippedTotal)
	bytesBefore := testutil.ToFloat64(metrics.TransferBytesTotal)

	require.NoError(t, src.MigrateOut(ctx, "standby-a", transport.InProcess{Handler: standby}, 6, 1))

	requests := standby.requests()
	require.Len(t, requests, 2, "MigrateOut should have sent exactly one more request")
	migrateReq := requests[1]
	assert.True(t, migrateReq.PromoteReplica)
	assert.Empty(t, migrateReq.Bytes)

	assert.Equal(t, skippedBefore+1, testutil.ToFloat64(metrics.TransferSkippedTotal))
	assert.Equal(t, bytesBefore, testutil.ToFloat64(metrics.TransferBytesTotal), "promote-only transfer must not add to the byte counter")
}
