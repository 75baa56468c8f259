/*
Package task wires one subtask's runtime together: the KeyGroupRange
(C1), StateTable (C2/C3), InputProcessor (C6), ChannelRewirer (C8), and
an optional StateReplicator (C7), all driven by the RPCs a
ReconfigCoordinator (C5) or a source peer sends it.

A Task's migration-control methods are called from the RPC layer but
must not race the task's own dispatch loop; both go through the same
mutex, playing the role the concurrency model calls the task lock
(spec section 5).
*/
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sane-lab/spacker/pkg/config"
	"github.com/sane-lab/spacker/pkg/inputproc"
	"github.com/sane-lab/spacker/pkg/keygroup"
	"github.com/sane-lab/spacker/pkg/metrics"
	"github.com/sane-lab/spacker/pkg/replicator"
	"github.com/sane-lab/spacker/pkg/rewire"
	"github.com/sane-lab/spacker/pkg/spkerrors"
	"github.com/sane-lab/spacker/pkg/spklog"
	"github.com/sane-lab/spacker/pkg/state"
	"github.com/sane-lab/spacker/pkg/transport"
)

// Task is one subtask's runtime.
type Task struct {
	mu sync.Mutex

	ExecutionID string
	OperatorID  string
	IDInModel   string

	cfg *config.Options
	log zerolog.Logger

	Range      *keygroup.Range
	Table      *state.Table
	Processor  *inputproc.Processor
	Rewirer    *rewire.Rewirer
	Replicator *replicator.Replicator

	coordinator     transport.Transport
	backupKeyGroups []int32
}

// New builds a Task that feeds non-migrating records to op and sends its
// AcknowledgeReconfig/DeclineReconfig calls to coordinator.
func New(cfg *config.Options, operatorID string, coordinator transport.Transport, op inputproc.Operator) *Task {
	proc := inputproc.New(cfg, op)
	return &Task{
		cfg:         cfg,
		OperatorID:  operatorID,
		log:         spklog.WithComponent("task"),
		Table:       state.NewTable(),
		Processor:   proc,
		Rewirer:     rewire.New(proc),
		coordinator: coordinator,
	}
}

// EnableReplication attaches a StateReplicator that ships this task's
// changelog to targets on the configured interval. The replicator does
// not run until its Start method is called.
func (t *Task) EnableReplication(targets []replicator.Target) error {
	r, err := replicator.New(t.cfg, t.OperatorID, t.Table)
	if err != nil {
		return fmt.Errorf("task: enable replication: %w", err)
	}
	r.SetTargets(targets)
	t.Replicator = r
	return nil
}

// Dispatch feeds one record through the task's input processor. Callers
// are the task's own single dispatch-loop goroutine.
func (t *Task) Dispatch(ctx context.Context, r inputproc.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Processor.Dispatch(ctx, r)
}

// DispatchStateToTask reinitializes this task's ownership: kgs newly
// present become destination-side migrations-in-progress (buffered until
// their bytes arrive); kgs no longer present are marked stopped at this
// task as a source (spec section 4.6, "Sources").
func (t *Task) DispatchStateToTask(_ context.Context, req *transport.DispatchStateToTaskRequest) (*transport.DispatchStateToTaskResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldOwned := map[int32]bool{}
	if t.Range != nil {
		for _, kg := range t.Range.Iterate() {
			oldOwned[kg] = true
		}
	}
	newOwned := map[int32]bool{}
	for _, kg := range req.KeyGroups {
		newOwned[kg] = true
	}

	for kg := range oldOwned {
		if !newOwned[kg] {
			t.Processor.StopSource(kg)
		}
	}
	for kg := range newOwned {
		if !oldOwned[kg] {
			t.Processor.BeginMigratingIn(kg)
		}
	}

	if t.Range == nil {
		t.Range = keygroup.NewRange(req.KeyGroups)
	} else {
		t.Range.Update(req.KeyGroups)
	}
	t.ExecutionID = req.ExecutionID
	t.OperatorID = req.OperatorID
	t.IDInModel = req.IDInModel

	return &transport.DispatchStateToTaskResponse{}, nil
}

// DispatchState ingests one key-group's bytes (or, if PromoteReplica is
// set, promotes an already-fresh replica) and queues the kg for drain.
func (t *Task) DispatchState(_ context.Context, req *transport.DispatchStateRequest) (*transport.DispatchStateResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !req.PromoteReplica {
		if err := t.Table.IngestRecord(req.KG, req.Bytes); err != nil {
			return nil, spkerrors.NewKeyGroupError(spkerrors.ErrIngestFailure, req.KG, req.Version, err)
		}
	}
	t.Processor.StateArrived(req.KG)
	return &transport.DispatchStateResponse{}, nil
}

// UpdateBackupKeyGroups records the kgs this task should proactively
// replicate; the coordinator calls this to set the replica target set.
func (t *Task) UpdateBackupKeyGroups(_ context.Context, req *transport.UpdateBackupKeyGroupsRequest) (*transport.UpdateBackupKeyGroupsResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backupKeyGroups = append([]int32(nil), req.KeyGroups...)
	return &transport.UpdateBackupKeyGroupsResponse{}, nil
}

// MigrateOut ships kg's current entries to dest and, on success, releases
// the local changelog entry -- the source half of spec section 4.5 step
// 3. If the replicator already believes dest holds a fresh replica at
// version, the payload is skipped and only a promote marker is sent.
func (t *Task) MigrateOut(ctx context.Context, destAddress string, dest transport.Transport, kg int32, version uint64) error {
	if t.Replicator != nil && t.Replicator.IsFresh(destAddress, kg, version) {
		_, err := dest.DispatchState(ctx, &transport.DispatchStateRequest{
			OperatorID:     t.OperatorID,
			KG:             kg,
			Version:        version,
			PromoteReplica: true,
		})
		if err != nil {
			return spkerrors.NewKeyGroupError(spkerrors.ErrTransferTimeout, kg, version, err)
		}
		metrics.TransferSkippedTotal.Inc()
		t.releaseChangelog(kg)
		return nil
	}

	t.mu.Lock()
	entries := t.Table.Entries(kg)
	t.mu.Unlock()

	record := state.EncodeKeyGroupRecord(kg, entries)
	_, err := dest.DispatchState(ctx, &transport.DispatchStateRequest{
		OperatorID: t.OperatorID,
		KG:         kg,
		Version:    version,
		Bytes:      record,
	})
	if err != nil {
		return spkerrors.NewKeyGroupError(spkerrors.ErrTransferTimeout, kg, version, err)
	}
	metrics.TransferBytesTotal.Add(float64(len(record)))
	t.releaseChangelog(kg)
	return nil
}

func (t *Task) releaseChangelog(kg int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Table.ReleaseChangelogs([]int32{kg})
}

// Acknowledge reports ingestion status for kgs to the coordinator.
func (t *Task) Acknowledge(ctx context.Context, reconfigID uint64, kgs []int32, status string) error {
	perKg := make(map[int32]string, len(kgs))
	for _, kg := range kgs {
		perKg[kg] = status
	}
	_, err := t.coordinator.AcknowledgeReconfig(ctx, &transport.AcknowledgeReconfigRequest{
		ReconfigID:  reconfigID,
		ExecutionID: t.IDInModel,
		PerKgStatus: perKg,
	})
	return err
}

// Decline reports reconfigID as unrecoverable from this task's side.
func (t *Task) Decline(ctx context.Context, reconfigID uint64, cause string) error {
	_, err := t.coordinator.DeclineReconfig(ctx, &transport.DeclineReconfigRequest{
		ReconfigID: reconfigID,
		Cause:      cause,
	})
	return err
}
