package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sane-lab/spacker/pkg/config"
	"github.com/sane-lab/spacker/pkg/state"
	"github.com/sane-lab/spacker/pkg/transport"
)

type fakeHandler struct {
	mu   sync.Mutex
	seen []*transport.DispatchStateRequest
	fail bool
}

func (h *fakeHandler) DispatchStateToTask(context.Context, *transport.DispatchStateToTaskRequest) (*transport.DispatchStateToTaskResponse, error) {
	return &transport.DispatchStateToTaskResponse{}, nil
}

func (h *fakeHandler) DispatchState(_ context.Context, req *transport.DispatchStateRequest) (*transport.DispatchStateResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return nil, assert.AnError
	}
	h.seen = append(h.seen, req)
	return &transport.DispatchStateResponse{}, nil
}

func (h *fakeHandler) UpdateBackupKeyGroups(context.Context, *transport.UpdateBackupKeyGroupsRequest) (*transport.UpdateBackupKeyGroupsResponse, error) {
	return &transport.UpdateBackupKeyGroupsResponse{}, nil
}

func (h *fakeHandler) AcknowledgeReconfig(context.Context, *transport.AcknowledgeReconfigRequest) (*transport.AcknowledgeReconfigResponse, error) {
	return &transport.AcknowledgeReconfigResponse{}, nil
}

func (h *fakeHandler) DeclineReconfig(context.Context, *transport.DeclineReconfigRequest) (*transport.DeclineReconfigResponse, error) {
	return &transport.DeclineReconfigResponse{}, nil
}

func TestCycleShipsFilteredKeyGroupsAndClearsChangelog(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicateKeysFilter = 2 // replicate kgs divisible by 2

	tbl := state.NewTable()
	tbl.Put(2, "ns", "k", []byte("v"))
	tbl.Put(3, "ns", "k", []byte("v")) // not divisible by 2, should not ship

	r, err := New(cfg, "op-1", tbl)
	require.NoError(t, err)

	handler := &fakeHandler{}
	r.SetTargets([]Target{{Address: "replica-a", Client: transport.InProcess{Handler: handler}}})

	r.cycle(context.Background())

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.seen, 1)
	assert.Equal(t, int32(2), handler.seen[0].KG)

	assert.NotContains(t, tbl.Changelog(), int32(2))
	assert.Contains(t, tbl.Changelog(), int32(3))
	assert.True(t, r.IsFresh("replica-a", 2, 1))
}

func TestCycleRetainsChangelogOnTargetFailure(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicateKeysFilter = 1

	tbl := state.NewTable()
	tbl.Put(4, "ns", "k", []byte("v"))

	r, err := New(cfg, "op-1", tbl)
	require.NoError(t, err)

	handler := &fakeHandler{fail: true}
	r.SetTargets([]Target{{Address: "replica-a", Client: transport.InProcess{Handler: handler}}})

	r.cycle(context.Background())

	assert.Contains(t, tbl.Changelog(), int32(4))
	assert.False(t, r.IsFresh("replica-a", 4, 1))
}

func TestStartStopRunsAtLeastOneCycle(t *testing.T) {
	cfg := config.Default()
	cfg.ReplicateKeysFilter = 1
	cfg.Replicate.Interval = 5 * time.Millisecond

	tbl := state.NewTable()
	tbl.Put(1, "ns", "k", []byte("v"))

	r, err := New(cfg, "op-1", tbl)
	require.NoError(t, err)

	handler := &fakeHandler{}
	r.SetTargets([]Target{{Address: "replica-a", Client: transport.InProcess{Handler: handler}}})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.seen) > 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
}
