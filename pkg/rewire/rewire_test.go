package rewire

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sane-lab/spacker/pkg/config"
	"github.com/sane-lab/spacker/pkg/inputproc"
)

type fakeGate struct {
	closed bool
}

func (g *fakeGate) Close() error {
	g.closed = true
	return nil
}

type fakePartition struct {
	flushed bool
	closed  bool
	failFlush bool
}

func (p *fakePartition) Flush() error {
	if p.failFlush {
		return errors.New("flush failed")
	}
	p.flushed = true
	return nil
}

func (p *fakePartition) Close() error {
	p.closed = true
	return nil
}

type noopOperator struct{}

func (noopOperator) Process(context.Context, inputproc.Record) error { return nil }

func TestReconnectFlushesAndClosesOldChannelsBeforeInstallingNew(t *testing.T) {
	proc := inputproc.New(config.Default(), noopOperator{})
	proc.StopSource(5)

	r := New(proc)
	oldGate := &fakeGate{}
	oldPartition := &fakePartition{}
	require.NoError(t, r.Reconnect([]InputGate{oldGate}, []OutputPartition{oldPartition}, nil))

	newGate := &fakeGate{}
	newPartition := &fakePartition{}
	require.NoError(t, r.Reconnect([]InputGate{newGate}, []OutputPartition{newPartition}, []int32{5}))

	assert.True(t, oldPartition.flushed)
	assert.True(t, oldPartition.closed)
	assert.True(t, oldGate.closed)
	assert.Equal(t, 1, r.GateCount())
	assert.Equal(t, 1, r.PartitionCount())

	// releasedKgs is handed to the processor's Reconnect; dispatching a
	// record for kg 5 afterwards succeeds. That such a record reaches the
	// operator again is checked by inputproc's TestReconnectClearsStopMarkers.
	require.NoError(t, proc.Dispatch(context.Background(), inputproc.Record{KG: 5, Payload: "x"}))
}

func TestReconnectAbortsOnFlushFailure(t *testing.T) {
	r := New(nil)
	bad := &fakePartition{failFlush: true}
	require.NoError(t, r.Reconnect(nil, []OutputPartition{bad}, nil))

	err := r.Reconnect(nil, nil, nil)
	assert.Error(t, err)
	assert.False(t, bad.closed, "a partition that failed to flush must not be closed")
}
