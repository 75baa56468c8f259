// Package spkerrors defines the typed error kinds produced by the
// migration subsystem, and the per-key-group wrapper used to carry a
// failing kg back to whichever component makes the abort/retry decision.
package spkerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per kind in the error handling design.
var (
	// ErrPlanConflict is returned when a new JobExecutionPlan assigns a
	// key-group to more than one destination.
	ErrPlanConflict = errors.New("spacker: plan conflict")

	// ErrInvalidPlan is returned when a reconfig shape is malformed, e.g.
	// more than one added/removed subtask in a scale-out/scale-in plan.
	ErrInvalidPlan = errors.New("spacker: invalid plan")

	// ErrSnapshotFailure is returned when a source task cannot serialize
	// a key-group during the affected-state snapshot.
	ErrSnapshotFailure = errors.New("spacker: snapshot failure")

	// ErrTransferTimeout is returned when a destination does not
	// acknowledge a key-group transfer within the configured budget.
	ErrTransferTimeout = errors.New("spacker: transfer timeout")

	// ErrIngestFailure is returned when a destination cannot deserialize
	// an incoming key-group state handle.
	ErrIngestFailure = errors.New("spacker: ingest failure")

	// ErrRewireFailure is returned when gate/partition substitution fails.
	ErrRewireFailure = errors.New("spacker: rewire failure")

	// ErrReplicationFailure is returned when shipping a delta to a
	// standby replica fails. Non-fatal: callers should retain changelog
	// entries for the affected key-groups and retry next cycle.
	ErrReplicationFailure = errors.New("spacker: replication failure")

	// ErrNotIdle is returned by the coordinator when a reconfig is
	// requested while a previous one is still in flight.
	ErrNotIdle = errors.New("spacker: coordinator is not idle")

	// ErrStaleReconfig is returned by the coordinator when an
	// acknowledgement or decline names a reconfigId other than the
	// reconfig-point currently in flight, or arrives while none is.
	ErrStaleReconfig = errors.New("spacker: stale reconfig id")
)

// KeyGroupError wraps a sentinel error kind with the key-group and,
// optionally, the reconfigId it occurred under. Components that surface
// per-kg failures to the coordinator (the only place an abort decision is
// made) should wrap with this type rather than returning a bare sentinel.
type KeyGroupError struct {
	Kind       error
	KG         int32
	ReconfigID uint64
	Err        error
}

func (e *KeyGroupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: kg=%d reconfig=%d: %v", e.Kind, e.KG, e.ReconfigID, e.Err)
	}
	return fmt.Sprintf("%v: kg=%d reconfig=%d", e.Kind, e.KG, e.ReconfigID)
}

func (e *KeyGroupError) Unwrap() error { return e.Kind }

// NewKeyGroupError builds a KeyGroupError for kind occurring on kg during
// reconfig, optionally wrapping a lower-level cause.
func NewKeyGroupError(kind error, kg int32, reconfig uint64, cause error) *KeyGroupError {
	return &KeyGroupError{Kind: kind, KG: kg, ReconfigID: reconfig, Err: cause}
}
