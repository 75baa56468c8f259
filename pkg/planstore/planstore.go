/*
Package planstore persists committed JobExecutionPlans and the highest
committed reconfigId watermark, so a coordinator restart can recover
which plan is authoritative instead of starting from an empty Idle state
against a now-stale assumption.

Grounded on the teacher's pkg/storage/boltdb.go: one bbolt bucket per
entity, JSON-encoded values, db.Update/db.View closures per operation.
*/
package planstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/sane-lab/spacker/pkg/plan"
)

var (
	bucketPlans     = []byte("plans")
	bucketWatermark = []byte("watermark")
)

var watermarkKey = []byte("committed_reconfig_id")

// Store is a bbolt-backed persistence layer for committed plans.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the plan store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("planstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPlans, bucketWatermark} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("planstore: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePlan persists p and, if p.ReconfigID exceeds the current watermark,
// advances it. Plans are keyed by big-endian reconfigId so ForEach
// iteration in ListPlans visits them in ascending reconfigId order,
// whatever order they were saved in.
func (s *Store) SavePlan(p *plan.Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("planstore: marshal plan %d: %w", p.ReconfigID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPlans).Put(reconfigKey(p.ReconfigID), data); err != nil {
			return err
		}

		wm := tx.Bucket(bucketWatermark)
		current := decodeUint64(wm.Get(watermarkKey))
		if p.ReconfigID > current {
			return wm.Put(watermarkKey, encodeUint64(p.ReconfigID))
		}
		return nil
	})
}

// GetPlan returns the plan committed under reconfigID.
func (s *Store) GetPlan(reconfigID uint64) (*plan.Plan, error) {
	var p plan.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlans).Get(reconfigKey(reconfigID))
		if data == nil {
			return fmt.Errorf("planstore: no plan for reconfigId %d", reconfigID)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns every persisted plan in ascending reconfigId order.
func (s *Store) ListPlans() ([]*plan.Plan, error) {
	var plans []*plan.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlans).ForEach(func(_, v []byte) error {
			var p plan.Plan
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			plans = append(plans, &p)
			return nil
		})
	})
	return plans, err
}

// Watermark returns the highest reconfigId committed so far, or 0 if
// none has been saved yet.
func (s *Store) Watermark() (uint64, error) {
	var wm uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		wm = decodeUint64(tx.Bucket(bucketWatermark).Get(watermarkKey))
		return nil
	})
	return wm, err
}

func reconfigKey(reconfigID uint64) []byte {
	return encodeUint64(reconfigID)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(buf []byte) uint64 {
	if len(buf) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(buf)
}
