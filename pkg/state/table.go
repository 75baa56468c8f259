/*
Package state implements the per-task KeyedStateTable (C2) and the
KeyGroupStateHandle snapshot artifact (C3). The table stores serialized
values -- callers own their own value encoding -- so any of the backend
variants the design notes describe (heap, file, rocks-like) could sit
behind the same Table contract; only an in-memory heap backend ships
here.
*/
package state

import (
	"sort"
	"sync"
)

// keyGroupState is the per-kg nested map: namespace -> userKey -> value.
type keyGroupState map[string]map[string][]byte

// Table is a per-operator container mapping kg -> namespace -> userKey ->
// value, plus a changelog of kgs written since they were last cleared
// from it (by a replication cycle, a release, or an ingest). Each method
// takes the table's own mutex, so individual calls are safe for
// concurrent use; Snapshot does not clear the changelog.
type Table struct {
	mu        sync.Mutex
	data      map[int32]keyGroupState
	changelog map[int32]struct{}
}

// NewTable constructs an empty state table.
func NewTable() *Table {
	return &Table{
		data:      make(map[int32]keyGroupState),
		changelog: make(map[int32]struct{}),
	}
}

// Get returns the value for (kg, ns, userKey), and false if absent.
func (t *Table) Get(kg int32, ns, userKey string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nsMap, ok := t.data[kg]
	if !ok {
		return nil, false
	}
	v, ok := nsMap[ns][userKey]
	return v, ok
}

// Put writes (kg, ns, userKey) = value and marks kg dirty in the
// changelog.
func (t *Table) Put(kg int32, ns, userKey string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nsMap, ok := t.data[kg]
	if !ok {
		nsMap = make(keyGroupState)
		t.data[kg] = nsMap
	}
	keyMap, ok := nsMap[ns]
	if !ok {
		keyMap = make(map[string][]byte)
		nsMap[ns] = keyMap
	}
	keyMap[userKey] = value
	t.changelog[kg] = struct{}{}
}

// Remove deletes (kg, ns, userKey) and marks kg dirty.
func (t *Table) Remove(kg int32, ns, userKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if nsMap, ok := t.data[kg]; ok {
		delete(nsMap[ns], userKey)
	}
	t.changelog[kg] = struct{}{}
}

// Changelog returns the set of kgs modified since they were last cleared
// by ClearChangelog, ReleaseChangelogs or IngestRecord, in ascending
// order.
func (t *Table) Changelog() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.changelog)
}

// ReleaseChangelogs removes kgs from the changelog and drops their
// entries from the in-memory map entirely. This is how a source task
// relinquishes ownership of migrated kgs.
func (t *Table) ReleaseChangelogs(kgs []int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, kg := range kgs {
		delete(t.changelog, kg)
		delete(t.data, kg)
	}
}

// ClearChangelog removes kgs from the changelog without touching the
// in-memory map, used after a successful replication cycle where the
// source keeps serving the kg.
func (t *Table) ClearChangelog(kgs []int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, kg := range kgs {
		delete(t.changelog, kg)
	}
}

// Ingest installs ns/userKey/value triples for kg, overwriting any
// existing entries for kg. Used by a destination task after receiving a
// key-group's bytes from a source or replica.
func (t *Table) Ingest(kg int32, entries map[string]map[string][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[kg] = entries
}

// IngestRecord decodes a single kg record (as produced by a Handle's
// stream) and installs it into the table, marking kg no longer dirty
// locally -- the destination now owns a clean copy of what the source
// shipped.
func (t *Table) IngestRecord(kg int32, record []byte) error {
	entries, err := IngestKeyGroup(kg, record)
	if err != nil {
		return err
	}
	t.Ingest(kg, entries)
	t.ClearChangelog([]int32{kg})
	return nil
}

// Entries returns a copy of kg's namespace/userKey/value map, or nil if
// kg holds no state.
func (t *Table) Entries(kg int32) map[string]map[string][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	nsMap, ok := t.data[kg]
	if !ok {
		return nil
	}
	out := make(map[string]map[string][]byte, len(nsMap))
	for ns, keyMap := range nsMap {
		cp := make(map[string][]byte, len(keyMap))
		for k, v := range keyMap {
			cp[k] = v
		}
		out[ns] = cp
	}
	return out
}

func sortedKeys(m map[int32]struct{}) []int32 {
	out := make([]int32, 0, len(m))
	for kg := range m {
		out = append(out, kg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
