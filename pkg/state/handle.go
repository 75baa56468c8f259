package state

import (
	"encoding/binary"
	"fmt"

	"github.com/sane-lab/spacker/pkg/keygroup"
)

// Handle is a KeyGroupStateHandle: a snapshot artifact consisting of a
// byte stream, the range of kgs it covers, a per-kg offset table into the
// stream, and a per-kg modified bit.
//
// For each kg, in aligned order, the stream holds [kg:u32][len:u32]
// [payload] starting at Offsets[i]. An empty kg -- one with no entries at
// snapshot time -- writes nothing: its offset equals the next kg's
// offset, which is how callers detect it without a separate flag.
// Offsets is monotonically non-decreasing for this reason.
type Handle struct {
	Range    *keygroup.Range
	Stream   []byte
	Offsets  []int64
	Modified []bool
	Version  uint64
}

// Snapshot writes the entries of every kg in kgsToInclude (restricted to
// rng) into a single stream, producing a Handle. A kg present in rng but
// absent from kgsToInclude, or with no entries, is written as empty.
// modified reports, per aligned index, whether the kg was present in the
// table's changelog at the moment of the call.
func (t *Table) Snapshot(rng *keygroup.Range, kgsToInclude map[int32]bool, version uint64) *Handle {
	t.mu.Lock()
	changelog := make(map[int32]struct{}, len(t.changelog))
	for kg := range t.changelog {
		changelog[kg] = struct{}{}
	}
	t.mu.Unlock()

	aligned := rng.Iterate()
	h := &Handle{
		Range:    rng,
		Offsets:  make([]int64, len(aligned)),
		Modified: make([]bool, len(aligned)),
		Version:  version,
	}

	var stream []byte
	for i, kg := range aligned {
		h.Offsets[i] = int64(len(stream))
		_, dirty := changelog[kg]
		h.Modified[i] = dirty

		if kgsToInclude != nil && !kgsToInclude[kg] {
			continue
		}
		entries := t.Entries(kg)
		if len(entries) == 0 {
			continue
		}
		stream = appendKeyGroupRecord(stream, kg, entries)
	}
	h.Stream = stream
	return h
}

// Compose produces an empty summary handle sharing h's offsets and
// modified bits but with a zero-length stream, for the lightweight
// coordinator-facing bookkeeping path described in the component design:
// the coordinator tracks which kgs moved without holding their bytes.
func (h *Handle) Compose() *Handle {
	return &Handle{
		Range:    h.Range,
		Stream:   nil,
		Offsets:  append([]int64(nil), h.Offsets...),
		Modified: append([]bool(nil), h.Modified...),
		Version:  h.Version,
	}
}

// PayloadFor returns the raw record bytes for kg (including its 8-byte
// [kg:u32][len:u32] header), or nil if kg is empty in this handle or h carries no stream
// (e.g. it is a composed summary handle).
func (h *Handle) PayloadFor(kg int32) []byte {
	idx, ok := h.Range.MapFromHashedToAligned(kg)
	if !ok {
		return nil
	}
	start := h.Offsets[idx]
	var end int64
	if idx+1 < len(h.Offsets) {
		end = h.Offsets[idx+1]
	} else {
		end = int64(len(h.Stream))
	}
	if start == end || int(end) > len(h.Stream) {
		return nil
	}
	return h.Stream[start:end]
}

// IngestKeyGroup decodes a single kg's record, as produced by
// appendKeyGroupRecord, into the ns/userKey/value map Table.Ingest
// expects. It validates the record's leading kg header against kg.
func IngestKeyGroup(kg int32, record []byte) (map[string]map[string][]byte, error) {
	if len(record) < 8 {
		return nil, fmt.Errorf("state: record for kg %d too short for header", kg)
	}
	gotKG := int32(binary.BigEndian.Uint32(record[0:4]))
	if gotKG != kg {
		return nil, fmt.Errorf("state: record header kg=%d does not match expected kg=%d", gotKG, kg)
	}
	n := int(binary.BigEndian.Uint32(record[4:8]))
	if len(record)-8 < n {
		return nil, fmt.Errorf("state: record for kg %d truncated, want %d payload bytes have %d", kg, n, len(record)-8)
	}
	return decodeKeyGroupPayload(record[8 : 8+n])
}

// EncodeKeyGroupRecord produces a standalone [kg:u32][len:u32][payload]
// record for kg's entries, the same framing IngestKeyGroup decodes. Used
// by the replicator to ship single-kg changelog deltas without going
// through a full Snapshot.
func EncodeKeyGroupRecord(kg int32, entries map[string]map[string][]byte) []byte {
	return appendKeyGroupRecord(nil, kg, entries)
}

// appendKeyGroupRecord appends [kg:u32][len:u32][payload] to stream and
// returns the extended slice. The payload encodes entries as a sequence
// of [nsLen:u32][ns][keyLen:u32][key][valLen:u32][val], count-prefixed.
func appendKeyGroupRecord(stream []byte, kg int32, entries map[string]map[string][]byte) []byte {
	payload := encodeKeyGroupPayload(entries)

	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(kg))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))

	stream = append(stream, header...)
	stream = append(stream, payload...)
	return stream
}

func encodeKeyGroupPayload(entries map[string]map[string][]byte) []byte {
	var buf []byte
	var countBuf [4]byte

	binary.BigEndian.PutUint32(countBuf[:], uint32(countTriples(entries)))
	buf = append(buf, countBuf[:]...)

	for ns, keyMap := range entries {
		for userKey, value := range keyMap {
			buf = appendLenPrefixed(buf, []byte(ns))
			buf = appendLenPrefixed(buf, []byte(userKey))
			buf = appendLenPrefixed(buf, value)
		}
	}
	return buf
}

func decodeKeyGroupPayload(payload []byte) (map[string]map[string][]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("state: payload too short for count")
	}
	count := int(binary.BigEndian.Uint32(payload[0:4]))
	rest := payload[4:]

	out := make(map[string]map[string][]byte)
	for i := 0; i < count; i++ {
		var ns, key, val []byte
		var err error

		ns, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		key, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		val, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}

		keyMap, ok := out[string(ns)]
		if !ok {
			keyMap = make(map[string][]byte)
			out[string(ns)] = keyMap
		}
		keyMap[string(key)] = val
	}
	return out, nil
}

func countTriples(entries map[string]map[string][]byte) int {
	n := 0
	for _, keyMap := range entries {
		n += len(keyMap)
	}
	return n
}

func appendLenPrefixed(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	return buf
}

func readLenPrefixed(buf []byte) (value []byte, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("state: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	buf = buf[4:]
	if len(buf) < n {
		return nil, nil, fmt.Errorf("state: truncated field, want %d bytes have %d", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}
