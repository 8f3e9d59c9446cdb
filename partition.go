package pphm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	pphmerrors "github.com/dlog-db/pphm/errors"

	"github.com/dlog-db/pphm/internal/mphf"
)

// Partition blob layout, little-endian:
//
//	[u32 mphf length][mphf bytes]
//	[u64 count]
//	[(count+1) x u64 key offsets][key bytes]
//	[(count+1) x u64 value offsets][value bytes]
//
// Keys and values are stored in slot order (the order the perfect hash
// assigns), not key order. Keys are retained so lookups of absent keys are
// rejected exactly rather than returning an arbitrary resident value.

// assemblePartition lays out one partition's blob from its reduced pairs,
// the converged perfect hash, and the key hashes the index was built from
// (hashes[i] corresponds to pairs[i]).
//
// Before writing anything, every pair's slot is checked to be in range and
// unique. A violation means the index and the pair set disagree; the build
// cannot be trusted and fails with ErrConsistency.
func assemblePartition(pairs []KV, idx mphf.Index, hashes []uint64) ([]byte, error) {
	n := len(pairs)
	if idx.Len() != n {
		return nil, fmt.Errorf("%w: index covers %d keys, partition has %d", pphmerrors.ErrConsistency, idx.Len(), n)
	}

	slotOf := make([]uint64, n)
	seen := make([]bool, n)
	for i, h := range hashes {
		slot, ok := idx.Lookup(h)
		if !ok || slot >= uint64(n) {
			return nil, fmt.Errorf("%w: key %q assigned out-of-range slot", pphmerrors.ErrConsistency, pairs[i].Key)
		}
		if seen[slot] {
			return nil, fmt.Errorf("%w: two keys share slot %d", pphmerrors.ErrConsistency, slot)
		}
		seen[slot] = true
		slotOf[i] = slot
	}

	bySlot := make([]KV, n)
	for i, kv := range pairs {
		bySlot[slotOf[i]] = kv
	}

	var keyBytes, valBytes uint64
	for _, kv := range bySlot {
		keyBytes += uint64(len(kv.Key))
		valBytes += uint64(len(kv.Value))
	}

	mphfBytes := idx.AppendBinary(nil)
	size := 4 + len(mphfBytes) + 8 +
		(n+1)*8 + int(keyBytes) +
		(n+1)*8 + int(valBytes)

	blob := make([]byte, 0, size)
	blob = binary.LittleEndian.AppendUint32(blob, uint32(len(mphfBytes)))
	blob = append(blob, mphfBytes...)
	blob = binary.LittleEndian.AppendUint64(blob, uint64(n))

	var off uint64
	for _, kv := range bySlot {
		blob = binary.LittleEndian.AppendUint64(blob, off)
		off += uint64(len(kv.Key))
	}
	blob = binary.LittleEndian.AppendUint64(blob, off)
	for _, kv := range bySlot {
		blob = append(blob, kv.Key...)
	}

	off = 0
	for _, kv := range bySlot {
		blob = binary.LittleEndian.AppendUint64(blob, off)
		off += uint64(len(kv.Value))
	}
	blob = binary.LittleEndian.AppendUint64(blob, off)
	for _, kv := range bySlot {
		blob = append(blob, kv.Value...)
	}

	return blob, nil
}

// resident is one partition decoded for lookups. The offset and byte
// slices view the blob's backing memory (the mmap region in default mode,
// a private copy in lazy mode); nothing is re-allocated per lookup.
type resident struct {
	idx      mphf.Index
	count    uint64
	keyOffs  []byte // (count+1) x u64 little-endian
	keyData  []byte
	valOffs  []byte
	valData  []byte
	seed     uint64
	sizeHint uint64 // blob length, for cache accounting
}

// decodePartition parses a partition blob. The returned resident aliases
// blob; the caller guarantees blob stays mapped/alive for its lifetime.
func decodePartition(blob []byte, e manifestEntry) (*resident, error) {
	if len(blob) < 4 {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	mphfLen := binary.LittleEndian.Uint32(blob[:4])
	rest := blob[4:]
	if uint64(len(rest)) < uint64(mphfLen)+8 {
		return nil, pphmerrors.ErrCorruptedPartition
	}

	idx, err := mphf.Decode(mphf.Algorithm(e.algo), e.algoVersion, rest[:mphfLen])
	if err != nil {
		return nil, err
	}
	rest = rest[mphfLen:]

	count := binary.LittleEndian.Uint64(rest[:8])
	rest = rest[8:]
	if count != e.count || uint64(idx.Len()) != count {
		return nil, fmt.Errorf("%w: key count mismatch", pphmerrors.ErrCorruptedPartition)
	}

	offsLen := (count + 1) * 8
	if uint64(len(rest)) < offsLen {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	keyOffs := rest[:offsLen]
	rest = rest[offsLen:]
	keyBytes := binary.LittleEndian.Uint64(keyOffs[count*8:])
	if uint64(len(rest)) < keyBytes {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	keyData := rest[:keyBytes]
	rest = rest[keyBytes:]

	if uint64(len(rest)) < offsLen {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	valOffs := rest[:offsLen]
	rest = rest[offsLen:]
	valBytes := binary.LittleEndian.Uint64(valOffs[count*8:])
	if uint64(len(rest)) != valBytes {
		return nil, pphmerrors.ErrCorruptedPartition
	}

	return &resident{
		idx:      idx,
		count:    count,
		keyOffs:  keyOffs,
		keyData:  keyData,
		valOffs:  valOffs,
		valData:  rest,
		seed:     e.seed,
		sizeHint: uint64(len(blob)),
	}, nil
}

// keyAt returns the key stored at slot i.
func (r *resident) keyAt(i uint64) []byte {
	lo := binary.LittleEndian.Uint64(r.keyOffs[i*8:])
	hi := binary.LittleEndian.Uint64(r.keyOffs[(i+1)*8:])
	return r.keyData[lo:hi]
}

// valueAt returns the value stored at slot i.
func (r *resident) valueAt(i uint64) []byte {
	lo := binary.LittleEndian.Uint64(r.valOffs[i*8:])
	hi := binary.LittleEndian.Uint64(r.valOffs[(i+1)*8:])
	return r.valData[lo:hi]
}

// lookup resolves a key within the partition. h is the key's xxh3 hash
// under the partition's recorded seed. A false return is a definite miss.
func (r *resident) lookup(key []byte, h uint64) ([]byte, bool) {
	if r.count == 0 {
		return nil, false
	}
	slot, ok := r.idx.Lookup(h)
	if !ok || slot >= r.count {
		return nil, false
	}
	if !bytes.Equal(r.keyAt(slot), key) {
		return nil, false
	}
	return r.valueAt(slot), true
}
