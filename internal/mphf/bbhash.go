package mphf

import (
	"encoding/binary"
	"fmt"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

const (
	bbhashVersion = uint16(1)

	// bbhashGamma is the bitvector expansion factor per level. 2.0 balances
	// size against the expected number of cascade levels.
	bbhashGamma = 2.0

	// bbhashMaxLevels bounds the cascade depth before construction is
	// declared non-converging.
	bbhashMaxLevels = 64
)

// bbhashIndex is a frozen BBHash-style minimal perfect hash.
//
// Each level holds the keys that landed on a collision-free bit at that
// level; colliding keys cascade to the next level with a re-keyed hash.
// The rank of a key's bit across all preceding levels is its dense slot.
type bbhashIndex struct {
	n      uint64
	levels []*bitVector
	// before[l] is the number of set bits in levels[0:l].
	before []uint64
}

// levelHash re-keys h for cascade level lvl.
func levelHash(h uint64, lvl uint32) uint64 {
	x := uint64(fasthashM)
	x ^= mix64(h)
	x *= fasthashM
	x ^= mix64(uint64(lvl))
	x *= fasthashM
	return mix64(x)
}

func buildBBHash(hashes []uint64) (Index, error) {
	bb := &bbhashIndex{n: uint64(len(hashes))}
	if bb.n == 0 {
		return bb, nil
	}

	keys := hashes
	var redo []uint64
	for lvl := uint32(0); len(keys) > 0; lvl++ {
		if lvl >= bbhashMaxLevels {
			return nil, fmt.Errorf("%w: bbhash: %d keys left after %d levels", pphmerrors.ErrBuildFailed, len(keys), lvl)
		}

		sz := uint64(bbhashGamma * float64(len(keys)))
		if sz < 64 {
			sz = 64
		}
		a := newBitVector(sz)
		coll := newBitVector(sz)
		sz = a.size()

		// Pass 1: mark occupancy and collisions.
		for _, k := range keys {
			i := levelHash(k, lvl) % sz
			if coll.isSet(i) {
				continue
			}
			if a.isSet(i) {
				coll.set(i)
				continue
			}
			a.set(i)
		}

		// Pass 2: keep only collision-free bits, cascade the rest.
		// The cascade list is freshly allocated: keys aliases the caller's
		// hash slice on the first level and must not be written through.
		a.reset()
		redo = nil
		for _, k := range keys {
			i := levelHash(k, lvl) % sz
			if coll.isSet(i) {
				redo = append(redo, k)
				continue
			}
			a.set(i)
		}

		bb.levels = append(bb.levels, a)
		keys = redo
	}

	bb.indexLevels()
	return bb, nil
}

// indexLevels memoizes per-level ranks for queries and returns the total
// population count across all levels.
func (bb *bbhashIndex) indexLevels() uint64 {
	bb.before = make([]uint64, len(bb.levels))
	var pop uint64
	for l, bv := range bb.levels {
		bb.before[l] = pop
		pop += bv.indexRanks()
	}
	return pop
}

func (bb *bbhashIndex) Len() int {
	return int(bb.n)
}

func (bb *bbhashIndex) Lookup(h uint64) (uint64, bool) {
	for lvl, bv := range bb.levels {
		i := levelHash(h, uint32(lvl)) % bv.size()
		if !bv.isSet(i) {
			continue
		}
		return bb.before[lvl] + bv.rank(i), true
	}
	return 0, false
}

// AppendBinary layout: [n u64][level count u32][bitvector per level].
// Level ranks are rebuilt on decode and are not serialized.
func (bb *bbhashIndex) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, bb.n)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(bb.levels)))
	for _, bv := range bb.levels {
		dst = bv.appendBinary(dst)
	}
	return dst
}

func decodeBBHash(data []byte) (Index, error) {
	if len(data) < 12 {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	bb := &bbhashIndex{n: binary.LittleEndian.Uint64(data[:8])}
	nLevels := binary.LittleEndian.Uint32(data[8:12])
	data = data[12:]

	if nLevels > bbhashMaxLevels {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	if bb.n == 0 {
		return bb, nil
	}

	bb.levels = make([]*bitVector, nLevels)
	for l := range bb.levels {
		bv, consumed, err := decodeBitVector(data)
		if err != nil {
			return nil, err
		}
		bb.levels[l] = bv
		data = data[consumed:]
	}

	if bb.indexLevels() != bb.n {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	return bb, nil
}
