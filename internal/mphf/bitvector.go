package mphf

import (
	"encoding/binary"
	"math/bits"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

// bitVector is a fixed-size bit array backed by 64-bit words with optional
// memoized rank support. Builders mutate it from a single goroutine; once
// indexRanks has been called it must be treated as read-only and is then
// safe for concurrent rank/isSet queries.
type bitVector struct {
	words []uint64

	// prefix[i] holds the number of set bits in words[0:i].
	// Populated by indexRanks; nil until then.
	prefix []uint64
}

// newBitVector creates a bitvector holding at least n bits, rounded up to
// the next multiple of 64.
func newBitVector(n uint64) *bitVector {
	return &bitVector{words: make([]uint64, (n+63)/64)}
}

// size returns the capacity in bits (always a multiple of 64).
func (b *bitVector) size() uint64 {
	return uint64(len(b.words)) * 64
}

func (b *bitVector) set(i uint64) {
	b.words[i/64] |= 1 << (i % 64)
}

func (b *bitVector) clear(i uint64) {
	b.words[i/64] &^= 1 << (i % 64)
}

func (b *bitVector) isSet(i uint64) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

func (b *bitVector) reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// indexRanks memoizes per-word prefix popcounts and returns the total
// population count. The bitvector must not be modified afterwards.
func (b *bitVector) indexRanks() uint64 {
	b.prefix = make([]uint64, len(b.words))
	var pop uint64
	for i, w := range b.words {
		b.prefix[i] = pop
		pop += uint64(bits.OnesCount64(w))
	}
	return pop
}

// rank returns the number of set bits in [0, i). Requires indexRanks.
func (b *bitVector) rank(i uint64) uint64 {
	w := i / 64
	r := b.prefix[w]
	if off := i % 64; off > 0 {
		r += uint64(bits.OnesCount64(b.words[w] << (64 - off)))
	}
	return r
}

// appendBinary serializes the bitvector as [word count u64][words...],
// all little-endian.
func (b *bitVector) appendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(b.words)))
	for _, w := range b.words {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

// decodeBitVector parses a bitvector from buf and returns it together with
// the number of bytes consumed. Rank indexes are rebuilt by the caller.
func decodeBitVector(buf []byte) (*bitVector, int, error) {
	if len(buf) < 8 {
		return nil, 0, pphmerrors.ErrCorruptedPartition
	}
	n := binary.LittleEndian.Uint64(buf[:8])
	if n > uint64(len(buf)-8)/8 {
		return nil, 0, pphmerrors.ErrCorruptedPartition
	}
	words := make([]uint64, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[8+i*8:])
	}
	return &bitVector{words: words}, 8 + int(n)*8, nil
}
