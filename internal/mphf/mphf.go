// Package mphf provides minimal perfect hash functions over pre-hashed
// 64-bit key sets.
//
// An Index maps every member of the key set it was built from to a unique
// slot in [0, N) with no collisions and no gaps. Lookups for non-member
// hashes either return a miss or an arbitrary in-range slot; callers that
// need exact membership must compare the stored key at the returned slot.
//
// Inputs are 64-bit hashes rather than raw keys: the caller seeds the key
// hash (xxh3 with a per-partition seed) and retries construction with a new
// seed when the hash set collides or a build fails to converge. Given the
// same hash set, construction is fully deterministic, which makes the
// serialized form bit-identical across independent builds.
package mphf

import (
	"fmt"
	"math/bits"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

// Algorithm identifies a minimal perfect hash construction scheme.
// The identifier and its version are recorded in the artifact manifest.
type Algorithm uint16

const (
	// CHD uses per-bucket displacement seeds over a power-of-two table,
	// compacted onto [0, N) with a rank bitvector.
	CHD Algorithm = 0

	// BBHash uses cascaded collision bitvectors with precomputed ranks.
	BBHash Algorithm = 1
)

// String returns the algorithm name.
func (a Algorithm) String() string {
	switch a {
	case CHD:
		return "chd"
	case BBHash:
		return "bbhash"
	default:
		return "unknown"
	}
}

// Version returns the serialization format version of the algorithm.
func (a Algorithm) Version() uint16 {
	switch a {
	case CHD:
		return chdVersion
	case BBHash:
		return bbhashVersion
	default:
		return 0
	}
}

// Valid reports whether a names a known algorithm.
func (a Algorithm) Valid() bool {
	return a == CHD || a == BBHash
}

// Index is a frozen minimal perfect hash function.
//
// Lookup returns the slot for a hash. For members of the construction set
// the slot is unique and in [0, Len()). A false return is a definite miss;
// a true return for a non-member hash is a possible false positive that the
// caller resolves by key comparison.
//
// An Index is immutable and safe for concurrent use.
type Index interface {
	Len() int
	Lookup(h uint64) (uint64, bool)

	// AppendBinary appends the deterministic serialized form to dst.
	AppendBinary(dst []byte) []byte
}

// Build constructs an Index over the given hash set. The hashes must be
// pairwise distinct; duplicate hashes make convergence impossible and the
// caller is expected to re-seed instead.
//
// A non-converging construction returns an error wrapping
// errors.ErrBuildFailed so the caller can retry with a different seed.
func Build(a Algorithm, hashes []uint64) (Index, error) {
	switch a {
	case CHD:
		return buildCHD(hashes)
	case BBHash:
		return buildBBHash(hashes)
	}
	return nil, fmt.Errorf("%w: algorithm ID %d", pphmerrors.ErrUnknownAlgorithm, a)
}

// Decode reconstructs an Index from its serialized form.
func Decode(a Algorithm, version uint16, data []byte) (Index, error) {
	if version != a.Version() {
		return nil, fmt.Errorf("%w: %s format version %d", pphmerrors.ErrInvalidVersion, a, version)
	}
	switch a {
	case CHD:
		return decodeCHD(data)
	case BBHash:
		return decodeBBHash(data)
	}
	return nil, fmt.Errorf("%w: algorithm ID %d", pphmerrors.ErrUnknownAlgorithm, a)
}

// fasthashM is the multiplier from Zi Long Tan's superfast hash, used by
// both algorithms to derive per-level and per-seed probe positions.
const fasthashM = 0x880355f21e6d1965

// mix64 is the fasthash compression function.
func mix64(h uint64) uint64 {
	h ^= h >> 23
	h *= 0x2127599bf4325c37
	h ^= h >> 47
	return h
}

// nextPow2 returns the smallest power of two >= n (minimum 1).
func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(n-1))
}
