package pphm

import (
	"encoding/binary"
	"fmt"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

// StrategyKind tags a duplicate-resolution strategy. The set is closed;
// the kind is recorded in the manifest so a rebuilt map can state how its
// values were derived.
type StrategyKind uint8

const (
	// KindLastWins keeps the value from the newest source (highest source
	// ID), breaking ties within a source by the latest record. The default.
	KindLastWins StrategyKind = 0

	// KindFirstWins keeps the value from the oldest source (lowest source
	// ID), breaking ties within a source by the earliest record.
	KindFirstWins StrategyKind = 1

	// KindMergeSum sums duplicate values as 8-byte little-endian int64s.
	KindMergeSum StrategyKind = 2

	// KindMergeAppend concatenates duplicate values as length-prefixed
	// segments in source order.
	KindMergeAppend StrategyKind = 3

	// KindMergeCustom resolves duplicates with a caller-supplied function.
	KindMergeCustom StrategyKind = 4

	// KindErrorOnDuplicate fails the build on any duplicate key.
	KindErrorOnDuplicate StrategyKind = 5
)

// String returns the strategy name as recorded in build failures and stats.
func (k StrategyKind) String() string {
	switch k {
	case KindLastWins:
		return "last-wins"
	case KindFirstWins:
		return "first-wins"
	case KindMergeSum:
		return "merge-sum"
	case KindMergeAppend:
		return "merge-append"
	case KindMergeCustom:
		return "merge-custom"
	case KindErrorOnDuplicate:
		return "error-on-duplicate"
	default:
		return "unknown"
	}
}

func (k StrategyKind) valid() bool {
	return k <= KindErrorOnDuplicate
}

// MergeFunc resolves one key's duplicate values. Values are passed in
// source order (oldest first); the returned slice becomes the stored
// value. The whole group is handed over in one call rather than as a left
// fold of a binary merge: a fold fn2(fn2(v0, v1), v2) is expressed as
// fn(key, [v0, v1, v2]) folding internally, without one callback
// invocation per pair.
type MergeFunc func(key []byte, values [][]byte) ([]byte, error)

// Strategy selects how duplicate keys are resolved during the reduce stage.
// Construct one with LastWins, FirstWins, MergeSum, MergeAppend,
// MergeCustom or ErrorOnDuplicate.
type Strategy struct {
	kind  StrategyKind
	merge MergeFunc
}

// LastWins keeps the newest value for each duplicated key.
func LastWins() Strategy { return Strategy{kind: KindLastWins} }

// FirstWins keeps the oldest value for each duplicated key.
func FirstWins() Strategy { return Strategy{kind: KindFirstWins} }

// MergeSum sums duplicate values. Every duplicated value must be exactly
// 8 bytes, interpreted as a little-endian int64; anything else fails the
// build with ErrTypeMismatch.
func MergeSum() Strategy { return Strategy{kind: KindMergeSum} }

// MergeAppend concatenates duplicate values in source order as
// [uvarint length][bytes] segments. Decode with AppendedValues.
func MergeAppend() Strategy { return Strategy{kind: KindMergeAppend} }

// MergeCustom resolves duplicates with fn. fn receives every duplicated
// value for a key in one call, in source order (oldest first); see
// MergeFunc for how this relates to a pairwise fold.
func MergeCustom(fn MergeFunc) Strategy {
	return Strategy{kind: KindMergeCustom, merge: fn}
}

// ErrorOnDuplicate fails the build with ErrDuplicateKey if any key occurs
// more than once across all sources.
func ErrorOnDuplicate() Strategy { return Strategy{kind: KindErrorOnDuplicate} }

// Kind returns the strategy's tag.
func (s Strategy) Kind() StrategyKind { return s.kind }

// String returns the strategy name.
func (s Strategy) String() string { return s.kind.String() }

func (s Strategy) validate() error {
	if !s.kind.valid() {
		return fmt.Errorf("%w: kind %d", pphmerrors.ErrUnknownStrategy, s.kind)
	}
	if s.kind == KindMergeCustom && s.merge == nil {
		return pphmerrors.ErrNilMergeFunc
	}
	return nil
}

// Int64Value encodes v in the 8-byte little-endian form MergeSum expects.
func Int64Value(v int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

// Int64FromValue decodes an 8-byte little-endian int64 value.
func Int64FromValue(v []byte) (int64, bool) {
	if len(v) != 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(v)), true
}

// AppendedValues decodes a value produced by the MergeAppend strategy back
// into its constituent segments, oldest first.
func AppendedValues(v []byte) ([][]byte, error) {
	var out [][]byte
	for len(v) > 0 {
		n, consumed := binary.Uvarint(v)
		if consumed <= 0 || n > uint64(len(v)-consumed) {
			return nil, fmt.Errorf("%w: malformed appended value", pphmerrors.ErrCorruptedPartition)
		}
		v = v[consumed:]
		out = append(out, v[:n:n])
		v = v[n:]
	}
	return out, nil
}
