package pphm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	pphmerrors "github.com/dlog-db/pphm/errors"

	"github.com/dlog-db/pphm/internal/spill"
)

// reducePartition sorts one partition's spilled records and resolves
// duplicate keys per the strategy, returning one pair per distinct key in
// ascending key order.
//
// The total order is (key, sourceID, seq) ascending: within one key the
// oldest occurrence sorts first and the newest last, so LastWins takes the
// final element of each group and FirstWins the first. The order is total,
// which makes the reduce output (and therefore the artifact) deterministic
// regardless of spill interleaving.
func reducePartition(recs []spill.Record, strat Strategy) ([]KV, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	slices.SortFunc(recs, func(a, b spill.Record) int {
		if c := bytes.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		if a.SourceID != b.SourceID {
			if a.SourceID < b.SourceID {
				return -1
			}
			return 1
		}
		if a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		return 0
	})

	out := make([]KV, 0, len(recs))
	for i := 0; i < len(recs); {
		j := i + 1
		for j < len(recs) && bytes.Equal(recs[j].Key, recs[i].Key) {
			j++
		}

		// Single occurrence: no strategy dispatch, the value passes
		// through untouched.
		if j == i+1 {
			out = append(out, KV{Key: recs[i].Key, Value: recs[i].Value})
			i = j
			continue
		}

		val, err := resolveDuplicates(recs[i:j], strat)
		if err != nil {
			return nil, err
		}
		if len(val) > maxValueLength {
			return nil, fmt.Errorf("%w: merged value for key %q is %d bytes", pphmerrors.ErrValueTooLong, recs[i].Key, len(val))
		}
		out = append(out, KV{Key: recs[i].Key, Value: val})
		i = j
	}
	return out, nil
}

// resolveDuplicates picks or merges the values of one key's group.
// group is sorted oldest-first and has at least two elements.
func resolveDuplicates(group []spill.Record, strat Strategy) ([]byte, error) {
	key := group[0].Key
	switch strat.kind {
	case KindLastWins:
		return group[len(group)-1].Value, nil

	case KindFirstWins:
		return group[0].Value, nil

	case KindMergeSum:
		var sum int64
		for _, r := range group {
			v, ok := Int64FromValue(r.Value)
			if !ok {
				return nil, fmt.Errorf("%w: key %q has a %d-byte value", pphmerrors.ErrTypeMismatch, key, len(r.Value))
			}
			sum += v
		}
		return Int64Value(sum), nil

	case KindMergeAppend:
		var size int
		for _, r := range group {
			size += binary.MaxVarintLen64 + len(r.Value)
		}
		out := make([]byte, 0, size)
		for _, r := range group {
			out = binary.AppendUvarint(out, uint64(len(r.Value)))
			out = append(out, r.Value...)
		}
		return out, nil

	case KindMergeCustom:
		values := make([][]byte, len(group))
		for i, r := range group {
			values[i] = r.Value
		}
		merged, err := strat.merge(key, values)
		if err != nil {
			return nil, fmt.Errorf("merge key %q: %w", key, err)
		}
		return merged, nil

	case KindErrorOnDuplicate:
		return nil, fmt.Errorf("%w: key %q occurs %d times", pphmerrors.ErrDuplicateKey, key, len(group))
	}
	return nil, fmt.Errorf("%w: kind %d", pphmerrors.ErrUnknownStrategy, strat.kind)
}
