package pphm

import "context"

// Source supplies one input stream to Build.
//
// The source ID doubles as the recency rank for duplicate resolution:
// a higher ID means a newer source, so LastWins keeps the value from the
// source with the largest ID. IDs must be unique within a single Build call.
type Source interface {
	// ID returns the source's unique identifier and recency rank.
	ID() uint32

	// SizeHint returns the approximate total byte size of the source's
	// records, or 0 if unknown. Used as a fallback when sampling fails.
	SizeHint() uint64

	// Sample returns an approximately rate-sized sample of the source's
	// keys together with the exact or estimated total record count.
	// Sampling errors degrade partition estimation; they never abort a
	// build.
	Sample(ctx context.Context, rate float64) (keys [][]byte, total uint64, err error)

	// Records returns an iterator over the source's records. Build
	// consumes it exactly once, in one goroutine.
	Records() RecordIterator
}

// RecordIterator yields key/value pairs in source order.
//
// The returned slices are only valid until the next call to Next; Build
// copies what it needs to keep.
type RecordIterator interface {
	Next() (key, value []byte, ok bool)

	// Err returns the first error encountered during iteration, if any.
	// Checked after Next returns ok=false.
	Err() error
}

// KV is an in-memory key/value pair.
type KV struct {
	Key   []byte
	Value []byte
}

// SliceSource is an in-memory Source backed by a slice of pairs.
// Useful for tests and small builds.
type SliceSource struct {
	id    uint32
	pairs []KV
}

// NewSliceSource wraps pairs as a Source with the given ID. The slice is
// not copied; the caller must not mutate it while a build is running.
func NewSliceSource(id uint32, pairs []KV) *SliceSource {
	return &SliceSource{id: id, pairs: pairs}
}

func (s *SliceSource) ID() uint32 { return s.id }

func (s *SliceSource) SizeHint() uint64 {
	var total uint64
	for _, kv := range s.pairs {
		total += uint64(len(kv.Key) + len(kv.Value))
	}
	return total
}

func (s *SliceSource) Sample(_ context.Context, rate float64) ([][]byte, uint64, error) {
	if len(s.pairs) == 0 {
		return nil, 0, nil
	}
	stride := int(1 / rate)
	if stride < 1 {
		stride = 1
	}
	var keys [][]byte
	for i := 0; i < len(s.pairs); i += stride {
		keys = append(keys, s.pairs[i].Key)
	}
	return keys, uint64(len(s.pairs)), nil
}

func (s *SliceSource) Records() RecordIterator {
	return &sliceIterator{pairs: s.pairs}
}

type sliceIterator struct {
	pairs []KV
	pos   int
}

func (it *sliceIterator) Next() (key, value []byte, ok bool) {
	if it.pos >= len(it.pairs) {
		return nil, nil, false
	}
	kv := it.pairs[it.pos]
	it.pos++
	return kv.Key, kv.Value, true
}

func (it *sliceIterator) Err() error { return nil }
