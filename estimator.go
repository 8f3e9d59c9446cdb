package pphm

import (
	"context"
	"math"
)

const (
	// estimatorTrialBuckets is how many trial buckets sampled keys are
	// routed into when measuring routing skew.
	estimatorTrialBuckets = 64

	// estimatorMaxSkew clamps the skew multiplier. Pathological samples
	// should widen the partition count, not explode it.
	estimatorMaxSkew = 4.0

	// recordOverhead approximates the per-record bookkeeping cost
	// (offsets, frame headers, sort keys) added to raw key/value bytes.
	recordOverhead = 32
)

// estimatePartitions picks a power-of-two partition count sized so that a
// single partition's working set fits comfortably within the memory budget.
//
// The estimate samples each source's keys to derive the total byte footprint
// and a routing-skew multiplier. Sampling failures degrade to SizeHint sums;
// if nothing is known the build proceeds with a single partition. Estimation
// never fails a build.
func estimatePartitions(ctx context.Context, sources []Source, cfg *buildConfig) int {
	if cfg.partitions > 0 {
		p := nextPow2Int(cfg.partitions)
		if p > maxPartitions {
			p = maxPartitions
		}
		return p
	}

	var (
		estBytes   uint64
		sampled    [][]byte
		anySamples bool
	)
	for _, src := range sources {
		keys, total, err := src.Sample(ctx, cfg.sampleRate)
		if err != nil || len(keys) == 0 {
			// Degrade to the source's own hint.
			estBytes += src.SizeHint()
			continue
		}
		anySamples = true
		var sampleBytes uint64
		for _, k := range keys {
			sampleBytes += uint64(len(k)) + recordOverhead
		}
		mean := sampleBytes / uint64(len(keys))
		estBytes += total * mean
		sampled = append(sampled, keys...)
	}

	if !anySamples && estBytes == 0 {
		return 1
	}

	skew := routingSkew(sampled, cfg.routing)
	need := uint64(math.Ceil(float64(estBytes) * skew / float64(cfg.memoryBudget)))
	if need == 0 {
		need = 1
	}
	p := nextPow2Int(int(need))
	if p > maxPartitions {
		p = maxPartitions
	}
	return p
}

// routingSkew routes the sampled keys into a small trial bucket array and
// returns max/mean occupancy, clamped to [1, estimatorMaxSkew]. A skewed
// key distribution inflates the partition count so the heaviest partition
// still fits the budget.
func routingSkew(keys [][]byte, routing RoutingHash) float64 {
	if len(keys) < estimatorTrialBuckets {
		return 1
	}
	var buckets [estimatorTrialBuckets]int
	for _, k := range keys {
		buckets[routing.Sum64(k)&(estimatorTrialBuckets-1)]++
	}
	max := 0
	for _, c := range buckets {
		if c > max {
			max = c
		}
	}
	skew := float64(max) * estimatorTrialBuckets / float64(len(keys))
	if skew < 1 {
		return 1
	}
	if skew > estimatorMaxSkew {
		return estimatorMaxSkew
	}
	return skew
}

// nextPow2Int returns the smallest power of two >= n (minimum 1).
func nextPow2Int(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
