package pphm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	pphmerrors "github.com/dlog-db/pphm/errors"

	"github.com/dlog-db/pphm/internal/mphf"
	"github.com/dlog-db/pphm/internal/spill"
)

const (
	// maxBuildAttempts bounds per-partition seed retries before the build
	// is declared non-converging.
	maxBuildAttempts = 16

	// workChanBufferMultiplier sizes the result channel relative to the
	// worker count.
	workChanBufferMultiplier = 2

	// partitionWeightFactor scales a partition's spilled bytes into its
	// memory reservation: records, sorted copies, and the assembled blob
	// are resident at once during reduce+build.
	partitionWeightFactor = 3

	// minPartitionWeight floors tiny partitions' reservations so the
	// semaphore still bounds their count.
	minPartitionWeight = 1 << 20
)

// buildStage names the phase a build failure occurred in.
type buildStage uint8

const (
	stageSampling buildStage = iota
	stagePartitioning
	stageReducing
	stageBuilding
	stageAssembling
	stageFinalizing
)

func (s buildStage) String() string {
	switch s {
	case stageSampling:
		return "sampling"
	case stagePartitioning:
		return "partitioning"
	case stageReducing:
		return "reducing"
	case stageBuilding:
		return "building"
	case stageAssembling:
		return "assembling"
	case stageFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Build constructs a partitioned perfect hash map over the given sources
// and atomically publishes it at path.
//
// The pipeline runs sample, partition+spill, then per-partition
// reduce/build/assemble, then a single finalize. Partitioning consumes
// every source in one goroutine (the build's serialization point); the
// per-partition stages run in parallel workers bounded by the memory
// budget. The artifact appears at path only on success: blobs and manifest
// are written to a temp file in path's directory, fsynced, then renamed.
// On any failure, including cancellation, no file exists at path unless
// one already did.
//
// Two builds over identical source contents with the same options produce
// byte-identical artifacts.
func Build(ctx context.Context, path string, sources []Source, opts ...BuildOption) error {
	cfg := defaultBuildConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := validateSources(sources); err != nil {
		return err
	}

	b := &build{cfg: cfg, path: path}
	err := b.run(ctx, sources)
	if err != nil {
		return errors.Join(fmt.Errorf("pphm: build failed: %w", err), b.cleanup())
	}
	return nil
}

func validateSources(sources []Source) error {
	seen := make(map[uint32]struct{}, len(sources))
	for _, src := range sources {
		if src == nil {
			return pphmerrors.ErrNilSource
		}
		if _, dup := seen[src.ID()]; dup {
			return fmt.Errorf("%w: ID %d", pphmerrors.ErrDuplicateSourceID, src.ID())
		}
		seen[src.ID()] = struct{}{}
	}
	return nil
}

type build struct {
	cfg  *buildConfig
	path string

	partitions int
	spill      *spill.Writer
	spillDir   string

	f       *os.File // artifact temp file
	tmpPath string
	offset  uint64 // next blob write offset

	sem     *semaphore.Weighted
	entries []manifestEntry
	written bool // temp file renamed into place
}

// partResult is one partition's finished blob plus its manifest entry
// (offset and length filled in by the writer).
type partResult struct {
	p      int
	blob   []byte
	entry  manifestEntry
	weight int64
}

func (b *build) run(ctx context.Context, sources []Source) error {
	cfg := b.cfg

	// Sampling never fails a build; estimation degrades instead.
	b.partitions = estimatePartitions(ctx, sources, cfg)

	if err := b.partition(ctx, sources); err != nil {
		return fmt.Errorf("%s: %w", stagePartitioning, err)
	}

	// Reduce, build and assemble partitions in parallel. The writer emits
	// blobs in partition order so the artifact is deterministic.
	if err := b.openArtifact(); err != nil {
		return fmt.Errorf("%s: %w", stageAssembling, err)
	}
	b.sem = semaphore.NewWeighted(int64(cfg.memoryBudget))
	b.entries = make([]manifestEntry, b.partitions)

	workers := cfg.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > b.partitions {
		workers = b.partitions
	}

	workChan := make(chan int, b.partitions)
	for p := 0; p < b.partitions; p++ {
		workChan <- p
	}
	close(workChan)
	resultChan := make(chan partResult, workers*workChanBufferMultiplier)

	// turns[p] is closed once partition p's budget reservation has been
	// acquired, admitting partition p+1 to the semaphore. Reservations are
	// therefore granted in partition order: the partition the writer emits
	// next always reserves before any later one, so held budget always
	// belongs to partitions the writer can drain. Without this ordering a
	// later partition could win the semaphore, park its finished blob in
	// the writer's pending set, and starve the earlier partition forever.
	turns := make([]chan struct{}, b.partitions+1)
	for i := range turns {
		turns[i] = make(chan struct{})
	}
	close(turns[0])

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return b.runWorker(gctx, workChan, turns, resultChan)
		})
	}

	var workerErr error
	go func() {
		workerErr = g.Wait()
		close(resultChan)
	}()

	writeErr := b.runWriter(resultChan)
	// resultChan is closed, so workerErr is visible here.
	if workerErr != nil {
		return workerErr
	}
	if writeErr != nil {
		return fmt.Errorf("%s: %w", stageAssembling, writeErr)
	}

	if err := b.finalize(); err != nil {
		return fmt.Errorf("%s: %w", stageFinalizing, err)
	}
	return nil
}

// partition consumes every source in order, routing each record to its
// partition's spill file. Single-goroutine: source order plus per-source
// sequence numbers define the deterministic total order the reducer
// tie-breaks on.
func (b *build) partition(ctx context.Context, sources []Source) error {
	cfg := b.cfg

	dir, err := os.MkdirTemp(cfg.tempDir, "pphm-build-")
	if err != nil {
		return fmt.Errorf("create spill dir: %w", err)
	}
	b.spillDir = dir

	bufSize := int(cfg.memoryBudget / uint64(2*b.partitions))
	if bufSize < 4<<10 {
		bufSize = 4 << 10
	}
	if bufSize > 1<<20 {
		bufSize = 1 << 20
	}
	sw, err := spill.NewWriter(dir, b.partitions, bufSize, cfg.globalSeed, cfg.compressSpill)
	if err != nil {
		return err
	}
	b.spill = sw

	mask := uint64(b.partitions - 1)
	sinceCheck := 0
	for _, src := range sources {
		it := src.Records()
		var seq uint64
		for {
			key, value, ok := it.Next()
			if !ok {
				break
			}
			if len(key) > maxKeyLength {
				return fmt.Errorf("%w: key of %d bytes from source %d", pphmerrors.ErrKeyTooLong, len(key), src.ID())
			}
			if len(value) > maxValueLength {
				return fmt.Errorf("%w: value of %d bytes from source %d", pphmerrors.ErrValueTooLong, len(value), src.ID())
			}

			p := int(cfg.routing.Sum64(key) & mask)
			if err := sw.Append(p, key, value, src.ID(), seq); err != nil {
				return err
			}
			seq++

			if sinceCheck++; sinceCheck >= contextCheckInterval {
				sinceCheck = 0
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}
		if err := it.Err(); err != nil {
			return fmt.Errorf("source %d: %w", src.ID(), err)
		}
	}
	return sw.Finish()
}

// openArtifact creates the temp artifact file in the target directory and
// reserves the manifest region at its head. Blobs follow the region; the
// manifest itself is written last.
func (b *build) openArtifact() error {
	f, err := os.CreateTemp(filepath.Dir(b.path), ".pphm-*.tmp")
	if err != nil {
		return fmt.Errorf("create artifact temp file: %w", err)
	}
	b.f = f
	b.tmpPath = f.Name()

	reserve := make([]byte, manifestSize(b.partitions))
	if _, err := f.Write(reserve); err != nil {
		return fmt.Errorf("reserve manifest region: %w", err)
	}
	b.offset = uint64(len(reserve))
	return nil
}

// runWorker reduces, builds and assembles partitions pulled from workChan.
// Each partition's memory reservation is acquired (in partition order, via
// turns) before its spill file is loaded. Once the blob is assembled only
// the blob itself is still resident, so the build-time surplus is released
// immediately; the blob's share travels with the result and the writer
// releases it after the blob is on disk.
func (b *build) runWorker(ctx context.Context, workChan <-chan int, turns []chan struct{}, resultChan chan<- partResult) error {
	cfg := b.cfg
	for p := range workChan {
		select {
		case <-turns[p]:
		case <-ctx.Done():
			return ctx.Err()
		}

		weight := int64(b.spill.Bytes(p)) * partitionWeightFactor
		if weight < minPartitionWeight {
			weight = minPartitionWeight
		}
		if weight > int64(cfg.memoryBudget) {
			weight = int64(cfg.memoryBudget)
		}
		if err := b.sem.Acquire(ctx, weight); err != nil {
			return err
		}
		close(turns[p+1])

		res, err := b.buildPartition(p)
		if err != nil {
			b.sem.Release(weight)
			return err
		}
		retained := int64(len(res.blob))
		if retained > weight {
			retained = weight
		}
		b.sem.Release(weight - retained)
		res.weight = retained

		select {
		case resultChan <- res:
		case <-ctx.Done():
			b.sem.Release(retained)
			return ctx.Err()
		}
	}
	return nil
}

// buildPartition runs one partition through reduce, perfect hash
// construction and assembly.
func (b *build) buildPartition(p int) (partResult, error) {
	cfg := b.cfg

	sr, err := b.spill.Open(p)
	if err != nil {
		return partResult{}, err
	}
	recs, err := sr.ReadAll()
	if cerr := sr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return partResult{}, fmt.Errorf("%s: partition %d: %w", stageReducing, p, err)
	}
	if uint64(len(recs)) != b.spill.Count(p) {
		return partResult{}, fmt.Errorf("%s: %w: partition %d holds %d records, expected %d",
			stageReducing, pphmerrors.ErrSpillCorrupted, p, len(recs), b.spill.Count(p))
	}

	pairs, err := reducePartition(recs, cfg.strategy)
	if err != nil {
		return partResult{}, fmt.Errorf("%s: %w", stageReducing, err)
	}

	idx, seed, hashes, err := b.solve(pairs, p)
	if err != nil {
		return partResult{}, fmt.Errorf("%s: %w", stageBuilding, err)
	}

	blob, err := assemblePartition(pairs, idx, hashes)
	if err != nil {
		return partResult{}, fmt.Errorf("%s: %w", stageAssembling, err)
	}

	return partResult{
		p:    p,
		blob: blob,
		entry: manifestEntry{
			count:       uint64(len(pairs)),
			seed:        seed,
			checksum:    xxhash.Sum64(blob),
			algo:        uint16(cfg.algorithm),
			algoVersion: cfg.algorithm.internal().Version(),
			strategy:    uint8(cfg.strategy.Kind()),
		},
	}, nil
}

// solve hashes the partition's keys and constructs the perfect hash,
// retrying with the next derived seed on a 64-bit hash collision or a
// non-converging construction. Returns the converged index, the seed that
// produced it, and the key hashes (aligned with pairs).
func (b *build) solve(pairs []KV, p int) (mphf.Index, uint64, []uint64, error) {
	cfg := b.cfg
	hashes := make([]uint64, len(pairs))
	seen := make(map[uint64]struct{}, len(pairs))

	for attempt := uint64(0); attempt < maxBuildAttempts; attempt++ {
		seed := deriveSeed(cfg.globalSeed, uint64(p), attempt)

		clear(seen)
		collided := false
		for i, kv := range pairs {
			h := xxh3.HashSeed(kv.Key, seed)
			if _, dup := seen[h]; dup {
				collided = true
				break
			}
			seen[h] = struct{}{}
			hashes[i] = h
		}
		if collided {
			continue
		}

		idx, err := mphf.Build(cfg.algorithm.internal(), hashes)
		if err != nil {
			if errors.Is(err, pphmerrors.ErrBuildFailed) {
				continue
			}
			return nil, 0, nil, err
		}
		return idx, seed, hashes, nil
	}
	return nil, 0, nil, fmt.Errorf("%w: partition %d did not converge in %d attempts",
		pphmerrors.ErrBuildFailed, p, maxBuildAttempts)
}

// runWriter consumes finished partitions and writes their blobs in
// partition order, recording offsets in the manifest entries. On a write
// error it keeps draining results (releasing their memory reservations) so
// workers never block on a dead channel.
func (b *build) runWriter(resultChan <-chan partResult) error {
	pending := make(map[int]partResult)
	next := 0
	var firstErr error

	for res := range resultChan {
		pending[res.p] = res

		for r, ok := pending[next]; ok; r, ok = pending[next] {
			delete(pending, next)
			if firstErr == nil {
				if _, err := b.f.Write(r.blob); err != nil {
					firstErr = fmt.Errorf("write partition %d blob: %w", r.p, err)
				} else {
					r.entry.offset = b.offset
					r.entry.length = uint64(len(r.blob))
					b.entries[r.p] = r.entry
					b.offset += r.entry.length
				}
			}
			b.sem.Release(r.weight)
			next++
		}
	}
	for _, r := range pending {
		b.sem.Release(r.weight)
	}
	return firstErr
}

// finalize writes the manifest into the reserved head region, syncs, and
// renames the temp file into place. The rename is the single atomic
// publish: readers either see the old path contents or the complete new
// artifact.
func (b *build) finalize() error {
	cfg := b.cfg

	var totalKeys uint64
	for _, e := range b.entries {
		totalKeys += e.count
	}
	m := &manifest{
		version:    manifestVersion,
		routing:    cfg.routing,
		strategy:   cfg.strategy.Kind(),
		globalSeed: cfg.globalSeed,
		totalKeys:  totalKeys,
		entries:    b.entries,
	}

	if _, err := b.f.WriteAt(m.encode(), 0); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := b.f.Sync(); err != nil {
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := b.f.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(b.tmpPath, b.path); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	b.written = true
	return b.cleanup()
}

// cleanup removes spill files and, unless the artifact was published, the
// temp file. Safe to call more than once.
func (b *build) cleanup() error {
	var errs []error
	if b.spill != nil {
		errs = append(errs, b.spill.Remove())
		b.spill = nil
	}
	if b.spillDir != "" {
		if err := os.RemoveAll(b.spillDir); err != nil {
			errs = append(errs, err)
		}
		b.spillDir = ""
	}
	if !b.written && b.f != nil {
		_ = b.f.Close()
		if err := os.Remove(b.tmpPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		b.f = nil
	}
	return errors.Join(errs...)
}

// deriveSeed maps (global seed, partition, attempt) to a well-mixed
// per-attempt key hash seed via the splitmix64 finalizer. Deterministic,
// so retries are reproducible and the converged seed round-trips through
// the manifest.
func deriveSeed(global, partition, attempt uint64) uint64 {
	x := global ^ partition*0x9e3779b97f4a7c15 ^ attempt*0xbf58476d1ce4e5b9
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
