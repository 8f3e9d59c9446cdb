package pphm

import (
	"fmt"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

const (
	// defaultMemoryBudget caps the estimated bytes concurrently resident
	// during the reduce and build stages.
	defaultMemoryBudget = 256 << 20

	// defaultGlobalSeed is an arbitrary fixed seed; builds are
	// reproducible without configuration. Override with WithSeed.
	defaultGlobalSeed = 0x9e3779b97f4a7c15

	// defaultSampleRate is the fraction of records sampled for partition
	// estimation.
	defaultSampleRate = 0.01

	// maxKeyLength bounds key size; key offsets and routing assume short
	// keys.
	maxKeyLength = 65535

	// maxValueLength bounds a single stored value (post-merge).
	maxValueLength = 16 << 20

	// maxPartitions bounds the partition count (power of two).
	maxPartitions = 1 << 20

	// contextCheckInterval is how many records the partitioning loop
	// consumes between context cancellation checks.
	contextCheckInterval = 10000
)

// BuildOption is a functional option for configuring builds.
type BuildOption func(*buildConfig)

type buildConfig struct {
	memoryBudget  uint64
	sampleRate    float64
	strategy      Strategy
	algorithm     Algorithm
	routing       RoutingHash
	globalSeed    uint64
	workers       int
	tempDir       string // empty means os.TempDir
	compressSpill bool
	partitions    int // explicit override; 0 means estimate
}

func defaultBuildConfig() *buildConfig {
	return &buildConfig{
		memoryBudget: defaultMemoryBudget,
		sampleRate:   defaultSampleRate,
		strategy:     LastWins(),
		algorithm:    AlgoCHD,
		routing:      RoutingXXH64,
		globalSeed:   defaultGlobalSeed,
	}
}

func (c *buildConfig) validate() error {
	if c.memoryBudget == 0 {
		return pphmerrors.ErrInvalidBudget
	}
	if c.sampleRate <= 0 || c.sampleRate > 1 {
		return fmt.Errorf("%w: %v", pphmerrors.ErrInvalidSampleRate, c.sampleRate)
	}
	if !c.algorithm.valid() {
		return fmt.Errorf("%w: ID %d", pphmerrors.ErrUnknownAlgorithm, c.algorithm)
	}
	if !c.routing.valid() {
		return fmt.Errorf("%w: ID %d", pphmerrors.ErrUnknownRoutingHash, c.routing)
	}
	return c.strategy.validate()
}

// WithMemoryBudget caps the bytes concurrently resident during the reduce
// and build stages. Also drives partition-count estimation: partitions are
// sized so one fits comfortably within the budget.
func WithMemoryBudget(bytes uint64) BuildOption {
	return func(c *buildConfig) {
		c.memoryBudget = bytes
	}
}

// WithStrategy sets the duplicate-resolution strategy. Default is LastWins.
func WithStrategy(s Strategy) BuildOption {
	return func(c *buildConfig) {
		c.strategy = s
	}
}

// WithAlgorithm sets the perfect hash construction algorithm.
// Default is AlgoCHD.
func WithAlgorithm(a Algorithm) BuildOption {
	return func(c *buildConfig) {
		c.algorithm = a
	}
}

// WithSeed sets the global hash seed. Two builds of identical inputs with
// the same seed produce byte-identical artifacts.
func WithSeed(seed uint64) BuildOption {
	return func(c *buildConfig) {
		c.globalSeed = seed
	}
}

// WithSampleRate sets the fraction of records sampled for partition
// estimation. Must be in (0, 1]. Default is 0.01.
func WithSampleRate(rate float64) BuildOption {
	return func(c *buildConfig) {
		c.sampleRate = rate
	}
}

// WithRoutingHash sets the key-to-partition routing hash.
// Default is RoutingXXH64.
func WithRoutingHash(r RoutingHash) BuildOption {
	return func(c *buildConfig) {
		c.routing = r
	}
}

// WithWorkers sets the number of parallel partition workers for the reduce
// and build stages. Zero or negative selects GOMAXPROCS. Partitioning
// itself is always single-threaded.
func WithWorkers(n int) BuildOption {
	return func(c *buildConfig) {
		c.workers = n
	}
}

// WithTempDir sets the directory for spill files. The directory must exist
// and should be on a local filesystem. Default is the system temp dir.
func WithTempDir(dir string) BuildOption {
	return func(c *buildConfig) {
		c.tempDir = dir
	}
}

// WithSpillCompression enables s2 compression of spill files, trading CPU
// for temp-disk footprint on large builds.
func WithSpillCompression() BuildOption {
	return func(c *buildConfig) {
		c.compressSpill = true
	}
}

// WithPartitions overrides partition-count estimation with an explicit
// count, rounded up to the next power of two and clamped to [1, 2^20].
// Sampling is skipped.
func WithPartitions(p int) BuildOption {
	return func(c *buildConfig) {
		c.partitions = p
	}
}
