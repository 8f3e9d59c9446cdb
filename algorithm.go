package pphm

import "github.com/dlog-db/pphm/internal/mphf"

// Algorithm identifies the perfect hash construction scheme used for each
// partition. The identifier and its format version are recorded in the
// manifest per partition.
type Algorithm uint16

const (
	// AlgoCHD builds per-bucket displacement seeds over a power-of-two
	// probe table, compacted onto [0, N) with a rank bitvector. The
	// default: fastest lookups.
	AlgoCHD Algorithm = Algorithm(mphf.CHD)

	// AlgoBBHash builds cascaded collision bitvectors. Slightly larger
	// lookup cost, simpler construction on very large partitions.
	AlgoBBHash Algorithm = Algorithm(mphf.BBHash)
)

// String returns the algorithm name.
func (a Algorithm) String() string { return mphf.Algorithm(a).String() }

func (a Algorithm) valid() bool { return mphf.Algorithm(a).Valid() }

func (a Algorithm) internal() mphf.Algorithm { return mphf.Algorithm(a) }
