// Package errors defines all exported error sentinels for the pphm library.
//
// This is the single source of truth for error values. Both the top-level
// pphm package and internal packages import from here, ensuring errors.Is
// checks work across package boundaries.
package errors

import "errors"

// Configuration errors
var (
	ErrNilSource          = errors.New("pphm: nil input source")
	ErrDuplicateSourceID  = errors.New("pphm: two input sources share the same source ID")
	ErrNilMergeFunc       = errors.New("pphm: MergeCustom strategy requires a merge function")
	ErrUnknownStrategy    = errors.New("pphm: unknown dedup strategy")
	ErrUnknownAlgorithm   = errors.New("pphm: unknown MPHF algorithm")
	ErrUnknownRoutingHash = errors.New("pphm: unknown routing hash")
	ErrInvalidSampleRate  = errors.New("pphm: sample rate must be in (0, 1]")
	ErrInvalidBudget      = errors.New("pphm: memory budget must be positive")
)

// Build errors
var (
	ErrKeyTooLong     = errors.New("pphm: key exceeds maximum length (65535 bytes)")
	ErrValueTooLong   = errors.New("pphm: value exceeds maximum length (16 MiB)")
	ErrDuplicateKey   = errors.New("pphm: duplicate key rejected by ERROR_ON_DUPLICATE strategy")
	ErrTypeMismatch   = errors.New("pphm: MERGE_SUM requires 8-byte little-endian integer values")
	ErrBuildFailed    = errors.New("pphm: perfect hash construction did not converge")
	ErrConsistency    = errors.New("pphm: internal consistency violation in assembled partition")
	ErrSpillCorrupted = errors.New("pphm: spill file record failed integrity check")
)

// Artifact errors
var (
	ErrInvalidMagic       = errors.New("pphm: invalid magic number")
	ErrInvalidVersion     = errors.New("pphm: unsupported format version")
	ErrChecksumFailed     = errors.New("pphm: checksum verification failed")
	ErrTruncated          = errors.New("pphm: artifact file is truncated")
	ErrCorruptedManifest  = errors.New("pphm: manifest data is corrupted")
	ErrCorruptedPartition = errors.New("pphm: partition data is corrupted")
)

// Reader errors
var (
	ErrReaderClosed = errors.New("pphm: reader is closed")
)
