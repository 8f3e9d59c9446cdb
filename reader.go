package pphm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/zeebo/xxh3"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

// defaultLazyResident is the ARC cache capacity (in partitions) when
// WithLazyLoad is given a non-positive size.
const defaultLazyResident = 16

// OpenOption is a functional option for configuring readers.
type OpenOption func(*openConfig)

type openConfig struct {
	lazyResident int // 0 means mmap mode
	verifyOnOpen bool
}

// WithLazyLoad switches the reader from mmap to on-demand loading: each
// lookup reads its partition's blob with a single bounded pread, verifies
// its checksum, and keeps up to maxResident decoded partitions in an ARC
// cache. Suited to artifacts much larger than memory with skewed access.
func WithLazyLoad(maxResident int) OpenOption {
	return func(c *openConfig) {
		if maxResident <= 0 {
			maxResident = defaultLazyResident
		}
		c.lazyResident = maxResident
	}
}

// WithVerifyOnOpen verifies every partition checksum before Open returns.
func WithVerifyOnOpen() OpenOption {
	return func(c *openConfig) {
		c.verifyOnOpen = true
	}
}

// Reader serves lookups from a published artifact. It is immutable and
// safe for concurrent use.
//
// In the default mode the artifact is memory-mapped and partitions are
// decoded lazily on first touch; decoded state is retained for the
// reader's lifetime. In lazy mode (WithLazyLoad) nothing is mapped and a
// bounded cache of partitions is kept resident.
type Reader struct {
	f        *os.File
	fileSize int64
	m        *manifest
	mask     uint64

	// mmap mode
	mapped mmap.MMap
	parts  []atomic.Pointer[resident]

	// lazy mode
	cache *arc.ARCCache[uint32, *resident]

	closed atomic.Bool
}

// Open opens the artifact at path and validates its manifest. Every
// manifest validation failure is fatal; a reader never serves from an
// artifact it cannot fully trust.
func Open(path string, opts ...OpenOption) (*Reader, error) {
	cfg := &openConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{f: f, fileSize: st.Size()}
	if err := r.init(cfg); err != nil {
		r.close()
		return nil, err
	}
	if cfg.verifyOnOpen {
		if err := r.Verify(); err != nil {
			r.close()
			return nil, err
		}
	}
	return r, nil
}

func (r *Reader) init(cfg *openConfig) error {
	var manifestBuf []byte
	if cfg.lazyResident == 0 {
		m, err := mmap.Map(r.f, mmap.RDONLY, 0)
		if err != nil {
			return fmt.Errorf("mmap artifact: %w", err)
		}
		r.mapped = m
		manifestBuf = m
	} else {
		// Read the fixed header first to learn the partition count, then
		// the exact manifest region.
		hdr := make([]byte, manifestHeaderSize)
		if _, err := r.f.ReadAt(hdr, 0); err != nil {
			return pphmerrors.ErrTruncated
		}
		if binary.LittleEndian.Uint32(hdr) != manifestMagic {
			return pphmerrors.ErrInvalidMagic
		}
		// Partition count sanity is re-checked by decodeManifest; here it
		// only bounds the read.
		partitions := int(binary.LittleEndian.Uint32(hdr[8:]))
		if partitions <= 0 || partitions > maxPartitions {
			return fmt.Errorf("%w: partition count %d", pphmerrors.ErrCorruptedManifest, partitions)
		}
		manifestBuf = make([]byte, manifestSize(partitions))
		if _, err := r.f.ReadAt(manifestBuf, 0); err != nil {
			return pphmerrors.ErrTruncated
		}
	}

	m, err := decodeManifest(manifestBuf, r.fileSize)
	if err != nil {
		return err
	}
	r.m = m
	r.mask = uint64(len(m.entries) - 1)

	if cfg.lazyResident == 0 {
		r.parts = make([]atomic.Pointer[resident], len(m.entries))
	} else {
		cache, err := arc.NewARC[uint32, *resident](cfg.lazyResident)
		if err != nil {
			return err
		}
		r.cache = cache
	}
	return nil
}

// Lookup returns the value stored for key. A missing key is not an error:
// it returns (nil, false, nil).
//
// In mmap mode the returned slice views the mapped file and is valid until
// Close; callers that outlive the reader must copy it. In lazy mode the
// slice is backed by a private buffer and stays valid indefinitely.
func (r *Reader) Lookup(key []byte) ([]byte, bool, error) {
	if r.closed.Load() {
		return nil, false, pphmerrors.ErrReaderClosed
	}

	p := uint32(r.m.routing.Sum64(key) & r.mask)
	entry := &r.m.entries[p]
	if entry.count == 0 {
		return nil, false, nil
	}

	res, err := r.partition(p)
	if err != nil {
		return nil, false, err
	}
	val, ok := res.lookup(key, xxh3.HashSeed(key, entry.seed))
	return val, ok, nil
}

// partition returns partition p decoded for lookups, loading it on first
// touch.
func (r *Reader) partition(p uint32) (*resident, error) {
	if r.mapped != nil {
		if res := r.parts[p].Load(); res != nil {
			return res, nil
		}
		e := r.m.entries[p]
		res, err := decodePartition(r.mapped[e.offset:e.offset+e.length], e)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", p, err)
		}
		// Concurrent first touches may decode twice; first store wins.
		if !r.parts[p].CompareAndSwap(nil, res) {
			res = r.parts[p].Load()
		}
		return res, nil
	}

	if res, ok := r.cache.Get(p); ok {
		return res, nil
	}
	e := r.m.entries[p]
	blob := make([]byte, e.length)
	if _, err := r.f.ReadAt(blob, int64(e.offset)); err != nil {
		return nil, fmt.Errorf("read partition %d: %w", p, err)
	}
	// Lazy reads go through the page cache uncached by us, so each load is
	// checksummed before it is trusted.
	if xxhash.Sum64(blob) != e.checksum {
		return nil, fmt.Errorf("%w: partition %d", pphmerrors.ErrChecksumFailed, p)
	}
	res, err := decodePartition(blob, e)
	if err != nil {
		return nil, fmt.Errorf("partition %d: %w", p, err)
	}
	r.cache.Add(p, res)
	return res, nil
}

// Verify recomputes every partition checksum against the manifest.
// The manifest itself was verified at Open.
func (r *Reader) Verify() error {
	if r.closed.Load() {
		return pphmerrors.ErrReaderClosed
	}
	var buf []byte
	for p, e := range r.m.entries {
		var blob []byte
		if r.mapped != nil {
			blob = r.mapped[e.offset : e.offset+e.length]
		} else {
			if uint64(cap(buf)) < e.length {
				buf = make([]byte, e.length)
			}
			blob = buf[:e.length]
			if _, err := r.f.ReadAt(blob, int64(e.offset)); err != nil {
				return fmt.Errorf("read partition %d: %w", p, err)
			}
		}
		if xxhash.Sum64(blob) != e.checksum {
			return fmt.Errorf("%w: partition %d", pphmerrors.ErrChecksumFailed, p)
		}
	}
	return nil
}

// Stats summarizes a published artifact.
type Stats struct {
	Keys       uint64
	Partitions int
	FileBytes  int64
	BitsPerKey float64
	Routing    RoutingHash
	Strategy   StrategyKind
}

// Stats returns size and shape statistics for the artifact.
func (r *Reader) Stats() Stats {
	s := Stats{
		Keys:       r.m.totalKeys,
		Partitions: len(r.m.entries),
		FileBytes:  r.fileSize,
		Routing:    r.m.routing,
		Strategy:   r.m.strategy,
	}
	if s.Keys > 0 {
		s.BitsPerKey = float64(s.FileBytes*8) / float64(s.Keys)
	}
	return s
}

// Len returns the number of distinct keys in the map.
func (r *Reader) Len() uint64 { return r.m.totalKeys }

// Partitions returns the partition count.
func (r *Reader) Partitions() int { return len(r.m.entries) }

// Seed returns the global seed the artifact was built with.
func (r *Reader) Seed() uint64 { return r.m.globalSeed }

// Close releases the mapping and the file. Lookups after Close return
// ErrReaderClosed; values handed out by mmap-mode lookups become invalid.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.close()
}

func (r *Reader) close() error {
	var errs []error
	if r.mapped != nil {
		errs = append(errs, r.mapped.Unmap())
		r.mapped = nil
	}
	errs = append(errs, r.f.Close())
	return errors.Join(errs...)
}
