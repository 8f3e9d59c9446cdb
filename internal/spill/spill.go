// Package spill implements transient, append-only, per-partition record
// buffers used between the partitioning and reduce stages of a PPHM build.
//
// Records are framed as
//
//	[key length uvarint][value length uvarint]
//	[source ID u32_le][sequence u64_le]
//	[key bytes][value bytes]
//	[siphash-2-4 of everything above, u64_le]
//
// The siphash key is derived from the build's global seed, so a spill file
// from a different build (or a torn write from an aborted one) fails the
// per-record integrity check instead of producing silent garbage.
//
// Spill files are not part of the published artifact; the builder deletes
// the containing directory after the build finishes or fails.
package spill

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dchest/siphash"
	"github.com/klauspost/compress/s2"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

const (
	// maxFrameLen bounds a single decoded frame; anything larger is treated
	// as corruption rather than attempted as an allocation.
	maxFrameLen = 1 << 26

	frameTrailerLen = 8 // siphash sum
)

// Record is one routed key/value pair together with its provenance,
// used for dedup tie-breaking.
type Record struct {
	Key      []byte
	Value    []byte
	SourceID uint32
	Seq      uint64
}

// Writer appends routed records to one spill file per partition.
// It is not safe for concurrent use; the partitioning stage is the build's
// single serialization point and writes from one goroutine.
type Writer struct {
	dir      string
	compress bool
	sipKey   [16]byte

	files []*os.File
	comps []*s2.Writer
	bufs  []*bufio.Writer
	outs  []io.Writer

	counts []uint64
	bytes  []uint64

	hdr      [2*binary.MaxVarintLen64 + 12]byte
	finished bool
}

// NewWriter creates one spill file per partition inside dir. bufSize is the
// per-partition write buffer size in bytes; salt keys the per-record
// integrity checksums.
func NewWriter(dir string, partitions, bufSize int, salt uint64, compress bool) (*Writer, error) {
	w := &Writer{
		dir:      dir,
		compress: compress,
		files:    make([]*os.File, partitions),
		bufs:     make([]*bufio.Writer, partitions),
		outs:     make([]io.Writer, partitions),
		counts:   make([]uint64, partitions),
		bytes:    make([]uint64, partitions),
	}
	if compress {
		w.comps = make([]*s2.Writer, partitions)
	}
	binary.LittleEndian.PutUint64(w.sipKey[0:8], salt)
	binary.LittleEndian.PutUint64(w.sipKey[8:16], salt^0x9e3779b97f4a7c15)

	for p := range w.files {
		f, err := os.Create(w.path(p))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create spill file %d: %w", p, err), w.Remove())
		}
		w.files[p] = f
		buf := bufio.NewWriterSize(f, bufSize)
		w.bufs[p] = buf
		if compress {
			w.comps[p] = s2.NewWriter(buf)
			w.outs[p] = w.comps[p]
		} else {
			w.outs[p] = buf
		}
	}
	return w, nil
}

func (w *Writer) path(p int) string {
	return filepath.Join(w.dir, fmt.Sprintf("pphm-spill-%06d.tmp", p))
}

// Append routes one record to partition p's spill file.
func (w *Writer) Append(p int, key, value []byte, sourceID uint32, seq uint64) error {
	n := binary.PutUvarint(w.hdr[:], uint64(len(key)))
	n += binary.PutUvarint(w.hdr[n:], uint64(len(value)))
	binary.LittleEndian.PutUint32(w.hdr[n:], sourceID)
	binary.LittleEndian.PutUint64(w.hdr[n+4:], seq)
	n += 12

	h := siphash.New(w.sipKey[:])
	h.Write(w.hdr[:n])
	h.Write(key)
	h.Write(value)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], h.Sum64())

	out := w.outs[p]
	for _, chunk := range [][]byte{w.hdr[:n], key, value, sum[:]} {
		if _, err := out.Write(chunk); err != nil {
			return fmt.Errorf("spill write partition %d: %w", p, err)
		}
	}

	w.counts[p]++
	w.bytes[p] += uint64(n + len(key) + len(value) + frameTrailerLen)
	return nil
}

// Count returns the number of records appended to partition p.
func (w *Writer) Count(p int) uint64 {
	return w.counts[p]
}

// Bytes returns the uncompressed frame bytes appended to partition p.
// Used by the builder to size memory-budget reservations.
func (w *Writer) Bytes(p int) uint64 {
	return w.bytes[p]
}

// Finish flushes and closes every spill file. This is the partitioning
// stage's join point: after Finish returns, every record is durable in its
// partition's file and the files may be opened for reading.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	w.finished = true

	var errs []error
	for p, f := range w.files {
		if w.compress {
			if err := w.comps[p].Close(); err != nil {
				errs = append(errs, fmt.Errorf("finish spill %d: %w", p, err))
			}
		}
		if err := w.bufs[p].Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush spill %d: %w", p, err))
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close spill %d: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Open opens partition p's spill file for sequential read-back.
// Must be called after Finish.
func (w *Writer) Open(p int) (*Reader, error) {
	f, err := os.Open(w.path(p))
	if err != nil {
		return nil, fmt.Errorf("open spill file %d: %w", p, err)
	}
	if st, err := f.Stat(); err == nil {
		fadviseSequential(int(f.Fd()), 0, st.Size())
	}

	r := &Reader{f: f, sipKey: w.sipKey}
	br := bufio.NewReaderSize(f, 1<<16)
	if w.compress {
		r.in = bufio.NewReaderSize(s2.NewReader(br), 1<<16)
	} else {
		r.in = br
	}
	return r, nil
}

// Remove deletes all spill files. Safe to call at any point; missing files
// are ignored.
func (w *Writer) Remove() error {
	var errs []error
	for p, f := range w.files {
		if f != nil && !w.finished {
			_ = f.Close()
		}
		if err := os.Remove(w.path(p)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reader reads one partition's spill file back in append order.
type Reader struct {
	f      *os.File
	in     *bufio.Reader
	sipKey [16]byte
	hdr    [2*binary.MaxVarintLen64 + 12]byte
}

// Next returns the next record, or io.EOF at a clean end of file.
// Truncated or checksum-failing frames return ErrSpillCorrupted.
func (r *Reader) Next() (Record, error) {
	keyLen, err := binary.ReadUvarint(r.in)
	if err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %v", pphmerrors.ErrSpillCorrupted, err)
	}
	valLen, err := binary.ReadUvarint(r.in)
	if err != nil {
		return Record{}, fmt.Errorf("%w: truncated frame header", pphmerrors.ErrSpillCorrupted)
	}
	if keyLen > maxFrameLen || valLen > maxFrameLen {
		return Record{}, fmt.Errorf("%w: frame length out of range", pphmerrors.ErrSpillCorrupted)
	}

	var fixed [12]byte
	if _, err := io.ReadFull(r.in, fixed[:]); err != nil {
		return Record{}, fmt.Errorf("%w: truncated frame", pphmerrors.ErrSpillCorrupted)
	}

	body := make([]byte, keyLen+valLen)
	if _, err := io.ReadFull(r.in, body); err != nil {
		return Record{}, fmt.Errorf("%w: truncated record body", pphmerrors.ErrSpillCorrupted)
	}

	var sum [8]byte
	if _, err := io.ReadFull(r.in, sum[:]); err != nil {
		return Record{}, fmt.Errorf("%w: truncated checksum", pphmerrors.ErrSpillCorrupted)
	}

	// Recompute the frame checksum over the re-encoded header.
	n := binary.PutUvarint(r.hdr[:], keyLen)
	n += binary.PutUvarint(r.hdr[n:], valLen)
	copy(r.hdr[n:], fixed[:])
	h := siphash.New(r.sipKey[:])
	h.Write(r.hdr[:n+12])
	h.Write(body)
	if h.Sum64() != binary.LittleEndian.Uint64(sum[:]) {
		return Record{}, pphmerrors.ErrSpillCorrupted
	}

	return Record{
		Key:      body[:keyLen:keyLen],
		Value:    body[keyLen:],
		SourceID: binary.LittleEndian.Uint32(fixed[0:4]),
		Seq:      binary.LittleEndian.Uint64(fixed[4:12]),
	}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadAll drains the reader and returns every record.
func (r *Reader) ReadAll() ([]Record, error) {
	var recs []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}
