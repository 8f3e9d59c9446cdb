package pphm

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

const (
	// manifestMagic is "PPHM" little-endian.
	manifestMagic = uint32(0x4D485050)

	// manifestVersion is the artifact format version.
	manifestVersion = uint16(1)

	manifestHeaderSize = 64
	manifestEntrySize  = 56
	manifestChecksumSz = 8
)

// manifestSize returns the total on-disk size of the manifest region for
// the given partition count: fixed header, one entry per partition, and a
// trailing checksum.
func manifestSize(partitions int) int {
	return manifestHeaderSize + partitions*manifestEntrySize + manifestChecksumSz
}

// manifestEntry describes one partition's blob within the artifact file.
type manifestEntry struct {
	offset      uint64 // absolute file offset of the blob
	length      uint64 // blob length in bytes
	count       uint64 // distinct keys in the partition
	seed        uint64 // final key-hash seed that converged
	checksum    uint64 // xxhash64 of the blob bytes
	algo        uint16
	algoVersion uint16
	strategy    uint8
}

// manifest is the artifact's self-describing head: global parameters plus
// one entry per partition. It is written last during a build, after every
// blob is already durable at its recorded offset.
type manifest struct {
	version    uint16
	routing    RoutingHash
	strategy   StrategyKind
	globalSeed uint64
	totalKeys  uint64
	entries    []manifestEntry
}

// encode serializes the manifest, little-endian throughout, ending with an
// xxhash64 checksum over everything before it.
func (m *manifest) encode() []byte {
	buf := make([]byte, manifestSize(len(m.entries)))

	binary.LittleEndian.PutUint32(buf[0:], manifestMagic)
	binary.LittleEndian.PutUint16(buf[4:], m.version)
	binary.LittleEndian.PutUint16(buf[6:], uint16(m.routing))
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(m.entries)))
	buf[12] = uint8(m.strategy)
	// buf[13] flags, buf[14:16] reserved
	binary.LittleEndian.PutUint64(buf[16:], m.globalSeed)
	binary.LittleEndian.PutUint64(buf[24:], m.totalKeys)
	// buf[32:64] reserved

	for i, e := range m.entries {
		off := manifestHeaderSize + i*manifestEntrySize
		binary.LittleEndian.PutUint64(buf[off+0:], e.offset)
		binary.LittleEndian.PutUint64(buf[off+8:], e.length)
		binary.LittleEndian.PutUint64(buf[off+16:], e.count)
		binary.LittleEndian.PutUint64(buf[off+24:], e.seed)
		binary.LittleEndian.PutUint64(buf[off+32:], e.checksum)
		binary.LittleEndian.PutUint16(buf[off+40:], e.algo)
		binary.LittleEndian.PutUint16(buf[off+42:], e.algoVersion)
		buf[off+44] = e.strategy
		// buf[off+45 : off+56] reserved
	}

	sum := xxhash.Sum64(buf[:len(buf)-manifestChecksumSz])
	binary.LittleEndian.PutUint64(buf[len(buf)-manifestChecksumSz:], sum)
	return buf
}

// decodeManifest parses and validates a manifest region. Every validation
// failure is fatal: a reader never serves from an artifact whose manifest
// it cannot fully trust.
func decodeManifest(buf []byte, fileSize int64) (*manifest, error) {
	if len(buf) < manifestHeaderSize+manifestChecksumSz {
		return nil, pphmerrors.ErrTruncated
	}
	if binary.LittleEndian.Uint32(buf[0:]) != manifestMagic {
		return nil, pphmerrors.ErrInvalidMagic
	}
	version := binary.LittleEndian.Uint16(buf[4:])
	if version != manifestVersion {
		return nil, fmt.Errorf("%w: manifest version %d", pphmerrors.ErrInvalidVersion, version)
	}

	partitions := binary.LittleEndian.Uint32(buf[8:])
	if partitions == 0 || partitions > maxPartitions || partitions&(partitions-1) != 0 {
		return nil, fmt.Errorf("%w: partition count %d", pphmerrors.ErrCorruptedManifest, partitions)
	}
	total := manifestSize(int(partitions))
	if len(buf) < total {
		return nil, pphmerrors.ErrTruncated
	}
	buf = buf[:total]

	sum := xxhash.Sum64(buf[:total-manifestChecksumSz])
	if sum != binary.LittleEndian.Uint64(buf[total-manifestChecksumSz:]) {
		return nil, fmt.Errorf("%w: manifest", pphmerrors.ErrChecksumFailed)
	}

	m := &manifest{
		version:    version,
		routing:    RoutingHash(binary.LittleEndian.Uint16(buf[6:])),
		strategy:   StrategyKind(buf[12]),
		globalSeed: binary.LittleEndian.Uint64(buf[16:]),
		totalKeys:  binary.LittleEndian.Uint64(buf[24:]),
		entries:    make([]manifestEntry, partitions),
	}
	if !m.routing.valid() {
		return nil, fmt.Errorf("%w: routing hash ID %d", pphmerrors.ErrCorruptedManifest, uint16(m.routing))
	}
	if !m.strategy.valid() {
		return nil, fmt.Errorf("%w: strategy kind %d", pphmerrors.ErrCorruptedManifest, uint8(m.strategy))
	}

	var keySum uint64
	for i := range m.entries {
		off := manifestHeaderSize + i*manifestEntrySize
		e := manifestEntry{
			offset:      binary.LittleEndian.Uint64(buf[off+0:]),
			length:      binary.LittleEndian.Uint64(buf[off+8:]),
			count:       binary.LittleEndian.Uint64(buf[off+16:]),
			seed:        binary.LittleEndian.Uint64(buf[off+24:]),
			checksum:    binary.LittleEndian.Uint64(buf[off+32:]),
			algo:        binary.LittleEndian.Uint16(buf[off+40:]),
			algoVersion: binary.LittleEndian.Uint16(buf[off+42:]),
			strategy:    buf[off+44],
		}
		// Bounds are checked without computing offset+length, which a
		// crafted entry can wrap around uint64.
		if e.offset < uint64(total) || e.offset > uint64(fileSize) || e.length > uint64(fileSize)-e.offset {
			return nil, fmt.Errorf("%w: partition %d blob at offset %d, length %d outside file of %d bytes",
				pphmerrors.ErrCorruptedManifest, i, e.offset, e.length, fileSize)
		}
		if !Algorithm(e.algo).valid() {
			return nil, fmt.Errorf("%w: partition %d algorithm ID %d", pphmerrors.ErrCorruptedManifest, i, e.algo)
		}
		// Format version 1 records one strategy per build; entries must
		// agree with the header.
		if StrategyKind(e.strategy) != m.strategy {
			return nil, fmt.Errorf("%w: partition %d strategy %d disagrees with header %d",
				pphmerrors.ErrCorruptedManifest, i, e.strategy, uint8(m.strategy))
		}
		keySum += e.count
		m.entries[i] = e
	}
	if keySum != m.totalKeys {
		return nil, fmt.Errorf("%w: partition counts sum to %d, header says %d",
			pphmerrors.ErrCorruptedManifest, keySum, m.totalKeys)
	}
	return m, nil
}
