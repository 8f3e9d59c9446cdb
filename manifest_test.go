package pphm

import (
	"errors"
	"testing"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

func testManifest(partitions int) *manifest {
	m := &manifest{
		version:    manifestVersion,
		routing:    RoutingXXH64,
		strategy:   KindLastWins,
		globalSeed: 0xfeed,
	}
	offset := uint64(manifestSize(partitions))
	for i := 0; i < partitions; i++ {
		e := manifestEntry{
			offset:      offset,
			length:      100,
			count:       uint64(10 + i),
			seed:        uint64(i),
			checksum:    uint64(0xabc + i),
			algo:        uint16(AlgoCHD),
			algoVersion: AlgoCHD.internal().Version(),
			strategy:    uint8(KindLastWins),
		}
		offset += e.length
		m.totalKeys += e.count
		m.entries = append(m.entries, e)
	}
	return m
}

func TestManifestRoundTrip(t *testing.T) {
	m := testManifest(4)
	buf := m.encode()
	fileSize := int64(manifestSize(4) + 400)

	got, err := decodeManifest(buf, fileSize)
	if err != nil {
		t.Fatal(err)
	}
	if got.routing != m.routing || got.strategy != m.strategy ||
		got.globalSeed != m.globalSeed || got.totalKeys != m.totalKeys {
		t.Fatalf("header fields changed across round trip: %+v", got)
	}
	if len(got.entries) != len(m.entries) {
		t.Fatalf("entry count %d, want %d", len(got.entries), len(m.entries))
	}
	for i := range m.entries {
		if got.entries[i] != m.entries[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got.entries[i], m.entries[i])
		}
	}
}

func TestManifestFailsClosed(t *testing.T) {
	m := testManifest(2)
	fileSize := int64(manifestSize(2) + 200)

	t.Run("bad magic", func(t *testing.T) {
		buf := m.encode()
		buf[0] ^= 0xff
		if _, err := decodeManifest(buf, fileSize); !errors.Is(err, pphmerrors.ErrInvalidMagic) {
			t.Fatalf("got %v, want ErrInvalidMagic", err)
		}
	})

	t.Run("future version", func(t *testing.T) {
		buf := m.encode()
		buf[4] = 0xff
		if _, err := decodeManifest(buf, fileSize); !errors.Is(err, pphmerrors.ErrInvalidVersion) {
			t.Fatalf("got %v, want ErrInvalidVersion", err)
		}
	})

	t.Run("flipped entry byte", func(t *testing.T) {
		buf := m.encode()
		buf[manifestHeaderSize+17] ^= 0x01
		if _, err := decodeManifest(buf, fileSize); !errors.Is(err, pphmerrors.ErrChecksumFailed) {
			t.Fatalf("got %v, want ErrChecksumFailed", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		buf := m.encode()
		if _, err := decodeManifest(buf[:40], fileSize); !errors.Is(err, pphmerrors.ErrTruncated) {
			t.Fatalf("got %v, want ErrTruncated", err)
		}
		if _, err := decodeManifest(buf[:len(buf)-10], fileSize); !errors.Is(err, pphmerrors.ErrTruncated) {
			t.Fatalf("got %v, want ErrTruncated", err)
		}
	})

	t.Run("blob outside file", func(t *testing.T) {
		short := testManifest(2)
		short.entries[1].length = 1 << 40
		buf := short.encode()
		if _, err := decodeManifest(buf, fileSize); !errors.Is(err, pphmerrors.ErrCorruptedManifest) {
			t.Fatalf("got %v, want ErrCorruptedManifest", err)
		}
	})

	t.Run("blob bounds wrap around uint64", func(t *testing.T) {
		// offset+length overflows back below the file size; the entry
		// must still be rejected, not handed to the reader to index with.
		wrapped := testManifest(2)
		wrapped.entries[1].offset = ^uint64(0) - 15
		wrapped.entries[1].length = 32
		buf := wrapped.encode()
		if _, err := decodeManifest(buf, fileSize); !errors.Is(err, pphmerrors.ErrCorruptedManifest) {
			t.Fatalf("got %v, want ErrCorruptedManifest", err)
		}
	})

	t.Run("entry strategy disagrees with header", func(t *testing.T) {
		split := testManifest(2)
		split.entries[0].strategy = uint8(KindMergeSum)
		buf := split.encode()
		if _, err := decodeManifest(buf, fileSize); !errors.Is(err, pphmerrors.ErrCorruptedManifest) {
			t.Fatalf("got %v, want ErrCorruptedManifest", err)
		}
	})

	t.Run("count sum mismatch", func(t *testing.T) {
		bad := testManifest(2)
		bad.totalKeys++
		buf := bad.encode()
		if _, err := decodeManifest(buf, fileSize); !errors.Is(err, pphmerrors.ErrCorruptedManifest) {
			t.Fatalf("got %v, want ErrCorruptedManifest", err)
		}
	})
}
