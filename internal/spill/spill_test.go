package spill

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"testing"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

func genRecords(n int) []Record {
	rnd := rand.New(rand.NewSource(7))
	recs := make([]Record, n)
	for i := range recs {
		key := make([]byte, 1+rnd.Intn(32))
		val := make([]byte, rnd.Intn(64))
		for j := range key {
			key[j] = byte(rnd.Uint32())
		}
		for j := range val {
			val[j] = byte(rnd.Uint32())
		}
		recs[i] = Record{Key: key, Value: val, SourceID: uint32(i % 3), Seq: uint64(i)}
	}
	return recs
}

func roundTrip(t *testing.T, compress bool) {
	t.Helper()
	const partitions = 4
	recs := genRecords(200)

	w, err := NewWriter(t.TempDir(), partitions, 1<<12, 0xdecafbad, compress)
	if err != nil {
		t.Fatal(err)
	}
	byPart := make([][]Record, partitions)
	for i, r := range recs {
		p := i % partitions
		if err := w.Append(p, r.Key, r.Value, r.SourceID, r.Seq); err != nil {
			t.Fatal(err)
		}
		byPart[p] = append(byPart[p], r)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	for p := 0; p < partitions; p++ {
		if got := w.Count(p); got != uint64(len(byPart[p])) {
			t.Fatalf("Count(%d) = %d, want %d", p, got, len(byPart[p]))
		}
		r, err := w.Open(p)
		if err != nil {
			t.Fatal(err)
		}
		got, err := r.ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		r.Close()

		if len(got) != len(byPart[p]) {
			t.Fatalf("partition %d: read %d records, wrote %d", p, len(got), len(byPart[p]))
		}
		for i, rec := range got {
			want := byPart[p][i]
			if !bytes.Equal(rec.Key, want.Key) || !bytes.Equal(rec.Value, want.Value) ||
				rec.SourceID != want.SourceID || rec.Seq != want.Seq {
				t.Fatalf("partition %d record %d: got %+v, want %+v", p, i, rec, want)
			}
		}
	}

	if err := w.Remove(); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			roundTrip(t, compress)
		})
	}
}

func TestCorruptionDetected(t *testing.T) {
	w, err := NewWriter(t.TempDir(), 1, 1<<12, 0x1234, false)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		val := []byte(fmt.Sprintf("value-%03d", i))
		if err := w.Append(0, key, val, 0, uint64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	// Flip one byte in the middle of the file.
	path := w.path(0)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := w.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.ReadAll(); !errors.Is(err, pphmerrors.ErrSpillCorrupted) {
		t.Fatalf("ReadAll over a corrupted file returned %v, want ErrSpillCorrupted", err)
	}
}

func TestSaltMismatchDetected(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1, 1<<12, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(0, []byte("k"), []byte("v"), 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	// A reader keyed with a different salt must reject every record.
	other := &Writer{dir: dir, files: make([]*os.File, 1), finished: true}
	other.sipKey[0] = 0xee
	r, err := other.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Next(); !errors.Is(err, pphmerrors.ErrSpillCorrupted) {
		t.Fatalf("Next with wrong salt returned %v, want ErrSpillCorrupted", err)
	}
}

func TestEmptyPartition(t *testing.T) {
	w, err := NewWriter(t.TempDir(), 2, 1<<12, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
	r, err := w.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("empty partition yielded %d records", len(recs))
	}
}
