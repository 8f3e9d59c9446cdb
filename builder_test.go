package pphm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

func buildMap(t *testing.T, sources []Source, opts ...BuildOption) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "map.pphm")
	if err := Build(context.Background(), path, sources, opts...); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return path
}

func openMap(t *testing.T, path string, opts ...OpenOption) *Reader {
	t.Helper()
	r, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func mustLookup(t *testing.T, r *Reader, key string) []byte {
	t.Helper()
	val, ok, err := r.Lookup([]byte(key))
	if err != nil {
		t.Fatalf("Lookup(%q): %v", key, err)
	}
	if !ok {
		t.Fatalf("Lookup(%q) missed", key)
	}
	return val
}

func mustMiss(t *testing.T, r *Reader, key string) {
	t.Helper()
	val, ok, err := r.Lookup([]byte(key))
	if err != nil {
		t.Fatalf("Lookup(%q): %v", key, err)
	}
	if ok {
		t.Fatalf("Lookup(%q) = %q, want miss", key, val)
	}
}

func kvSource(id uint32, pairs ...string) Source {
	if len(pairs)%2 != 0 {
		panic("kvSource needs key/value pairs")
	}
	kvs := make([]KV, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		kvs = append(kvs, KV{Key: []byte(pairs[i]), Value: []byte(pairs[i+1])})
	}
	return NewSliceSource(id, kvs)
}

func TestLastWinsAcrossSources(t *testing.T) {
	sources := []Source{
		kvSource(0, "alice", "42"),
		kvSource(1, "alice", "100"),
		kvSource(2, "alice", "200"),
	}
	r := openMap(t, buildMap(t, sources))
	if got := mustLookup(t, r, "alice"); string(got) != "200" {
		t.Fatalf("alice = %q, want 200 (newest source)", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestFirstWinsAcrossSources(t *testing.T) {
	sources := []Source{
		kvSource(0, "alice", "42"),
		kvSource(1, "alice", "100"),
		kvSource(2, "alice", "200"),
	}
	r := openMap(t, buildMap(t, sources, WithStrategy(FirstWins())))
	if got := mustLookup(t, r, "alice"); string(got) != "42" {
		t.Fatalf("alice = %q, want 42 (oldest source)", got)
	}
}

func TestMergeSum(t *testing.T) {
	sources := []Source{
		NewSliceSource(0, []KV{
			{Key: []byte("alice"), Value: Int64Value(100)},
			{Key: []byte("bob"), Value: Int64Value(250)},
		}),
		NewSliceSource(1, []KV{
			{Key: []byte("alice"), Value: Int64Value(75)},
			{Key: []byte("bob"), Value: Int64Value(25)},
			{Key: []byte("charlie"), Value: Int64Value(300)},
		}),
	}
	r := openMap(t, buildMap(t, sources, WithStrategy(MergeSum())))
	for key, want := range map[string]int64{"alice": 175, "bob": 275, "charlie": 300} {
		got, ok := Int64FromValue(mustLookup(t, r, key))
		if !ok || got != want {
			t.Fatalf("%s = %d (%v), want %d", key, got, ok, want)
		}
	}
}

func TestMergeAppend(t *testing.T) {
	sources := []Source{
		kvSource(0, "rust", "1"),
		kvSource(1, "rust", "2"),
	}
	r := openMap(t, buildMap(t, sources, WithStrategy(MergeAppend())))
	segs, err := AppendedValues(mustLookup(t, r, "rust"))
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 || string(segs[0]) != "1" || string(segs[1]) != "2" {
		t.Fatalf("rust = %q, want [1 2]", segs)
	}
}

func TestErrorOnDuplicateLeavesNoArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.pphm")
	sources := []Source{
		kvSource(0, "alice", "1"),
		kvSource(1, "alice", "2"),
	}
	err := Build(context.Background(), path, sources, WithStrategy(ErrorOnDuplicate()))
	if !errors.Is(err, pphmerrors.ErrDuplicateKey) {
		t.Fatalf("got %v, want ErrDuplicateKey", err)
	}
	if _, serr := os.Stat(path); !os.IsNotExist(serr) {
		t.Fatal("failed build left a file at the target path")
	}
}

func TestEmptyInput(t *testing.T) {
	r := openMap(t, buildMap(t, nil))
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	mustMiss(t, r, "anything")
	if err := r.Verify(); err != nil {
		t.Fatalf("Verify on empty map: %v", err)
	}
}

func TestDeterministicArtifacts(t *testing.T) {
	pairs := make([]KV, 3000)
	for i := range pairs {
		pairs[i] = KV{
			Key:   []byte(fmt.Sprintf("user:%06d", i)),
			Value: []byte(fmt.Sprintf("profile-%d", i*7)),
		}
	}
	opts := []BuildOption{WithSeed(0x1234), WithPartitions(8), WithWorkers(4)}

	a := buildMap(t, []Source{NewSliceSource(0, pairs)}, opts...)
	b := buildMap(t, []Source{NewSliceSource(0, pairs)}, opts...)

	da, err := os.ReadFile(a)
	if err != nil {
		t.Fatal(err)
	}
	db, err := os.ReadFile(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(da, db) {
		t.Fatal("two builds over identical inputs produced different artifacts")
	}
}

func TestCompleteness(t *testing.T) {
	for _, algo := range []Algorithm{AlgoCHD, AlgoBBHash} {
		t.Run(algo.String(), func(t *testing.T) {
			pairs := make([]KV, 5000)
			for i := range pairs {
				pairs[i] = KV{
					Key:   []byte(fmt.Sprintf("key-%05d", i)),
					Value: []byte(fmt.Sprintf("val-%05d", i)),
				}
			}
			path := buildMap(t, []Source{NewSliceSource(0, pairs)},
				WithAlgorithm(algo), WithPartitions(4), WithWorkers(2))
			r := openMap(t, path)

			for _, kv := range pairs {
				val, ok, err := r.Lookup(kv.Key)
				if err != nil {
					t.Fatal(err)
				}
				if !ok || !bytes.Equal(val, kv.Value) {
					t.Fatalf("Lookup(%q) = (%q, %v), want %q", kv.Key, val, ok, kv.Value)
				}
			}
			for i := 0; i < 1000; i++ {
				mustMiss(t, r, fmt.Sprintf("absent-%05d", i))
			}
		})
	}
}

func TestRoutingHashRecorded(t *testing.T) {
	pairs := []KV{{Key: []byte("k"), Value: []byte("v")}}
	path := buildMap(t, []Source{NewSliceSource(0, pairs)},
		WithRoutingHash(RoutingMurmur3), WithPartitions(4))
	r := openMap(t, path)
	if r.Stats().Routing != RoutingMurmur3 {
		t.Fatalf("recorded routing = %v, want murmur3", r.Stats().Routing)
	}
	if got := mustLookup(t, r, "k"); string(got) != "v" {
		t.Fatalf("k = %q", got)
	}
}

func TestCancellationLeavesNoArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.pphm")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pairs := make([]KV, 100)
	for i := range pairs {
		pairs[i] = KV{Key: []byte(fmt.Sprintf("k%d", i)), Value: []byte("v")}
	}
	err := Build(ctx, path, []Source{NewSliceSource(0, pairs)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if _, serr := os.Stat(path); !os.IsNotExist(serr) {
		t.Fatal("cancelled build left a file at the target path")
	}
}

func TestRebuildFromReader(t *testing.T) {
	v1 := buildMap(t, []Source{kvSource(0, "alice", "1", "bob", "2")})
	r1 := openMap(t, v1)

	// Fold the existing map into a rebuild; the fresh source is newer.
	v2 := filepath.Join(t.TempDir(), "v2.pphm")
	sources := []Source{
		r1.AsSource(0),
		kvSource(1, "alice", "updated", "carol", "3"),
	}
	if err := Build(context.Background(), v2, sources); err != nil {
		t.Fatal(err)
	}

	r2 := openMap(t, v2)
	if got := mustLookup(t, r2, "alice"); string(got) != "updated" {
		t.Fatalf("alice = %q, want updated", got)
	}
	if got := mustLookup(t, r2, "bob"); string(got) != "2" {
		t.Fatalf("bob = %q, want 2 (carried from v1)", got)
	}
	if got := mustLookup(t, r2, "carol"); string(got) != "3" {
		t.Fatalf("carol = %q, want 3", got)
	}
	if r2.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r2.Len())
	}
}

func TestBuildCompletesUnderTinyBudget(t *testing.T) {
	// With a budget at the reservation floor, every partition's weight
	// clamps to the whole budget and only one partition can be admitted
	// at a time. More workers than admissible partitions must not stall
	// the pipeline: reservations are granted in partition order, so the
	// writer can always drain the partition holding the budget.
	pairs := make([]KV, 4000)
	for i := range pairs {
		pairs[i] = KV{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: bytes.Repeat([]byte("v"), 100),
		}
	}
	path := buildMap(t, []Source{NewSliceSource(0, pairs)},
		WithMemoryBudget(1<<20), WithPartitions(8), WithWorkers(4))
	r := openMap(t, path)
	if r.Len() != 4000 {
		t.Fatalf("Len() = %d, want 4000", r.Len())
	}
	if got := mustLookup(t, r, "key-03999"); len(got) != 100 {
		t.Fatalf("value length %d, want 100", len(got))
	}
	if err := r.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestSpillCompression(t *testing.T) {
	pairs := make([]KV, 2000)
	for i := range pairs {
		pairs[i] = KV{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: bytes.Repeat([]byte("x"), 100),
		}
	}
	path := buildMap(t, []Source{NewSliceSource(0, pairs)},
		WithSpillCompression(), WithPartitions(4))
	r := openMap(t, path)
	if r.Len() != 2000 {
		t.Fatalf("Len() = %d, want 2000", r.Len())
	}
	if got := mustLookup(t, r, "key-01234"); len(got) != 100 {
		t.Fatalf("value length %d, want 100", len(got))
	}
}

func TestInvalidOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.pphm")
	src := []Source{kvSource(0, "k", "v")}

	for name, tc := range map[string]struct {
		opts []BuildOption
		want error
	}{
		"zero budget":      {[]BuildOption{WithMemoryBudget(0)}, pphmerrors.ErrInvalidBudget},
		"bad sample rate":  {[]BuildOption{WithSampleRate(1.5)}, pphmerrors.ErrInvalidSampleRate},
		"nil merge func":   {[]BuildOption{WithStrategy(MergeCustom(nil))}, pphmerrors.ErrNilMergeFunc},
		"bad algorithm":    {[]BuildOption{WithAlgorithm(Algorithm(99))}, pphmerrors.ErrUnknownAlgorithm},
		"bad routing hash": {[]BuildOption{WithRoutingHash(RoutingHash(99))}, pphmerrors.ErrUnknownRoutingHash},
	} {
		t.Run(name, func(t *testing.T) {
			if err := Build(context.Background(), path, src, tc.opts...); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDuplicateSourceIDRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.pphm")
	sources := []Source{kvSource(3, "a", "1"), kvSource(3, "b", "2")}
	if err := Build(context.Background(), path, sources); !errors.Is(err, pphmerrors.ErrDuplicateSourceID) {
		t.Fatalf("got %v, want ErrDuplicateSourceID", err)
	}
}

func TestKeyTooLongRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.pphm")
	big := bytes.Repeat([]byte("k"), maxKeyLength+1)
	src := []Source{NewSliceSource(0, []KV{{Key: big, Value: []byte("v")}})}
	if err := Build(context.Background(), path, src); !errors.Is(err, pphmerrors.ErrKeyTooLong) {
		t.Fatalf("got %v, want ErrKeyTooLong", err)
	}
	if _, serr := os.Stat(path); !os.IsNotExist(serr) {
		t.Fatal("failed build left a file at the target path")
	}
}
