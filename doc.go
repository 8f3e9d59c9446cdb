// Package pphm builds and serves partitioned perfect hash maps: immutable
// key/value artifacts with guaranteed O(1) single-probe lookups.
//
// A build streams records from one or more sources, routes each key to a
// partition by hash, deduplicates per a configurable strategy, constructs
// a minimal perfect hash function per partition, and atomically publishes
// a single self-describing file. Given identical inputs and options, two
// builds produce byte-identical artifacts.
//
//	sources := []pphm.Source{pphm.NewSliceSource(0, pairs)}
//	if err := pphm.Build(ctx, "data.pphm", sources); err != nil {
//		return err
//	}
//	r, err := pphm.Open("data.pphm")
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//	value, ok, err := r.Lookup([]byte("alice"))
//
// The artifact is never mutated after publication; updates are rebuilds,
// and Reader.AsSource lets a rebuild consume the previous artifact as one
// of its inputs.
package pphm
