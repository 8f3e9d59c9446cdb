package pphm

import (
	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// RoutingHash identifies the hash function that routes keys to partitions.
// The identifier is recorded in the manifest; readers use the recorded
// function regardless of build-time defaults.
type RoutingHash uint16

const (
	// RoutingXXH64 routes with xxHash64. The default.
	RoutingXXH64 RoutingHash = 0

	// RoutingMurmur3 routes with Murmur3's 64-bit variant.
	RoutingMurmur3 RoutingHash = 1
)

// Sum64 hashes key with the identified routing function.
func (r RoutingHash) Sum64(key []byte) uint64 {
	switch r {
	case RoutingMurmur3:
		return murmur3.Sum64(key)
	default:
		return xxhash.Sum64(key)
	}
}

// String returns the routing hash name.
func (r RoutingHash) String() string {
	switch r {
	case RoutingXXH64:
		return "xxhash64"
	case RoutingMurmur3:
		return "murmur3"
	default:
		return "unknown"
	}
}

func (r RoutingHash) valid() bool {
	return r == RoutingXXH64 || r == RoutingMurmur3
}
