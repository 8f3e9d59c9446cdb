package mphf

import (
	"encoding/binary"
	"fmt"
	"sort"

	pphmerrors "github.com/dlog-db/pphm/errors"
)

const (
	chdVersion = uint16(1)

	// chdLoadFactor controls the probe table size: m = nextPow2(n/load).
	// Lower values speed up seed search at the cost of table size; the
	// rank bitvector compacts the result onto [0, n) regardless.
	chdLoadFactor = 0.85

	// chdMaxSeed bounds the per-bucket displacement search.
	chdMaxSeed = uint32(1) << 18
)

// chdIndex is a frozen CHD-style minimal perfect hash.
//
// Construction hashes each key into one of m buckets, then searches a
// displacement seed per bucket that places all of the bucket's keys into
// unoccupied probe slots. The occupied bitvector carries exactly n set bits;
// ranking it maps the sparse slot space [0, m) onto the dense [0, n).
type chdIndex struct {
	n     uint64
	mask  uint64 // m - 1
	seeds seedTable
	occ   *bitVector // m bits, exactly n set, rank-indexed
}

// probe hashes h with a displacement seed into [0, mask].
// Seed 0 doubles as the bucket assignment function.
func probe(h uint64, seed uint32, mask uint64) uint64 {
	x := h * fasthashM
	x ^= mix64(uint64(seed))
	x *= fasthashM
	return mix64(x) & mask
}

func buildCHD(hashes []uint64) (Index, error) {
	n := uint64(len(hashes))
	if n == 0 {
		return &chdIndex{}, nil
	}

	m := nextPow2(uint64(float64(n) / chdLoadFactor))
	mask := m - 1

	buckets := make([][]uint64, m)
	for _, h := range hashes {
		j := probe(h, 0, mask)
		buckets[j] = append(buckets[j], h)
	}

	// Process buckets in decreasing order of occupancy; large buckets are
	// the hardest to place and need the emptiest table.
	order := make([]uint64, 0, m)
	for j, b := range buckets {
		if len(b) > 0 {
			order = append(order, uint64(j))
		}
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if la, lb := len(buckets[a]), len(buckets[b]); la != lb {
			return la > lb
		}
		return a < b // deterministic tie-break
	})

	occ := newBitVector(m)
	seeds := make([]uint32, m)
	slots := make([]uint64, 0, 8) // scratch: slots claimed by the current try

	for _, j := range order {
		keys := buckets[j]
		found := false
	seedSearch:
		for s := uint32(1); s < chdMaxSeed; s++ {
			slots = slots[:0]
			for _, h := range keys {
				i := probe(h, s, mask)
				if occ.isSet(i) {
					for _, c := range slots {
						occ.clear(c)
					}
					continue seedSearch
				}
				occ.set(i)
				slots = append(slots, i)
			}
			seeds[j] = s
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("%w: chd: no displacement seed for bucket of %d keys", pphmerrors.ErrBuildFailed, len(keys))
		}
	}

	occ.indexRanks()

	return &chdIndex{
		n:     n,
		mask:  mask,
		seeds: newSeedTable(seeds),
		occ:   occ,
	}, nil
}

func (c *chdIndex) Len() int {
	return int(c.n)
}

func (c *chdIndex) Lookup(h uint64) (uint64, bool) {
	if c.n == 0 {
		return 0, false
	}
	j := probe(h, 0, c.mask)
	slot := probe(h, c.seeds.at(j), c.mask)
	if !c.occ.isSet(slot) {
		return 0, false
	}
	return c.occ.rank(slot), true
}

// AppendBinary layout: [n u64][m u64][seed width u8][seed bytes][bitvector].
// Rank indexes are rebuilt on decode and are not serialized.
func (c *chdIndex) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, c.n)
	if c.n == 0 {
		return dst
	}
	dst = binary.LittleEndian.AppendUint64(dst, c.mask+1)
	dst = append(dst, c.seeds.width)
	dst = append(dst, c.seeds.data...)
	return c.occ.appendBinary(dst)
}

func decodeCHD(data []byte) (Index, error) {
	if len(data) < 8 {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n == 0 {
		return &chdIndex{}, nil
	}
	data = data[8:]

	if len(data) < 9 {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	m := binary.LittleEndian.Uint64(data[:8])
	width := data[8]
	data = data[9:]
	if m == 0 || m&(m-1) != 0 || n > m {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	switch width {
	case 1, 2, 4:
	default:
		return nil, pphmerrors.ErrCorruptedPartition
	}

	seedBytes := m * uint64(width)
	if uint64(len(data)) < seedBytes {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	seeds := seedTable{width: width, data: data[:seedBytes]}
	data = data[seedBytes:]

	occ, _, err := decodeBitVector(data)
	if err != nil {
		return nil, err
	}
	if occ.size() != m {
		return nil, pphmerrors.ErrCorruptedPartition
	}
	if occ.indexRanks() != n {
		return nil, pphmerrors.ErrCorruptedPartition
	}

	return &chdIndex{n: n, mask: m - 1, seeds: seeds, occ: occ}, nil
}

// seedTable stores per-bucket displacement seeds at the narrowest width
// (1, 2 or 4 bytes) that holds the largest seed.
type seedTable struct {
	width byte
	data  []byte
}

func newSeedTable(seeds []uint32) seedTable {
	var max uint32
	for _, s := range seeds {
		if s > max {
			max = s
		}
	}
	var width byte
	switch {
	case max < 1<<8:
		width = 1
	case max < 1<<16:
		width = 2
	default:
		width = 4
	}

	data := make([]byte, len(seeds)*int(width))
	for i, s := range seeds {
		switch width {
		case 1:
			data[i] = byte(s)
		case 2:
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		case 4:
			binary.LittleEndian.PutUint32(data[i*4:], s)
		}
	}
	return seedTable{width: width, data: data}
}

func (t seedTable) at(i uint64) uint32 {
	switch t.width {
	case 1:
		return uint32(t.data[i])
	case 2:
		return uint32(binary.LittleEndian.Uint16(t.data[i*2:]))
	default:
		return binary.LittleEndian.Uint32(t.data[i*4:])
	}
}
