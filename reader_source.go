package pphm

import "context"

// AsSource adapts the reader into a build input, so an existing map can be
// folded into a rebuild alongside fresh sources. The given id sets the
// source's recency rank relative to the other inputs.
//
// Records are yielded partition by partition in slot order, which is
// deterministic for a given artifact.
func (r *Reader) AsSource(id uint32) Source {
	return &readerSource{r: r, id: id}
}

type readerSource struct {
	r  *Reader
	id uint32
}

func (s *readerSource) ID() uint32 { return s.id }

func (s *readerSource) SizeHint() uint64 {
	return uint64(s.r.fileSize)
}

func (s *readerSource) Sample(_ context.Context, rate float64) ([][]byte, uint64, error) {
	total := s.r.Len()
	if total == 0 {
		return nil, 0, nil
	}
	stride := uint64(1 / rate)
	if stride < 1 {
		stride = 1
	}

	var keys [][]byte
	var ordinal uint64
	for p := range s.r.m.entries {
		if s.r.m.entries[p].count == 0 {
			continue
		}
		res, err := s.r.partition(uint32(p))
		if err != nil {
			return nil, 0, err
		}
		for i := uint64(0); i < res.count; i++ {
			if ordinal%stride == 0 {
				keys = append(keys, res.keyAt(i))
			}
			ordinal++
		}
	}
	return keys, total, nil
}

func (s *readerSource) Records() RecordIterator {
	return &readerIterator{r: s.r}
}

type readerIterator struct {
	r    *Reader
	p    int
	slot uint64
	res  *resident
	err  error
}

func (it *readerIterator) Next() (key, value []byte, ok bool) {
	if it.err != nil {
		return nil, nil, false
	}
	for {
		if it.res == nil {
			if it.p >= len(it.r.m.entries) {
				return nil, nil, false
			}
			if it.r.m.entries[it.p].count == 0 {
				it.p++
				continue
			}
			res, err := it.r.partition(uint32(it.p))
			if err != nil {
				it.err = err
				return nil, nil, false
			}
			it.res = res
			it.slot = 0
		}
		if it.slot < it.res.count {
			k := it.res.keyAt(it.slot)
			v := it.res.valueAt(it.slot)
			it.slot++
			return k, v, true
		}
		it.res = nil
		it.p++
	}
}

func (it *readerIterator) Err() error { return it.err }
