package sysparam

import (
	"context"
	"time"

	"github.com/KevoDB/sysparam/pkg/stats"
)

const initialIterBufSize = 128

// Iterator walks the live key/value pairs of a store in log order. Each call
// to Next takes the store lock, so other operations may run in between; a
// compaction in between ends the iteration with ErrIteratorStale.
type Iterator struct {
	s     *Store
	c     cursor
	gen   uint64
	start time.Time

	buf      []byte
	keyLen   int
	valueLen int
	binary   bool

	err  error
	done bool
}

// IterStart returns an iterator positioned before the first pair
func (s *Store) IterStart(ctx context.Context) (*Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return &Iterator{
		s:     s,
		c:     s.newCursor(),
		gen:   s.generation,
		start: time.Now(),
		buf:   make([]byte, initialIterBufSize),
	}, nil
}

// Next advances to the next pair. It returns false at the end or on error;
// check Err to tell them apart.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	s := it.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != it.gen || !s.initialized {
		return it.fail(ErrIteratorStale)
	}

	for {
		found, err := s.findEntry(&it.c, match{kind: matchAnyKey})
		if err != nil {
			return it.fail(err)
		}
		if !found {
			it.done = true
			return false
		}

		vc, hasValue, err := s.findValue(it.c)
		if err != nil {
			return it.fail(err)
		}
		if !hasValue {
			continue
		}

		keyLen, valueLen := int(it.c.hdr.len), int(vc.hdr.len)
		keySpace := roundToWord(keyLen)
		it.grow(keySpace + valueLen)
		if err := s.readPayload(it.c.addr, it.c.hdr, it.buf); err != nil {
			return it.fail(err)
		}
		if err := s.readPayload(vc.addr, vc.hdr, it.buf[keySpace:]); err != nil {
			return it.fail(err)
		}
		it.keyLen, it.valueLen, it.binary = keyLen, valueLen, vc.hdr.isBinary()
		s.stats.TrackBytes(false, uint64(keyLen+valueLen))
		return true
	}
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.done = true
	return false
}

func (it *Iterator) grow(n int) {
	if n <= len(it.buf) {
		return
	}
	size := len(it.buf) * 2
	for size < n {
		size *= 2
	}
	it.buf = make([]byte, size)
}

// Key returns the current key. It is only valid until the next call to Next.
func (it *Iterator) Key() string {
	return string(it.buf[:it.keyLen])
}

// Value returns the current value. The slice is reused by Next.
func (it *Iterator) Value() []byte {
	off := roundToWord(it.keyLen)
	return it.buf[off : off+it.valueLen]
}

// Binary reports whether the current value was stored as binary data
func (it *Iterator) Binary() bool {
	return it.binary
}

// Err returns the error that ended the iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// End releases the iterator's buffer
func (it *Iterator) End() {
	if it.buf == nil {
		return
	}
	it.buf = nil
	it.keyLen, it.valueLen = 0, 0
	it.done = true
	it.s.stats.TrackOperationWithLatency(stats.OpScan, uint64(time.Since(it.start).Nanoseconds()))
}

// Pair is a copied key/value pair
type Pair struct {
	Key    string
	Value  []byte
	Binary bool
}

// Dump returns copies of every live pair
func (s *Store) Dump(ctx context.Context) ([]Pair, error) {
	it, err := s.IterStart(ctx)
	if err != nil {
		return nil, err
	}
	defer it.End()

	var pairs []Pair
	for it.Next() {
		pairs = append(pairs, Pair{
			Key:    it.Key(),
			Value:  append([]byte(nil), it.Value()...),
			Binary: it.Binary(),
		})
	}
	return pairs, it.Err()
}
