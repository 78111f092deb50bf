package sysparam

import (
	"bytes"
	"context"
)

type matchKind int

const (
	// matchEnd walks to the end of the log
	matchEnd matchKind = iota
	// matchAnyKey stops at the next live key
	matchAnyKey
	// matchValue stops at the next live value with a given id
	matchValue
)

type match struct {
	kind matchKind
	id   uint16
}

// cursor is a position in the active log plus the counters gathered on the
// way there. It is a plain value so a scan can fork by copying it.
type cursor struct {
	addr  uint32
	hdr   entryHeader
	valid bool
	atEnd bool

	// unusedKeys is live keys minus live values seen so far
	unusedKeys int
	// compactable counts bytes held by dead and invalid entries
	compactable uint32
	maxID       uint16
	entries     uint64
}

func (s *Store) newCursor() cursor {
	return cursor{addr: s.activeBase + RegionHeaderSize}
}

func (s *Store) regionEnd() uint32 {
	return s.activeBase + s.regionSize
}

// findEntry advances c past its current entry to the next one satisfying m.
// It returns false once the end of the log is reached, leaving c.addr at the
// first free address.
func (s *Store) findEntry(c *cursor, m match) (bool, error) {
	end := s.regionEnd()
	for {
		if c.atEnd {
			return m.kind == matchEnd, nil
		}
		if c.valid {
			c.addr += c.hdr.size()
		}
		if c.addr+EntryHeaderSize > end {
			c.hdr, c.valid, c.atEnd = erasedHeader, false, true
			continue
		}

		hdr, err := s.readHeader(c.addr)
		if err != nil {
			return false, err
		}
		if hdr.erased() {
			c.hdr, c.valid, c.atEnd = hdr, false, true
			continue
		}
		if c.addr+hdr.size() > end {
			// The length cannot be right. Treat everything from here on as
			// garbage; the next write compacts it away.
			s.logger.Warn("Entry at 0x%08x crosses the region boundary, truncating log", c.addr)
			s.metrics.RecordCorruption(context.Background(), "entry_overflow")
			s.stats.TrackError("corrupt_entry")
			s.forceCompact = true
			c.hdr, c.valid, c.atEnd = erasedHeader, false, true
			continue
		}

		c.hdr, c.valid = hdr, true
		c.entries++
		if !hdr.live() {
			c.compactable += hdr.size()
			continue
		}

		id := hdr.id()
		if hdr.isValue() {
			c.unusedKeys--
			if m.kind == matchValue && m.id == id {
				return true, nil
			}
			continue
		}

		c.unusedKeys++
		if id > c.maxID {
			c.maxID = id
		}
		if m.kind == matchAnyKey {
			return true, nil
		}
	}
}

// findKey advances c to the live key entry named key.
func (s *Store) findKey(c *cursor, key []byte) (bool, error) {
	buf := make([]byte, MaxKeyLen)
	for {
		found, err := s.findEntry(c, match{kind: matchAnyKey})
		if err != nil || !found {
			return false, err
		}
		if int(c.hdr.len) != len(key) {
			continue
		}
		if err := s.readPayload(c.addr, c.hdr, buf); err != nil {
			return false, err
		}
		if bytes.Equal(buf[:len(key)], key) {
			return true, nil
		}
	}
}

// findValue returns a cursor on the first live value for the key c points at.
// c itself is not moved.
func (s *Store) findValue(c cursor) (cursor, bool, error) {
	vc := c
	found, err := s.findEntry(&vc, match{kind: matchValue, id: c.hdr.id()})
	return vc, found, err
}
