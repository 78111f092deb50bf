package sysparam

import (
	"bytes"
	"context"
	"fmt"
)

// writeVerify programs data at addr and reads it back. Any mismatch is an
// I/O error: on NOR flash it means a bit that had to be 1 was already 0.
func (s *Store) writeVerify(addr uint32, data []byte) error {
	if err := s.dev.Program(addr, data); err != nil {
		return fmt.Errorf("%w: program at 0x%08x: %v", ErrIO, addr, err)
	}
	readback := make([]byte, len(data))
	if err := s.dev.Read(addr, readback); err != nil {
		return fmt.Errorf("%w: read back at 0x%08x: %v", ErrIO, addr, err)
	}
	if !bytes.Equal(readback, data) {
		return fmt.Errorf("%w: verify failed at 0x%08x", ErrIO, addr)
	}
	return nil
}

// writeHeaderVerify writes a fresh entry header. If it does not verify the
// header is zeroed, leaving a dead zero length entry the scanner can step over.
func (s *Store) writeHeaderVerify(addr uint32, hdr entryHeader) error {
	err := s.writeVerify(addr, hdr.encode())
	if err == nil {
		return nil
	}
	if zerr := s.dev.Program(addr, make([]byte, EntryHeaderSize)); zerr != nil {
		s.logger.Warn("Failed to zero header at 0x%08x: %v", addr, zerr)
	}
	return err
}

func (s *Store) readHeader(addr uint32) (entryHeader, error) {
	buf := make([]byte, EntryHeaderSize)
	if err := s.dev.Read(addr, buf); err != nil {
		return entryHeader{}, fmt.Errorf("%w: read header at 0x%08x: %v", ErrIO, addr, err)
	}
	return decodeEntryHeader(buf), nil
}

// readPayload reads the payload of the entry whose header sits at addr into
// buf, which must hold at least hdr.len bytes.
func (s *Store) readPayload(addr uint32, hdr entryHeader, buf []byte) error {
	if err := s.dev.Read(addr+EntryHeaderSize, buf[:hdr.len]); err != nil {
		return fmt.Errorf("%w: read payload at 0x%08x: %v", ErrIO, addr, err)
	}
	return nil
}

// appendEntry writes a key or value at the end of the active log in three
// steps: an invalid header, the payload, then the header with the invalid
// flag cleared. Until the last step lands the entry is skipped by scans.
func (s *Store) appendEntry(id uint16, value, bin bool, payload []byte) (uint32, error) {
	addr := s.endAddr
	hdr := newEntryHeader(id, value, bin, len(payload))

	if err := s.writeHeaderVerify(addr, hdr); err != nil {
		s.metrics.RecordWriteFailure(context.Background(), "header")
		s.stats.TrackError("write_header")
		s.skipFailedHeader(addr)
		return 0, err
	}
	// The space is consumed from here on, whatever happens next.
	s.endAddr = addr + hdr.size()

	if err := s.writeVerify(addr+EntryHeaderSize, padPayload(payload)); err != nil {
		s.metrics.RecordWriteFailure(context.Background(), "payload")
		s.stats.TrackError("write_payload")
		return 0, err
	}
	if err := s.writeVerify(addr, hdr.committed().encode()); err != nil {
		s.metrics.RecordWriteFailure(context.Background(), "commit")
		s.stats.TrackError("write_commit")
		return 0, err
	}
	s.stats.TrackBytes(true, uint64(hdr.size()))
	return addr, nil
}

// skipFailedHeader moves the log end past whatever a failed header write left
// behind so the next append starts on erased flash.
func (s *Store) skipFailedHeader(addr uint32) {
	hdr, err := s.readHeader(addr)
	if err != nil {
		s.forceCompact = true
		return
	}
	switch {
	case hdr.erased():
	case addr+hdr.size() <= s.regionEnd():
		s.endAddr = addr + hdr.size()
	default:
		s.forceCompact = true
	}
}

// deleteEntry clears the alive flag of the entry at addr.
func (s *Store) deleteEntry(addr uint32) error {
	hdr, err := s.readHeader(addr)
	if err != nil {
		return err
	}
	if !hdr.alive() {
		return nil
	}
	if err := s.writeVerify(addr, hdr.deleted().encode()); err != nil {
		s.metrics.RecordWriteFailure(context.Background(), "delete")
		s.stats.TrackError("write_delete")
		return err
	}
	return nil
}
