package sysparam

import (
	"encoding/binary"

	"github.com/KevoDB/sysparam/pkg/flash"
)

const (
	// EntryHeaderSize is the size of the header prefixing every key or value
	EntryHeaderSize = 4

	// MaxID is the largest identifier a key/value pair can be assigned
	MaxID = 0x0ffe

	// MaxKeyLen is the longest key name accepted
	MaxKeyLen = 64

	// MaxValueLen is the longest value the 16 bit length field can describe
	MaxValueLen = 0xffff

	entryFlagAlive   = 0x8000
	entryFlagInvalid = 0x4000
	entryFlagValue   = 0x2000
	entryFlagBinary  = 0x1000
	entryMaskID      = 0x0fff

	// idEnd is never assigned so that an unwritten header cannot decode as an entry
	idEnd = 0x0fff

	erasedIDFlags = 0xffff
)

// entryHeader is the 4 byte record header:
//
//	idflags:u16 (alive, invalid, value, binary, 12 bit id) | len:u16
type entryHeader struct {
	idflags uint16
	len     uint16
}

var erasedHeader = entryHeader{idflags: erasedIDFlags, len: 0xffff}

// newEntryHeader returns an in-progress header: alive and still invalid.
func newEntryHeader(id uint16, value, bin bool, length int) entryHeader {
	flags := entryFlagAlive | entryFlagInvalid | (id & entryMaskID)
	if value {
		flags |= entryFlagValue
	}
	if bin {
		flags |= entryFlagBinary
	}
	return entryHeader{idflags: flags, len: uint16(length)}
}

func decodeEntryHeader(buf []byte) entryHeader {
	return entryHeader{
		idflags: binary.LittleEndian.Uint16(buf[0:2]),
		len:     binary.LittleEndian.Uint16(buf[2:4]),
	}
}

func (h entryHeader) encode() []byte {
	buf := make([]byte, EntryHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.idflags)
	binary.LittleEndian.PutUint16(buf[2:4], h.len)
	return buf
}

func (h entryHeader) id() uint16     { return h.idflags & entryMaskID }
func (h entryHeader) alive() bool    { return h.idflags&entryFlagAlive != 0 }
func (h entryHeader) invalid() bool  { return h.idflags&entryFlagInvalid != 0 }
func (h entryHeader) isValue() bool  { return h.idflags&entryFlagValue != 0 }
func (h entryHeader) isBinary() bool { return h.idflags&entryFlagBinary != 0 }
func (h entryHeader) erased() bool   { return h.idflags == erasedIDFlags }

// live reports whether the entry is committed and not deleted
func (h entryHeader) live() bool { return h.alive() && !h.invalid() }

func (h entryHeader) committed() entryHeader {
	h.idflags &^= entryFlagInvalid
	return h
}

func (h entryHeader) deleted() entryHeader {
	h.idflags &^= entryFlagAlive
	return h
}

// size is the number of bytes the whole entry occupies in the log
func (h entryHeader) size() uint32 { return entrySize(int(h.len)) }

func roundToWord(n int) int {
	return (n + flash.WordSize - 1) &^ (flash.WordSize - 1)
}

func entrySize(payloadLen int) uint32 {
	return uint32(EntryHeaderSize + roundToWord(payloadLen))
}

// padPayload copies payload into a word aligned buffer padded with erased bytes
func padPayload(payload []byte) []byte {
	buf := make([]byte, roundToWord(len(payload)))
	copy(buf, payload)
	for i := len(payload); i < len(buf); i++ {
		buf[i] = flash.ErasedByte
	}
	return buf
}
