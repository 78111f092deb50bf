package sysparam

import (
	"encoding/binary"
	"errors"
)

const (
	// RegionMagic marks the start of a parameter region ("EORp" little endian)
	RegionMagic = 0x70524f45

	// RegionHeaderSize is the size of the header at the base of each region
	RegionHeaderSize = 8

	// MaxRegionBlocks is the largest region size the header can describe
	MaxRegionBlocks = regionMaskSize

	regionFlagSecond = 0x8000
	regionFlagActive = 0x4000
	regionMaskSize   = 0x0fff
)

var errNotRegion = errors.New("not a region header")

// regionHeader is the decoded form of the 8 byte region marker:
//
//	magic:u32 | flags_size:u16 | reserved:u16
type regionHeader struct {
	sizeBlocks uint16
	second     bool
	active     bool
}

func encodeRegionHeader(sizeBlocks uint16, second, active bool) []byte {
	flags := sizeBlocks & regionMaskSize
	if second {
		flags |= regionFlagSecond
	}
	if active {
		flags |= regionFlagActive
	}

	buf := make([]byte, RegionHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], RegionMagic)
	binary.LittleEndian.PutUint16(buf[4:6], flags)
	// reserved stays erased so it can be programmed later
	binary.LittleEndian.PutUint16(buf[6:8], 0xffff)
	return buf
}

func decodeRegionHeader(buf []byte) (regionHeader, error) {
	if len(buf) < RegionHeaderSize || binary.LittleEndian.Uint32(buf[0:4]) != RegionMagic {
		return regionHeader{}, errNotRegion
	}
	flags := binary.LittleEndian.Uint16(buf[4:6])
	return regionHeader{
		sizeBlocks: flags & regionMaskSize,
		second:     flags&regionFlagSecond != 0,
		active:     flags&regionFlagActive != 0,
	}, nil
}
