// Package flash provides block-erasable storage devices with NOR flash
// semantics: any byte may be read, a program operation can only clear bits,
// and a whole erase block must be reset to 0xFF before bits can be set again.
package flash

import (
	"errors"
	"fmt"
)

const (
	// WordSize is the program granularity. Program addresses and lengths
	// must be multiples of it.
	WordSize = 4

	// DefaultBlockSize matches the 4KB sectors of common SPI NOR parts
	DefaultBlockSize = 4096

	// ErasedByte is the value of every byte in a freshly erased block
	ErasedByte = 0xFF
)

var (
	ErrOutOfRange      = errors.New("address out of range")
	ErrUnaligned       = errors.New("unaligned program operation")
	ErrInvalidGeometry = errors.New("invalid device geometry")
	ErrImageMismatch   = errors.New("flash image does not match requested geometry")
	ErrDeviceClosed    = errors.New("device is closed")
)

// Device is the block device a parameter store is built on.
type Device interface {
	// Read copies len(buf) bytes starting at addr into buf
	Read(addr uint32, buf []byte) error

	// Program writes data at addr. Only 1->0 bit transitions take effect;
	// addr and len(data) must be word aligned.
	Program(addr uint32, data []byte) error

	// EraseBlock resets every byte of the given block to 0xFF
	EraseBlock(block uint32) error

	// BlockSize returns the erase block size in bytes
	BlockSize() uint32

	// Size returns the total device size in bytes
	Size() uint32
}

// Closer is implemented by devices that hold external resources.
type Closer interface {
	Close() error
}

// ValidateGeometry checks that a device of size bytes can be divided into
// whole erase blocks of blockSize bytes.
func ValidateGeometry(size, blockSize uint32) error {
	if blockSize == 0 || blockSize%WordSize != 0 {
		return fmt.Errorf("%w: block size %d is not a positive multiple of %d", ErrInvalidGeometry, blockSize, WordSize)
	}
	if size == 0 || size%blockSize != 0 {
		return fmt.Errorf("%w: size %d is not a multiple of block size %d", ErrInvalidGeometry, size, blockSize)
	}
	return nil
}

func checkRange(addr uint32, n int, size uint32) error {
	if uint64(addr)+uint64(n) > uint64(size) {
		return fmt.Errorf("%w: 0x%08x+%d exceeds device size 0x%08x", ErrOutOfRange, addr, n, size)
	}
	return nil
}

func checkAligned(addr uint32, n int) error {
	if addr%WordSize != 0 || n%WordSize != 0 {
		return fmt.Errorf("%w: addr=0x%08x len=%d", ErrUnaligned, addr, n)
	}
	return nil
}

// programBits applies NOR program semantics: a bit can only go from 1 to 0.
func programBits(dst, src []byte) {
	for i := range src {
		dst[i] &= src[i]
	}
}
