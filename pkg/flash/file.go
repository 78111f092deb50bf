package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// ImageHeaderSize is the size of the geometry header at the start of a
	// flash image file. Device address 0 maps to this file offset.
	ImageHeaderSize = 32

	imageMagic = "SPFLASH1"
)

// FileDevice emulates a flash part on top of an image file, so that a
// parameter area survives process restarts.
type FileDevice struct {
	mu         sync.Mutex
	file       *os.File
	size       uint32
	blockSize  uint32
	syncWrites bool
	closed     bool
}

// OpenFileDevice opens the flash image at path, creating and erasing it if
// it does not exist. A zero size or blockSize adopts the geometry recorded
// in an existing image.
func OpenFileDevice(path string, size, blockSize uint32, syncWrites bool) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if errors.Is(err, os.ErrNotExist) {
		return createFileDevice(path, size, blockSize, syncWrites)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}

	header := make([]byte, ImageHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: failed to read image header: %v", ErrImageMismatch, err)
	}
	imgBlock, imgSize, err := decodeImageHeader(header)
	if err != nil {
		file.Close()
		return nil, err
	}
	if (size != 0 && size != imgSize) || (blockSize != 0 && blockSize != imgBlock) {
		file.Close()
		return nil, fmt.Errorf("%w: image has size=%d block=%d, requested size=%d block=%d",
			ErrImageMismatch, imgSize, imgBlock, size, blockSize)
	}

	return &FileDevice{
		file:       file,
		size:       imgSize,
		blockSize:  imgBlock,
		syncWrites: syncWrites,
	}, nil
}

func createFileDevice(path string, size, blockSize uint32, syncWrites bool) (*FileDevice, error) {
	if err := ValidateGeometry(size, blockSize); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create flash image: %w", err)
	}

	if _, err := file.WriteAt(encodeImageHeader(blockSize, size), 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write image header: %w", err)
	}

	erased := bytes.Repeat([]byte{ErasedByte}, int(blockSize))
	for off := uint32(0); off < size; off += blockSize {
		if _, err := file.WriteAt(erased, int64(ImageHeaderSize)+int64(off)); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to erase flash image: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync flash image: %w", err)
	}

	return &FileDevice{
		file:       file,
		size:       size,
		blockSize:  blockSize,
		syncWrites: syncWrites,
	}, nil
}

func encodeImageHeader(blockSize, size uint32) []byte {
	header := make([]byte, ImageHeaderSize)
	copy(header[0:8], imageMagic)
	binary.LittleEndian.PutUint32(header[8:12], blockSize)
	binary.LittleEndian.PutUint32(header[12:16], size)
	binary.LittleEndian.PutUint64(header[24:32], xxhash.Sum64(header[:24]))
	return header
}

func decodeImageHeader(header []byte) (blockSize, size uint32, err error) {
	if string(header[0:8]) != imageMagic {
		return 0, 0, fmt.Errorf("%w: bad image magic %q", ErrImageMismatch, header[0:8])
	}
	if sum := binary.LittleEndian.Uint64(header[24:32]); sum != xxhash.Sum64(header[:24]) {
		return 0, 0, fmt.Errorf("%w: image header checksum mismatch", ErrImageMismatch)
	}
	blockSize = binary.LittleEndian.Uint32(header[8:12])
	size = binary.LittleEndian.Uint32(header[12:16])
	if err := ValidateGeometry(size, blockSize); err != nil {
		return 0, 0, err
	}
	return blockSize, size, nil
}

// Read implements Device
func (d *FileDevice) Read(addr uint32, buf []byte) error {
	if err := checkRange(addr, len(buf), d.size); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	_, err := d.file.ReadAt(buf, int64(ImageHeaderSize)+int64(addr))
	return err
}

// Program implements Device
func (d *FileDevice) Program(addr uint32, data []byte) error {
	if err := checkAligned(addr, len(data)); err != nil {
		return err
	}
	if err := checkRange(addr, len(data), d.size); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}

	off := int64(ImageHeaderSize) + int64(addr)
	current := make([]byte, len(data))
	if _, err := d.file.ReadAt(current, off); err != nil {
		return err
	}
	programBits(current, data)
	if _, err := d.file.WriteAt(current, off); err != nil {
		return err
	}
	if d.syncWrites {
		return d.file.Sync()
	}
	return nil
}

// EraseBlock implements Device
func (d *FileDevice) EraseBlock(block uint32) error {
	start := uint64(block) * uint64(d.blockSize)
	if start+uint64(d.blockSize) > uint64(d.size) {
		return fmt.Errorf("%w: block %d", ErrOutOfRange, block)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}

	erased := bytes.Repeat([]byte{ErasedByte}, int(d.blockSize))
	if _, err := d.file.WriteAt(erased, int64(ImageHeaderSize)+int64(start)); err != nil {
		return err
	}
	if d.syncWrites {
		return d.file.Sync()
	}
	return nil
}

// BlockSize implements Device
func (d *FileDevice) BlockSize() uint32 { return d.blockSize }

// Size implements Device
func (d *FileDevice) Size() uint32 { return d.size }

// Close syncs and closes the image file
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.file.Sync(); err != nil {
		d.file.Close()
		return err
	}
	return d.file.Close()
}
