package flash

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemDevice is an in-memory flash device. It is used for tests and as a
// scratch device by the command line tools.
type MemDevice struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32

	reads    atomic.Uint64
	programs atomic.Uint64
	erases   atomic.Uint64
}

// OpStats counts the operations a device has served
type OpStats struct {
	Reads    uint64
	Programs uint64
	Erases   uint64
}

// NewMemDevice creates an erased in-memory device
func NewMemDevice(size, blockSize uint32) (*MemDevice, error) {
	if err := ValidateGeometry(size, blockSize); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = ErasedByte
	}
	return &MemDevice{data: data, blockSize: blockSize}, nil
}

// Read implements Device
func (d *MemDevice) Read(addr uint32, buf []byte) error {
	if err := checkRange(addr, len(buf), uint32(len(d.data))); err != nil {
		return err
	}
	d.mu.RLock()
	copy(buf, d.data[addr:])
	d.mu.RUnlock()
	d.reads.Add(1)
	return nil
}

// Program implements Device
func (d *MemDevice) Program(addr uint32, data []byte) error {
	if err := checkAligned(addr, len(data)); err != nil {
		return err
	}
	if err := checkRange(addr, len(data), uint32(len(d.data))); err != nil {
		return err
	}
	d.mu.Lock()
	programBits(d.data[addr:int(addr)+len(data)], data)
	d.mu.Unlock()
	d.programs.Add(1)
	return nil
}

// EraseBlock implements Device
func (d *MemDevice) EraseBlock(block uint32) error {
	start := uint64(block) * uint64(d.blockSize)
	if start+uint64(d.blockSize) > uint64(len(d.data)) {
		return fmt.Errorf("%w: block %d", ErrOutOfRange, block)
	}
	d.mu.Lock()
	blk := d.data[start : start+uint64(d.blockSize)]
	for i := range blk {
		blk[i] = ErasedByte
	}
	d.mu.Unlock()
	d.erases.Add(1)
	return nil
}

// BlockSize implements Device
func (d *MemDevice) BlockSize() uint32 { return d.blockSize }

// Size implements Device
func (d *MemDevice) Size() uint32 { return uint32(len(d.data)) }

// Stats returns the operation counters
func (d *MemDevice) Stats() OpStats {
	return OpStats{
		Reads:    d.reads.Load(),
		Programs: d.programs.Load(),
		Erases:   d.erases.Load(),
	}
}

// Snapshot returns a copy of the raw device contents
func (d *MemDevice) Snapshot() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}

// Restore replaces the raw contents of the device
func (d *MemDevice) Restore(image []byte) error {
	if len(image) != len(d.data) {
		return ErrImageMismatch
	}
	d.mu.Lock()
	copy(d.data, image)
	d.mu.Unlock()
	return nil
}
