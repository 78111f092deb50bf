package flash

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemDeviceProgramOnlyClearsBits(t *testing.T) {
	dev, err := NewMemDevice(2*DefaultBlockSize, DefaultBlockSize)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	if err := dev.Program(0, []byte{0xF0, 0x0F, 0xAA, 0xFF}); err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	// Setting bits back to 1 has no effect without an erase
	if err := dev.Program(0, []byte{0xFF, 0xFF, 0x0F, 0xFF}); err != nil {
		t.Fatalf("Program failed: %v", err)
	}

	buf := make([]byte, 4)
	if err := dev.Read(0, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	expected := []byte{0xF0, 0x0F, 0x0A, 0xFF}
	if !bytes.Equal(buf, expected) {
		t.Errorf("Expected %x, got %x", expected, buf)
	}

	if err := dev.EraseBlock(0); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	if err := dev.Read(0, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("Expected erased bytes, got %x", buf)
	}

	stats := dev.Stats()
	if stats.Programs != 2 || stats.Erases != 1 {
		t.Errorf("Unexpected op stats: %+v", stats)
	}
}

func TestMemDeviceRejectsBadOperations(t *testing.T) {
	dev, err := NewMemDevice(DefaultBlockSize, DefaultBlockSize)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	testCases := []struct {
		name     string
		op       func() error
		expected error
	}{
		{"unaligned address", func() error { return dev.Program(2, make([]byte, 4)) }, ErrUnaligned},
		{"unaligned length", func() error { return dev.Program(0, make([]byte, 3)) }, ErrUnaligned},
		{"program past end", func() error { return dev.Program(DefaultBlockSize, make([]byte, 4)) }, ErrOutOfRange},
		{"read past end", func() error { return dev.Read(DefaultBlockSize-2, make([]byte, 4)) }, ErrOutOfRange},
		{"erase past end", func() error { return dev.EraseBlock(1) }, ErrOutOfRange},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.op(); !errors.Is(err, tc.expected) {
				t.Errorf("Expected %v, got %v", tc.expected, err)
			}
		})
	}

	if _, err := NewMemDevice(1000, DefaultBlockSize); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("Expected ErrInvalidGeometry, got %v", err)
	}
}

func TestFileDevicePersists(t *testing.T) {
	dir, err := os.MkdirTemp("", "flash_test")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "flash.img")
	dev, err := OpenFileDevice(path, 4*DefaultBlockSize, DefaultBlockSize, false)
	if err != nil {
		t.Fatalf("Failed to create file device: %v", err)
	}

	payload := []byte("EORp")
	if err := dev.Program(DefaultBlockSize, payload); err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen adopting the recorded geometry
	dev, err = OpenFileDevice(path, 0, 0, false)
	if err != nil {
		t.Fatalf("Failed to reopen file device: %v", err)
	}
	defer dev.Close()

	if dev.Size() != 4*DefaultBlockSize || dev.BlockSize() != DefaultBlockSize {
		t.Errorf("Unexpected geometry: size=%d block=%d", dev.Size(), dev.BlockSize())
	}

	buf := make([]byte, 8)
	if err := dev.Read(DefaultBlockSize, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, []byte("EORp\xff\xff\xff\xff")) {
		t.Errorf("Unexpected contents: %q", buf)
	}

	if _, err := OpenFileDevice(path, 8*DefaultBlockSize, DefaultBlockSize, false); !errors.Is(err, ErrImageMismatch) {
		t.Errorf("Expected ErrImageMismatch for wrong geometry, got %v", err)
	}
}

func TestFileDeviceRejectsCorruptHeader(t *testing.T) {
	dir, err := os.MkdirTemp("", "flash_test")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "flash.img")
	dev, err := OpenFileDevice(path, DefaultBlockSize, DefaultBlockSize, false)
	if err != nil {
		t.Fatalf("Failed to create file device: %v", err)
	}
	dev.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("Failed to open image: %v", err)
	}
	// Flip a geometry byte without fixing the checksum
	if _, err := f.WriteAt([]byte{0x01}, 9); err != nil {
		t.Fatalf("Failed to corrupt image: %v", err)
	}
	f.Close()

	if _, err := OpenFileDevice(path, 0, 0, false); !errors.Is(err, ErrImageMismatch) {
		t.Errorf("Expected ErrImageMismatch, got %v", err)
	}
}
