package backup

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnknownCodec is returned when an unsupported compression codec is specified
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrInvalidCompressedData is returned when compressed data cannot be decompressed
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

// Codec identifies how the record section of a snapshot is compressed
type Codec uint8

const (
	CodecNone   Codec = 0
	CodecZstd   Codec = 1
	CodecSnappy Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// ParseCodec maps a codec name to its Codec
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "snappy":
		return CodecSnappy, nil
	}
	return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// compressor holds the zstd state shared by every snapshot. The encoder and
// decoder are created on first use.
type compressor struct {
	once    sync.Once
	err     error
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.Mutex
}

var sharedCompressor compressor

func (c *compressor) init() error {
	c.once.Do(func() {
		c.encoder, c.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if c.err != nil {
			c.err = fmt.Errorf("failed to create ZSTD encoder: %w", c.err)
			return
		}
		c.decoder, c.err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxSnapshotSize))
		if c.err != nil {
			c.encoder.Close()
			c.err = fmt.Errorf("failed to create ZSTD decoder: %w", c.err)
		}
	})
	return c.err
}

func (c *compressor) compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecZstd:
		if err := c.init(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.encoder.EncodeAll(data, nil), nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// decompress expands data. zstd output is capped at MaxSnapshotSize and
// snappy input must decode to exactly rawLen bytes.
func (c *compressor) decompress(data []byte, codec Codec, rawLen uint32) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecZstd:
		if err := c.init(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		result, err := c.decoder.DecodeAll(data, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		return result, nil

	case CodecSnappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		if n != int(rawLen) {
			return nil, fmt.Errorf("%w: decodes to %d bytes, expected %d", ErrInvalidCompressedData, n, rawLen)
		}
		result, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}
