package backup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/KevoDB/sysparam/pkg/sysparam"
	"github.com/cespare/xxhash/v2"
)

const (
	// Magic starts every snapshot ("SPBK" little endian)
	Magic = uint32(0x4b425053)

	// CurrentVersion is the snapshot format version written by Encode
	CurrentVersion = uint16(1)

	// HeaderSize is the fixed size of the snapshot header
	HeaderSize = 24

	// FooterSize is the size of the trailing checksum
	FooterSize = 8

	// MaxSnapshotSize bounds how much Decode reads
	MaxSnapshotSize = 64 << 20

	recordHeaderSize = 5
	recordFlagBinary = 0x01
)

var (
	// ErrBadSnapshot is returned for data that is not a well formed snapshot
	ErrBadSnapshot = errors.New("invalid snapshot")

	// ErrChecksumMismatch is returned when the footer does not match the data
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")
)

// Snapshot is a point in time copy of every pair in a store.
//
// On disk it is a header, the (optionally compressed) records and an xxhash64
// of everything before the footer:
//
//	magic:u32 | version:u16 | codec:u8 | reserved:u8 | count:u32 | rawLen:u32 | created:i64
//	records: flags:u8 | keyLen:u16 | valueLen:u16 | key | value
//	checksum:u64
type Snapshot struct {
	Version uint16
	Codec   Codec
	Created time.Time
	Pairs   []sysparam.Pair
}

func encodeRecords(pairs []sysparam.Pair) ([]byte, error) {
	size := 0
	for _, p := range pairs {
		size += recordHeaderSize + len(p.Key) + len(p.Value)
	}

	buf := make([]byte, 0, size)
	hdr := make([]byte, recordHeaderSize)
	for _, p := range pairs {
		if len(p.Key) > sysparam.MaxKeyLen || len(p.Value) > sysparam.MaxValueLen {
			return nil, fmt.Errorf("%w: pair %q too large", ErrBadSnapshot, p.Key)
		}
		hdr[0] = 0
		if p.Binary {
			hdr[0] |= recordFlagBinary
		}
		binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(p.Key)))
		binary.LittleEndian.PutUint16(hdr[3:5], uint16(len(p.Value)))
		buf = append(buf, hdr...)
		buf = append(buf, p.Key...)
		buf = append(buf, p.Value...)
	}
	return buf, nil
}

func decodeRecords(data []byte, count uint32) ([]sysparam.Pair, error) {
	pairs := make([]sysparam.Pair, 0, count)
	for off := 0; off < len(data); {
		if len(data)-off < recordHeaderSize {
			return nil, fmt.Errorf("%w: truncated record at offset %d", ErrBadSnapshot, off)
		}
		flags := data[off]
		keyLen := int(binary.LittleEndian.Uint16(data[off+1 : off+3]))
		valueLen := int(binary.LittleEndian.Uint16(data[off+3 : off+5]))
		off += recordHeaderSize

		if len(data)-off < keyLen+valueLen {
			return nil, fmt.Errorf("%w: record at offset %d overruns the data", ErrBadSnapshot, off)
		}
		pairs = append(pairs, sysparam.Pair{
			Key:    string(data[off : off+keyLen]),
			Value:  append([]byte(nil), data[off+keyLen:off+keyLen+valueLen]...),
			Binary: flags&recordFlagBinary != 0,
		})
		off += keyLen + valueLen
	}

	if uint32(len(pairs)) != count {
		return nil, fmt.Errorf("%w: header promises %d records, found %d", ErrBadSnapshot, count, len(pairs))
	}
	return pairs, nil
}

// Encode writes the snapshot to w compressed with s.Codec and returns the
// number of bytes written.
func (s *Snapshot) Encode(w io.Writer) (int64, error) {
	raw, err := encodeRecords(s.Pairs)
	if err != nil {
		return 0, err
	}
	body, err := sharedCompressor.compress(raw, s.Codec)
	if err != nil {
		return 0, err
	}

	created := s.Created
	if created.IsZero() {
		created = time.Now()
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body)+FooterSize)
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint16(out[4:6], CurrentVersion)
	out[6] = byte(s.Codec)
	out[7] = 0
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(s.Pairs)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(raw)))
	binary.LittleEndian.PutUint64(out[16:24], uint64(created.UnixNano()))
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))

	n, err := w.Write(out)
	return int64(n), err
}

// Decode reads and verifies a snapshot written by Encode
func Decode(r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSnapshotSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) > MaxSnapshotSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrBadSnapshot, MaxSnapshotSize)
	}
	if len(data) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrBadSnapshot, len(data))
	}

	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %08x", ErrBadSnapshot, magic)
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version == 0 || version > CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, version)
	}

	end := len(data) - FooterSize
	stored := binary.LittleEndian.Uint64(data[end:])
	if computed := xxhash.Sum64(data[:end]); stored != computed {
		return nil, fmt.Errorf("%w: file has %016x, calculated %016x", ErrChecksumMismatch, stored, computed)
	}

	codec := Codec(data[6])
	count := binary.LittleEndian.Uint32(data[8:12])
	rawLen := binary.LittleEndian.Uint32(data[12:16])
	created := int64(binary.LittleEndian.Uint64(data[16:24]))

	if rawLen > MaxSnapshotSize {
		return nil, fmt.Errorf("%w: records claim %d bytes", ErrBadSnapshot, rawLen)
	}

	raw, err := sharedCompressor.decompress(data[HeaderSize:end], codec, rawLen)
	if err != nil {
		return nil, err
	}
	if uint32(len(raw)) != rawLen {
		return nil, fmt.Errorf("%w: records are %d bytes, header says %d", ErrBadSnapshot, len(raw), rawLen)
	}

	pairs, err := decodeRecords(raw, count)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Version: version,
		Codec:   codec,
		Created: time.Unix(0, created),
		Pairs:   pairs,
	}, nil
}
