package backup

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/flash"
	"github.com/KevoDB/sysparam/pkg/stats"
	"github.com/KevoDB/sysparam/pkg/sysparam"
	"github.com/KevoDB/sysparam/pkg/telemetry"
	"github.com/cespare/xxhash/v2"
)

func newStore(t *testing.T) *sysparam.Store {
	t.Helper()
	ctx := context.Background()
	dev, err := flash.NewMemDevice(64*1024, 4096)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	s := sysparam.New(dev, sysparam.WithLogger(log.Discard()))
	if err := s.CreateArea(ctx, 0x8000, 2, false); err != nil {
		t.Fatalf("Failed to create area: %v", err)
	}
	if err := s.Init(ctx, 0, dev.Size()); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	return s
}

func seed(t *testing.T, s *sysparam.Store) []sysparam.Pair {
	t.Helper()
	pairs := []sysparam.Pair{
		{Key: "ssid", Value: []byte("home")},
		{Key: "count", Value: []byte{42, 0, 0, 0}, Binary: true},
		{Key: "motd", Value: []byte(strings.Repeat("hello sysparam ", 40))},
	}
	for _, p := range pairs {
		if err := s.SetData(context.Background(), p.Key, p.Value, p.Binary); err != nil {
			t.Fatalf("SetData(%q) failed: %v", p.Key, err)
		}
	}
	return pairs
}

func TestCodecs(t *testing.T) {
	data := []byte(strings.Repeat("hello world, this is a test message with some repetition. ", 100))

	for _, codec := range []Codec{CodecNone, CodecZstd, CodecSnappy} {
		t.Run(codec.String(), func(t *testing.T) {
			compressed, err := sharedCompressor.compress(data, codec)
			if err != nil {
				t.Fatalf("Compression failed: %v", err)
			}
			if codec != CodecNone && len(compressed) >= len(data) {
				t.Errorf("Expected %s to shrink repetitive data, got %d bytes", codec, len(compressed))
			}

			decompressed, err := sharedCompressor.decompress(compressed, codec, uint32(len(data)))
			if err != nil {
				t.Fatalf("Decompression failed: %v", err)
			}
			if !bytes.Equal(decompressed, data) {
				t.Error("Decompressed data does not match original")
			}

			parsed, err := ParseCodec(codec.String())
			if err != nil || parsed != codec {
				t.Errorf("ParseCodec(%q) = %v, %v", codec.String(), parsed, err)
			}
		})
	}

	if _, err := ParseCodec("lz4"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("Expected ErrUnknownCodec, got: %v", err)
	}
	if _, err := sharedCompressor.decompress([]byte("not compressed"), CodecZstd, 64); !errors.Is(err, ErrInvalidCompressedData) {
		t.Errorf("Expected ErrInvalidCompressedData, got: %v", err)
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()

	for _, codec := range []Codec{CodecNone, CodecZstd, CodecSnappy} {
		t.Run(codec.String(), func(t *testing.T) {
			src := newStore(t)
			want := seed(t, src)

			var buf bytes.Buffer
			res, err := Export(ctx, src, &buf, WithCodec(codec), WithLogger(log.Discard()))
			if err != nil {
				t.Fatalf("Export failed: %v", err)
			}
			if res.Pairs != len(want) || res.Bytes != int64(buf.Len()) {
				t.Errorf("Unexpected export result %+v for %d bytes", res, buf.Len())
			}

			dst := newStore(t)
			if err := dst.SetString(ctx, "local", "kept"); err != nil {
				t.Fatalf("SetString failed: %v", err)
			}
			res, err = Import(ctx, dst, &buf, WithLogger(log.Discard()))
			if err != nil {
				t.Fatalf("Import failed: %v", err)
			}
			if res.Pairs != len(want) || res.Codec != codec {
				t.Errorf("Unexpected import result %+v", res)
			}

			for _, p := range want {
				value, bin, err := dst.GetData(ctx, p.Key)
				if err != nil {
					t.Fatalf("GetData(%q) failed: %v", p.Key, err)
				}
				if !bytes.Equal(value, p.Value) || bin != p.Binary {
					t.Errorf("GetData(%q) = %x (binary %v), want %x (binary %v)", p.Key, value, bin, p.Value, p.Binary)
				}
			}
			if v, _ := dst.GetString(ctx, "local"); v != "kept" {
				t.Errorf("Expected keys outside the snapshot to be kept, got %q", v)
			}
		})
	}
}

// withRawLen rewrites the record length in a snapshot header and reseals the
// checksum so only the length check can catch it
func withRawLen(b []byte, rawLen uint32) []byte {
	out := append([]byte(nil), b...)
	binary.LittleEndian.PutUint32(out[12:16], rawLen)
	end := len(out) - FooterSize
	binary.LittleEndian.PutUint64(out[end:], xxhash.Sum64(out[:end]))
	return out
}

func TestDecodeBoundsDecompression(t *testing.T) {
	big := bytes.Repeat([]byte{0}, 1<<20)
	pairs := []sysparam.Pair{{Key: "blob", Value: big[:sysparam.MaxValueLen], Binary: true}}

	for _, codec := range []Codec{CodecZstd, CodecSnappy} {
		t.Run(codec.String(), func(t *testing.T) {
			var buf bytes.Buffer
			snap := &Snapshot{Codec: codec, Pairs: pairs}
			if _, err := snap.Encode(&buf); err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			if _, err := Decode(bytes.NewReader(withRawLen(buf.Bytes(), 16))); err == nil {
				t.Error("Expected a body larger than its header claims to be rejected")
			}
			if _, err := Decode(bytes.NewReader(withRawLen(buf.Bytes(), MaxSnapshotSize+1))); !errors.Is(err, ErrBadSnapshot) {
				t.Errorf("Expected ErrBadSnapshot for an oversized record length, got: %v", err)
			}
			if _, err := Decode(bytes.NewReader(buf.Bytes())); err != nil {
				t.Errorf("Expected the untouched snapshot to decode, got: %v", err)
			}
		})
	}

	compressed, err := sharedCompressor.compress(big, CodecSnappy)
	if err != nil {
		t.Fatalf("Compression failed: %v", err)
	}
	if _, err := sharedCompressor.decompress(compressed, CodecSnappy, 16); !errors.Is(err, ErrInvalidCompressedData) {
		t.Errorf("Expected snappy output beyond the stated length to be refused, got: %v", err)
	}
}

func TestImportRejectsDamage(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	seed(t, src)

	var buf bytes.Buffer
	if _, err := Export(ctx, src, &buf, WithLogger(log.Discard())); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	good := buf.Bytes()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"flipped payload bit", func(b []byte) []byte { b[HeaderSize+3] ^= 0x10; return b }, ErrChecksumMismatch},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrBadSnapshot},
		{"future version", func(b []byte) []byte { b[4] = 9; return b }, ErrBadSnapshot},
		{"truncated", func(b []byte) []byte { return b[:HeaderSize] }, ErrBadSnapshot},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.mutate(append([]byte(nil), good...))

			dst := newStore(t)
			_, err := Import(ctx, dst, bytes.NewReader(data), WithLogger(log.Discard()))
			if !errors.Is(err, tc.want) {
				t.Fatalf("Expected %v, got: %v", tc.want, err)
			}

			pairs, err := dst.Dump(ctx)
			if err != nil {
				t.Fatalf("Dump failed: %v", err)
			}
			if len(pairs) != 0 {
				t.Errorf("Expected nothing to be written, got %d pairs", len(pairs))
			}
		})
	}
}

func TestImportDryRun(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	want := seed(t, src)

	var buf bytes.Buffer
	if _, err := Export(ctx, src, &buf, WithCodec(CodecSnappy), WithLogger(log.Discard())); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := newStore(t)
	res, err := Import(ctx, dst, &buf, WithDryRun(), WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}
	if res.Pairs != len(want) {
		t.Errorf("Expected %d pairs, got %d", len(want), res.Pairs)
	}
	if pairs, _ := dst.Dump(ctx); len(pairs) != 0 {
		t.Errorf("Expected a dry run to write nothing, got %d pairs", len(pairs))
	}
}

func TestBackupMetricsAndStats(t *testing.T) {
	ctx := context.Background()
	tel, reader := telemetry.NewWithManualReader()
	defer tel.Shutdown(ctx)
	collector := stats.NewAtomicCollector()

	src := newStore(t)
	seed(t, src)

	var buf bytes.Buffer
	opts := []Option{WithTelemetry(tel), WithStats(collector), WithLogger(log.Discard())}
	if _, err := Export(ctx, src, &buf, opts...); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if _, err := Import(ctx, newStore(t), &buf, opts...); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	ops, err := telemetry.CounterValue(ctx, reader, "sysparam.backup.operations.total")
	if err != nil {
		t.Fatalf("Failed to collect metrics: %v", err)
	}
	if ops != 2 {
		t.Errorf("Expected 2 backup operations, got %d", ops)
	}
	pairs, _ := telemetry.CounterValue(ctx, reader, "sysparam.backup.pairs")
	if pairs != 6 {
		t.Errorf("Expected 6 pairs exported and imported, got %d", pairs)
	}

	got := collector.GetStats()
	if got["export_ops"] != uint64(1) || got["import_ops"] != uint64(1) {
		t.Errorf("Expected one export and one import, got %v / %v", got["export_ops"], got["import_ops"])
	}
}

func TestEmptySnapshot(t *testing.T) {
	var buf bytes.Buffer
	snap := &Snapshot{Codec: CodecZstd}
	if _, err := snap.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded.Pairs) != 0 || decoded.Version != CurrentVersion || decoded.Created.IsZero() {
		t.Errorf("Unexpected snapshot %+v", decoded)
	}
}
