// Package backup exports the pairs of a parameter store to a portable,
// checksummed snapshot and imports them back, possibly into a store on a
// different device or with a different area layout.
package backup

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/stats"
	"github.com/KevoDB/sysparam/pkg/sysparam"
	"github.com/KevoDB/sysparam/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Source is a store pairs can be exported from
type Source interface {
	Dump(ctx context.Context) ([]sysparam.Pair, error)
}

// Target is a store pairs can be imported into
type Target interface {
	SetData(ctx context.Context, key string, value []byte, binary bool) error
}

// Result summarizes an export or import
type Result struct {
	Pairs int
	Bytes int64
	Codec Codec
}

type options struct {
	codec   Codec
	logger  log.Logger
	tel     telemetry.Telemetry
	stats   stats.Collector
	dryRun  bool
	metrics Metrics
}

// Option configures Export and Import
type Option func(*options)

// WithCodec selects the compression used by Export. The default is zstd.
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry records export and import metrics and spans
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.tel = tel
	}
}

// WithStats counts exports and imports in c
func WithStats(c stats.Collector) Option {
	return func(o *options) {
		o.stats = c
	}
}

// WithDryRun makes Import verify the snapshot without writing anything
func WithDryRun() Option {
	return func(o *options) {
		o.dryRun = true
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		codec:  CodecZstd,
		logger: log.GetDefaultLogger().WithField("component", "backup"),
		tel:    telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics = NewMetrics(o.tel)
	return o
}

// Export writes a snapshot of every pair in src to w
func Export(ctx context.Context, src Source, w io.Writer, opts ...Option) (Result, error) {
	o := newOptions(opts)
	start := time.Now()
	ctx, span := o.tel.StartSpan(ctx, "sysparam.backup.export",
		attribute.String(telemetry.AttrCodec, o.codec.String()),
	)
	defer span.End()

	pairs, err := src.Dump(ctx)
	if err != nil {
		span.RecordError(err)
		o.metrics.RecordExport(ctx, time.Since(start), 0, 0, o.codec.String(), err)
		return Result{}, fmt.Errorf("failed to read pairs: %w", err)
	}

	snap := &Snapshot{Codec: o.codec, Created: time.Now(), Pairs: pairs}
	n, err := snap.Encode(w)
	o.metrics.RecordExport(ctx, time.Since(start), len(pairs), n, o.codec.String(), err)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("failed to write snapshot: %w", err)
	}

	if o.stats != nil {
		o.stats.TrackOperationWithLatency(stats.OpExport, uint64(time.Since(start).Nanoseconds()))
	}
	o.logger.Info("Exported %d pairs (%d bytes, %s)", len(pairs), n, o.codec)
	return Result{Pairs: len(pairs), Bytes: n, Codec: o.codec}, nil
}

// Import reads a snapshot from r and stores every pair in dst. Keys that
// are not in the snapshot are left alone. The snapshot is fully verified
// before the first write.
func Import(ctx context.Context, dst Target, r io.Reader, opts ...Option) (Result, error) {
	o := newOptions(opts)
	start := time.Now()
	ctx, span := o.tel.StartSpan(ctx, "sysparam.backup.import")
	defer span.End()

	cr := &countingReader{r: r}
	snap, err := Decode(cr)
	if err != nil {
		span.RecordError(err)
		o.metrics.RecordImport(ctx, time.Since(start), 0, cr.n, "", err)
		return Result{}, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrCodec, snap.Codec.String()))

	res := Result{Pairs: len(snap.Pairs), Bytes: cr.n, Codec: snap.Codec}
	if o.dryRun {
		o.logger.Info("Snapshot from %s holds %d pairs", snap.Created.Format(time.RFC3339), len(snap.Pairs))
		return res, nil
	}

	for i, p := range snap.Pairs {
		if err := dst.SetData(ctx, p.Key, p.Value, p.Binary); err != nil {
			span.RecordError(err)
			o.metrics.RecordImport(ctx, time.Since(start), i, cr.n, snap.Codec.String(), err)
			return Result{Pairs: i, Bytes: cr.n, Codec: snap.Codec}, fmt.Errorf("failed to import %q: %w", p.Key, err)
		}
	}

	o.metrics.RecordImport(ctx, time.Since(start), len(snap.Pairs), cr.n, snap.Codec.String(), nil)
	if o.stats != nil {
		o.stats.TrackOperationWithLatency(stats.OpImport, uint64(time.Since(start).Nanoseconds()))
	}
	o.logger.Info("Imported %d pairs from snapshot of %s", len(snap.Pairs), snap.Created.Format(time.RFC3339))
	return res, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
