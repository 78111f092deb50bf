package sysparam

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/KevoDB/sysparam/pkg/stats"
	"github.com/KevoDB/sysparam/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Compaction reasons, recorded in telemetry and logs
const (
	compactReasonManual  = "manual"
	compactReasonSpace   = "space"
	compactReasonIDs     = "ids"
	compactReasonCorrupt = "corrupt"
)

// compaction describes where a compaction left the key being updated
type compaction struct {
	// pendingID is the id the pending key was renumbered to, or 0
	pendingID uint16
	// pendingValue is the address of the pending key's carried over value,
	// or 0 if it was dropped
	pendingValue uint32
	// maxID is the highest id written
	maxID uint16
}

// compact rewrites every live key/value pair into the stale region with
// fresh sequential ids, then makes that region active.
//
// pendingID names a key whose value is about to be replaced. Its current
// value is copied last, and only if reserve bytes stay free after it, so the
// caller can still append the replacement. If anything fails before the
// header swap the old region stays active and untouched.
func (s *Store) compact(ctx context.Context, pendingID uint16, reserve uint32, reason string) (compaction, error) {
	start := time.Now()
	ctx, span := s.tel.StartSpan(ctx, "sysparam.compact",
		attribute.String(telemetry.AttrReason, reason),
	)
	defer span.End()

	var res compaction
	fail := func(err error) (compaction, error) {
		span.RecordError(err)
		return compaction{}, err
	}

	usedBefore := s.endAddr - s.activeBase
	s.logger.Info("Compacting parameter region 0x%08x into 0x%08x (reason: %s)", s.activeBase, s.staleBase, reason)

	if err := s.eraseRegion(s.staleBase); err != nil {
		return fail(err)
	}

	dst := s.staleBase + RegionHeaderSize
	var pendingValue cursor
	hasPendingValue := false
	kc := s.newCursor()
	for {
		found, err := s.findEntry(&kc, match{kind: matchAnyKey})
		if err != nil {
			return fail(err)
		}
		if !found {
			break
		}

		vc, hasValue, err := s.findValue(kc)
		if err != nil {
			return fail(err)
		}
		pending := pendingID != 0 && kc.hdr.id() == pendingID
		// Keys without a value are dropped; that is what frees their ids.
		if !hasValue && !pending {
			continue
		}

		res.maxID++
		if dst, err = s.copyEntry(kc, res.maxID, dst); err != nil {
			return fail(err)
		}
		if pending {
			res.pendingID = res.maxID
			pendingValue, hasPendingValue = vc, hasValue
			continue
		}
		if dst, err = s.copyEntry(vc, res.maxID, dst); err != nil {
			return fail(err)
		}
	}

	if hasPendingValue {
		regionEnd := s.staleBase + s.regionSize
		if uint64(dst)+uint64(pendingValue.hdr.size())+uint64(reserve) <= uint64(regionEnd) {
			var err error
			res.pendingValue = dst
			if dst, err = s.copyEntry(pendingValue, res.pendingID, dst); err != nil {
				return fail(err)
			}
		} else {
			s.logger.Debug("Dropping the value being replaced to make room for its successor")
		}
	}

	if err := s.swapRegions(); err != nil {
		return fail(err)
	}
	s.endAddr = dst
	s.forceCompact = false
	s.generation++

	usedAfter := s.endAddr - s.activeBase
	reclaimed := int64(usedBefore) - int64(usedAfter)
	s.metrics.RecordCompaction(ctx, time.Since(start), reclaimed, reason)
	s.stats.TrackCompaction()
	s.stats.TrackOperationWithLatency(stats.OpCompact, uint64(time.Since(start).Nanoseconds()))
	s.logger.Info("Compaction finished: %d keys, %d bytes used, %d bytes reclaimed", res.maxID, usedAfter, reclaimed)

	return res, nil
}

// copyEntry writes the entry under src to dst with a new id. The target
// region is not active yet, so the header is written committed.
func (s *Store) copyEntry(src cursor, id uint16, dst uint32) (uint32, error) {
	hdr := newEntryHeader(id, src.hdr.isValue(), src.hdr.isBinary(), int(src.hdr.len)).committed()
	if dst+hdr.size() > s.staleBase+s.regionSize {
		return 0, fmt.Errorf("%w: compacted data does not fit", ErrFull)
	}

	payload := make([]byte, src.hdr.len)
	if err := s.readPayload(src.addr, src.hdr, payload); err != nil {
		return 0, err
	}
	if err := s.writeVerify(dst+EntryHeaderSize, padPayload(payload)); err != nil {
		s.metrics.RecordWriteFailure(context.Background(), "compact_payload")
		return 0, err
	}
	if err := s.writeVerify(dst, hdr.encode()); err != nil {
		s.metrics.RecordWriteFailure(context.Background(), "compact_header")
		return 0, err
	}
	return dst + hdr.size(), nil
}

// swapRegions marks the stale region active and then the active one stale.
// Between the two writes both regions claim to be active; Init resolves that.
func (s *Store) swapRegions() error {
	blocks := uint16(s.regionSize / s.dev.BlockSize())
	newSecond := s.staleBase != s.areaBase

	if err := s.writeVerify(s.staleBase, encodeRegionHeader(blocks, newSecond, true)); err != nil {
		s.metrics.RecordWriteFailure(context.Background(), "region_header")
		return err
	}
	if err := s.clearActive(s.activeBase); err != nil {
		s.metrics.RecordWriteFailure(context.Background(), "region_header")
		// Take the new region back out of service so the old one is still
		// the only active region.
		if rerr := s.clearActive(s.staleBase); rerr != nil {
			s.logger.Error("Both parameter regions are marked active: %v", rerr)
		}
		return err
	}

	s.activeBase, s.staleBase = s.staleBase, s.activeBase
	return nil
}

// clearActive clears the active flag of the region header at base
func (s *Store) clearActive(base uint32) error {
	buf := make([]byte, RegionHeaderSize)
	if err := s.dev.Read(base, buf); err != nil {
		return fmt.Errorf("%w: read region header at 0x%08x: %v", ErrIO, base, err)
	}
	flags := binary.LittleEndian.Uint16(buf[4:6]) &^ regionFlagActive
	binary.LittleEndian.PutUint16(buf[4:6], flags)
	return s.writeVerify(base, buf)
}

func (s *Store) eraseRegion(base uint32) error {
	return s.eraseBlocks(base, s.regionSize)
}

func (s *Store) eraseBlocks(base, size uint32) error {
	bs := s.dev.BlockSize()
	for b := base / bs; b < (base+size)/bs; b++ {
		if err := s.dev.EraseBlock(b); err != nil {
			s.stats.TrackError("erase")
			return fmt.Errorf("%w: erase block %d: %v", ErrIO, b, err)
		}
	}
	return nil
}
