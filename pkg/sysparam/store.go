// Package sysparam implements a persistent key/value parameter store that
// lives directly on NOR flash.
//
// The store occupies a pair of equally sized regions. One region is active
// and holds an append-only log of key and value entries; the other is kept
// erased as the target of the next compaction. Every entry is written in
// three verified steps so a reset at any point leaves either the old or the
// new state visible, never a torn write.
package sysparam

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/flash"
	"github.com/KevoDB/sysparam/pkg/stats"
	"github.com/KevoDB/sysparam/pkg/telemetry"
)

// Set outcomes reported to telemetry
const (
	opSet    = "set"
	opDelete = "delete"
	opNoop   = "noop"
)

// Store is a handle on one parameter area. All methods are safe for
// concurrent use; they serialize on a single lock.
type Store struct {
	dev     flash.Device
	mu      sync.Locker
	logger  log.Logger
	stats   stats.Collector
	tel     telemetry.Telemetry
	metrics StoreMetrics

	initialized bool
	areaBase    uint32
	regionSize  uint32
	activeBase  uint32
	staleBase   uint32
	endAddr     uint32

	forceCompact        bool
	recoveredDualActive bool

	// idLimit is the highest id a new key may take, normally MaxID
	idLimit uint16

	// generation changes whenever entries move, invalidating iterators
	generation uint64
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used by the store
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithLocker replaces the default mutex, for example with a lock shared with
// other users of the same flash chip
func WithLocker(l sync.Locker) Option {
	return func(s *Store) {
		s.mu = l
	}
}

// WithTelemetry enables metrics and tracing
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Store) {
		s.tel = tel
	}
}

// WithStats sets the statistics collector
func WithStats(c stats.Collector) Option {
	return func(s *Store) {
		s.stats = c
	}
}

// New returns an uninitialized store on dev. Call Init, or CreateArea then
// Init, before using it.
func New(dev flash.Device, opts ...Option) *Store {
	s := &Store{
		dev:    dev,
		mu:     &sync.Mutex{},
		logger: log.GetDefaultLogger().WithField("component", "sysparam"),
		stats:  stats.NewAtomicCollector(),
		tel:    telemetry.NewNoop(),

		idLimit: MaxID,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = NewStoreMetrics(s.tel)
	return s
}

// Stats returns the collector the store reports to
func (s *Store) Stats() stats.Collector {
	return s.stats
}

func (s *Store) reset() {
	s.initialized = false
	s.areaBase, s.regionSize = 0, 0
	s.activeBase, s.staleBase, s.endAddr = 0, 0, 0
	s.forceCompact = false
	s.recoveredDualActive = false
	s.generation++
}

// Init searches [base, top) block by block for a region header and attaches
// the store to the area it belongs to. It returns ErrNotFound when there is
// no area and ErrCorrupt when the region pair is inconsistent.
func (s *Store) Init(ctx context.Context, base, top uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	bs := s.dev.BlockSize()
	if base%bs != 0 || top <= base || top > s.dev.Size() {
		return fmt.Errorf("%w: search range 0x%08x-0x%08x", ErrBadArguments, base, top)
	}

	start := s.stats.StartRecovery()
	buf := make([]byte, RegionHeaderSize)
	for addr := base; addr+RegionHeaderSize <= top; addr += bs {
		if err := s.dev.Read(addr, buf); err != nil {
			return fmt.Errorf("%w: read at 0x%08x: %v", ErrIO, addr, err)
		}
		hdr, err := decodeRegionHeader(buf)
		if err != nil || hdr.sizeBlocks == 0 {
			continue
		}

		size := uint32(hdr.sizeBlocks) * bs
		var partner uint32
		if hdr.second {
			if addr < size {
				continue
			}
			partner = addr - size
		} else {
			partner = addr + size
		}
		if uint64(max(addr, partner))+uint64(size) > uint64(s.dev.Size()) {
			continue
		}
		return s.attach(ctx, addr, hdr, partner, size, start)
	}

	return fmt.Errorf("%w: no parameter area in 0x%08x-0x%08x", ErrNotFound, base, top)
}

// attach pairs the region found at addr with its partner and scans the
// active log to find its end.
func (s *Store) attach(ctx context.Context, addr uint32, hdr regionHeader, partner, size uint32, start time.Time) error {
	buf := make([]byte, RegionHeaderSize)
	if err := s.dev.Read(partner, buf); err != nil {
		return fmt.Errorf("%w: read at 0x%08x: %v", ErrIO, partner, err)
	}
	phdr, perr := decodeRegionHeader(buf)
	paired := perr == nil && phdr.sizeBlocks == hdr.sizeBlocks && phdr.second != hdr.second

	s.regionSize = size
	s.areaBase = min(addr, partner)

	switch {
	case paired && hdr.active && !phdr.active:
		s.activeBase, s.staleBase = addr, partner
	case paired && !hdr.active && phdr.active:
		s.activeBase, s.staleBase = partner, addr
	case paired && hdr.active && phdr.active:
		if err := s.resolveDualActive(ctx, addr, partner); err != nil {
			s.reset()
			return err
		}
	case paired:
		s.reset()
		return fmt.Errorf("%w: neither region at 0x%08x/0x%08x is active", ErrCorrupt, addr, partner)
	case hdr.active:
		s.activeBase, s.staleBase = addr, partner
		s.logger.Warn("Stale parameter region at 0x%08x is missing, regenerating it", partner)
		if err := s.regenerateStale(hdr.sizeBlocks, !hdr.second); err != nil {
			// The next compaction erases and rewrites it anyway.
			s.logger.Warn("Failed to regenerate stale region: %v", err)
		}
	default:
		s.reset()
		return fmt.Errorf("%w: region at 0x%08x is inactive and has no partner", ErrCorrupt, addr)
	}

	s.forceCompact = false
	c := s.newCursor()
	if _, err := s.findEntry(&c, match{kind: matchEnd}); err != nil {
		s.reset()
		return err
	}
	s.endAddr = c.addr
	s.initialized = true

	var corrupted uint64
	if s.forceCompact {
		corrupted = 1
	}
	s.stats.FinishRecovery(start, c.entries, corrupted)
	s.stats.TrackRegionUsage(uint64(s.endAddr-s.activeBase), uint64(s.regionSize))
	s.logger.Info("Parameter area at 0x%08x: active region 0x%08x, %d of %d bytes used",
		s.areaBase, s.activeBase, s.endAddr-s.activeBase, s.regionSize)
	return nil
}

// resolveDualActive picks one of two regions that both claim to be active,
// which happens when a reset lands between the two header writes of a
// compaction. A region whose log scans cleanly wins, then the one holding
// more pairs (the compacted copy never holds the value being replaced),
// then the one using fewer bytes.
func (s *Store) resolveDualActive(ctx context.Context, a, b uint32) error {
	type candidate struct {
		base       uint32
		pairs      int
		used       uint32
		consistent bool
	}
	evaluate := func(base uint32) (candidate, error) {
		s.activeBase = base
		s.forceCompact = false
		pairs, end, err := s.countPairs()
		if err != nil {
			return candidate{}, err
		}
		return candidate{base: base, pairs: pairs, used: end - base, consistent: !s.forceCompact}, nil
	}

	ca, err := evaluate(a)
	if err != nil {
		return err
	}
	cb, err := evaluate(b)
	if err != nil {
		return err
	}

	win, lose := ca, cb
	switch {
	case ca.consistent != cb.consistent:
		if cb.consistent {
			win, lose = cb, ca
		}
	case ca.pairs != cb.pairs:
		if cb.pairs > ca.pairs {
			win, lose = cb, ca
		}
	case cb.used < ca.used:
		win, lose = cb, ca
	}

	s.activeBase, s.staleBase = win.base, lose.base
	s.recoveredDualActive = true
	s.metrics.RecordCorruption(ctx, "dual_active")
	s.stats.TrackError("dual_active")
	s.logger.Warn("Both parameter regions were active; keeping 0x%08x (%d pairs), retiring 0x%08x (%d pairs)",
		win.base, win.pairs, lose.base, lose.pairs)

	if err := s.clearActive(lose.base); err != nil {
		s.logger.Warn("Failed to retire region 0x%08x: %v", lose.base, err)
	}
	return nil
}

// countPairs counts live keys that have a live value in the active region and
// returns the log end address.
func (s *Store) countPairs() (int, uint32, error) {
	pairs := 0
	c := s.newCursor()
	for {
		found, err := s.findEntry(&c, match{kind: matchAnyKey})
		if err != nil {
			return 0, 0, err
		}
		if !found {
			return pairs, c.addr, nil
		}
		_, hasValue, err := s.findValue(c)
		if err != nil {
			return 0, 0, err
		}
		if hasValue {
			pairs++
		}
	}
}

func (s *Store) regenerateStale(blocks uint16, second bool) error {
	if err := s.eraseRegion(s.staleBase); err != nil {
		return err
	}
	return s.writeVerify(s.staleBase, encodeRegionHeader(blocks, second, false))
}

// CreateArea formats a new parameter area of two regions of regionBlocks
// blocks each at base. Unless force is set it refuses to touch an area that
// is not fully erased. Formatting over the area in use de-initializes the
// store; call Init again afterwards.
func (s *Store) CreateArea(ctx context.Context, base uint32, regionBlocks uint16, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := s.dev.BlockSize()
	if regionBlocks == 0 || regionBlocks > MaxRegionBlocks || base%bs != 0 {
		return fmt.Errorf("%w: area at 0x%08x with %d blocks per region", ErrBadArguments, base, regionBlocks)
	}
	size := uint32(regionBlocks) * bs
	if uint64(base)+2*uint64(size) > uint64(s.dev.Size()) {
		return fmt.Errorf("%w: area at 0x%08x does not fit the device", ErrBadArguments, base)
	}

	if !force {
		empty, err := s.isErased(base, 2*size)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: 0x%08x-0x%08x", ErrNotEmpty, base, base+2*size)
		}
	}

	if s.initialized && base < s.areaBase+2*s.regionSize && s.areaBase < base+2*size {
		s.logger.Info("Reformatting the parameter area in use at 0x%08x", s.areaBase)
		s.reset()
	}

	if err := s.eraseBlocks(base, 2*size); err != nil {
		return err
	}
	if err := s.writeVerify(base+size, encodeRegionHeader(regionBlocks, true, false)); err != nil {
		return err
	}
	if err := s.writeVerify(base, encodeRegionHeader(regionBlocks, false, true)); err != nil {
		return err
	}

	s.stats.TrackOperation(stats.OpFormat)
	s.logger.Info("Created parameter area at 0x%08x (%d blocks per region)", base, regionBlocks)
	return nil
}

func (s *Store) isErased(base, size uint32) (bool, error) {
	buf := make([]byte, s.dev.BlockSize())
	for addr := base; addr < base+size; addr += uint32(len(buf)) {
		if err := s.dev.Read(addr, buf); err != nil {
			return false, fmt.Errorf("%w: read at 0x%08x: %v", ErrIO, addr, err)
		}
		for _, b := range buf {
			if b != flash.ErasedByte {
				return false, nil
			}
		}
	}
	return true, nil
}

// GetInfo returns the base address of the area (the lower region) and the
// size of each region in blocks.
func (s *Store) GetInfo() (base uint32, regionBlocks uint16, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, 0, ErrNotInitialized
	}
	return s.areaBase, uint16(s.regionSize / s.dev.BlockSize()), nil
}

// Status describes the layout and occupancy of an initialized store
type Status struct {
	AreaBase            uint32
	RegionBlocks        uint16
	RegionSize          uint32
	ActiveBase          uint32
	StaleBase           uint32
	Used                uint32
	Free                uint32
	Compactable         uint32
	Pairs               int
	MaxID               uint16
	ForceCompaction     bool
	RecoveredDualActive bool
	Generation          uint64
}

// Status scans the active log and reports occupancy figures
func (s *Store) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return Status{}, ErrNotInitialized
	}
	pairs, _, err := s.countPairs()
	if err != nil {
		return Status{}, err
	}
	c := s.newCursor()
	if _, err := s.findEntry(&c, match{kind: matchEnd}); err != nil {
		return Status{}, err
	}

	return Status{
		AreaBase:            s.areaBase,
		RegionBlocks:        uint16(s.regionSize / s.dev.BlockSize()),
		RegionSize:          s.regionSize,
		ActiveBase:          s.activeBase,
		StaleBase:           s.staleBase,
		Used:                s.endAddr - s.activeBase,
		Free:                s.free(),
		Compactable:         c.compactable,
		Pairs:               pairs,
		MaxID:               c.maxID,
		ForceCompaction:     s.forceCompact,
		RecoveredDualActive: s.recoveredDualActive,
		Generation:          s.generation,
	}, nil
}

// Compact rewrites the live pairs into the other region, reclaiming the space
// held by deleted and superseded entries.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	_, err := s.compact(ctx, 0, 0, compactReasonManual)
	return err
}

func (s *Store) free() uint32 {
	return s.regionEnd() - s.endAddr
}

func checkKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return fmt.Errorf("%w: key length %d", ErrBadArguments, len(key))
	}
	return nil
}

// GetData returns the value stored under key and whether it was stored as
// binary data.
func (s *Store) GetData(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	value, bin, err := s.get([]byte(key), nil)
	s.metrics.RecordGet(ctx, time.Since(start), err == nil)
	s.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	return value, bin, err
}

// GetDataInto reads the value stored under key into buf and returns its
// length. It fails with ErrOutOfMemory if buf is too small.
func (s *Store) GetDataInto(ctx context.Context, key string, buf []byte) (int, bool, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	value, bin, err := s.get([]byte(key), buf)
	s.metrics.RecordGet(ctx, time.Since(start), err == nil)
	s.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	return len(value), bin, err
}

// get looks key up. If buf is non-nil the value is read into it instead of
// a new slice.
func (s *Store) get(key, buf []byte) ([]byte, bool, error) {
	if !s.initialized {
		return nil, false, ErrNotInitialized
	}
	if err := checkKey(key); err != nil {
		return nil, false, err
	}

	c := s.newCursor()
	found, err := s.findKey(&c, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	vc, found, err := s.findValue(c)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("%w: %q has no value", ErrNotFound, key)
	}

	n := int(vc.hdr.len)
	if buf == nil {
		buf = make([]byte, n)
	} else if len(buf) < n {
		return nil, false, fmt.Errorf("%w: value of %q needs %d bytes, buffer holds %d", ErrOutOfMemory, key, n, len(buf))
	}
	if err := s.readPayload(vc.addr, vc.hdr, buf); err != nil {
		return nil, false, err
	}
	s.stats.TrackBytes(false, uint64(n))
	return buf[:n], vc.hdr.isBinary(), nil
}

// SetData stores value under key. Storing an empty value deletes the key.
// Setting the value a key already holds writes nothing.
func (s *Store) SetData(ctx context.Context, key string, value []byte, binary bool) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.set(ctx, []byte(key), value, binary)
	s.recordSet(ctx, start, op, len(value))
	return err
}

// Delete removes key. Deleting a key that does not exist is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.SetData(ctx, key, nil, false)
}

func (s *Store) recordSet(ctx context.Context, start time.Time, op string, n int) {
	s.metrics.RecordSet(ctx, time.Since(start), int64(n), op)
	statOp := stats.OpSet
	if op == opDelete {
		statOp = stats.OpDelete
	}
	s.stats.TrackOperationWithLatency(statOp, uint64(time.Since(start).Nanoseconds()))
	if s.initialized {
		s.stats.TrackRegionUsage(uint64(s.endAddr-s.activeBase), uint64(s.regionSize))
	}
}

func (s *Store) set(ctx context.Context, key, value []byte, bin bool) (string, error) {
	if !s.initialized {
		return opSet, ErrNotInitialized
	}
	if err := checkKey(key); err != nil {
		return opSet, err
	}
	if len(value) > MaxValueLen {
		return opSet, fmt.Errorf("%w: value length %d", ErrBadArguments, len(value))
	}

	c := s.newCursor()
	keyFound, err := s.findKey(&c, key)
	if err != nil {
		return opSet, err
	}

	// Collect every live value of the key. More than one only exists when a
	// reset interrupted an earlier update.
	var keyID uint16
	var keyAddr uint32
	var old []cursor
	if keyFound {
		keyID, keyAddr = c.hdr.id(), c.addr
		for {
			found, err := s.findEntry(&c, match{kind: matchValue, id: keyID})
			if err != nil {
				return opSet, err
			}
			if !found {
				break
			}
			old = append(old, c)
			c.compactable += c.hdr.size()
		}
	}
	// From here c has seen the whole log.

	if len(value) == 0 {
		if !keyFound {
			return opNoop, nil
		}
		for _, vc := range old {
			if err := s.deleteEntry(vc.addr); err != nil {
				return opDelete, err
			}
		}
		return opDelete, s.deleteEntry(keyAddr)
	}

	if len(old) == 1 && int(old[0].hdr.len) == len(value) && old[0].hdr.isBinary() == bin {
		current := make([]byte, len(value))
		if err := s.readPayload(old[0].addr, old[0].hdr, current); err != nil {
			return opSet, err
		}
		if bytes.Equal(current, value) {
			return opNoop, nil
		}
	}

	needed := entrySize(len(value))
	if !keyFound {
		needed += entrySize(len(key))
	}
	maxID := c.maxID
	compacted := false

	if s.forceCompact || needed > s.free() {
		if s.forceCompact || needed <= s.free()+c.compactable || c.unusedKeys > 0 {
			reason := compactReasonSpace
			if s.forceCompact {
				reason = compactReasonCorrupt
			}
			res, err := s.compact(ctx, keyID, needed, reason)
			if err != nil {
				return opSet, err
			}
			keyID, maxID, compacted = res.pendingID, res.maxID, true
			old = nil
			if res.pendingValue != 0 {
				old = append(old, cursor{addr: res.pendingValue})
			}
		}
	}
	if needed > s.free() {
		return opSet, fmt.Errorf("%w: need %d bytes, %d free", ErrFull, needed, s.free())
	}

	if !keyFound {
		if maxID >= s.idLimit && !compacted {
			res, err := s.compact(ctx, 0, needed, compactReasonIDs)
			if err != nil {
				return opSet, err
			}
			maxID = res.maxID
		}
		if maxID >= s.idLimit {
			return opSet, fmt.Errorf("%w: all %d ids in use", ErrFull, s.idLimit)
		}
		keyID = maxID + 1
		if _, err := s.appendEntry(keyID, false, false, key); err != nil {
			return opSet, err
		}
	}

	if _, err := s.appendEntry(keyID, true, bin, value); err != nil {
		return opSet, err
	}
	for _, vc := range old {
		if err := s.deleteEntry(vc.addr); err != nil {
			return opSet, err
		}
	}
	return opSet, nil
}
