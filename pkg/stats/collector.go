package stats

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Operation types reported by the parameter store and its front ends
const (
	OpGet     OperationType = "get"
	OpSet     OperationType = "set"
	OpDelete  OperationType = "delete"
	OpScan    OperationType = "scan"
	OpCompact OperationType = "compact"
	OpFormat  OperationType = "format"
	OpExport  OperationType = "export"
	OpImport  OperationType = "import"
)

// AtomicCollector collects statistics with atomic counters kept in
// concurrent maps, so tracking never blocks on a global lock.
type AtomicCollector struct {
	counts     *xsync.MapOf[OperationType, *atomic.Uint64]
	lastOpTime *xsync.MapOf[OperationType, *atomic.Int64]
	errors     *xsync.MapOf[string, *atomic.Uint64]
	latencies  *xsync.MapOf[OperationType, *LatencyTracker]

	regionUsed        atomic.Uint64
	regionSize        atomic.Uint64
	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	compactionCount   atomic.Uint64

	recoveryStats RecoveryStats
}

// RecoveryStats describes the last init scan of a parameter area
type RecoveryStats struct {
	EntriesScanned   atomic.Uint64
	CorruptedEntries atomic.Uint64
	Duration         atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds, 0 until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     xsync.NewMapOf[OperationType, *atomic.Uint64](),
		lastOpTime: xsync.NewMapOf[OperationType, *atomic.Int64](),
		errors:     xsync.NewMapOf[string, *atomic.Uint64](),
		latencies:  xsync.NewMapOf[OperationType, *LatencyTracker](),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.counter(op).Add(1)
	c.touch(op)
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker, _ := c.latencies.LoadOrCompute(op, func() *LatencyTracker {
		return &LatencyTracker{}
	})
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}
	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	counter, _ := c.errors.LoadOrCompute(errorType, func() *atomic.Uint64 {
		return &atomic.Uint64{}
	})
	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackRegionUsage records the bytes in use in the active region
func (c *AtomicCollector) TrackRegionUsage(used, size uint64) {
	c.regionUsed.Store(used)
	c.regionSize.Store(size)
}

// TrackCompaction increments the compaction counter
func (c *AtomicCollector) TrackCompaction() {
	c.compactionCount.Add(1)
}

// StartRecovery resets the recovery statistics and returns the start time
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recoveryStats.EntriesScanned.Store(0)
	c.recoveryStats.CorruptedEntries.Store(0)
	c.recoveryStats.Duration.Store(0)
	return time.Now()
}

// FinishRecovery completes recovery statistics
func (c *AtomicCollector) FinishRecovery(startTime time.Time, entriesScanned, corruptedEntries uint64) {
	c.recoveryStats.EntriesScanned.Store(entriesScanned)
	c.recoveryStats.CorruptedEntries.Store(corruptedEntries)
	c.recoveryStats.Duration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.counts.Range(func(op OperationType, counter *atomic.Uint64) bool {
		stats[string(op)+"_ops"] = counter.Load()
		return true
	})
	c.lastOpTime.Range(func(op OperationType, ts *atomic.Int64) bool {
		stats["last_"+string(op)+"_time"] = ts.Load()
		return true
	})

	stats["region_used_bytes"] = c.regionUsed.Load()
	stats["region_size_bytes"] = c.regionSize.Load()
	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["compaction_count"] = c.compactionCount.Load()

	errorStats := make(map[string]uint64)
	c.errors.Range(func(errType string, counter *atomic.Uint64) bool {
		errorStats[errType] = counter.Load()
		return true
	})
	stats["errors"] = errorStats

	recoveryStats := map[string]interface{}{
		"entries_scanned":   c.recoveryStats.EntriesScanned.Load(),
		"corrupted_entries": c.recoveryStats.CorruptedEntries.Load(),
	}
	if d := c.recoveryStats.Duration.Load(); d > 0 {
		recoveryStats["duration_us"] = d / int64(time.Microsecond)
	}
	stats["recovery"] = recoveryStats

	c.latencies.Range(func(op OperationType, tracker *LatencyTracker) bool {
		count := tracker.count.Load()
		if count == 0 {
			return true
		}
		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}
		stats[string(op)+"_latency"] = latencyStats
		return true
	})

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) counter(op OperationType) *atomic.Uint64 {
	counter, _ := c.counts.LoadOrCompute(op, func() *atomic.Uint64 {
		return &atomic.Uint64{}
	})
	return counter
}

func (c *AtomicCollector) touch(op OperationType) {
	ts, _ := c.lastOpTime.LoadOrCompute(op, func() *atomic.Int64 {
		return &atomic.Int64{}
	})
	ts.Store(time.Now().UnixNano())
}
