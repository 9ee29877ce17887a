package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Chunk sizing for the forwarding loop. Throttled relays use small chunks
// for pacing granularity; unthrottled relays use large chunks for
// throughput.
const (
	minChunkSize        = 4 * 1024
	maxThrottledChunk   = 32 * 1024
	unthrottledChunk    = 1024 * 1024
	throttleChunkDivide = 4
)

// throttle paces writes against a KB/s limit. For each chunk it compares
// elapsed wall-clock time with the ideal time implied by bytes sent so
// far, sleeping the difference when ahead of schedule.
type throttle struct {
	limitBps  float64
	start     time.Time
	bytesSent int64
}

// newThrottle creates a throttle for the given KB/s limit.
// A limit of 0 disables pacing.
func newThrottle(limitKBps float64) *throttle {
	return &throttle{
		limitBps: limitKBps * 1024,
		start:    time.Now(),
	}
}

func (t *throttle) enabled() bool {
	return t.limitBps > 0
}

// ChunkSize returns the forwarding buffer size appropriate for this
// throttle's limit.
func (t *throttle) ChunkSize() int {
	if !t.enabled() {
		return unthrottledChunk
	}
	size := int(t.limitBps) / throttleChunkDivide
	if size > maxThrottledChunk {
		size = maxThrottledChunk
	}
	if size < minChunkSize {
		size = minChunkSize
	}
	return size
}

// Pace accounts for n sent bytes and sleeps if delivery is running ahead
// of the configured rate. The sleep is interruptible by ctx.
func (t *throttle) Pace(ctx context.Context, n int) error {
	if !t.enabled() {
		return nil
	}

	t.bytesSent += int64(n)
	ideal := time.Duration(float64(t.bytesSent) / t.limitBps * float64(time.Second))
	elapsed := time.Since(t.start)

	if ideal <= elapsed {
		return nil
	}

	timer := time.NewTimer(ideal - elapsed)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Bandwidth tracking defaults.
const (
	defaultBandwidthWindowSize   = 30
	defaultBandwidthSamplePeriod = time.Second
)

// bandwidthSample represents a single bandwidth measurement.
type bandwidthSample struct {
	bytes uint64
}

// BandwidthTracker tracks bytes relayed and calculates a rolling rate.
// Add is safe to call from concurrent forwarding loops; Sample should be
// called periodically by a single goroutine.
type BandwidthTracker struct {
	totalBytes atomic.Uint64

	mu           sync.RWMutex
	samples      []bandwidthSample
	windowSize   int
	samplePeriod time.Duration
	lastBytes    uint64
}

// NewBandwidthTracker creates a tracker with default settings.
func NewBandwidthTracker() *BandwidthTracker {
	return &BandwidthTracker{
		samples:      make([]bandwidthSample, 0, defaultBandwidthWindowSize),
		windowSize:   defaultBandwidthWindowSize,
		samplePeriod: defaultBandwidthSamplePeriod,
	}
}

// Add records bytes transferred.
func (t *BandwidthTracker) Add(bytes uint64) {
	t.totalBytes.Add(bytes)
}

// TotalBytes returns the cumulative bytes transferred.
func (t *BandwidthTracker) TotalBytes() uint64 {
	return t.totalBytes.Load()
}

// SamplePeriod returns the interval at which Sample should be called.
func (t *BandwidthTracker) SamplePeriod() time.Duration {
	return t.samplePeriod
}

// Sample records the current state for rate calculation.
func (t *BandwidthTracker) Sample() {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.totalBytes.Load()
	t.samples = append(t.samples, bandwidthSample{bytes: current - t.lastBytes})
	if len(t.samples) > t.windowSize {
		t.samples = t.samples[len(t.samples)-t.windowSize:]
	}
	t.lastBytes = current
}

// CurrentBps returns the rolling average bandwidth in bytes per second.
func (t *BandwidthTracker) CurrentBps() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.samples) == 0 {
		return 0
	}

	var total uint64
	for _, s := range t.samples {
		total += s.bytes
	}
	window := time.Duration(len(t.samples)) * t.samplePeriod
	return uint64(float64(total) / window.Seconds())
}

// Reset clears all tracking data.
func (t *BandwidthTracker) Reset() {
	t.totalBytes.Store(0)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = t.samples[:0]
	t.lastBytes = 0
}
