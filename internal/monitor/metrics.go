// Package monitor collects runtime metrics for the execution core.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	SubmitLatency    *LatencyHistogram
	TransportLatency *LatencyHistogram
	DBLatency        *LatencyHistogram
	APILatency       *LatencyHistogram

	// Counters
	submitted       uint64
	validateFailed  uint64
	transportFailed uint64
	succeeded       uint64
	timeouts        uint64
	ticksProcessed  uint64
	apiRequests     uint64
	apiErrors       uint64

	// Updated periodically from main.
	managedPositions int

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window.
// Stats are recomputed lazily, only when samples have changed.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		SubmitLatency:    NewLatencyHistogram(1000),
		TransportLatency: NewLatencyHistogram(1000),
		DBLatency:        NewLatencyHistogram(1000),
		APILatency:       NewLatencyHistogram(1000),
		lastUpdate:       time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementSubmitted increments the submitted requests counter.
func (m *SystemMetrics) IncrementSubmitted() {
	atomic.AddUint64(&m.submitted, 1)
}

// IncrementValidateFailed increments the admission-rejected counter.
func (m *SystemMetrics) IncrementValidateFailed() {
	atomic.AddUint64(&m.validateFailed, 1)
}

// IncrementTransportFailed increments the transport failure counter.
func (m *SystemMetrics) IncrementTransportFailed() {
	atomic.AddUint64(&m.transportFailed, 1)
}

// IncrementSucceeded increments the filled trades counter.
func (m *SystemMetrics) IncrementSucceeded() {
	atomic.AddUint64(&m.succeeded, 1)
}

// IncrementTimeouts increments the result-timeout counter.
func (m *SystemMetrics) IncrementTimeouts() {
	atomic.AddUint64(&m.timeouts, 1)
}

// IncrementTicks increments the processed price ticks counter.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementAPI increments the served API requests counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the API error responses counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time metrics copy.
type MetricsSnapshot struct {
	SubmitLatency    LatencyStats `json:"submit_latency"`
	TransportLatency LatencyStats `json:"transport_latency"`
	DBLatency        LatencyStats `json:"db_latency"`
	Submitted        uint64       `json:"submitted"`
	ValidateFailed   uint64       `json:"validate_failed"`
	TransportFailed  uint64       `json:"transport_failed"`
	Succeeded        uint64       `json:"succeeded"`
	Timeouts         uint64       `json:"timeouts"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	APILatency       LatencyStats `json:"api_latency"`
	ManagedPositions int          `json:"managed_positions"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	HeapSys          uint64       `json:"heap_sys_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	positions := m.managedPositions
	m.mu.RUnlock()

	return MetricsSnapshot{
		SubmitLatency:    m.SubmitLatency.Stats(),
		TransportLatency: m.TransportLatency.Stats(),
		DBLatency:        m.DBLatency.Stats(),
		Submitted:        atomic.LoadUint64(&m.submitted),
		ValidateFailed:   atomic.LoadUint64(&m.validateFailed),
		TransportFailed:  atomic.LoadUint64(&m.transportFailed),
		Succeeded:        atomic.LoadUint64(&m.succeeded),
		Timeouts:         atomic.LoadUint64(&m.timeouts),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		APILatency:       m.APILatency.Stats(),
		ManagedPositions: positions,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}

// SetManagedPositions updates the managed position count.
func (m *SystemMetrics) SetManagedPositions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.managedPositions = n
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
