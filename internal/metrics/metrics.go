package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters and latency samples for a running server. All record
// methods are safe for concurrent use and cheap enough to sit on hot paths.
type Metrics struct {
	// RPC counters
	appendEntriesCount atomic.Uint64
	requestVoteCount   atomic.Uint64
	heartbeatCount     atomic.Uint64
	fetchEntriesCount  atomic.Uint64

	// Pipeline counters
	submissionsAccepted atomic.Uint64
	entriesCommitted    atomic.Uint64
	dedupHits           atomic.Uint64

	// Log maintenance counters
	truncationCount atomic.Uint64
	electionCount   atomic.Uint64

	// highWaterMark mirrors the server's commit position for observers.
	highWaterMark atomic.Uint64

	mu              sync.Mutex
	submitLatencies []time.Duration
	startTime       time.Time
}

// NewMetrics creates a fresh collector.
func NewMetrics() *Metrics {
	return &Metrics{
		submitLatencies: make([]time.Duration, 0, 4096),
		startTime:       time.Now(),
	}
}

func (m *Metrics) RecordAppendEntries() { m.appendEntriesCount.Add(1) }
func (m *Metrics) RecordRequestVote()   { m.requestVoteCount.Add(1) }
func (m *Metrics) RecordHeartbeat()     { m.heartbeatCount.Add(1) }
func (m *Metrics) RecordFetchEntries()  { m.fetchEntriesCount.Add(1) }
func (m *Metrics) RecordSubmission()    { m.submissionsAccepted.Add(1) }
func (m *Metrics) RecordDedupHit()      { m.dedupHits.Add(1) }
func (m *Metrics) RecordTruncation()    { m.truncationCount.Add(1) }
func (m *Metrics) RecordElection()      { m.electionCount.Add(1) }

// RecordCommitted accounts entries that just became committed and moves the observed
// high-water mark.
func (m *Metrics) RecordCommitted(entries uint64, highWaterMark uint64) {
	m.entriesCommitted.Add(entries)
	m.highWaterMark.Store(highWaterMark)
}

// RecordSubmitLatency records the time from client submission to commit acknowledgment.
func (m *Metrics) RecordSubmitLatency(latency time.Duration) {
	m.mu.Lock()
	m.submitLatencies = append(m.submitLatencies, latency)
	m.mu.Unlock()
}

// HighWaterMark returns the last observed commit position.
func (m *Metrics) HighWaterMark() uint64 {
	return m.highWaterMark.Load()
}

// Throughput returns committed entries per second since the collector started.
func (m *Metrics) Throughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.entriesCommitted.Load()) / elapsed
}

// LatencyStats summarizes a latency distribution in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

// SubmitLatencyStats computes percentile statistics over recorded submit latencies.
func (m *Metrics) SubmitLatencyStats() LatencyStats {
	m.mu.Lock()
	samples := make([]time.Duration, len(m.submitLatencies))
	copy(samples, m.submitLatencies)
	m.mu.Unlock()

	if len(samples) == 0 {
		return LatencyStats{}
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	ms := make([]float64, len(samples))
	var sum float64
	for i, s := range samples {
		ms[i] = float64(s.Microseconds()) / 1000.0
		sum += ms[i]
	}

	return LatencyStats{
		Count: len(ms),
		Min:   ms[0],
		Max:   ms[len(ms)-1],
		Mean:  sum / float64(len(ms)),
		P50:   percentile(ms, 50),
		P95:   percentile(ms, 95),
		P99:   percentile(ms, 99),
	}
}

// percentile interpolates the pth percentile from sorted data.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report is a point-in-time view of all counters, suitable for logging or JSON.
type Report struct {
	UptimeSeconds       float64      `json:"uptime_seconds"`
	AppendEntriesCount  uint64       `json:"append_entries_count"`
	RequestVoteCount    uint64       `json:"request_vote_count"`
	HeartbeatCount      uint64       `json:"heartbeat_count"`
	FetchEntriesCount   uint64       `json:"fetch_entries_count"`
	SubmissionsAccepted uint64       `json:"submissions_accepted"`
	EntriesCommitted    uint64       `json:"entries_committed"`
	DedupHits           uint64       `json:"dedup_hits"`
	TruncationCount     uint64       `json:"truncation_count"`
	ElectionCount       uint64       `json:"election_count"`
	HighWaterMark       uint64       `json:"high_water_mark"`
	ThroughputPerSec    float64      `json:"throughput_per_sec"`
	SubmitLatency       LatencyStats `json:"submit_latency"`
}

// GetReport snapshots every counter into a Report.
func (m *Metrics) GetReport() Report {
	return Report{
		UptimeSeconds:       time.Since(m.startTime).Seconds(),
		AppendEntriesCount:  m.appendEntriesCount.Load(),
		RequestVoteCount:    m.requestVoteCount.Load(),
		HeartbeatCount:      m.heartbeatCount.Load(),
		FetchEntriesCount:   m.fetchEntriesCount.Load(),
		SubmissionsAccepted: m.submissionsAccepted.Load(),
		EntriesCommitted:    m.entriesCommitted.Load(),
		DedupHits:           m.dedupHits.Load(),
		TruncationCount:     m.truncationCount.Load(),
		ElectionCount:       m.electionCount.Load(),
		HighWaterMark:       m.highWaterMark.Load(),
		ThroughputPerSec:    m.Throughput(),
		SubmitLatency:       m.SubmitLatencyStats(),
	}
}
