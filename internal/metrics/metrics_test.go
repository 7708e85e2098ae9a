package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordAppendEntries()
	m.RecordAppendEntries()
	m.RecordRequestVote()
	m.RecordHeartbeat()
	m.RecordFetchEntries()
	m.RecordSubmission()
	m.RecordDedupHit()
	m.RecordTruncation()
	m.RecordElection()
	m.RecordCommitted(3, 7)

	report := m.GetReport()
	assert.Equal(t, uint64(2), report.AppendEntriesCount)
	assert.Equal(t, uint64(1), report.RequestVoteCount)
	assert.Equal(t, uint64(1), report.HeartbeatCount)
	assert.Equal(t, uint64(1), report.FetchEntriesCount)
	assert.Equal(t, uint64(1), report.SubmissionsAccepted)
	assert.Equal(t, uint64(1), report.DedupHits)
	assert.Equal(t, uint64(1), report.TruncationCount)
	assert.Equal(t, uint64(1), report.ElectionCount)
	assert.Equal(t, uint64(3), report.EntriesCommitted)
	assert.Equal(t, uint64(7), report.HighWaterMark)
	assert.Equal(t, uint64(7), m.HighWaterMark())
}

func TestMetrics_SubmitLatencyStats(t *testing.T) {
	t.Run("empty distribution", func(t *testing.T) {
		m := NewMetrics()
		stats := m.SubmitLatencyStats()
		assert.Equal(t, 0, stats.Count)
	})

	t.Run("percentiles over a known distribution", func(t *testing.T) {
		m := NewMetrics()
		for i := 1; i <= 100; i++ {
			m.RecordSubmitLatency(time.Duration(i) * time.Millisecond)
		}

		stats := m.SubmitLatencyStats()
		assert.Equal(t, 100, stats.Count)
		assert.InDelta(t, 1.0, stats.Min, 0.01)
		assert.InDelta(t, 100.0, stats.Max, 0.01)
		assert.InDelta(t, 50.5, stats.Mean, 0.01)
		assert.InDelta(t, 50.5, stats.P50, 0.1)
		assert.InDelta(t, 95.05, stats.P95, 0.1)
		assert.InDelta(t, 99.01, stats.P99, 0.1)
	})
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordAppendEntries()
				m.RecordSubmitLatency(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	report := m.GetReport()
	assert.Equal(t, uint64(1000), report.AppendEntriesCount)
	assert.Equal(t, 1000, report.SubmitLatency.Count)
}
