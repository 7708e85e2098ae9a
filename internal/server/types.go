package server

import (
	"time"

	"quorumlog/internal/pubsub"
)

// ServerID is the id of a server in the cluster.
type ServerID string

// ServerAddress is the network address of a server.
type ServerAddress string

// A State is the role a server plays at a given point: follower, candidate, or leader.
type State uint64

const (
	Follower State = iota
	Candidate
	Leader
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

const (
	// ServerShutDown is published when the server is shutting down. Every background
	// job subscribes to it so goroutines exit cleanly.
	ServerShutDown pubsub.EventType = iota
	// ElectionTimeoutExpired is published when no leader contact arrived within the
	// election timeout.
	ElectionTimeoutExpired
	// LeadershipChanged is published when this server's role changes.
	LeadershipChanged
	// CommitAdvanced is published when the high-water mark moves.
	CommitAdvanced
	// ServerHalted is published once when the server freezes itself after detecting an
	// unrecoverable consistency violation.
	ServerHalted
)

// LeadershipChangedPayload travels with LeadershipChanged events.
type LeadershipChangedPayload struct {
	State  State
	Term   uint64
	Leader ServerID
}

// CommitAdvancedPayload travels with CommitAdvanced events.
type CommitAdvancedPayload struct {
	HighWaterMark uint64
	Term          uint64
}

// MetricsCollector is the subset of metrics recording the server needs. It is an
// interface so tests can observe or ignore recordings.
type MetricsCollector interface {
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
	RecordFetchEntries()
	RecordSubmission()
	RecordDedupHit()
	RecordTruncation()
	RecordElection()
	RecordCommitted(entries uint64, highWaterMark uint64)
	RecordSubmitLatency(latency time.Duration)
}

// noopMetrics is used when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) RecordAppendEntries()              {}
func (noopMetrics) RecordRequestVote()                {}
func (noopMetrics) RecordHeartbeat()                  {}
func (noopMetrics) RecordFetchEntries()               {}
func (noopMetrics) RecordSubmission()                 {}
func (noopMetrics) RecordDedupHit()                   {}
func (noopMetrics) RecordTruncation()                 {}
func (noopMetrics) RecordElection()                   {}
func (noopMetrics) RecordCommitted(uint64, uint64)    {}
func (noopMetrics) RecordSubmitLatency(time.Duration) {}
