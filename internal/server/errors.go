package server

import "errors"

var (
	// ErrNotLeader is returned when an operation that requires leadership reaches a
	// follower or candidate.
	ErrNotLeader = errors.New("not the leader")
	// ErrStaleTerm is returned when a message carries a term older than ours.
	ErrStaleTerm = errors.New("stale term")
	// ErrQuorumTimeout is returned when a submission could not be committed within the
	// submit timeout.
	ErrQuorumTimeout = errors.New("timed out waiting for quorum")
	// ErrHalted is returned by every operation after the server detected an
	// unrecoverable consistency violation and froze itself.
	ErrHalted = errors.New("server halted after consistency violation")
	// ErrShuttingDown is returned for operations issued during shutdown.
	ErrShuttingDown = errors.New("server is shutting down")
)
