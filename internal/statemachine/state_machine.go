package statemachine

import "quorumlog/internal/wire"

// StateMachine is the replicated application state a server drives committed entries
// into. Apply is only ever called with committed entries, in index order, exactly once
// per entry per incarnation; determinism across servers is the implementation's
// responsibility. Snapshot and Restore exist so the log can be compacted without losing
// state.
type StateMachine interface {
	// Apply executes one committed entry and returns the result the submitting client
	// should see.
	Apply(entry *wire.LogEntry) []byte

	// Snapshot serializes the full current state.
	Snapshot() ([]byte, error)

	// Restore replaces the current state with a previously serialized snapshot.
	Restore(state []byte) error
}
