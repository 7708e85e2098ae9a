package mocks

import (
	"sync"

	"quorumlog/internal/wire"
)

// MockStateMachine records applied entries for assertions in tests.
type MockStateMachine struct {
	mu             sync.RWMutex
	AppliedEntries []*wire.LogEntry
	state          []byte

	// Error injection
	SnapshotError error
	RestoreError  error

	RestoreCalls int
}

func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{}
}

func (m *MockStateMachine) Apply(entry *wire.LogEntry) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppliedEntries = append(m.AppliedEntries, entry)
	return append([]byte("applied:"), entry.Payload...)
}

func (m *MockStateMachine) Snapshot() ([]byte, error) {
	if m.SnapshotError != nil {
		return nil, m.SnapshotError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *MockStateMachine) Restore(state []byte) error {
	if m.RestoreError != nil {
		return m.RestoreError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.RestoreCalls++
	return nil
}

// Applied returns a copy of the applied entries.
func (m *MockStateMachine) Applied() []*wire.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*wire.LogEntry, len(m.AppliedEntries))
	copy(out, m.AppliedEntries)
	return out
}
