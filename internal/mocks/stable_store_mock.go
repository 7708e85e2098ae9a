package mocks

import "sync"

// MockStableStore is an in-memory implementation of storage.StableStore for testing.
type MockStableStore struct {
	mu       sync.RWMutex
	term     uint64
	votedFor *string

	// Error injection
	CurrentTermError    error
	SetCurrentTermError error
	VotedForError       error
	SetVotedForError    error

	SetTermCalls int
}

func NewMockStableStore() *MockStableStore {
	return &MockStableStore{}
}

func (m *MockStableStore) CurrentTerm() (uint64, error) {
	if m.CurrentTermError != nil {
		return 0, m.CurrentTermError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term, nil
}

func (m *MockStableStore) SetCurrentTerm(term uint64) error {
	if m.SetCurrentTermError != nil {
		return m.SetCurrentTermError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	m.SetTermCalls++
	return nil
}

func (m *MockStableStore) VotedFor() (*string, error) {
	if m.VotedForError != nil {
		return nil, m.VotedForError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.votedFor, nil
}

func (m *MockStableStore) SetVotedFor(candidateID *string) error {
	if m.SetVotedForError != nil {
		return m.SetVotedForError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votedFor = candidateID
	return nil
}

func (m *MockStableStore) Close() error { return nil }
