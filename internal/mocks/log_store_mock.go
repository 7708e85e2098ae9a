package mocks

import (
	"fmt"
	"sync"

	"quorumlog/internal/storage"
	"quorumlog/internal/wire"
)

// MockLogStore is an in-memory implementation of storage.LogStore for testing, with
// per-method error injection.
type MockLogStore struct {
	mu         sync.RWMutex
	entries    map[uint64]*wire.LogEntry
	firstIndex uint64

	// Error injection
	AppendError           error
	AppendReplicatedError error
	EntryError            error
	EntriesError          error
	TruncateFromError     error
	DeleteSegmentError    error

	TruncateCalls []uint64
}

// NewMockLogStore creates an empty mock log.
func NewMockLogStore() *MockLogStore {
	return &MockLogStore{
		entries:    make(map[uint64]*wire.LogEntry),
		firstIndex: 1,
	}
}

func (m *MockLogStore) Append(entry *wire.LogEntry) (uint64, error) {
	if m.AppendError != nil {
		return 0, m.AppendError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Index = m.lastIndexLocked() + 1
	entry.Seal()
	m.entries[entry.Index] = entry
	return entry.Index, nil
}

func (m *MockLogStore) AppendReplicated(entries []*wire.LogEntry) error {
	if m.AppendReplicatedError != nil {
		return m.AppendReplicatedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		if !entry.Verify() {
			return fmt.Errorf("entry %d: %w", entry.Index, storage.ErrCorruptEntry)
		}
		if entry.Index != m.lastIndexLocked()+1 {
			return fmt.Errorf("entry %d after %d: %w", entry.Index, m.lastIndexLocked(), storage.ErrOutOfOrder)
		}
		m.entries[entry.Index] = entry
	}
	return nil
}

func (m *MockLogStore) Entry(index uint64) (*wire.LogEntry, error) {
	if m.EntryError != nil {
		return nil, m.EntryError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < m.firstIndex {
		return nil, storage.ErrCompacted
	}
	entry, ok := m.entries[index]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return entry, nil
}

func (m *MockLogStore) Entries(from, to uint64) ([]*wire.LogEntry, error) {
	if m.EntriesError != nil {
		return nil, m.EntriesError
	}
	var out []*wire.LogEntry
	for i := from; i <= to; i++ {
		entry, err := m.Entry(i)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *MockLogStore) Term(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	entry, err := m.Entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (m *MockLogStore) TruncateFrom(index uint64) error {
	if m.TruncateFromError != nil {
		return m.TruncateFromError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TruncateCalls = append(m.TruncateCalls, index)
	for i := index; i <= m.lastIndexLocked(); i++ {
		delete(m.entries, i)
	}
	return nil
}

func (m *MockLogStore) FirstIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstIndex
}

func (m *MockLogStore) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndexLocked()
}

func (m *MockLogStore) lastIndexLocked() uint64 {
	var max uint64
	for index := range m.entries {
		if index > max {
			max = index
		}
	}
	return max
}

func (m *MockLogStore) LastTerm() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last := m.lastIndexLocked()
	if last == 0 {
		return 0
	}
	return m.entries[last].Term
}

func (m *MockLogStore) SegmentsBefore(index uint64) []storage.SegmentInfo {
	return nil
}

func (m *MockLogStore) DeleteSegment(baseOffset uint64) error {
	return m.DeleteSegmentError
}

func (m *MockLogStore) Close() error { return nil }
