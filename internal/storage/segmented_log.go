package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"quorumlog/internal/wire"
)

// DefaultSegmentSizeBytes is the rollover threshold used when the configuration does
// not set one. 4 MiB keeps individual segment files cheap to delete during retention
// while staying large enough that rollover is rare on the append path.
const DefaultSegmentSizeBytes = 4 * 1024 * 1024

// SegmentedLog is a LogStore split across bounded bbolt-backed segments. Exactly one
// segment, the last, is unsealed and accepts appends; when it reaches the rollover
// threshold it is sealed and a successor is created at lastIndex+1. Sealed segments at
// the front of the log can be deleted wholesale once a snapshot covers them, which is
// how retention reclaims space without rewriting files.
type SegmentedLog struct {
	mu       sync.RWMutex
	dir      string
	rollover int64

	// segments are ordered by baseOffset; ranges are contiguous and non-overlapping.
	segments []*segment
	lastTerm uint64
}

// OpenSegmentedLog opens (or initializes) the log under dir. Recovery is just opening
// every segment file in base-offset order and rebuilding the in-memory bookkeeping.
func OpenSegmentedLog(dir string, rolloverBytes int64) (*SegmentedLog, error) {
	if rolloverBytes <= 0 {
		rolloverBytes = DefaultSegmentSizeBytes
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "segment-*.db"))
	if err != nil {
		return nil, err
	}

	baseOffsets := make([]uint64, 0, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		numPart := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".db")
		base, err := strconv.ParseUint(numPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unrecognized segment file %s: %w", name, err)
		}
		baseOffsets = append(baseOffsets, base)
	}
	sort.Slice(baseOffsets, func(i, j int) bool { return baseOffsets[i] < baseOffsets[j] })

	l := &SegmentedLog{dir: dir, rollover: rolloverBytes}

	for _, base := range baseOffsets {
		seg, err := openSegment(segmentPath(dir, base), base)
		if err != nil {
			l.closeAll()
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	if len(l.segments) == 0 {
		seg, err := createSegment(dir, 1)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	// A crash between sealing the tail and creating its successor leaves every segment
	// sealed; restore the invariant that the last segment is the active one.
	if tail := l.segments[len(l.segments)-1]; tail.sealed {
		seg, err := createSegment(dir, tail.lastIndex+1)
		if err != nil {
			l.closeAll()
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	if last := l.lastIndexLocked(); last >= l.segments[0].baseOffset {
		entry, err := l.entryLocked(last)
		if err != nil {
			l.closeAll()
			return nil, fmt.Errorf("failed to recover last entry: %w", err)
		}
		l.lastTerm = entry.Term
	}

	return l, nil
}

func (l *SegmentedLog) active() *segment {
	return l.segments[len(l.segments)-1]
}

func (l *SegmentedLog) lastIndexLocked() uint64 {
	return l.active().lastIndex
}

// findSegment returns the segment whose range contains index, or nil.
func (l *SegmentedLog) findSegment(index uint64) *segment {
	// The first segment whose baseOffset is > index; the one before it owns the index.
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].baseOffset > index
	})
	if i == 0 {
		return nil
	}
	return l.segments[i-1]
}

// Append implements LogStore.
func (l *SegmentedLog) Append(entry *wire.LogEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Index = l.lastIndexLocked() + 1
	entry.Seal()

	if err := l.active().append([]*wire.LogEntry{entry}); err != nil {
		return 0, err
	}
	l.lastTerm = entry.Term

	if err := l.maybeRoll(); err != nil {
		return 0, err
	}
	return entry.Index, nil
}

// AppendReplicated implements LogStore.
func (l *SegmentedLog) AppendReplicated(entries []*wire.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// Validate the whole batch before any byte is written.
	for _, entry := range entries {
		if !entry.Verify() {
			return fmt.Errorf("replicated entry %d: %w", entry.Index, ErrCorruptEntry)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entries[0].Index != l.lastIndexLocked()+1 {
		return fmt.Errorf("batch starts at %d, log ends at %d: %w",
			entries[0].Index, l.lastIndexLocked(), ErrOutOfOrder)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return fmt.Errorf("gap inside batch at %d: %w", entries[i].Index, ErrOutOfOrder)
		}
	}

	if err := l.active().append(entries); err != nil {
		return err
	}
	l.lastTerm = entries[len(entries)-1].Term

	return l.maybeRoll()
}

// maybeRoll seals the active segment and starts a new one once the rollover threshold
// is reached. Must be called with l.mu held.
func (l *SegmentedLog) maybeRoll() error {
	tail := l.active()
	if tail.sizeBytes < l.rollover {
		return nil
	}

	if err := tail.seal(); err != nil {
		return err
	}
	seg, err := createSegment(l.dir, tail.lastIndex+1)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, seg)
	return nil
}

func (l *SegmentedLog) entryLocked(index uint64) (*wire.LogEntry, error) {
	if index == 0 || index > l.lastIndexLocked() {
		return nil, ErrNotFound
	}
	if index < l.segments[0].baseOffset {
		return nil, ErrCompacted
	}

	seg := l.findSegment(index)
	if seg == nil {
		return nil, ErrNotFound
	}
	entry, err := seg.get(index)
	if err != nil {
		return nil, err
	}
	if !entry.Verify() {
		return nil, fmt.Errorf("entry %d: %w", index, ErrCorruptEntry)
	}
	return entry, nil
}

// Entry implements LogStore.
func (l *SegmentedLog) Entry(index uint64) (*wire.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entryLocked(index)
}

// Entries implements LogStore.
func (l *SegmentedLog) Entries(from, to uint64) ([]*wire.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from > to {
		return nil, nil
	}
	entries := make([]*wire.LogEntry, 0, to-from+1)
	for i := from; i <= to; i++ {
		entry, err := l.entryLocked(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Term implements LogStore.
func (l *SegmentedLog) Term(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	entry, err := l.Entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// TruncateFrom implements LogStore.
func (l *SegmentedLog) TruncateFrom(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index > l.lastIndexLocked() {
		return nil
	}
	if index < l.segments[0].baseOffset {
		return fmt.Errorf("truncate to %d: %w", index, ErrCompacted)
	}

	// Drop whole segments that live entirely at or above the truncation point.
	for len(l.segments) > 0 {
		tail := l.active()
		if tail.baseOffset < index {
			break
		}
		if err := tail.remove(); err != nil {
			return err
		}
		l.segments = l.segments[:len(l.segments)-1]
	}

	if len(l.segments) > 0 {
		tail := l.active()
		if tail.lastIndex >= index {
			if err := tail.truncateFrom(index); err != nil {
				return err
			}
		} else if tail.sealed {
			// The boundary fell exactly between segments; reopen the tail for appends
			// by giving it an unsealed successor.
			seg, err := createSegment(l.dir, tail.lastIndex+1)
			if err != nil {
				return err
			}
			l.segments = append(l.segments, seg)
		}
	} else {
		seg, err := createSegment(l.dir, index)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
	}

	last := l.lastIndexLocked()
	if last >= l.segments[0].baseOffset {
		entry, err := l.entryLocked(last)
		if err != nil {
			return err
		}
		l.lastTerm = entry.Term
	} else {
		l.lastTerm = 0
	}
	return nil
}

// FirstIndex implements LogStore. It reports the base offset of the oldest retained
// segment, i.e. the lowest index the log can currently serve.
func (l *SegmentedLog) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[0].baseOffset
}

// LastIndex implements LogStore.
func (l *SegmentedLog) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

// LastTerm implements LogStore.
func (l *SegmentedLog) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastTerm
}

// SegmentsBefore implements LogStore.
func (l *SegmentedLog) SegmentsBefore(index uint64) []SegmentInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var infos []SegmentInfo
	// The active segment is never a deletion candidate, hence len-1.
	for _, seg := range l.segments[:len(l.segments)-1] {
		if seg.sealed && seg.lastIndex < index {
			infos = append(infos, seg.info())
		}
	}
	return infos
}

// DeleteSegment implements LogStore.
func (l *SegmentedLog) DeleteSegment(baseOffset uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.segments) < 2 {
		return fmt.Errorf("cannot delete segment %d: it is the active segment", baseOffset)
	}
	head := l.segments[0]
	if head.baseOffset != baseOffset {
		return fmt.Errorf("cannot delete segment %d: only the oldest segment (%d) may be deleted",
			baseOffset, head.baseOffset)
	}
	if !head.sealed {
		return fmt.Errorf("cannot delete segment %d: segment is not sealed", baseOffset)
	}

	if err := head.remove(); err != nil {
		return err
	}
	l.segments = l.segments[1:]
	return nil
}

// Close implements LogStore.
func (l *SegmentedLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeAll()
}

func (l *SegmentedLog) closeAll() error {
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
