package storage

import (
	"errors"
	"time"

	"quorumlog/internal/wire"
)

var (
	// ErrNotFound is returned when no entry exists at the requested index.
	ErrNotFound = errors.New("log entry not found")
	// ErrCorruptEntry is returned when a stored entry fails checksum validation. The
	// entry is reported, never silently trusted; the owner is expected to resync the
	// affected range from the current leader.
	ErrCorruptEntry = errors.New("log entry failed checksum validation")
	// ErrCompacted is returned for indexes below the first retained entry.
	ErrCompacted = errors.New("index below first retained log entry")
	// ErrOutOfOrder is returned when an appended batch does not continue the log
	// contiguously.
	ErrOutOfOrder = errors.New("appended entries are not contiguous with the log")
)

// SegmentInfo describes one log segment for callers that manage retention. Segments are
// contiguous, non-overlapping index ranges; only the last one accepts appends.
type SegmentInfo struct {
	BaseOffset uint64
	LastIndex  uint64
	SizeBytes  int64
	Sealed     bool
	SealedAt   time.Time
}

// LogStore is the durable, append-only record store behind a server. An append is only
// complete once the underlying storage has confirmed a flush; callers may count a
// returned append as a durable local vote.
type LogStore interface {
	// Append assigns the next index to entry, seals its checksum, and durably stores
	// it. Returns the assigned index.
	Append(entry *wire.LogEntry) (uint64, error)

	// AppendReplicated durably stores entries that already carry index, term and
	// checksum (the replication path). Every checksum is verified before anything is
	// written and the batch must continue the log contiguously.
	AppendReplicated(entries []*wire.LogEntry) error

	// Entry returns the entry at index, verifying its checksum.
	Entry(index uint64) (*wire.LogEntry, error)

	// Entries returns entries in the closed range [from, to], in index order.
	Entries(from, to uint64) ([]*wire.LogEntry, error)

	// Term returns the term of the entry at index.
	Term(index uint64) (uint64, error)

	// TruncateFrom discards every entry with index >= index, across however many
	// segments that touches. Used to resolve conflicts with a newer leader's log.
	TruncateFrom(index uint64) error

	// FirstIndex returns the lowest index the log can currently serve (the base offset
	// of the oldest retained segment).
	FirstIndex() uint64

	// LastIndex returns the highest stored index (0 for an empty log).
	LastIndex() uint64

	// LastTerm returns the term of the entry at LastIndex (0 for an empty log).
	LastTerm() uint64

	// SegmentsBefore lists sealed segments whose entire index range is below index;
	// these are candidates for deletion once a covering snapshot exists.
	SegmentsBefore(index uint64) []SegmentInfo

	// DeleteSegment removes the segment with the given base offset. Only the oldest
	// segment may be deleted, so the retained range stays contiguous.
	DeleteSegment(baseOffset uint64) error

	Close() error
}

// StableStore persists the server's term and vote. Both must be durable before the
// server sends or acts on any message for that term.
type StableStore interface {
	CurrentTerm() (uint64, error)
	SetCurrentTerm(term uint64) error
	VotedFor() (*string, error)
	SetVotedFor(candidateID *string) error
	Close() error
}
