package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"quorumlog/internal/wire"
)

func createTempLog(t *testing.T, rolloverBytes int64) (*SegmentedLog, string) {
	t.Helper()
	tmpDir := t.TempDir()

	log, err := OpenSegmentedLog(tmpDir, rolloverBytes)
	require.NoError(t, err)
	require.NotNil(t, log)

	t.Cleanup(func() { log.Close() })
	return log, tmpDir
}

func appendEntries(t *testing.T, log *SegmentedLog, term uint64, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := log.Append(&wire.LogEntry{Term: term, Payload: []byte(p)})
		require.NoError(t, err)
	}
}

func TestOpenSegmentedLog(t *testing.T) {
	t.Run("initializes empty log", func(t *testing.T) {
		log, _ := createTempLog(t, 0)

		assert.Equal(t, uint64(1), log.FirstIndex())
		assert.Equal(t, uint64(0), log.LastIndex())
		assert.Equal(t, uint64(0), log.LastTerm())
	})

	t.Run("fails with invalid directory", func(t *testing.T) {
		log, err := OpenSegmentedLog("/dev/null/not-a-dir", 0)
		assert.Error(t, err)
		assert.Nil(t, log)
	})
}

func TestSegmentedLog_Append(t *testing.T) {
	log, _ := createTempLog(t, 0)

	t.Run("assigns sequential indexes", func(t *testing.T) {
		idx, err := log.Append(&wire.LogEntry{Term: 1, Payload: []byte("a")})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), idx)

		idx, err = log.Append(&wire.LogEntry{Term: 1, Payload: []byte("b")})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), idx)

		assert.Equal(t, uint64(2), log.LastIndex())
		assert.Equal(t, uint64(1), log.LastTerm())
	})

	t.Run("stored entries verify and round-trip", func(t *testing.T) {
		entry, err := log.Entry(1)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), entry.Index)
		assert.Equal(t, uint64(1), entry.Term)
		assert.Equal(t, []byte("a"), entry.Payload)
		assert.True(t, entry.Verify())
	})

	t.Run("missing index returns ErrNotFound", func(t *testing.T) {
		_, err := log.Entry(99)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = log.Entry(0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSegmentedLog_AppendReplicated(t *testing.T) {
	t.Run("accepts contiguous sealed batch", func(t *testing.T) {
		log, _ := createTempLog(t, 0)

		batch := make([]*wire.LogEntry, 0, 3)
		for i := uint64(1); i <= 3; i++ {
			e := &wire.LogEntry{Index: i, Term: 2, Payload: []byte("x")}
			e.Seal()
			batch = append(batch, e)
		}
		require.NoError(t, log.AppendReplicated(batch))
		assert.Equal(t, uint64(3), log.LastIndex())
		assert.Equal(t, uint64(2), log.LastTerm())
	})

	t.Run("rejects batch with bad checksum", func(t *testing.T) {
		log, _ := createTempLog(t, 0)

		e := &wire.LogEntry{Index: 1, Term: 1, Payload: []byte("x")}
		e.Seal()
		e.Payload = []byte("tampered")

		err := log.AppendReplicated([]*wire.LogEntry{e})
		assert.ErrorIs(t, err, ErrCorruptEntry)
		assert.Equal(t, uint64(0), log.LastIndex())
	})

	t.Run("rejects non-contiguous batch", func(t *testing.T) {
		log, _ := createTempLog(t, 0)

		e := &wire.LogEntry{Index: 5, Term: 1, Payload: []byte("x")}
		e.Seal()
		err := log.AppendReplicated([]*wire.LogEntry{e})
		assert.ErrorIs(t, err, ErrOutOfOrder)
	})

	t.Run("rejects gap inside batch", func(t *testing.T) {
		log, _ := createTempLog(t, 0)

		e1 := &wire.LogEntry{Index: 1, Term: 1, Payload: []byte("a")}
		e1.Seal()
		e3 := &wire.LogEntry{Index: 3, Term: 1, Payload: []byte("c")}
		e3.Seal()
		err := log.AppendReplicated([]*wire.LogEntry{e1, e3})
		assert.ErrorIs(t, err, ErrOutOfOrder)
	})
}

func TestSegmentedLog_Entries(t *testing.T) {
	log, _ := createTempLog(t, 0)
	appendEntries(t, log, 1, "a", "b", "c", "d")

	t.Run("returns inclusive range in order", func(t *testing.T) {
		entries, err := log.Entries(2, 4)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, uint64(2), entries[0].Index)
		assert.Equal(t, uint64(4), entries[2].Index)
	})

	t.Run("empty when from exceeds to", func(t *testing.T) {
		entries, err := log.Entries(3, 2)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("errors past the end", func(t *testing.T) {
		_, err := log.Entries(3, 10)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSegmentedLog_Term(t *testing.T) {
	log, _ := createTempLog(t, 0)
	appendEntries(t, log, 3, "a")

	term, err := log.Term(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term)

	term, err = log.Term(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), term)
}

func TestSegmentedLog_Rollover(t *testing.T) {
	// A tiny threshold forces a roll on every append.
	log, _ := createTempLog(t, 1)
	appendEntries(t, log, 1, "aaaa", "bbbb", "cccc")

	t.Run("sealed segments accumulate behind the active one", func(t *testing.T) {
		infos := log.SegmentsBefore(100)
		require.Len(t, infos, 3)
		for _, info := range infos {
			assert.True(t, info.Sealed)
			assert.False(t, info.SealedAt.IsZero())
		}
		assert.Equal(t, uint64(1), infos[0].BaseOffset)
		assert.Equal(t, uint64(1), infos[0].LastIndex)
	})

	t.Run("reads span segment boundaries", func(t *testing.T) {
		entries, err := log.Entries(1, 3)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, []byte("bbbb"), entries[1].Payload)
	})
}

func TestSegmentedLog_TruncateFrom(t *testing.T) {
	t.Run("discards suffix within the active segment", func(t *testing.T) {
		log, _ := createTempLog(t, 0)
		appendEntries(t, log, 1, "a", "b", "c")

		require.NoError(t, log.TruncateFrom(2))
		assert.Equal(t, uint64(1), log.LastIndex())
		assert.Equal(t, uint64(1), log.LastTerm())

		_, err := log.Entry(2)
		assert.ErrorIs(t, err, ErrNotFound)

		// The log accepts appends again at the truncation point.
		idx, err := log.Append(&wire.LogEntry{Term: 2, Payload: []byte("b2")})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), idx)
		assert.Equal(t, uint64(2), log.LastTerm())
	})

	t.Run("discards whole trailing segments", func(t *testing.T) {
		log, _ := createTempLog(t, 1)
		appendEntries(t, log, 1, "aaaa", "bbbb", "cccc", "dddd")

		require.NoError(t, log.TruncateFrom(2))
		assert.Equal(t, uint64(1), log.LastIndex())

		idx, err := log.Append(&wire.LogEntry{Term: 2, Payload: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), idx)
	})

	t.Run("no-op above the last index", func(t *testing.T) {
		log, _ := createTempLog(t, 0)
		appendEntries(t, log, 1, "a")

		require.NoError(t, log.TruncateFrom(10))
		assert.Equal(t, uint64(1), log.LastIndex())
	})

	t.Run("truncating the whole log resets the last term", func(t *testing.T) {
		log, _ := createTempLog(t, 0)
		appendEntries(t, log, 1, "a", "b")

		require.NoError(t, log.TruncateFrom(1))
		assert.Equal(t, uint64(0), log.LastIndex())
		assert.Equal(t, uint64(0), log.LastTerm())
	})

	t.Run("rejects truncation below the first retained index", func(t *testing.T) {
		log, _ := createTempLog(t, 1)
		appendEntries(t, log, 1, "aaaa", "bbbb", "cccc")
		require.NoError(t, log.DeleteSegment(1))

		err := log.TruncateFrom(1)
		assert.ErrorIs(t, err, ErrCompacted)
	})
}

func TestSegmentedLog_DeleteSegment(t *testing.T) {
	log, _ := createTempLog(t, 1)
	appendEntries(t, log, 1, "aaaa", "bbbb", "cccc")

	t.Run("only the oldest segment may go", func(t *testing.T) {
		err := log.DeleteSegment(2)
		assert.Error(t, err)
	})

	t.Run("deletes the oldest sealed segment", func(t *testing.T) {
		require.NoError(t, log.DeleteSegment(1))
		assert.Equal(t, uint64(2), log.FirstIndex())

		_, err := log.Entry(1)
		assert.ErrorIs(t, err, ErrCompacted)

		// Later entries are untouched.
		entry, err := log.Entry(2)
		require.NoError(t, err)
		assert.Equal(t, []byte("bbbb"), entry.Payload)
	})
}

func TestSegmentedLog_Reopen(t *testing.T) {
	tmpDir := t.TempDir()

	log, err := OpenSegmentedLog(tmpDir, 1)
	require.NoError(t, err)
	appendEntries(t, log, 4, "aaaa", "bbbb", "cccc")
	require.NoError(t, log.Close())

	reopened, err := OpenSegmentedLog(tmpDir, 1)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(3), reopened.LastIndex())
	assert.Equal(t, uint64(4), reopened.LastTerm())
	assert.Equal(t, uint64(1), reopened.FirstIndex())

	entries, err := reopened.Entries(1, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("cccc"), entries[2].Payload)

	// Appends continue where the previous incarnation stopped.
	idx, err := reopened.Append(&wire.LogEntry{Term: 5, Payload: []byte("dddd")})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), idx)
}

func TestSegmentedLog_DetectsOnDiskCorruption(t *testing.T) {
	tmpDir := t.TempDir()

	log, err := OpenSegmentedLog(tmpDir, 0)
	require.NoError(t, err)
	appendEntries(t, log, 1, "original")
	require.NoError(t, log.Close())

	// Rewrite the stored entry with a payload that no longer matches its checksum,
	// simulating silent on-disk damage.
	path := segmentPath(tmpDir, 1)
	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	err = db.Update(func(tx *bbolt.Tx) error {
		stored := &wire.LogEntry{}
		key := uint64ToBytes(1)
		require.NoError(t, wire.Unmarshal(tx.Bucket(entriesBucket).Get(key), stored))
		stored.Payload = []byte("flipped")
		return tx.Bucket(entriesBucket).Put(key, wire.Marshal(stored))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := OpenSegmentedLog(tmpDir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Entry(1)
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestSegmentedLog_RecoversWhenAllSegmentsSealed(t *testing.T) {
	tmpDir := t.TempDir()

	log, err := OpenSegmentedLog(tmpDir, 1)
	require.NoError(t, err)
	appendEntries(t, log, 1, "aaaa")
	require.NoError(t, log.Close())

	// Remove the empty successor so only the sealed segment remains, as if the process
	// died between sealing and creating the next segment.
	require.NoError(t, os.Remove(segmentPath(tmpDir, 2)))

	reopened, err := OpenSegmentedLog(tmpDir, 1)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(1), reopened.LastIndex())
	idx, err := reopened.Append(&wire.LogEntry{Term: 1, Payload: []byte("bbbb")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)
}
