package storage

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumlog/internal/wire"
)

// sealedSegmentLog builds a log where every entry lives in its own sealed segment,
// which gives retention several deletion candidates to work with.
func sealedSegmentLog(t *testing.T, entries int) *SegmentedLog {
	t.Helper()
	log, _ := createTempLog(t, 1)
	for i := 0; i < entries; i++ {
		_, err := log.Append(&wire.LogEntry{Term: 1, Payload: []byte("payload")})
		require.NoError(t, err)
	}
	return log
}

func TestRetentionController_Sweep(t *testing.T) {
	t.Run("keeps everything until a snapshot exists", func(t *testing.T) {
		log := sealedSegmentLog(t, 3)
		snaps, err := OpenSnapshotStore(t.TempDir())
		require.NoError(t, err)

		rc := NewRetentionController(log, snaps, RetainBySnapshot, 0, zerolog.Nop())
		deleted, err := rc.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
		assert.Equal(t, uint64(1), log.FirstIndex())
	})

	t.Run("deletes segments covered by the snapshot", func(t *testing.T) {
		log := sealedSegmentLog(t, 4)
		snaps, err := OpenSnapshotStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, snaps.Save(&wire.Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 1}))

		rc := NewRetentionController(log, snaps, RetainBySnapshot, 0, zerolog.Nop())
		deleted, err := rc.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)
		assert.Equal(t, uint64(3), log.FirstIndex())
		assert.Equal(t, uint64(4), log.LastIndex())

		// Entries above the snapshot survive intact.
		entry, err := log.Entry(3)
		require.NoError(t, err)
		assert.True(t, entry.Verify())
	})

	t.Run("sweep is idempotent", func(t *testing.T) {
		log := sealedSegmentLog(t, 3)
		snaps, err := OpenSnapshotStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, snaps.Save(&wire.Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 1}))

		rc := NewRetentionController(log, snaps, RetainBySnapshot, 0, zerolog.Nop())
		_, err = rc.Sweep()
		require.NoError(t, err)

		deleted, err := rc.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})

	t.Run("time policy keeps recently sealed segments", func(t *testing.T) {
		log := sealedSegmentLog(t, 3)
		snaps, err := OpenSnapshotStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, snaps.Save(&wire.Snapshot{LastIncludedIndex: 3, LastIncludedTerm: 1}))

		// Everything was sealed moments ago, so a one-hour window retains it all.
		rc := NewRetentionController(log, snaps, RetainByTime, time.Hour, zerolog.Nop())
		deleted, err := rc.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
		assert.Equal(t, uint64(1), log.FirstIndex())
	})

	t.Run("time policy deletes once the window has passed", func(t *testing.T) {
		log := sealedSegmentLog(t, 3)
		snaps, err := OpenSnapshotStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, snaps.Save(&wire.Snapshot{LastIncludedIndex: 3, LastIncludedTerm: 1}))

		rc := NewRetentionController(log, snaps, RetainByTime, 0, zerolog.Nop())
		deleted, err := rc.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 3, deleted)
		assert.Equal(t, uint64(4), log.FirstIndex())
	})

	t.Run("time policy still requires a covering snapshot", func(t *testing.T) {
		log := sealedSegmentLog(t, 3)
		snaps, err := OpenSnapshotStore(t.TempDir())
		require.NoError(t, err)

		rc := NewRetentionController(log, snaps, RetainByTime, 0, zerolog.Nop())
		deleted, err := rc.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})
}

func TestRetentionController_Run(t *testing.T) {
	log := sealedSegmentLog(t, 3)
	snaps, err := OpenSnapshotStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, snaps.Save(&wire.Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 1}))

	rc := NewRetentionController(log, snaps, RetainBySnapshot, 0, zerolog.Nop())
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		rc.Run(5*time.Millisecond, stopCh)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return log.FirstIndex() == 3
	}, time.Second, 5*time.Millisecond)

	close(stopCh)
	<-done
}
