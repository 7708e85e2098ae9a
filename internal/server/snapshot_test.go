package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumlog/internal/statemachine"
	"quorumlog/internal/wire"
)

// newSnapshottingServer builds a single-node server over dataDir with an aggressive
// snapshot interval, returning the state machine so tests can inspect restored state.
func newSnapshottingServer(t *testing.T, dataDir string, interval uint64) (*Server, *statemachine.KVStateMachine) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Server.ID = "server-1"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.DataDir = dataDir
	cfg.Storage.SnapshotIntervalEntries = interval
	require.NoError(t, cfg.Validate())

	sm := statemachine.NewKVStateMachine(zerolog.Nop())
	s, err := NewServer(cfg, sm, nil, zerolog.Nop())
	require.NoError(t, err)

	s.wg.Add(1)
	go s.applyLoopJob()

	t.Cleanup(s.Shutdown)
	return s, sm
}

func TestSnapshot_TakenAfterIntervalApplies(t *testing.T) {
	s, _ := newSnapshottingServer(t, t.TempDir(), 3)
	electLeader(t, s)

	for i := 0; i < 5; i++ {
		resp := submit(t, s, "client-1", uint64(i+1), fmt.Sprintf("SET k%d=%d", i, i))
		require.Equal(t, wire.SubmitOK, resp.Status)
	}

	require.Eventually(t, func() bool {
		snap, err := s.snapshots.Latest()
		return err == nil && snap != nil
	}, time.Second, 10*time.Millisecond)

	snap, err := s.snapshots.Latest()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.LastIncludedIndex, uint64(3))
	assert.LessOrEqual(t, snap.LastIncludedIndex, s.getLastApplied())
}

func TestSnapshot_RecoveryAfterRestart(t *testing.T) {
	dataDir := t.TempDir()

	s1, _ := newSnapshottingServer(t, dataDir, 3)
	electLeader(t, s1)

	for i := 0; i < 5; i++ {
		resp := submit(t, s1, "client-1", uint64(i+1), fmt.Sprintf("SET k%d=%d", i, i))
		require.Equal(t, wire.SubmitOK, resp.Status)
	}
	require.Eventually(t, func() bool {
		snap, err := s1.snapshots.Latest()
		return err == nil && snap != nil
	}, time.Second, 10*time.Millisecond)

	term := s1.getCurrentTerm()
	lastIndex := s1.log.LastIndex()
	s1.Shutdown()

	s2, sm2 := newSnapshottingServer(t, dataDir, 3)

	// Durable identity survives.
	assert.Equal(t, term, s2.getCurrentTerm())
	assert.Equal(t, lastIndex, s2.log.LastIndex())

	// The machine state from the snapshot is back without replaying anything.
	snap, err := s2.snapshots.Latest()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, snap.LastIncludedIndex, s2.getLastApplied())
	assert.Equal(t, snap.LastIncludedIndex, s2.getCommitIndex())
	for i := uint64(1); i <= snap.LastIncludedIndex-1 && i <= 5; i++ {
		// Entry 1 is the term barrier; client writes start at index 2.
		value, ok := sm2.Get(fmt.Sprintf("k%d", i-1))
		require.True(t, ok, "k%d missing after restore", i-1)
		assert.Equal(t, fmt.Sprintf("%d", i-1), value)
	}

	// The request table traveled inside the snapshot, so an old retry still hits.
	_, seen := s2.requests.lookup("client-1", 1)
	assert.True(t, seen)

	// Once re-elected, the restarted server re-learns the high-water mark and
	// re-applies anything stored above the snapshot.
	electLeader(t, s2)
	require.Eventually(t, func() bool {
		return s2.getLastApplied() == s2.log.LastIndex()
	}, time.Second, 10*time.Millisecond)
	value, ok := sm2.Get("k4")
	require.True(t, ok)
	assert.Equal(t, "4", value)
}
