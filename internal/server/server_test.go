package server

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quorumlog/internal/statemachine"
	"quorumlog/internal/wire"
)

// newTestServer builds a server over real storage in a temp directory, without the
// gRPC listener. Handlers are exercised by direct calls; the apply loop runs so
// committed entries reach the state machine.
func newTestServer(t *testing.T, id string, peerIDs ...string) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Server.ID = id
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.DataDir = t.TempDir()
	for _, peer := range peerIDs {
		cfg.Cluster.Peers = append(cfg.Cluster.Peers, PeerConfig{ID: peer, Addr: "127.0.0.1:1"})
	}
	require.NoError(t, cfg.Validate())

	sm := statemachine.NewKVStateMachine(zerolog.Nop())
	s, err := NewServer(cfg, sm, nil, zerolog.Nop())
	require.NoError(t, err)

	s.wg.Add(1)
	go s.applyLoopJob()

	t.Cleanup(s.Shutdown)
	return s
}

// sealedEntry builds an entry the way a leader would ship it.
func sealedEntry(index, term uint64, payload string) *wire.LogEntry {
	e := &wire.LogEntry{Index: index, Term: term, Payload: []byte(payload)}
	e.Seal()
	return e
}
