package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"quorumlog/internal/wire"
)

// electLeader drives a single-node server through an election and waits for its
// term barrier entry to commit, after which submissions can flow.
func electLeader(t *testing.T, s *Server) {
	t.Helper()
	s.BeginElection()
	require.Equal(t, Leader, s.getState())
	require.Eventually(t, func() bool {
		return s.getCommitIndex() >= 1
	}, time.Second, 5*time.Millisecond)
}

func submit(t *testing.T, s *Server, clientID string, requestID uint64, command string) *wire.ClientSubmitResponse {
	t.Helper()
	resp, err := s.ClientSubmit(context.Background(), &wire.ClientSubmitRequest{
		ClientID:  clientID,
		RequestID: requestID,
		Payload:   []byte(command),
	})
	require.NoError(t, err)
	return resp
}

func TestClientSubmit_Leader(t *testing.T) {
	s := newTestServer(t, "server-1")
	electLeader(t, s)

	t.Run("a committed command returns the machine's response", func(t *testing.T) {
		resp := submit(t, s, "client-1", 1, "SET color=blue")
		assert.Equal(t, wire.SubmitOK, resp.Status)
		assert.Equal(t, []byte("OK"), resp.Response)

		resp = submit(t, s, "client-1", 2, "GET color")
		assert.Equal(t, wire.SubmitOK, resp.Status)
		assert.Equal(t, []byte("blue"), resp.Response)
	})

	t.Run("commands are ordered by submission", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			resp := submit(t, s, "client-2", uint64(i+1), fmt.Sprintf("SET n=%d", i))
			require.Equal(t, wire.SubmitOK, resp.Status)
		}
		resp := submit(t, s, "client-2", 6, "GET n")
		assert.Equal(t, []byte("4"), resp.Response)
	})
}

func TestClientSubmit_Deduplication(t *testing.T) {
	s := newTestServer(t, "server-1")
	electLeader(t, s)

	resp := submit(t, s, "client-1", 1, "SET hits=1")
	require.Equal(t, wire.SubmitOK, resp.Status)
	tail := s.log.LastIndex()

	// The retry returns the recorded response without appending anything.
	resp = submit(t, s, "client-1", 1, "SET hits=1")
	assert.Equal(t, wire.SubmitOK, resp.Status)
	assert.Equal(t, []byte("OK"), resp.Response)
	assert.Equal(t, tail, s.log.LastIndex())

	// A different client reusing the same request id is not deduplicated against it.
	resp = submit(t, s, "client-2", 1, "SET hits=2")
	assert.Equal(t, wire.SubmitOK, resp.Status)
	assert.Equal(t, tail+1, s.log.LastIndex())
}

func TestClientSubmit_AckEvictsResponses(t *testing.T) {
	s := newTestServer(t, "server-1")
	electLeader(t, s)

	resp := submit(t, s, "client-1", 1, "SET a=1")
	require.Equal(t, wire.SubmitOK, resp.Status)

	// The client acknowledges request 1 while submitting request 2.
	resp, err := s.ClientSubmit(context.Background(), &wire.ClientSubmitRequest{
		ClientID:  "client-1",
		RequestID: 2,
		Payload:   []byte("SET b=2"),
		AckUpTo:   1,
	})
	require.NoError(t, err)
	require.Equal(t, wire.SubmitOK, resp.Status)

	// Request 1 is still known as executed, but its response bytes are gone.
	response, seen := s.requests.lookup("client-1", 1)
	assert.True(t, seen)
	assert.Nil(t, response)
}

func TestClientSubmit_NotLeader(t *testing.T) {
	s := newTestServer(t, "server-1", "server-2", "server-3")

	// Learn who leads from a heartbeat, then redirect the client there.
	_, err := s.AppendEntries(context.Background(), &wire.AppendEntriesRequest{
		Term:     1,
		LeaderID: "server-2",
	})
	require.NoError(t, err)

	resp, err := s.ClientSubmit(context.Background(), &wire.ClientSubmitRequest{
		ClientID:  "client-1",
		RequestID: 1,
		Payload:   []byte("SET a=1"),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.SubmitNotLeader, resp.Status)
	assert.Equal(t, "server-2", resp.LeaderID)
}

func TestClientSubmit_Halted(t *testing.T) {
	s := newTestServer(t, "server-1")
	electLeader(t, s)
	s.haltServer(ErrHalted)

	_, err := s.ClientSubmit(context.Background(), &wire.ClientSubmitRequest{
		ClientID:  "client-1",
		RequestID: 1,
		Payload:   []byte("SET a=1"),
	})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestClientSubmit_CanceledContext(t *testing.T) {
	s := newTestServer(t, "server-1", "server-2", "server-3")
	// Force leadership without reachable peers so the entry can never commit.
	s.BeginElection()
	s.setState(Leader)
	s.setLeaderID(s.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ClientSubmit(ctx, &wire.ClientSubmitRequest{
		ClientID:  "client-1",
		RequestID: 1,
		Payload:   []byte("SET a=1"),
	})
	require.Error(t, err)
	assert.Equal(t, codes.Canceled, status.Code(err))
}
