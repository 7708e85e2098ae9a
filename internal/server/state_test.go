package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServerState_Roles(t *testing.T) {
	s := &serverState{state: Follower}

	assert.Equal(t, Follower, s.getState())
	s.setState(Candidate)
	assert.Equal(t, Candidate, s.getState())
	s.setState(Leader)
	assert.Equal(t, Leader, s.getState())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Follower", Follower.String())
	assert.Equal(t, "Candidate", Candidate.String())
	assert.Equal(t, "Leader", Leader.String())
	assert.Equal(t, "Unknown", State(99).String())
}

func TestServerState_TermAndVote(t *testing.T) {
	s := &serverState{}

	assert.Equal(t, uint64(0), s.getCurrentTerm())
	s.setCurrentTerm(3)
	assert.Equal(t, uint64(3), s.getCurrentTerm())

	assert.Nil(t, s.getVotedFor())
	id := ServerID("server-2")
	s.setVotedFor(&id)
	assert.Equal(t, id, *s.getVotedFor())
	s.setVotedFor(nil)
	assert.Nil(t, s.getVotedFor())
}

func TestServerState_CommitIndexIsMonotonic(t *testing.T) {
	s := &serverState{}

	assert.True(t, s.advanceCommitIndex(5))
	assert.Equal(t, uint64(5), s.getCommitIndex())

	// Moving backwards or standing still is refused.
	assert.False(t, s.advanceCommitIndex(3))
	assert.False(t, s.advanceCommitIndex(5))
	assert.Equal(t, uint64(5), s.getCommitIndex())

	assert.True(t, s.advanceCommitIndex(6))
	assert.Equal(t, uint64(6), s.getCommitIndex())
}

func TestServerState_VoteCounting(t *testing.T) {
	s := &serverState{}

	s.setGrantedVotesTotal(1)
	assert.Equal(t, uint64(2), s.incrementGrantedVotesTotal())
	assert.Equal(t, uint64(3), s.incrementGrantedVotesTotal())
	assert.Equal(t, uint64(3), s.getGrantedVotesTotal())
}

func TestServerState_LeaderContact(t *testing.T) {
	s := &serverState{}
	assert.True(t, s.getLastLeaderContact().IsZero())

	before := time.Now()
	s.touchLeaderContact()
	contact := s.getLastLeaderContact()
	assert.False(t, contact.Before(before))
}

func TestServerState_HaltIsSticky(t *testing.T) {
	s := &serverState{}
	assert.False(t, s.isHalted())

	// Only the first halt reports the transition, so the event fires once.
	assert.True(t, s.halt())
	assert.False(t, s.halt())
	assert.True(t, s.isHalted())
}
