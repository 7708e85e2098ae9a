package server

import (
	"sync"
	"time"
)

// serverState is the container for the volatile per-server variables. It provides an
// interface to read and update them in a thread-safe manner. Durable state (term, vote)
// is written to stable storage before the corresponding field here changes.
type serverState struct {
	// Protects all fields below
	mu sync.RWMutex

	// The role of the server. A server always boots as a Follower.
	state State
	// The latest term the server has seen. A logical clock used to detect obsolete
	// information such as stale leaders; it only ever increases.
	currentTerm uint64
	// The candidate this server granted its vote to in currentTerm, nil when no vote
	// has been cast yet.
	votedFor *ServerID
	// The server currently believed to be leader, empty when unknown.
	leaderID ServerID

	// commitIndex is the high-water mark: the highest log index known to be replicated
	// on a quorum. It never moves backwards.
	commitIndex uint64
	// lastApplied is the highest log index handed to the state machine.
	lastApplied uint64

	// electionTimeout is the randomized period of leader silence this server tolerates
	// before starting an election. Re-randomized for every election round.
	electionTimeout time.Duration
	// grantedVotesTotal counts votes received in the current election round.
	grantedVotesTotal uint64
	// lastLeaderContact records when a valid leader message last arrived.
	lastLeaderContact time.Time

	// halted is set when an unrecoverable consistency violation is detected. A halted
	// server refuses all further operations until an operator intervenes.
	halted bool
}

func (s *serverState) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *serverState) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *serverState) getCurrentTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTerm
}

func (s *serverState) setCurrentTerm(term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm = term
}

func (s *serverState) getVotedFor() *ServerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor
}

func (s *serverState) setVotedFor(id *ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
}

func (s *serverState) getLeaderID() ServerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderID
}

func (s *serverState) setLeaderID(id ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderID = id
}

func (s *serverState) getCommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitIndex
}

// advanceCommitIndex moves the high-water mark forward, never backward. Returns true
// when the value actually changed.
func (s *serverState) advanceCommitIndex(index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.commitIndex {
		return false
	}
	s.commitIndex = index
	return true
}

func (s *serverState) getLastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

func (s *serverState) setLastApplied(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastApplied = index
}

func (s *serverState) getElectionTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.electionTimeout
}

func (s *serverState) setElectionTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.electionTimeout = timeout
}

func (s *serverState) getGrantedVotesTotal() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grantedVotesTotal
}

func (s *serverState) setGrantedVotesTotal(votes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantedVotesTotal = votes
}

func (s *serverState) incrementGrantedVotesTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantedVotesTotal++
	return s.grantedVotesTotal
}

func (s *serverState) getLastLeaderContact() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLeaderContact
}

func (s *serverState) touchLeaderContact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLeaderContact = time.Now()
}

func (s *serverState) isHalted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// halt marks the server frozen. Returns true on the first call so the caller can emit
// the halt event exactly once.
func (s *serverState) halt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return false
	}
	s.halted = true
	return true
}
