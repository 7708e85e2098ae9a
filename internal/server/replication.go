package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"quorumlog/internal/pubsub"
	"quorumlog/internal/wire"
)

// maxBatchEntries bounds how many entries one AppendEntries frame carries. Large
// backlogs are shipped as a sequence of batches rather than one huge RPC.
const maxBatchEntries = 64

// leaderProgress tracks, per follower, how far replication has advanced. It only has
// meaning while this server is leader and is reinitialized on every election win.
type leaderProgress struct {
	mu sync.Mutex
	// nextIndex is the index of the next entry to send to each follower, optimistic
	// until the first conflict response corrects it.
	nextIndex map[ServerID]uint64
	// matchIndex is the highest index known to be durably stored on each follower.
	matchIndex map[ServerID]uint64
}

func newLeaderProgress(peers []ServerID, lastIndex uint64) *leaderProgress {
	p := &leaderProgress{
		nextIndex:  make(map[ServerID]uint64, len(peers)),
		matchIndex: make(map[ServerID]uint64, len(peers)),
	}
	for _, peer := range peers {
		p.nextIndex[peer] = lastIndex + 1
		p.matchIndex[peer] = 0
	}
	return p
}

func (p *leaderProgress) next(peer ServerID) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextIndex[peer]
}

func (p *leaderProgress) setNext(peer ServerID, index uint64) {
	if index < 1 {
		index = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextIndex[peer] = index
}

// recordSuccess moves both cursors after a follower acknowledged entries up to match.
func (p *leaderProgress) recordSuccess(peer ServerID, match uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if match > p.matchIndex[peer] {
		p.matchIndex[peer] = match
	}
	if match+1 > p.nextIndex[peer] {
		p.nextIndex[peer] = match + 1
	}
}

func (p *leaderProgress) matches() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.matchIndex))
	for _, m := range p.matchIndex {
		out = append(out, m)
	}
	return out
}

// replicator drives one follower's log towards the leader's. It retries failed sends
// with capped backoff for as long as the leadership that spawned it lasts; a follower
// being down never blocks the others or the commit path.
type replicator struct {
	server *Server
	peerID ServerID
	// term is the leadership term this replicator serves. The replicator stops itself
	// the moment the server's term moves past it.
	term uint64
	// progress is this term's progress table, captured at creation. Responses observed
	// after the term is over update a table nobody reads anymore instead of the
	// successor leadership's.
	progress *leaderProgress

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newReplicator(server *Server, peerID ServerID, term uint64, progress *leaderProgress) *replicator {
	r := &replicator{
		server:   server,
		peerID:   peerID,
		term:     term,
		progress: progress,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	server.wg.Add(1)
	go r.run()
	return r
}

// notify wakes the replicator; coalesced, so a burst of appends costs one wakeup.
func (r *replicator) notify() {
	select {
	case r.notifyCh <- struct{}{}:
	default:
	}
}

// stop is non-blocking: a replicator may trigger its own stop through a step-down, so
// waiting here would deadlock. The server's WaitGroup tracks goroutine exit.
func (r *replicator) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *replicator) run() {
	defer r.server.wg.Done()

	backoffAttempt := 0
	for {
		select {
		case <-r.notifyCh:
		case <-r.stopCh:
			return
		}

		for {
			if r.server.getState() != Leader || r.server.getCurrentTerm() != r.term || r.server.isHalted() {
				return
			}
			if r.progress.next(r.peerID) > r.server.log.LastIndex() {
				// Follower is caught up; wait for the next append.
				break
			}

			if err := r.replicateOnce(); err != nil {
				backoffAttempt++
				select {
				case <-time.After(retryBackoff(backoffAttempt - 1)):
				case <-r.stopCh:
					return
				}
				continue
			}
			backoffAttempt = 0
		}
	}
}

// replicateOnce ships one batch starting at the follower's nextIndex and processes the
// response. A transport failure is returned to the caller for backoff; a conflict
// response is handled here by moving nextIndex and is not an error.
func (r *replicator) replicateOnce() error {
	s := r.server

	next := r.progress.next(r.peerID)
	if first := s.log.FirstIndex(); next < first {
		// The entries this follower needs were compacted away. It has to recover from
		// a snapshot out of band; meanwhile keep it alive from the first retained
		// entry so it at least learns the current high-water mark.
		s.logger.Warn().
			Str("peer", string(r.peerID)).
			Uint64("next", next).
			Uint64("firstRetained", first).
			Msg("follower needs compacted entries")
		r.progress.setNext(r.peerID, first)
		next = first
	}

	last := s.log.LastIndex()
	to := next + maxBatchEntries - 1
	if to > last {
		to = last
	}

	prevIndex := next - 1
	prevTerm, err := s.termAt(prevIndex)
	if err != nil {
		return err
	}
	entries, err := s.log.Entries(next, to)
	if err != nil {
		return err
	}

	req := &wire.AppendEntriesRequest{
		Term:          r.term,
		LeaderID:      string(s.ID),
		PrevLogIndex:  prevIndex,
		PrevLogTerm:   prevTerm,
		Entries:       entries,
		HighWaterMark: s.getCommitIndex(),
	}
	resp, err := s.transport.AppendEntries(context.Background(), r.peerID, req)
	if err != nil {
		return err
	}

	if resp.Term > r.term {
		s.stepDownToTerm(resp.Term, "")
		return nil
	}

	if resp.Success {
		r.progress.recordSuccess(r.peerID, to)
		s.maybeAdvanceCommit()
		return nil
	}

	// Consistency check failed; the follower told us where to resume.
	if resp.ConflictIndex > 0 {
		r.progress.setNext(r.peerID, resp.ConflictIndex)
	} else if prevIndex > 0 {
		r.progress.setNext(r.peerID, prevIndex)
	}
	return nil
}

// quorumSize is the number of servers (including this one) that must store an entry
// before it is committed.
func (s *Server) quorumSize() int {
	return (len(s.peers)+1)/2 + 1
}

// maybeAdvanceCommit re-evaluates the high-water mark from the replication progress.
// The candidate is the largest index stored on a quorum; it only commits if the entry
// at that index belongs to the current term, which transitively commits everything
// below it. Committing older-term entries by counting replicas alone is unsafe: a
// later leader could still overwrite them.
func (s *Server) maybeAdvanceCommit() {
	if s.getState() != Leader || s.isHalted() {
		return
	}

	// Read the pointer under the lock that guards its reassignment; the candidate is
	// always computed from the table of the leadership in force right now.
	s.replMu.Lock()
	progress := s.progress
	s.replMu.Unlock()

	matches := progress.matches()
	matches = append(matches, s.log.LastIndex())
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	candidate := matches[s.quorumSize()-1]
	commit := s.getCommitIndex()
	if candidate <= commit {
		return
	}

	term, err := s.termAt(candidate)
	if err != nil {
		s.logger.Error().Err(err).Uint64("index", candidate).Msg("failed to read term for commit check")
		return
	}
	if term != s.getCurrentTerm() {
		return
	}

	if s.advanceCommitIndex(candidate) {
		s.metrics.RecordCommitted(candidate-commit, candidate)
		pubsub.Publish(s.bus, &pubsub.Event[CommitAdvancedPayload]{
			Type:    CommitAdvanced,
			Payload: CommitAdvancedPayload{HighWaterMark: candidate, Term: s.getCurrentTerm()},
		})
		s.signalApply()
	}
}

// notifyReplicators wakes every follower replicator after a local append.
func (s *Server) notifyReplicators() {
	s.replMu.Lock()
	defer s.replMu.Unlock()
	for _, r := range s.replicators {
		r.notify()
	}
}

// nudgeReplicator points one follower's cursor at a conflict hint and wakes it. Used
// when a heartbeat response reveals the follower is behind. The caller passes the
// progress table of the term the response belongs to.
func (s *Server) nudgeReplicator(progress *leaderProgress, peerID ServerID, conflictIndex uint64) {
	if conflictIndex > 0 {
		progress.setNext(peerID, conflictIndex)
	}
	s.replMu.Lock()
	r := s.replicators[peerID]
	s.replMu.Unlock()
	if r != nil {
		r.notify()
	}
}

func (s *Server) startReplicators(term uint64) {
	s.replMu.Lock()
	defer s.replMu.Unlock()
	s.replicators = make(map[ServerID]*replicator, len(s.peers))
	for _, peer := range s.peers {
		s.replicators[peer] = newReplicator(s, peer, term, s.progress)
	}
}

func (s *Server) stopReplicators() {
	s.replMu.Lock()
	replicators := s.replicators
	s.replicators = nil
	s.replMu.Unlock()
	for _, r := range replicators {
		r.stop()
	}
}
