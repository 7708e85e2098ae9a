package server

import (
	"context"
	"time"

	"quorumlog/internal/pubsub"
	"quorumlog/internal/wire"
)

/*
Background jobs of a running server. Every job subscribes to ServerShutDown (or watches
the server stop channel) so goroutines exit cleanly instead of leaking.
*/

// trackElectionTimeoutJob watches the election timer and publishes an event when it
// expires. It should be called as a goroutine. The listener is responsible for
// resetting the timer; until then this loop blocks on the drained timer channel.
func (s *Server) trackElectionTimeoutJob() {
	defer s.wg.Done()

	for {
		select {
		case <-s.electionTimeoutTimer.C:
			pubsub.Publish(s.bus, &pubsub.Event[time.Time]{
				Type:    ElectionTimeoutExpired,
				Payload: time.Now(),
			})
		case <-s.stopCh:
			s.electionTimeoutTimer.Stop()
			return
		}
	}
}

// runHeartbeatsJob announces leadership at the heartbeat interval for as long as the
// given term's leadership lasts. Heartbeats carry the leader's tail position and the
// high-water mark; a follower whose log does not reach the tail answers with a conflict
// hint, which is how lagging followers get picked up by their replicator between
// client submissions.
func (s *Server) runHeartbeatsJob(term uint64, progress *leaderProgress) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Timing.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.getState() != Leader || s.getCurrentTerm() != term || s.isHalted() {
				return
			}
			s.broadcastHeartbeats(term, progress)
		case <-s.stopCh:
			return
		}
	}
}

// broadcastHeartbeats fans one heartbeat round out to every peer. Responses are
// recorded against the progress table of the term that sent them; a reply that arrives
// after this leadership ended updates a table no commit decision reads anymore.
func (s *Server) broadcastHeartbeats(term uint64, progress *leaderProgress) {
	lastIndex := s.log.LastIndex()
	lastTerm := s.log.LastTerm()

	req := &wire.AppendEntriesRequest{
		Term:          term,
		LeaderID:      string(s.ID),
		PrevLogIndex:  lastIndex,
		PrevLogTerm:   lastTerm,
		HighWaterMark: s.getCommitIndex(),
	}

	for _, peer := range s.peers {
		go func(peerID ServerID) {
			resp, err := s.transport.AppendEntries(context.Background(), peerID, req)
			if err != nil {
				// Missed heartbeats are expected while a peer is down; the failure
				// detector on the follower side owns the consequences.
				return
			}
			if resp.Term > term {
				s.stepDownToTerm(resp.Term, "")
				return
			}
			if resp.Success {
				progress.recordSuccess(peerID, resp.MatchIndex)
				s.maybeAdvanceCommit()
			} else {
				s.nudgeReplicator(progress, peerID, resp.ConflictIndex)
			}
		}(peer)
	}
}

// applyLoopJob drains committed-but-unapplied entries into the state machine. It is
// the only goroutine that touches lastApplied, the state machine, and the request
// table, which keeps the apply path strictly ordered.
func (s *Server) applyLoopJob() {
	defer s.wg.Done()

	for {
		select {
		case <-s.applyCh:
			s.applyCommitted()
		case <-s.stopCh:
			return
		}
	}
}

// signalApply wakes the apply loop; coalesced.
func (s *Server) signalApply() {
	select {
	case s.applyCh <- struct{}{}:
	default:
	}
}

// orchestratorJob reacts to election timeout events: a follower or candidate that
// heard nothing from a leader starts (or restarts) an election. A leader ignores the
// event; its timer is only running vestigially.
func (s *Server) orchestratorJob() {
	defer s.wg.Done()

	timeoutCh := make(chan *pubsub.Event[time.Time], 1)
	pubsub.Subscribe(s.bus, ElectionTimeoutExpired, timeoutCh, pubsub.SubscriptionOptions{})

	for {
		select {
		case <-timeoutCh:
			if s.isHalted() {
				continue
			}
			if state := s.getState(); state == Follower || state == Candidate {
				s.BeginElection()
			}
		case <-s.stopCh:
			return
		}
	}
}
