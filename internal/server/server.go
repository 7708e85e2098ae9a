package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"quorumlog/internal/pubsub"
	"quorumlog/internal/statemachine"
	"quorumlog/internal/storage"
	"quorumlog/internal/wire"
)

// Server is one member of a replicated log cluster. It embeds the RPC surface, the
// volatile state container, and owns the durable stores, the transport, and every
// background job of the node.
type Server struct {
	wire.UnimplementedReplicationServer
	serverState

	// The ID of the server in the cluster.
	ID ServerID
	// The network address the server listens on.
	Address ServerAddress

	config    *Config
	log       storage.LogStore
	stable    storage.StableStore
	snapshots *storage.SnapshotStore
	sm        statemachine.StateMachine
	retention *storage.RetentionController

	transport  *Transport
	peers      []ServerID
	grpcServer *grpc.Server

	// The timer behind the failure detector: reset on every valid leader contact,
	// expiry means the leader is presumed dead.
	electionTimeoutTimer *time.Timer

	bus     *pubsub.Bus
	metrics MetricsCollector
	logger  zerolog.Logger

	pipeline *pipeline
	requests *requestTable

	progress    *leaderProgress
	replMu      sync.Mutex
	replicators map[ServerID]*replicator

	snapMu        sync.Mutex
	lastSnapIndex uint64
	lastSnapTerm  uint64

	// Touched only by the apply loop.
	appliedSinceSnapshot uint64
	lastAppliedTerm      uint64

	fetchInFlight atomic.Bool

	applyCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// snapshotEnvelope is what actually goes into a snapshot file: the state machine's
// serialized state plus the request dedup table, which must survive compaction with it.
type snapshotEnvelope struct {
	Machine  []byte                    `json:"machine"`
	Requests map[string]clientSnapshot `json:"requests"`
}

// NewServer opens the durable stores under the configured data directory and recovers
// the server's state: persisted term and vote, the segmented log, and the latest
// snapshot. The commit position is deliberately NOT recovered above the snapshot --
// entries past it are only re-applied once the high-water mark is re-learned from a
// live quorum, because locally stored entries may never have been committed.
func NewServer(cfg *Config, sm statemachine.StateMachine, collector MetricsCollector, logger zerolog.Logger) (*Server, error) {
	if collector == nil {
		collector = noopMetrics{}
	}

	log, err := storage.OpenSegmentedLog(filepath.Join(cfg.Server.DataDir, "log"), cfg.Storage.SegmentSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	stable, err := storage.OpenMetadataStore(filepath.Join(cfg.Server.DataDir, "metadata.db"))
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	snapshots, err := storage.OpenSnapshotStore(filepath.Join(cfg.Server.DataDir, "snapshots"))
	if err != nil {
		stable.Close()
		log.Close()
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	s := &Server{
		ID:        ServerID(cfg.Server.ID),
		Address:   ServerAddress(cfg.Server.ListenAddr),
		config:    cfg,
		log:       log,
		stable:    stable,
		snapshots: snapshots,
		sm:        sm,
		peers:     cfg.PeerIDs(),
		bus:       pubsub.NewBus(64),
		metrics:   collector,
		logger:    logger,
		requests:  newRequestTable(),
		applyCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	s.progress = newLeaderProgress(s.peers, 0)

	term, err := stable.CurrentTerm()
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to recover term: %w", err)
	}
	votedFor, err := stable.VotedFor()
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to recover vote: %w", err)
	}
	s.serverState.state = Follower
	s.serverState.currentTerm = term
	if votedFor != nil {
		id := ServerID(*votedFor)
		s.serverState.votedFor = &id
	}
	s.serverState.electionTimeout = s.randomElectionTimeout()

	if err := s.restoreSnapshot(); err != nil {
		s.closeStores()
		return nil, err
	}

	s.retention = storage.NewRetentionController(
		log, snapshots,
		storage.RetentionPolicy(cfg.Storage.RetentionPolicy),
		cfg.Storage.RetentionWindow.Std(),
		logger,
	)
	s.transport = NewTransport(s.peers, collector, logger)
	s.pipeline = newPipeline(s)

	return s, nil
}

func (s *Server) restoreSnapshot() error {
	snap, err := s.snapshots.Latest()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}

	var envelope snapshotEnvelope
	if err := json.Unmarshal(snap.State, &envelope); err != nil {
		return fmt.Errorf("failed to decode snapshot envelope: %w", err)
	}
	if err := s.sm.Restore(envelope.Machine); err != nil {
		return fmt.Errorf("failed to restore state machine: %w", err)
	}
	s.requests.restoreState(envelope.Requests)

	s.serverState.commitIndex = snap.LastIncludedIndex
	s.serverState.lastApplied = snap.LastIncludedIndex
	s.lastAppliedTerm = snap.LastIncludedTerm
	s.lastSnapIndex = snap.LastIncludedIndex
	s.lastSnapTerm = snap.LastIncludedTerm

	s.logger.Info().
		Uint64("lastIncludedIndex", snap.LastIncludedIndex).
		Uint64("lastIncludedTerm", snap.LastIncludedTerm).
		Msg("restored snapshot")
	return nil
}

// randomElectionTimeout draws a fresh timeout from the configured range. Randomization
// is what breaks split-vote livelock between simultaneous candidates.
func (s *Server) randomElectionTimeout() time.Duration {
	lo := s.config.Timing.ElectionTimeoutMin.Std()
	hi := s.config.Timing.ElectionTimeoutMax.Std()
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

// Start listens on the configured address and serves RPCs. It blocks until the gRPC
// server stops; background jobs are started before serving.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", string(s.Address))
	if err != nil {
		return err
	}
	if tcpAddr, ok := lis.Addr().(*net.TCPAddr); ok {
		s.Address = ServerAddress(tcpAddr.String())
	}
	RegisterResolverPeer(s.ID, s.Address)

	s.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	wire.RegisterReplicationServer(s.grpcServer, s)

	s.electionTimeoutTimer = time.NewTimer(s.getElectionTimeout())

	s.wg.Add(4)
	go s.trackElectionTimeoutJob()
	go s.orchestratorJob()
	go s.applyLoopJob()
	go func() {
		defer s.wg.Done()
		s.retention.Run(s.config.Storage.RetentionInterval.Std(), s.stopCh)
	}()

	s.logger.Info().
		Str("addr", string(s.Address)).
		Int("peers", len(s.peers)).
		Uint64("term", s.getCurrentTerm()).
		Msg("server listening")

	return s.grpcServer.Serve(lis)
}

// Shutdown stops the server gracefully: pending submissions are resolved, background
// jobs exit, and the stores are closed.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("shutting down")
		pubsub.Publish(s.bus, &pubsub.Event[struct{}]{Type: ServerShutDown, Payload: struct{}{}})

		close(s.stopCh)
		s.stopReplicators()
		s.pipeline.stop()

		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		s.transport.CloseAllClients()

		s.wg.Wait()
		s.bus.Shutdown()
		s.closeStores()
	})
}

func (s *Server) closeStores() {
	if err := s.log.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close log")
	}
	if err := s.stable.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close metadata store")
	}
}

// Bus exposes the event bus for observers (demos, tests, operators).
func (s *Server) Bus() *pubsub.Bus { return s.bus }

// termAt returns the term of the entry at index, falling back to snapshot metadata for
// the compaction boundary.
func (s *Server) termAt(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	s.snapMu.Lock()
	snapIndex, snapTerm := s.lastSnapIndex, s.lastSnapTerm
	s.snapMu.Unlock()
	if index == snapIndex {
		return snapTerm, nil
	}
	return s.log.Term(index)
}

// persistTermAndVote writes term and vote to stable storage. This must succeed before
// the server acts on a new term; a server that cannot persist cannot safely
// participate, so failure halts it.
func (s *Server) persistTermAndVote(term uint64, vote *ServerID) error {
	if err := s.stable.SetCurrentTerm(term); err != nil {
		return err
	}
	var raw *string
	if vote != nil {
		v := string(*vote)
		raw = &v
	}
	return s.stable.SetVotedFor(raw)
}

// stepDownToTerm transitions to follower, adopting term if it is newer. Safe to call
// from any goroutine, including replicators reacting to a higher-term response.
func (s *Server) stepDownToTerm(term uint64, leader ServerID) {
	s.mu.Lock()
	if term < s.currentTerm {
		s.mu.Unlock()
		return
	}
	termChanged := term > s.currentTerm
	wasLeader := s.state == Leader
	stateChanged := s.state != Follower

	if termChanged {
		if err := s.persistTermAndVote(term, nil); err != nil {
			s.mu.Unlock()
			s.haltServer(fmt.Errorf("failed to persist term %d: %w", term, err))
			return
		}
		s.currentTerm = term
		s.votedFor = nil
	}
	s.state = Follower
	if leader != "" {
		s.leaderID = leader
	}
	newTerm := s.currentTerm
	s.mu.Unlock()

	if wasLeader {
		s.stopReplicators()
		s.pipeline.failAll(leader)
	}
	if termChanged || stateChanged {
		s.logger.Info().Uint64("term", newTerm).Str("leader", string(leader)).Msg("stepping down to follower")
		pubsub.Publish(s.bus, &pubsub.Event[LeadershipChangedPayload]{
			Type:    LeadershipChanged,
			Payload: LeadershipChangedPayload{State: Follower, Term: newTerm, Leader: leader},
		})
	}
	s.resetElectionTimer()
}

func (s *Server) resetElectionTimer() {
	if s.electionTimeoutTimer != nil {
		s.electionTimeoutTimer.Reset(s.getElectionTimeout())
	}
}

// haltServer freezes the server after an unrecoverable consistency violation. Halting
// beats continuing: a server that applied state it now has to contradict can only
// spread the damage. An operator has to inspect and restore the node.
func (s *Server) haltServer(cause error) {
	if !s.halt() {
		return
	}
	s.logger.Error().Err(cause).Msg("HALTED: unrecoverable consistency violation")
	pubsub.Publish(s.bus, &pubsub.Event[error]{Type: ServerHalted, Payload: cause})
}

// ---- RPC handlers ----

// RequestVote handles a candidate's vote request. The vote is durably persisted before
// the response leaves, so a crash cannot lead to double voting within a term.
func (s *Server) RequestVote(ctx context.Context, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	if s.isHalted() {
		return nil, status.Error(codes.FailedPrecondition, ErrHalted.Error())
	}

	if req.Term > s.getCurrentTerm() {
		s.stepDownToTerm(req.Term, "")
	}

	// LastIndex/LastTerm take the log's own lock; read them before taking ours.
	lastIndex := s.log.LastIndex()
	lastTerm := s.log.LastTerm()

	s.mu.Lock()

	resp := &wire.RequestVoteResponse{Term: s.currentTerm}
	if req.Term < s.currentTerm {
		s.mu.Unlock()
		return resp, nil
	}

	candidate := ServerID(req.CandidateID)
	if s.votedFor != nil && *s.votedFor != candidate {
		s.mu.Unlock()
		return resp, nil
	}

	// Only vote for candidates whose log is at least as complete as ours; this is what
	// guarantees a winner holds every committed entry.
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		s.mu.Unlock()
		return resp, nil
	}

	if err := s.persistTermAndVote(s.currentTerm, &candidate); err != nil {
		s.mu.Unlock()
		s.haltServer(fmt.Errorf("failed to persist vote: %w", err))
		return nil, status.Error(codes.Internal, "failed to persist vote")
	}
	s.votedFor = &candidate
	resp.VoteGranted = true
	s.mu.Unlock()

	// Granting a vote is a leader-liveness signal too: give the candidate time.
	s.resetElectionTimer()
	return resp, nil
}

// AppendEntries handles replication and heartbeats from a leader.
func (s *Server) AppendEntries(ctx context.Context, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error) {
	if s.isHalted() {
		return nil, status.Error(codes.FailedPrecondition, ErrHalted.Error())
	}

	term := s.getCurrentTerm()
	if req.Term < term {
		// Stale leader; reject so it learns the new term and steps down.
		return &wire.AppendEntriesResponse{Term: term}, nil
	}

	leader := ServerID(req.LeaderID)
	// A valid message from the leader of the current (or newer) term: adopt it and
	// reset the failure detector.
	s.stepDownToTerm(req.Term, leader)
	s.touchLeaderContact()
	term = s.getCurrentTerm()

	// Consistency check: our log must contain the entry the new batch hangs off.
	if req.PrevLogIndex > 0 {
		lastIndex := s.log.LastIndex()
		if req.PrevLogIndex > lastIndex {
			// Our log is too short. Tell the leader where we end, and pull the gap
			// eagerly instead of waiting for the replicator to walk back to us.
			s.maybeCatchUp(leader, lastIndex+1, req.PrevLogIndex)
			return &wire.AppendEntriesResponse{
				Term:          term,
				ConflictIndex: lastIndex + 1,
			}, nil
		}

		prevTerm, err := s.termAt(req.PrevLogIndex)
		switch {
		case errors.Is(err, storage.ErrCompacted):
			// Below our snapshot boundary; everything there is committed and matches
			// any legitimate leader by definition.
		case err != nil:
			return nil, status.Errorf(codes.Internal, "failed to read log term: %v", err)
		case prevTerm != req.PrevLogTerm:
			conflictIndex, err := s.firstIndexOfTerm(req.PrevLogIndex, prevTerm)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "failed to locate conflict: %v", err)
			}
			return &wire.AppendEntriesResponse{
				Term:          term,
				ConflictIndex: conflictIndex,
			}, nil
		}
	}

	if len(req.Entries) > 0 {
		if err := s.reconcileEntries(req.Entries); err != nil {
			if errors.Is(err, ErrHalted) {
				return nil, status.Error(codes.FailedPrecondition, ErrHalted.Error())
			}
			return nil, status.Errorf(codes.Internal, "failed to store entries: %v", err)
		}
	}

	// Only entries this request vouched for may commit: the consistency check covers
	// [.., PrevLogIndex] and the batch covers (PrevLogIndex, PrevLogIndex+len].
	s.advanceFollowerCommit(req.HighWaterMark, req.PrevLogIndex+uint64(len(req.Entries)))

	return &wire.AppendEntriesResponse{
		Term:       term,
		Success:    true,
		MatchIndex: s.log.LastIndex(),
	}, nil
}

// firstIndexOfTerm walks back to the first entry of the conflicting term so the leader
// can skip the whole term in one round trip instead of decrementing per entry.
func (s *Server) firstIndexOfTerm(from, conflictTerm uint64) (uint64, error) {
	index := from
	for index > s.log.FirstIndex() {
		t, err := s.termAt(index - 1)
		if errors.Is(err, storage.ErrCompacted) || errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return 0, err
		}
		if t != conflictTerm {
			break
		}
		index--
	}
	return index, nil
}

// reconcileEntries merges a replicated batch into the local log: entries we already
// hold with the same term are skipped, a term mismatch truncates our divergent suffix,
// and the remainder is appended. Truncation below the applied position is fatal; that
// would mean committed, executed state is being rewritten, so the server halts rather
// than propagate it.
func (s *Server) reconcileEntries(entries []*wire.LogEntry) error {
	lastIndex := s.log.LastIndex()

	start := 0
	for ; start < len(entries); start++ {
		entry := entries[start]
		if entry.Index > lastIndex {
			break
		}
		ourTerm, err := s.termAt(entry.Index)
		if errors.Is(err, storage.ErrCompacted) {
			continue
		}
		if err != nil {
			return err
		}
		if ourTerm == entry.Term {
			continue
		}

		// Divergent suffix starts here.
		if entry.Index <= s.getLastApplied() {
			cause := fmt.Errorf("leader requires truncation at index %d but entries up to %d are already applied",
				entry.Index, s.getLastApplied())
			s.haltServer(cause)
			return fmt.Errorf("%w: %v", ErrHalted, cause)
		}
		if err := s.log.TruncateFrom(entry.Index); err != nil {
			return err
		}
		s.metrics.RecordTruncation()
		s.logger.Warn().
			Uint64("fromIndex", entry.Index).
			Uint64("localTerm", ourTerm).
			Uint64("leaderTerm", entry.Term).
			Msg("truncated divergent log suffix")
		break
	}

	if start == len(entries) {
		return nil
	}
	return s.log.AppendReplicated(entries[start:])
}

// advanceFollowerCommit moves the high-water mark toward the leader's, capped at the
// last index the current request actually validated. The log may extend past that
// point with a suffix from an earlier term that this batch never examined; committing
// it on the strength of the leader's high-water mark alone could apply entries the
// leader is about to truncate.
func (s *Server) advanceFollowerCommit(leaderHWM, lastValidated uint64) {
	hwm := leaderHWM
	if hwm > lastValidated {
		hwm = lastValidated
	}
	commit := s.getCommitIndex()
	if s.advanceCommitIndex(hwm) {
		s.metrics.RecordCommitted(hwm-commit, hwm)
		pubsub.Publish(s.bus, &pubsub.Event[CommitAdvancedPayload]{
			Type:    CommitAdvanced,
			Payload: CommitAdvancedPayload{HighWaterMark: hwm, Term: s.getCurrentTerm()},
		})
		s.signalApply()
	}
}

// maybeCatchUp pulls the missing range [from, to] from the leader in the background.
// This is an optimization: fetched batches must still be contiguous with our log, and
// any term divergence is caught by the next AppendEntries consistency check.
func (s *Server) maybeCatchUp(leader ServerID, from, to uint64) {
	if leader == "" || from > to || !s.fetchInFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.fetchInFlight.Store(false)

		resp, err := s.transport.FetchEntries(context.Background(), leader, &wire.FetchEntriesRequest{
			FromIndex: from,
			ToIndex:   to,
		})
		if err != nil {
			s.logger.Debug().Err(err).Uint64("from", from).Uint64("to", to).Msg("catch-up fetch failed")
			return
		}
		if len(resp.Entries) == 0 || s.isHalted() {
			return
		}
		if resp.Entries[0].Index != s.log.LastIndex()+1 {
			// The log moved while we fetched; the regular replication path owns it.
			return
		}
		if err := s.log.AppendReplicated(resp.Entries); err != nil {
			s.logger.Debug().Err(err).Msg("catch-up append rejected")
			return
		}
		s.logger.Info().
			Uint64("from", from).
			Uint64("count", uint64(len(resp.Entries))).
			Msg("caught up from leader")
	}()
}

// FetchEntries serves a bulk read of log entries, used by lagging followers.
func (s *Server) FetchEntries(ctx context.Context, req *wire.FetchEntriesRequest) (*wire.FetchEntriesResponse, error) {
	if s.isHalted() {
		return nil, status.Error(codes.FailedPrecondition, ErrHalted.Error())
	}

	from := req.FromIndex
	to := req.ToIndex
	if last := s.log.LastIndex(); to > last {
		to = last
	}
	if from == 0 || from > to {
		return &wire.FetchEntriesResponse{}, nil
	}

	entries, err := s.log.Entries(from, to)
	if errors.Is(err, storage.ErrCompacted) {
		return nil, status.Errorf(codes.OutOfRange, "entries below %d are compacted", s.log.FirstIndex())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to read entries: %v", err)
	}
	return &wire.FetchEntriesResponse{Entries: entries}, nil
}

// ClientSubmit accepts a client request for replication. Duplicates of already-applied
// requests are answered from the dedup table without re-execution; fresh requests go
// through the submission pipeline and block until committed or timed out.
func (s *Server) ClientSubmit(ctx context.Context, req *wire.ClientSubmitRequest) (*wire.ClientSubmitResponse, error) {
	if s.isHalted() {
		return nil, status.Error(codes.FailedPrecondition, ErrHalted.Error())
	}

	if s.getState() != Leader {
		return &wire.ClientSubmitResponse{
			Status:   wire.SubmitNotLeader,
			LeaderID: string(s.getLeaderID()),
		}, nil
	}

	if req.ClientID != "" {
		if response, seen := s.requests.lookup(req.ClientID, req.RequestID); seen {
			s.metrics.RecordDedupHit()
			return &wire.ClientSubmitResponse{Status: wire.SubmitOK, Response: response}, nil
		}
	}

	ps, ok := s.pipeline.submit(req.ClientID, req.RequestID, req.Payload, req.AckUpTo)
	if !ok {
		return &wire.ClientSubmitResponse{Status: wire.SubmitRejected}, nil
	}

	select {
	case result := <-ps.done:
		return &wire.ClientSubmitResponse{
			Status:   result.status,
			LeaderID: string(result.leaderID),
			Response: result.response,
		}, nil
	case <-time.After(s.config.Timing.SubmitTimeout.Std()):
		// The entry may still commit later; the client's retry is deduplicated.
		return &wire.ClientSubmitResponse{Status: wire.SubmitTimeout}, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	case <-s.stopCh:
		return nil, status.Error(codes.Unavailable, ErrShuttingDown.Error())
	}
}

// ---- Elections ----

// BeginElection starts a new election round: increment the term, vote for ourselves,
// and ask every peer for its vote in parallel. Term and self-vote are durable before
// any request leaves the server.
func (s *Server) BeginElection() {
	if s.isHalted() {
		return
	}

	s.mu.Lock()
	newTerm := s.currentTerm + 1
	self := s.ID
	if err := s.persistTermAndVote(newTerm, &self); err != nil {
		s.mu.Unlock()
		s.haltServer(fmt.Errorf("failed to persist election term %d: %w", newTerm, err))
		return
	}
	s.currentTerm = newTerm
	s.state = Candidate
	s.votedFor = &self
	s.leaderID = ""
	s.grantedVotesTotal = 1 // our own vote
	s.electionTimeout = s.randomElectionTimeout()
	s.mu.Unlock()

	s.resetElectionTimer()
	s.metrics.RecordElection()

	s.logger.Info().Uint64("term", newTerm).Msg("starting election")

	if len(s.peers) == 0 {
		s.becomeLeader(newTerm)
		return
	}

	req := &wire.RequestVoteRequest{
		Term:         newTerm,
		CandidateID:  string(s.ID),
		LastLogIndex: s.log.LastIndex(),
		LastLogTerm:  s.log.LastTerm(),
	}
	for _, peer := range s.peers {
		go func(peerID ServerID) {
			resp, err := s.transport.RequestVote(context.Background(), peerID, req)
			if err != nil {
				return
			}
			if resp.Term > newTerm {
				s.stepDownToTerm(resp.Term, "")
				return
			}
			if !resp.VoteGranted {
				return
			}
			if s.getState() != Candidate || s.getCurrentTerm() != newTerm {
				// The election this vote belongs to is over.
				return
			}
			if s.incrementGrantedVotesTotal() >= uint64(s.quorumSize()) {
				s.becomeLeader(newTerm)
			}
		}(peer)
	}
}

// becomeLeader transitions to leader for term, exactly once per won election.
func (s *Server) becomeLeader(term uint64) {
	s.mu.Lock()
	if s.state != Candidate || s.currentTerm != term {
		s.mu.Unlock()
		return
	}
	s.state = Leader
	s.leaderID = s.ID
	s.mu.Unlock()

	s.logger.Info().Uint64("term", term).Msg("won election, becoming leader")

	// A fresh progress table per leadership term. Response goroutines capture this
	// object, so a reply that straggles in after the term is over lands in its own
	// term's table and can never poison a successor's.
	progress := newLeaderProgress(s.peers, s.log.LastIndex())
	s.replMu.Lock()
	s.progress = progress
	s.replMu.Unlock()
	s.startReplicators(term)
	s.wg.Add(1)
	go s.runHeartbeatsJob(term, progress)

	pubsub.Publish(s.bus, &pubsub.Event[LeadershipChangedPayload]{
		Type:    LeadershipChanged,
		Payload: LeadershipChangedPayload{State: Leader, Term: term, Leader: s.ID},
	})

	// A freshly elected leader cannot commit earlier-term entries by counting
	// replicas; an empty entry of the new term unblocks the high-water mark.
	if _, err := s.log.Append(&wire.LogEntry{Term: term}); err != nil {
		s.haltServer(fmt.Errorf("failed to append term barrier entry: %w", err))
		return
	}
	s.notifyReplicators()
	s.maybeAdvanceCommit()
	s.broadcastHeartbeats(term, progress)
}

// ---- Apply path ----

// applyCommitted drains every committed, unapplied entry into the state machine, in
// index order. Runs only on the apply loop goroutine. Client-tagged entries update the
// dedup table as part of the same step, so the table is as replicated as the state.
func (s *Server) applyCommitted() {
	for {
		next := s.getLastApplied() + 1
		if next > s.getCommitIndex() {
			break
		}

		entry, err := s.log.Entry(next)
		if err != nil {
			s.logger.Error().Err(err).Uint64("index", next).Msg("failed to read committed entry")
			if errors.Is(err, storage.ErrCorruptEntry) {
				s.repairCorrupt(next)
			}
			return
		}

		var response []byte
		switch {
		case entry.ClientID != "":
			if cached, seen := s.requests.lookup(entry.ClientID, entry.RequestID); seen {
				// The same request got into the log twice (client retried before the
				// first copy committed); execute once, answer identically.
				response = cached
			} else {
				response = s.sm.Apply(entry)
				s.requests.record(entry.ClientID, entry.RequestID, response, entry.AckUpTo)
			}
		case len(entry.Payload) > 0:
			response = s.sm.Apply(entry)
		default:
			// Term barrier entry; nothing to execute.
		}

		s.setLastApplied(next)
		s.lastAppliedTerm = entry.Term
		s.appliedSinceSnapshot++
		s.pipeline.resolve(next, response)
	}

	if s.appliedSinceSnapshot >= s.config.Storage.SnapshotIntervalEntries {
		s.takeSnapshot()
	}
}

// repairCorrupt discards a corrupt unapplied suffix so replication can re-fill it from
// the leader. Corruption at or below the applied position cannot be repaired locally.
func (s *Server) repairCorrupt(index uint64) {
	if index <= s.getLastApplied() {
		s.haltServer(fmt.Errorf("corrupt entry %d at or below applied position", index))
		return
	}
	if err := s.log.TruncateFrom(index); err != nil {
		s.haltServer(fmt.Errorf("failed to discard corrupt suffix at %d: %w", index, err))
		return
	}
	s.metrics.RecordTruncation()
	s.logger.Warn().Uint64("fromIndex", index).Msg("discarded corrupt log suffix, awaiting resync")
}

// takeSnapshot persists the applied state and resets the snapshot counter. Runs on the
// apply loop goroutine.
func (s *Server) takeSnapshot() {
	machine, err := s.sm.Snapshot()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to serialize state machine")
		return
	}
	envelope, err := json.Marshal(snapshotEnvelope{
		Machine:  machine,
		Requests: s.requests.snapshotState(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode snapshot envelope")
		return
	}

	snap := &wire.Snapshot{
		LastIncludedIndex: s.getLastApplied(),
		LastIncludedTerm:  s.lastAppliedTerm,
		State:             envelope,
	}
	if err := s.snapshots.Save(snap); err != nil {
		s.logger.Error().Err(err).Msg("failed to save snapshot")
		return
	}

	s.snapMu.Lock()
	s.lastSnapIndex = snap.LastIncludedIndex
	s.lastSnapTerm = snap.LastIncludedTerm
	s.snapMu.Unlock()
	s.appliedSinceSnapshot = 0

	s.logger.Info().
		Uint64("lastIncludedIndex", snap.LastIncludedIndex).
		Msg("snapshot taken")
}
