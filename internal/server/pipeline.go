package server

import (
	"sync"
	"time"

	"quorumlog/internal/wire"
)

// submitResult is what a waiting client submission eventually receives.
type submitResult struct {
	status   wire.SubmitStatus
	response []byte
	leaderID ServerID
}

// pendingSubmit is one accepted submission waiting for quorum commitment. The done
// channel is buffered so the apply path never blocks on a caller that gave up.
type pendingSubmit struct {
	clientID  string
	requestID uint64
	payload   []byte
	ackUpTo   uint64
	enqueued  time.Time
	done      chan submitResult
}

// pipeline is the asynchronous submission path on a leader. Submissions are accepted
// onto a bounded queue and a single worker appends them to the log, which serializes
// index assignment without holding locks across disk writes. Acknowledgment happens
// later, from the apply path, once the entry is committed and executed.
type pipeline struct {
	server *Server
	queue  chan *pendingSubmit

	mu sync.Mutex
	// waiters maps a log index to the submission waiting for it to commit.
	waiters map[uint64]*pendingSubmit

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

const submitQueueDepth = 1024

func newPipeline(server *Server) *pipeline {
	p := &pipeline{
		server:  server,
		queue:   make(chan *pendingSubmit, submitQueueDepth),
		waiters: make(map[uint64]*pendingSubmit),
		stopCh:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// submit queues a request and returns its future. A full queue rejects immediately
// instead of blocking the RPC handler.
func (p *pipeline) submit(clientID string, requestID uint64, payload []byte, ackUpTo uint64) (*pendingSubmit, bool) {
	ps := &pendingSubmit{
		clientID:  clientID,
		requestID: requestID,
		payload:   payload,
		ackUpTo:   ackUpTo,
		enqueued:  time.Now(),
		done:      make(chan submitResult, 1),
	}
	select {
	case p.queue <- ps:
		return ps, true
	default:
		return nil, false
	}
}

func (p *pipeline) run() {
	defer p.wg.Done()

	for {
		select {
		case ps := <-p.queue:
			p.process(ps)
		case <-p.stopCh:
			// Drain whatever is still queued so no caller hangs.
			for {
				select {
				case ps := <-p.queue:
					ps.done <- submitResult{status: wire.SubmitNotLeader, leaderID: p.server.getLeaderID()}
				default:
					return
				}
			}
		}
	}
}

// process appends one submission to the leader's log and registers its future. The
// entry gets the current term; commitment and acknowledgment follow asynchronously.
func (p *pipeline) process(ps *pendingSubmit) {
	s := p.server

	if s.getState() != Leader || s.isHalted() {
		ps.done <- submitResult{status: wire.SubmitNotLeader, leaderID: s.getLeaderID()}
		return
	}

	entry := &wire.LogEntry{
		Term:      s.getCurrentTerm(),
		Payload:   ps.payload,
		ClientID:  ps.clientID,
		RequestID: ps.requestID,
		AckUpTo:   ps.ackUpTo,
	}
	index, err := s.log.Append(entry)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to append submission to log")
		ps.done <- submitResult{status: wire.SubmitRejected}
		return
	}
	s.metrics.RecordSubmission()

	p.mu.Lock()
	p.waiters[index] = ps
	p.mu.Unlock()

	// The leader's own durable append counts as its vote; wake the replicators and
	// re-evaluate quorum (a single-node cluster commits right here).
	s.notifyReplicators()
	s.maybeAdvanceCommit()
}

// resolve completes the future registered at index, if any.
func (p *pipeline) resolve(index uint64, response []byte) {
	p.mu.Lock()
	ps, ok := p.waiters[index]
	if ok {
		delete(p.waiters, index)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.server.metrics.RecordSubmitLatency(time.Since(ps.enqueued))
	ps.done <- submitResult{status: wire.SubmitOK, response: response}
}

// failAll rejects every registered future. Called when leadership is lost: the entries
// may still commit under the next leader, but this server can no longer promise that,
// and the client's retry will be deduplicated.
func (p *pipeline) failAll(leaderID ServerID) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[uint64]*pendingSubmit)
	p.mu.Unlock()

	for _, ps := range waiters {
		ps.done <- submitResult{status: wire.SubmitNotLeader, leaderID: leaderID}
	}
}

// stop shuts the worker down and rejects all pending futures.
func (p *pipeline) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.failAll("")
}
