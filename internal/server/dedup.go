package server

import "sync"

// requestTable remembers, per client, the responses of already-applied requests so a
// retried submission returns the original result instead of executing twice. The table
// is mutated only from the apply path: every entry carries the client's ack position,
// so all replicas evolve identical tables and a retry is answered identically no matter
// which server ends up leader.
type requestTable struct {
	mu      sync.RWMutex
	clients map[string]*clientRecord
}

type clientRecord struct {
	// responses keyed by request ID; entries below ackedUpTo have been evicted.
	responses map[uint64][]byte
	ackedUpTo uint64
}

func newRequestTable() *requestTable {
	return &requestTable{clients: make(map[string]*clientRecord)}
}

// lookup returns the stored response for a request the state machine already executed.
// The second return distinguishes "duplicate with a response" from "never seen".
func (t *requestTable) lookup(clientID string, requestID uint64) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	record, ok := t.clients[clientID]
	if !ok {
		return nil, false
	}
	// Requests at or below the ack position were executed; their responses are gone
	// but the client promised it no longer needs them.
	if requestID <= record.ackedUpTo {
		return nil, true
	}
	response, ok := record.responses[requestID]
	return response, ok
}

// record stores the response of a freshly applied request and evicts everything the
// client has acknowledged.
func (t *requestTable) record(clientID string, requestID uint64, response []byte, ackUpTo uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.clients[clientID]
	if !ok {
		record = &clientRecord{responses: make(map[uint64][]byte)}
		t.clients[clientID] = record
	}
	record.responses[requestID] = response

	if ackUpTo > record.ackedUpTo {
		for id := range record.responses {
			if id <= ackUpTo {
				delete(record.responses, id)
			}
		}
		record.ackedUpTo = ackUpTo
	}
}

// snapshotState exports the table for inclusion in a snapshot.
func (t *requestTable) snapshotState() map[string]clientSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]clientSnapshot, len(t.clients))
	for clientID, record := range t.clients {
		responses := make(map[uint64][]byte, len(record.responses))
		for id, resp := range record.responses {
			responses[id] = resp
		}
		out[clientID] = clientSnapshot{Responses: responses, AckedUpTo: record.ackedUpTo}
	}
	return out
}

// restoreState replaces the table with state captured by snapshotState.
func (t *requestTable) restoreState(state map[string]clientSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clients = make(map[string]*clientRecord, len(state))
	for clientID, snap := range state {
		responses := make(map[uint64][]byte, len(snap.Responses))
		for id, resp := range snap.Responses {
			responses[id] = resp
		}
		t.clients[clientID] = &clientRecord{responses: responses, ackedUpTo: snap.AckedUpTo}
	}
}

// clientSnapshot is the serialized form of one client's dedup record.
type clientSnapshot struct {
	Responses map[uint64][]byte `json:"responses"`
	AckedUpTo uint64            `json:"acked_up_to"`
}
