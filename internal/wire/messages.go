package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every RPC payload in this package. Encoding is hand-written
// against encoding/protowire; the field numbers are documented in quorumlog.proto and
// must not be reused or renumbered.
type Message interface {
	appendWire(b []byte) []byte
	unmarshalWire(data []byte) error
}

// Marshal encodes a message to protobuf wire format.
func Marshal(m Message) []byte {
	return m.appendWire(nil)
}

// Unmarshal decodes protobuf wire format into m.
func Unmarshal(data []byte, m Message) error {
	if err := m.unmarshalWire(data); err != nil {
		return fmt.Errorf("wire: decoding %T: %w", m, err)
	}
	return nil
}

// Zero values are skipped on encode, matching proto3 presence semantics.

func appendUintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendMessageField(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendWire(nil))
}

// RequestVoteRequest asks a peer for its vote in the candidate's term. LastLogIndex and
// LastLogTerm let the voter refuse candidates whose log is behind its own.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (m *RequestVoteRequest) appendWire(b []byte) []byte {
	b = appendUintField(b, 1, m.Term)
	b = appendStringField(b, 2, m.CandidateID)
	b = appendUintField(b, 3, m.LastLogIndex)
	b = appendUintField(b, 4, m.LastLogTerm)
	return b
}

func (m *RequestVoteRequest) unmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.CandidateID = string(v)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.LastLogIndex = v
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.LastLogTerm = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// RequestVoteResponse carries the voter's decision and its current term so a stale
// candidate can step down.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

func (m *RequestVoteResponse) appendWire(b []byte) []byte {
	b = appendUintField(b, 1, m.Term)
	b = appendBoolField(b, 2, m.VoteGranted)
	return b
}

func (m *RequestVoteResponse) unmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.VoteGranted = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// AppendEntriesRequest replicates entries from the leader (empty Entries is a
// heartbeat). PrevLogIndex/PrevLogTerm are the consistency check: the follower rejects
// the call unless its log holds that exact entry. HighWaterMark tells the follower how
// far it may safely apply.
type AppendEntriesRequest struct {
	Term          uint64
	LeaderID      string
	PrevLogIndex  uint64
	PrevLogTerm   uint64
	Entries       []*LogEntry
	HighWaterMark uint64
}

func (m *AppendEntriesRequest) appendWire(b []byte) []byte {
	b = appendUintField(b, 1, m.Term)
	b = appendStringField(b, 2, m.LeaderID)
	b = appendUintField(b, 3, m.PrevLogIndex)
	b = appendUintField(b, 4, m.PrevLogTerm)
	for _, e := range m.Entries {
		b = appendMessageField(b, 5, e)
	}
	b = appendUintField(b, 6, m.HighWaterMark)
	return b
}

func (m *AppendEntriesRequest) unmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.LeaderID = string(v)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.PrevLogIndex = v
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.PrevLogTerm = v
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			entry := &LogEntry{}
			if err := entry.unmarshalWire(v); err != nil {
				return err
			}
			m.Entries = append(m.Entries, entry)
			data = data[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.HighWaterMark = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// AppendEntriesResponse reports the follower's outcome. On success MatchIndex is the
// highest index the follower now stores durably. On a consistency-check failure
// ConflictIndex is the follower's hint for where the leader should back up to.
type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	MatchIndex    uint64
	ConflictIndex uint64
}

func (m *AppendEntriesResponse) appendWire(b []byte) []byte {
	b = appendUintField(b, 1, m.Term)
	b = appendBoolField(b, 2, m.Success)
	b = appendUintField(b, 3, m.MatchIndex)
	b = appendUintField(b, 4, m.ConflictIndex)
	return b
}

func (m *AppendEntriesResponse) unmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Success = v != 0
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.MatchIndex = v
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ConflictIndex = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// FetchEntriesRequest asks a peer (normally the leader) for the closed index range
// [FromIndex, ToIndex]. Followers issue it when a heartbeat advertises a high-water mark
// beyond their last stored index.
type FetchEntriesRequest struct {
	FromIndex uint64
	ToIndex   uint64
}

func (m *FetchEntriesRequest) appendWire(b []byte) []byte {
	b = appendUintField(b, 1, m.FromIndex)
	b = appendUintField(b, 2, m.ToIndex)
	return b
}

func (m *FetchEntriesRequest) unmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.FromIndex = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ToIndex = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// FetchEntriesResponse returns the requested entries in index order.
type FetchEntriesResponse struct {
	Term    uint64
	Entries []*LogEntry
}

func (m *FetchEntriesResponse) appendWire(b []byte) []byte {
	b = appendUintField(b, 1, m.Term)
	for _, e := range m.Entries {
		b = appendMessageField(b, 2, e)
	}
	return b
}

func (m *FetchEntriesResponse) unmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Term = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			entry := &LogEntry{}
			if err := entry.unmarshalWire(v); err != nil {
				return err
			}
			m.Entries = append(m.Entries, entry)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// SubmitStatus is the outcome of a ClientSubmit call.
type SubmitStatus uint64

const (
	// SubmitOK means the command committed and Response holds the state machine result.
	SubmitOK SubmitStatus = iota
	// SubmitNotLeader means the receiving server cannot accept writes; LeaderID, when
	// non-empty, is a redirect hint.
	SubmitNotLeader
	// SubmitTimeout means the command was appended but did not commit within the bound.
	// It may still commit later; the client must retry with the same request id.
	SubmitTimeout
	// SubmitRejected means the server refused the command outright (for example after a
	// local consistency violation halted it).
	SubmitRejected
)

func (s SubmitStatus) String() string {
	switch s {
	case SubmitOK:
		return "OK"
	case SubmitNotLeader:
		return "NotLeader"
	case SubmitTimeout:
		return "Timeout"
	case SubmitRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// ClientSubmitRequest submits one client command. RequestID must increase monotonically
// per ClientID; AckUpTo acknowledges responses the client has already received so the
// servers can evict old dedup records.
type ClientSubmitRequest struct {
	ClientID  string
	RequestID uint64
	Payload   []byte
	AckUpTo   uint64
}

func (m *ClientSubmitRequest) appendWire(b []byte) []byte {
	b = appendStringField(b, 1, m.ClientID)
	b = appendUintField(b, 2, m.RequestID)
	b = appendBytesField(b, 3, m.Payload)
	b = appendUintField(b, 4, m.AckUpTo)
	return b
}

func (m *ClientSubmitRequest) unmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ClientID = string(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.RequestID = v
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Payload = append([]byte(nil), v...)
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.AckUpTo = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// ClientSubmitResponse is the reply to a ClientSubmitRequest.
type ClientSubmitResponse struct {
	Status   SubmitStatus
	LeaderID string
	Response []byte
}

func (m *ClientSubmitResponse) appendWire(b []byte) []byte {
	b = appendUintField(b, 1, uint64(m.Status))
	b = appendStringField(b, 2, m.LeaderID)
	b = appendBytesField(b, 3, m.Response)
	return b
}

func (m *ClientSubmitResponse) unmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Status = SubmitStatus(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.LeaderID = string(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Response = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// Snapshot is a compacting checkpoint of the applied state. Entries at or below
// LastIncludedIndex may be discarded from the log once a snapshot covering them is
// durably stored.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	State             []byte
}

func (m *Snapshot) appendWire(b []byte) []byte {
	b = appendUintField(b, 1, m.LastIncludedIndex)
	b = appendUintField(b, 2, m.LastIncludedTerm)
	b = appendBytesField(b, 3, m.State)
	return b
}

func (m *Snapshot) unmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.LastIncludedIndex = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.LastIncludedTerm = v
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.State = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}
