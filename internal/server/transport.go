package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"quorumlog/internal/wire"
)

const (
	// RPCTimeout is the maximum time to wait for a single RPC attempt. Broadcast time
	// must stay an order of magnitude below the election timeout range (150-300ms), so
	// 50ms per attempt leaves a comfortable margin on typical networks.
	RPCTimeout = 50 * time.Millisecond

	// MaxRequestVoteRetries bounds vote RPC retries. A failed election is cheap: the
	// election timeout fires again and a fresh election starts with a new term, so
	// there is no point retrying past roughly one timeout window.
	MaxRequestVoteRetries = 3

	// RetryBackoffBase is the base duration for backoff between retries.
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff caps the backoff between retries.
	MaxRetryBackoff = 100 * time.Millisecond
)

// Transport owns the outbound gRPC connections to every peer. Connections are created
// once per peer and cached; gRPC reconnects under the hood when a peer bounces.
type Transport struct {
	// map[ServerID]*grpc.ClientConn. sync.Map fits the workload: written once per
	// peer, read on every RPC.
	clientsConnPool *sync.Map
	metrics         MetricsCollector
	logger          zerolog.Logger
}

// NewTransport dials every peer through the qlog resolver scheme.
func NewTransport(peerIDs []ServerID, metrics MetricsCollector, logger zerolog.Logger) *Transport {
	t := &Transport{
		clientsConnPool: &sync.Map{},
		metrics:         metrics,
		logger:          logger,
	}
	for _, id := range peerIDs {
		if err := t.addPeer(id); err != nil {
			// One unreachable peer must not prevent connections to the rest.
			t.logger.Warn().Err(err).Str("peer", string(id)).Msg("failed to dial peer")
		}
	}
	return t
}

func (t *Transport) addPeer(peerID ServerID) error {
	target := fmt.Sprintf("%s:///%s", qlogScheme, peerID)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to establish gRPC channel to peer %s: %w", peerID, err)
	}
	t.clientsConnPool.Store(peerID, conn)
	return nil
}

func (t *Transport) client(peerID ServerID) (wire.ReplicationClient, error) {
	value, ok := t.clientsConnPool.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("no gRPC connection for peer %s", peerID)
	}
	conn, ok := value.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid connection type %T for peer %s", value, peerID)
	}
	return wire.NewReplicationClient(conn), nil
}

// RequestVote sends a vote request with a bounded number of retries.
func (t *Transport) RequestVote(ctx context.Context, peerID ServerID, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	t.metrics.RecordRequestVote()

	client, err := t.client(peerID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < MaxRequestVoteRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		resp, err := client.RequestVote(rpcCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("RequestVote to %s cancelled: %w", peerID, ctx.Err())
		default:
		}

		if attempt < MaxRequestVoteRetries-1 {
			time.Sleep(retryBackoff(attempt))
		}
	}
	return nil, fmt.Errorf("RequestVote to %s failed after %d attempts: %w", peerID, MaxRequestVoteRetries, lastErr)
}

// AppendEntries sends one append attempt. Indefinite retrying belongs to the
// per-follower replicator, which owns backoff and knows when leadership was lost.
func (t *Transport) AppendEntries(ctx context.Context, peerID ServerID, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error) {
	if len(req.Entries) == 0 {
		t.metrics.RecordHeartbeat()
	} else {
		t.metrics.RecordAppendEntries()
	}

	client, err := t.client(peerID)
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()
	return client.AppendEntries(rpcCtx, req)
}

// FetchEntries reads a range of entries from a peer, used by lagging followers to catch
// up outside the heartbeat path.
func (t *Transport) FetchEntries(ctx context.Context, peerID ServerID, req *wire.FetchEntriesRequest) (*wire.FetchEntriesResponse, error) {
	t.metrics.RecordFetchEntries()

	client, err := t.client(peerID)
	if err != nil {
		return nil, err
	}

	// Bulk reads move more data than a heartbeat; give them a looser deadline.
	rpcCtx, cancel := context.WithTimeout(ctx, 10*RPCTimeout)
	defer cancel()
	return client.FetchEntries(rpcCtx, req)
}

// retryBackoff computes the capped backoff for the given attempt number.
func retryBackoff(attempt int) time.Duration {
	backoff := RetryBackoffBase * time.Duration(attempt+1)
	if backoff > MaxRetryBackoff {
		backoff = MaxRetryBackoff
	}
	return backoff
}

// CloseAllClients closes every outbound connection.
func (t *Transport) CloseAllClients() {
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warn().Err(err).Str("peer", fmt.Sprint(key)).Msg("failed to close connection")
			}
		}
		return true
	})
}
