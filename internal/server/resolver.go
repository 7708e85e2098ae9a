package server

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"
)

// ---- In-process registry: ServerID -> ServerAddress ----

type idRegistry struct {
	mu       sync.RWMutex
	records  map[ServerID]ServerAddress
	watchers map[ServerID]map[*qlogResolver]struct{}
}

var globalIDRegistry = &idRegistry{
	records:  make(map[ServerID]ServerAddress),
	watchers: make(map[ServerID]map[*qlogResolver]struct{}),
}

// RegisterResolverPeer sets or updates the address for an ID and notifies any active
// resolvers watching it.
func RegisterResolverPeer(id ServerID, addr ServerAddress) {
	globalIDRegistry.mu.Lock()
	globalIDRegistry.records[id] = addr
	watchers := globalIDRegistry.watchers[id]
	globalIDRegistry.mu.Unlock()

	// Notify after unlocking to avoid re-entrancy.
	for w := range watchers {
		w.pushCurrent()
	}
}

// ---- gRPC name resolver ("qlog" scheme) ----

const qlogScheme = "qlog"

type qlogBuilder struct{}

func (qlogBuilder) Scheme() string { return qlogScheme }

func (qlogBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	// Accept "qlog:///<server-id>" or "qlog://cluster/<server-id>".
	id := ServerID(target.Endpoint())
	if id == "" {
		if p := target.URL.Path; len(p) > 0 {
			if p[0] == '/' {
				p = p[1:]
			}
			id = ServerID(p)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("qlog resolver: empty target endpoint: %+v", target)
	}

	r := &qlogResolver{id: id, cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type qlogResolver struct {
	id ServerID
	cc resolver.ClientConn
}

func (r *qlogResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *qlogResolver) Close() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	if set, ok := globalIDRegistry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalIDRegistry.watchers, r.id)
		}
	}
}

func (r *qlogResolver) subscribe() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	set := globalIDRegistry.watchers[r.id]
	if set == nil {
		set = make(map[*qlogResolver]struct{})
		globalIDRegistry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *qlogResolver) pushCurrent() {
	globalIDRegistry.mu.RLock()
	addr, ok := globalIDRegistry.records[r.id]
	globalIDRegistry.mu.RUnlock()

	if !ok || addr == "" {
		// No address yet; gRPC will retry.
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}

	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: string(addr)}},
	})
}

func init() {
	resolver.Register(qlogBuilder{})
}
