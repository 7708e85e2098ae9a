package statemachine

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"quorumlog/internal/wire"
)

// KVStateMachine is a small key-value store driven by replicated commands. Commands are
// plain text: "SET key=value", "DEL key", "GET key". GET is served through the log like
// any other command, which gives reads the same ordering guarantees as writes.
type KVStateMachine struct {
	mu     sync.RWMutex
	store  map[string]string
	logger zerolog.Logger
}

// NewKVStateMachine creates an empty key-value state machine.
func NewKVStateMachine(logger zerolog.Logger) *KVStateMachine {
	return &KVStateMachine{
		store:  make(map[string]string),
		logger: logger,
	}
}

// Apply implements StateMachine.
func (kv *KVStateMachine) Apply(entry *wire.LogEntry) []byte {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	parts := strings.Fields(string(entry.Payload))
	if len(parts) == 0 {
		return nil
	}

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) < 2 {
			return []byte("ERR missing argument")
		}
		pair := strings.SplitN(parts[1], "=", 2)
		if len(pair) != 2 {
			return []byte("ERR expected key=value")
		}
		kv.store[pair[0]] = pair[1]
		kv.logger.Debug().Str("key", pair[0]).Uint64("index", entry.Index).Msg("applied SET")
		return []byte("OK")

	case "DEL":
		if len(parts) < 2 {
			return []byte("ERR missing argument")
		}
		delete(kv.store, parts[1])
		kv.logger.Debug().Str("key", parts[1]).Uint64("index", entry.Index).Msg("applied DEL")
		return []byte("OK")

	case "GET":
		if len(parts) < 2 {
			return []byte("ERR missing argument")
		}
		value, ok := kv.store[parts[1]]
		if !ok {
			return []byte("NIL")
		}
		return []byte(value)

	default:
		kv.logger.Warn().Str("command", parts[0]).Uint64("index", entry.Index).Msg("unknown command")
		return []byte("ERR unknown command")
	}
}

// Snapshot implements StateMachine. The JSON encoding keeps snapshots debuggable with
// ordinary tools.
func (kv *KVStateMachine) Snapshot() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return json.Marshal(kv.store)
}

// Restore implements StateMachine.
func (kv *KVStateMachine) Restore(state []byte) error {
	store := make(map[string]string)
	if len(state) > 0 {
		if err := json.Unmarshal(state, &store); err != nil {
			return err
		}
	}

	kv.mu.Lock()
	kv.store = store
	kv.mu.Unlock()
	return nil
}

// Get reads a key directly, bypassing the log. Only for inspection and tests; clients
// needing ordered reads submit a GET command instead.
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}
