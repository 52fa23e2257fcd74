package cachegrid

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

/*
Replicator is the optional broadcast layer a Worker in remote mode routes
every mutation through (SPEC_FULL.md §4.6). Non-replicated caches
(Nodes == ["self"]) never touch this file at all — the Worker talks to the
Store directly.

Two implementations ship here:

  - localReplicator: a same-process stand-in used by tests that want
    "remote mode" semantics (row locks, broadcast bookkeeping) without
    standing up a Raft cluster. It fans an Apply out to N in-process peer
    Stores via errgroup, which is the shape a genuinely networked
    broadcast would have, just without the network.
  - raftReplicator: the production implementation, backed by
    hashicorp/raft. broadcast() is raft.Raft.Apply on a *mutationLogEntry*
    processed by cacheFSM, which already gives every peer the Worker's
    total order (§5) — exactly the "ordered broadcast primitive" §6 assumes
    as an environment dependency. transactional() layers a per-key
    in-process mutex (the "row lock") underneath the same Apply path.

Partial broadcast failures are NOT rolled back on the nodes that did
acknowledge — this is the spec's own documented trade-off (§9), not an
oversight: a failed broadcast is reported via KindReplicationFailed, and the
caller decides what, if anything, to do about divergence. localReplicator
lists each failing peer in FailedNodes as "peer-<index>"; raftReplicator
lists the current leader's address when Apply fails, and leaves FailedNodes
empty when the FSM rejects the entry.
*/

type mutation struct {
	Action  string
	Key     any
	Value   any
	TTLms   int64
	Touched int64
	// Apply is consulted by localReplicator, which has direct in-process
	// access to peer Stores. raftReplicator instead serialises
	// Action/Key/Value/TTLms/Touched into the replicated log (see
	// cacheFSM.Apply) since a real peer is not reachable as a Go Store value.
	Apply func(s Store) (any, error)
}

type Replicator interface {
	Broadcast(ctx context.Context, m mutation) (any, error)
	Transactional(ctx context.Context, keys []any, fn func() (any, error)) (any, error)
	Close() error
}

// localReplicator applies m against every peer Store directly, in-process.
// Used when Remote is true but no networked raft.Raft has been wired in
// (e.g. tests exercising the transactional row-lock contract in isolation).
type localReplicator struct {
	peers    []Store
	rowLocks sync.Map // key -> *sync.Mutex
}

func newLocalReplicator(peers []Store) *localReplicator {
	return &localReplicator{peers: peers}
}

func (r *localReplicator) Broadcast(ctx context.Context, m mutation) (any, error) {
	if len(r.peers) == 0 {
		return nil, nil
	}
	g, ctx := errgroup.WithContext(ctx)
	results := make([]any, len(r.peers))
	var mu sync.Mutex
	var failed []string

	for i, peer := range r.peers {
		i, peer := i, peer
		g.Go(func() error {
			res, err := m.Apply(peer)
			if err != nil {
				mu.Lock()
				failed = append(failed, fmt.Sprintf("peer-%d", i))
				mu.Unlock()
				return err
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait() // errors are surfaced via `failed`, not an aggregate error
	if len(failed) > 0 {
		return nil, &Error{Kind: KindReplicationFailed, Message: "replication failed", FailedNodes: failed}
	}
	if len(results) > 0 {
		return results[0], nil
	}
	return nil, nil
}

func (r *localReplicator) Transactional(ctx context.Context, keys []any, fn func() (any, error)) (any, error) {
	locks := r.lockAll(keys)
	defer r.unlockAll(locks)
	return fn()
}

func (r *localReplicator) lockAll(keys []any) []*sync.Mutex {
	locks := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		v, _ := r.rowLocks.LoadOrStore(k, &sync.Mutex{})
		m := v.(*sync.Mutex)
		m.Lock()
		locks = append(locks, m)
	}
	return locks
}

func (r *localReplicator) unlockAll(locks []*sync.Mutex) {
	for _, m := range locks {
		m.Unlock()
	}
}

func (r *localReplicator) Close() error { return nil }

// --- raft-backed Replicator -------------------------------------------------

// mutationLogEntry is what gets Applied to the Raft log: enough to replay
// the mutation against any peer's FSM deterministically. Values stored
// through a replicated cache must be gob-encodable; callers register their
// own concrete types with gob.Register, the same constraint any
// gob-over-raft FSM carries.
type mutationLogEntry struct {
	Action  string
	Key     any
	Value   any
	TTLms   int64
	Touched int64
}

func encodeMutationLogEntry(e *mutationLogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMutationLogEntry(data []byte) (*mutationLogEntry, error) {
	var e mutationLogEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// cacheFSM adapts a Store to raft.FSM, applying replicated mutationLogEntry
// values in log order.
type cacheFSM struct {
	store Store
}

func (f *cacheFSM) Apply(log *raft.Log) any {
	entry, err := decodeMutationLogEntry(log.Data)
	if err != nil {
		return fmt.Errorf("cachegrid: decoding raft log entry: %w", err)
	}
	switch entry.Action {
	case actionSet:
		touched := entry.Touched
		if touched == 0 {
			touched = time.Now().UnixMilli()
		}
		f.store.Put(entry.Key, Record{key: entry.Key, touched: touched, ttl: entry.TTLms, value: entry.Value})
	case actionDel, actionTake:
		f.store.Remove(entry.Key)
	case actionClear:
		f.store.Clear()
	}
	return nil
}

func (f *cacheFSM) Snapshot() (raft.FSMSnapshot, error) { return noopSnapshot{}, nil }
func (f *cacheFSM) Restore(rc io.ReadCloser) error       { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// RaftConfig configures the production Replicator. LocalID, Bind and Servers
// are supplied by the caller; nothing here reads CacheOptions.Nodes. LogDir
// is where raft-boltdb keeps the replicated
// log (the Replicator's own bookkeeping, never the cache's Records —
// persistence of cache state across restarts stays an explicit Non-goal).
type RaftConfig struct {
	LocalID raft.ServerID
	Bind    raft.ServerAddress
	LogDir  string
	Servers []raft.Server
}

type raftReplicator struct {
	raft     *raft.Raft
	logStore *raftboltdb.BoltStore
	rowLocks sync.Map
	limiter  *rate.Limiter
}

// NewRaftReplicator wires up a Raft node whose FSM applies mutations to
// store. It is the ordered-broadcast primitive SPEC_FULL.md §6 assumes as
// an environment dependency, concretely supplied here rather than left
// abstract. Pass the result to StartLink as its Replicator when
// CacheOptions.Nodes names more than one peer.
func NewRaftReplicator(cfg RaftConfig, store Store) (Replicator, error) {
	logStore, err := raftboltdb.NewBoltStore(cfg.LogDir + "/raft-log.bolt")
	if err != nil {
		return nil, wrapError(KindInternalFault, "raft log store", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(cfg.LogDir + "/raft-stable.bolt")
	if err != nil {
		return nil, wrapError(KindInternalFault, "raft stable store", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.LogDir, 1, nil)
	if err != nil {
		return nil, wrapError(KindInternalFault, "raft snapshot store", err)
	}
	transport, err := raft.NewTCPTransport(string(cfg.Bind), nil, 3, 10*time.Second, nil)
	if err != nil {
		return nil, wrapError(KindInternalFault, "raft transport", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = cfg.LocalID

	fsm := &cacheFSM{store: store}
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, wrapError(KindInternalFault, "raft node", err)
	}

	if len(cfg.Servers) > 0 {
		r.BootstrapCluster(raft.Configuration{Servers: cfg.Servers})
	}

	return &raftReplicator{
		raft:     r,
		logStore: logStore,
		limiter:  rate.NewLimiter(rate.Limit(10), 3), // caps every Broadcast at 10/s, burst 3; a failed Apply is not retried
	}, nil
}

func (r *raftReplicator) Broadcast(ctx context.Context, m mutation) (any, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, wrapError(KindTimeout, "replication rate limit", err)
	}

	entry := &mutationLogEntry{Action: m.Action, Key: m.Key, Value: m.Value, TTLms: m.TTLms, Touched: m.Touched}
	payload, err := encodeMutationLogEntry(entry)
	if err != nil {
		return nil, wrapError(KindInternalFault, "encoding replicated mutation", err)
	}

	timeout := 250 * time.Millisecond
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	future := r.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		return nil, &Error{Kind: KindReplicationFailed, Message: "raft apply failed", FailedNodes: []string{string(r.raft.Leader())}, cause: err}
	}
	if errResp, ok := future.Response().(error); ok && errResp != nil {
		return nil, &Error{Kind: KindReplicationFailed, Message: "raft FSM rejected mutation", cause: errResp}
	}
	return future.Response(), nil
}

func (r *raftReplicator) Transactional(ctx context.Context, keys []any, fn func() (any, error)) (any, error) {
	locks := make([]*sync.Mutex, 0, len(keys))
	defer func() {
		for _, m := range locks {
			m.Unlock()
		}
	}()
	for _, k := range keys {
		v, _ := r.rowLocks.LoadOrStore(k, &sync.Mutex{})
		m := v.(*sync.Mutex)
		m.Lock()
		locks = append(locks, m)
	}
	return fn()
}

func (r *raftReplicator) Close() error {
	if err := r.raft.Shutdown().Error(); err != nil {
		return err
	}
	return r.logStore.Close()
}
