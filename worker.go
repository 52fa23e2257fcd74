package cachegrid

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

/*
Worker is the canonical authority for one cache instance (SPEC_FULL.md
§4.2): every public API routes through it, it serialises mutations with
single-writer semantics, and it is the only thing that ever mutates the
Store.

ACTOR MODEL

One goroutine (run) owns an inbox channel of *request values and processes
them strictly FIFO — this is the spec's "serialised mutations via a single
worker task" requirement (§9), generalized off the teacher's map+RWMutex
cache.go onto a channel/goroutine actor, per the spec's explicit direction
not to substitute a mutex-per-key scheme. Reads go through the same inbox
(the baseline design named in §5; the "bypass the queue when no fallback is
configured" optimisation is left to a future revision, not required for
correctness).

Every call is wrapped by Pre/Post hook dispatch (hooks.go) and, in remote
mode, every mutation is routed through the Replicator (replicator.go) before
being applied to the local Store — see replicateWrite()/replicateSet()/
replicateDel() below.
*/

type Worker struct {
	name       string
	options    *CacheOptions
	store      Store
	clock      Clock
	dispatcher *Dispatcher
	janitor    *Janitor
	replicator Replicator

	inbox  chan request
	stopCh chan struct{}
	doneCh chan struct{}

	log     zerolog.Logger
	sf      singleflight.Group
	onCrash func() // notifies a Supervisor the run loop died unexpectedly
}

const inboxCapacity = 1024

// NewWorker wires up one cache instance: Store, Hook Dispatcher, Janitor,
// and (when options.Remote) a Replicator, then starts the actor goroutine.
// clock and replicator may be nil: a nil clock defaults to SystemClock, and
// a nil replicator in remote mode defaults to a same-process localReplicator
// with no peers (i.e. broadcast is a no-op, useful for tests that only care
// about the transactional row-lock contract). onCrash, if non-nil, is
// invoked once if the run loop recovers from a panic — the Supervisor uses
// this to trigger a one-for-one restart (SPEC_FULL.md §3 "Lifecycle").
//
// store may be nil to get a fresh mapStore. Pass a shared Store when
// replicator is a raftReplicator built with NewRaftReplicator against that
// same Store: raft.Apply on any node (including this one) then lands
// directly in the table the Worker reads from, instead of a second,
// disconnected copy (see replicator.go's cacheFSM).
func NewWorker(options *CacheOptions, store Store, clock Clock, replicator Replicator, log zerolog.Logger, onCrash func()) *Worker {
	if store == nil {
		store = newMapStore()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if options.Remote && replicator == nil {
		replicator = newLocalReplicator(nil)
	}

	w := &Worker{
		name:       options.Name,
		options:    options,
		store:      store,
		clock:      clock,
		dispatcher: newDispatcher(options.Hooks, options.HookBufferSize, log),
		replicator: replicator,
		inbox:      make(chan request, inboxCapacity),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		log:        log.With().Str("cache", options.Name).Logger(),
		onCrash:    onCrash,
	}
	w.janitor = newJanitor(options.TTLInterval, w.purgeForJanitor, w.log)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.doneCh)
	defer w.recoverCrash()
	for {
		select {
		case req := <-w.inbox:
			w.process(req)
		case <-w.stopCh:
			return
		}
	}
}

// recoverCrash turns an unrecovered panic from process() into a Supervisor
// notification instead of taking down the process. A deliberate Stop()
// never panics, so this only fires on a genuine bug in a handler.
func (w *Worker) recoverCrash() {
	if r := recover(); r != nil {
		w.log.Error().Interface("panic", r).Msg("worker run loop crashed")
		if w.onCrash != nil {
			w.onCrash()
		}
	}
}

func (w *Worker) process(req request) {
	w.dispatcher.dispatchPre(PreEvent{ID: req.id, Action: req.op, Key: req.key, Args: req.args})
	r := req.fn(w)
	w.dispatcher.dispatchPost(PostEvent{ID: req.id, Action: req.op, Key: req.key, Args: req.args, Status: r.Status, Result: r.Value})
	if req.replyCh != nil {
		req.replyCh <- r
	}
}

// Stop shuts down the Worker's goroutine, its Janitor, and every hook task.
// Idempotent calls are not supported, matching the teacher's Cache.Stop
// contract.
func (w *Worker) Stop() {
	w.janitor.Stop()
	close(w.stopCh)
	<-w.doneCh
	w.dispatcher.stop()
	if w.replicator != nil {
		_ = w.replicator.Close()
	}
}

// call enqueues a request and, for synchronous calls, blocks for the result
// or for ReplyTimeout, whichever comes first (SPEC_FULL.md §5 "Cancellation
// and timeouts"). The Worker keeps executing a timed-out request to
// completion; only the caller stops waiting.
func (w *Worker) call(op string, key any, args []any, async bool, fn func(w *Worker) reply) reply {
	req := request{id: uuid.New(), op: op, key: key, args: args, async: async, fn: fn}
	if async {
		req.fn = fn
		w.inbox <- req
		return reply{Status: StatusOK, Value: true}
	}
	req.replyCh = make(chan reply, 1)
	w.inbox <- req
	select {
	case r := <-req.replyCh:
		return r
	case <-time.After(w.options.ReplyTimeout):
		return reply{Status: StatusError, Err: ErrTimeout}
	}
}

func (w *Worker) resolveTTL(override *int64) int64 {
	if override != nil {
		return *override
	}
	return durationToMS(w.options.Default.TTL)
}

// --- local/replicated write helpers -----------------------------------------

func (w *Worker) localApplyRecord(key any, rec Record) { w.store.Put(key, rec) }

func (w *Worker) localApplyDel(key any) bool { return w.store.Remove(key) }

// replicateWrite commits rec under key, routing through the Replicator in
// remote mode (broadcasting first, then applying locally) and straight to
// the Store otherwise.
func (w *Worker) replicateWrite(key any, rec Record) error {
	if !w.options.Remote {
		w.localApplyRecord(key, rec)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.options.ReplyTimeout)
	defer cancel()

	m := mutation{
		Action: actionSet, Key: key, Value: rec.value, TTLms: rec.ttl, Touched: rec.touched,
		Apply: func(s Store) (any, error) { s.Put(key, rec); return nil, nil },
	}
	if err := w.broadcastOrTransact(ctx, key, m); err != nil {
		return err
	}
	w.localApplyRecord(key, rec)
	return nil
}

func (w *Worker) replicateSet(key any, val any, ttlMS int64) error {
	return w.replicateWrite(key, Record{key: key, touched: w.clock.NowMS(), ttl: ttlMS, value: val})
}

func (w *Worker) replicateDel(key any) error {
	if !w.options.Remote {
		w.localApplyDel(key)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.options.ReplyTimeout)
	defer cancel()
	m := mutation{
		Action: actionDel, Key: key,
		Apply: func(s Store) (any, error) { s.Remove(key); return nil, nil },
	}
	if err := w.broadcastOrTransact(ctx, key, m); err != nil {
		return err
	}
	w.localApplyDel(key)
	return nil
}

func (w *Worker) broadcastOrTransact(ctx context.Context, key any, m mutation) error {
	var err error
	if w.options.Transactional {
		_, err = w.replicator.Transactional(ctx, []any{key}, func() (any, error) {
			return w.replicator.Broadcast(ctx, m)
		})
	} else {
		_, err = w.replicator.Broadcast(ctx, m)
	}
	return err
}

func safeFallback(fn Fallback, key any, args []any) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wrapError(KindFallbackError, "fallback panicked", fmt.Errorf("%v", r))
		}
	}()
	val, err = fn(context.Background(), key, args...)
	if err != nil {
		err = wrapError(KindFallbackError, "fallback returned an error", err)
	}
	return val, err
}

// invokeFallback calls fb, optionally de-duplicating concurrent calls for
// the same key via singleflight when CoalesceFallbacks is set (SPEC_FULL.md
// §9 open question — the spec's own baseline is "no de-dup", selected by
// leaving CoalesceFallbacks false). Get and GetAndUpdate call this from the
// Worker's single run goroutine, so requests issued through the queue never
// overlap here; singleflight only merges calls made to invokeFallback
// concurrently.
func (w *Worker) invokeFallback(key any, fb Fallback) (any, error) {
	args := append([]any{}, w.options.FallbackArgs...)
	if !w.options.CoalesceFallbacks {
		return safeFallback(fb, key, args)
	}
	v, err, _ := w.sf.Do(fmt.Sprint(key), func() (any, error) {
		return safeFallback(fb, key, args)
	})
	return v, err
}

// --- Get / GetAndUpdate ------------------------------------------------------

func (w *Worker) Get(key any, opts ...CallOption) (Status, any, error) {
	o := newCallOpts(opts...)
	r := w.call(actionGet, key, nil, false, func(w *Worker) reply { return w.doGet(key, o) })
	return r.Status, r.Value, r.Err
}

func (w *Worker) doGet(key any, o callOpts) reply {
	now := w.clock.NowMS()
	if rec, ok := w.store.Get(key); ok {
		if !rec.Expired(now) {
			return reply{Status: StatusOK, Value: rec.value}
		}
		w.replicateDel(key)
	}

	fb := o.Fallback
	if fb == nil {
		fb = w.options.Default.Fallback
	}
	if fb == nil {
		return reply{Status: StatusMissing}
	}
	val, err := w.invokeFallback(key, fb)
	if err != nil {
		return reply{Status: StatusError, Err: err}
	}
	if err := w.replicateSet(key, val, w.resolveTTL(o.TTL)); err != nil {
		return reply{Status: StatusError, Err: err}
	}
	return reply{Status: StatusLoaded, Value: val}
}

func (w *Worker) GetAndUpdate(key any, fn func(any) any, opts ...CallOption) (Status, any, error) {
	o := newCallOpts(opts...)
	r := w.call(actionGetAndUpdate, key, nil, false, func(w *Worker) reply { return w.doGetAndUpdate(key, fn, o) })
	return r.Status, r.Value, r.Err
}

// doGetAndUpdate never refreshes touched/ttl on a hit: only the value field
// changes (SPEC_FULL.md §4.2.2).
func (w *Worker) doGetAndUpdate(key any, fn func(any) any, o callOpts) reply {
	now := w.clock.NowMS()
	if rec, ok := w.store.Get(key); ok {
		if !rec.Expired(now) {
			rec.value = fn(rec.value)
			if err := w.replicateWrite(key, rec); err != nil {
				return reply{Status: StatusError, Err: err}
			}
			return reply{Status: StatusOK, Value: rec.value}
		}
		w.replicateDel(key)
	}

	fb := o.Fallback
	if fb == nil {
		fb = w.options.Default.Fallback
	}
	if fb == nil {
		return reply{Status: StatusMissing}
	}
	val, err := w.invokeFallback(key, fb)
	if err != nil {
		return reply{Status: StatusError, Err: err}
	}
	newVal := fn(val)
	if err := w.replicateSet(key, newVal, w.resolveTTL(o.TTL)); err != nil {
		return reply{Status: StatusError, Err: err}
	}
	return reply{Status: StatusLoaded, Value: newVal}
}

// --- Set / Update / Del / Clear / Take ---------------------------------------

func (w *Worker) Set(key, value any, opts ...CallOption) (Status, any, error) {
	o := newCallOpts(opts...)
	r := w.call(actionSet, key, nil, o.Async, func(w *Worker) reply {
		if err := w.replicateSet(key, value, w.resolveTTL(o.TTL)); err != nil {
			return reply{Status: StatusError, Err: err}
		}
		return reply{Status: StatusOK, Value: true}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) Update(key, value any, opts ...CallOption) (Status, any, error) {
	o := newCallOpts(opts...)
	r := w.call(actionUpdate, key, nil, o.Async, func(w *Worker) reply {
		rec, ok := w.store.Get(key)
		if !ok || rec.Expired(w.clock.NowMS()) {
			return reply{Status: StatusMissing, Value: false}
		}
		rec.value = value
		if err := w.replicateWrite(key, rec); err != nil {
			return reply{Status: StatusError, Err: err}
		}
		return reply{Status: StatusOK, Value: true}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) Del(key any, opts ...CallOption) (Status, any, error) {
	o := newCallOpts(opts...)
	r := w.call(actionDel, key, nil, o.Async, func(w *Worker) reply {
		if err := w.replicateDel(key); err != nil {
			return reply{Status: StatusError, Err: err}
		}
		return reply{Status: StatusOK, Value: true}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) Clear(opts ...CallOption) (Status, any, error) {
	o := newCallOpts(opts...)
	r := w.call(actionClear, nil, nil, o.Async, func(w *Worker) reply {
		if w.options.Remote {
			ctx, cancel := context.WithTimeout(context.Background(), w.options.ReplyTimeout)
			defer cancel()
			m := mutation{Action: actionClear, Apply: func(s Store) (any, error) { return s.Clear(), nil }}
			if err := w.broadcastOrTransact(ctx, "*", m); err != nil {
				return reply{Status: StatusError, Err: err}
			}
		}
		n := w.store.Clear()
		return reply{Status: StatusOK, Value: n}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) Take(key any) (Status, any, error) {
	r := w.call(actionTake, key, nil, false, func(w *Worker) reply {
		rec, ok := w.store.Get(key)
		if !ok || rec.Expired(w.clock.NowMS()) {
			if ok {
				w.replicateDel(key)
			}
			return reply{Status: StatusMissing, Value: nil}
		}
		if err := w.replicateDel(key); err != nil {
			return reply{Status: StatusError, Err: err}
		}
		return reply{Status: StatusOK, Value: rec.value}
	})
	return r.Status, r.Value, r.Err
}

// --- Incr / Decr --------------------------------------------------------------

func (w *Worker) Incr(key any, opts ...CallOption) (Status, any, error) {
	return w.incrBy(key, 1, opts...)
}

func (w *Worker) Decr(key any, opts ...CallOption) (Status, any, error) {
	return w.incrBy(key, -1, opts...)
}

// incrBy's sign parameter flips the effective sign of opts.Amount so Decr
// is literally Incr with a negated amount, per SPEC_FULL.md §4.2.6.
func (w *Worker) incrBy(key any, sign int64, opts ...CallOption) (Status, any, error) {
	o := newCallOpts(opts...)
	amount := sign * o.Amount
	action := actionIncr
	if sign < 0 {
		action = actionDecr
	}
	r := w.call(action, key, nil, o.Async, func(w *Worker) reply {
		now := w.clock.NowMS()
		rec, found := w.store.Get(key)
		if !found || rec.Expired(now) {
			rec = Record{key: key, touched: now, ttl: durationToMS(w.options.Default.TTL), value: o.Initial}
		}
		n, ok := toInt64(rec.value)
		if !ok {
			return reply{Status: StatusError, Err: ErrNotANumber}
		}
		rec.value = n + amount
		if err := w.replicateWrite(key, rec); err != nil {
			return reply{Status: StatusError, Err: err}
		}
		return reply{Status: StatusOK, Value: rec.value}
	})
	return r.Status, r.Value, r.Err
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}

// --- TTL management ------------------------------------------------------

func (w *Worker) Expire(key any, ms int64) (Status, any, error) {
	r := w.call(actionExpire, key, nil, false, func(w *Worker) reply {
		rec, ok := w.store.Get(key)
		if !ok || rec.Expired(w.clock.NowMS()) {
			return reply{Status: StatusMissing, Value: false}
		}
		if ms <= 0 {
			w.replicateDel(key)
			return reply{Status: StatusOK, Value: true}
		}
		rec.touched = w.clock.NowMS()
		rec.ttl = ms
		if err := w.replicateWrite(key, rec); err != nil {
			return reply{Status: StatusError, Err: err}
		}
		return reply{Status: StatusOK, Value: true}
	})
	return r.Status, r.Value, r.Err
}

// ExpireAt treats a timestamp at or before now as immediate eviction,
// including the boundary case timestamp == now (SPEC_FULL.md §9).
func (w *Worker) ExpireAt(key any, tsMS int64) (Status, any, error) {
	r := w.call(actionExpireAt, key, nil, false, func(w *Worker) reply {
		now := w.clock.NowMS()
		rec, ok := w.store.Get(key)
		if !ok || rec.Expired(now) {
			return reply{Status: StatusMissing, Value: false}
		}
		if tsMS <= now {
			w.replicateDel(key)
			return reply{Status: StatusOK, Value: true}
		}
		rec.touched = now
		rec.ttl = tsMS - now
		if err := w.replicateWrite(key, rec); err != nil {
			return reply{Status: StatusError, Err: err}
		}
		return reply{Status: StatusOK, Value: true}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) Persist(key any) (Status, any, error) {
	r := w.call(actionPersist, key, nil, false, func(w *Worker) reply {
		rec, ok := w.store.Get(key)
		if !ok || rec.Expired(w.clock.NowMS()) {
			return reply{Status: StatusMissing, Value: false}
		}
		rec.ttl = ttlNone
		if err := w.replicateWrite(key, rec); err != nil {
			return reply{Status: StatusError, Err: err}
		}
		return reply{Status: StatusOK, Value: true}
	})
	return r.Status, r.Value, r.Err
}

// Refresh resets touched to now without altering ttl (SPEC_FULL.md §4.2.7,
// §8 scenario 7).
func (w *Worker) Refresh(key any) (Status, any, error) {
	r := w.call(actionRefresh, key, nil, false, func(w *Worker) reply {
		rec, ok := w.store.Get(key)
		if !ok || rec.Expired(w.clock.NowMS()) {
			return reply{Status: StatusMissing, Value: false}
		}
		rec.touched = w.clock.NowMS()
		if err := w.replicateWrite(key, rec); err != nil {
			return reply{Status: StatusError, Err: err}
		}
		return reply{Status: StatusOK, Value: true}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) TTL(key any) (Status, any, error) {
	r := w.call(actionTTL, key, nil, false, func(w *Worker) reply {
		now := w.clock.NowMS()
		rec, ok := w.store.Get(key)
		if !ok || rec.Expired(now) {
			return reply{Status: StatusMissing, Value: nil}
		}
		remaining, hasTTL := rec.RemainingTTL(now)
		if !hasTTL {
			return reply{Status: StatusOK, Value: nil}
		}
		return reply{Status: StatusOK, Value: remaining}
	})
	return r.Status, r.Value, r.Err
}

// --- Size / keys / count / empty? / exists? ----------------------------------

func (w *Worker) Size() (Status, any, error) {
	r := w.call(actionSize, nil, nil, false, func(w *Worker) reply {
		return reply{Status: StatusOK, Value: w.store.Len()}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) Count() (Status, any, error) {
	r := w.call(actionCount, nil, nil, false, func(w *Worker) reply {
		now := w.clock.NowMS()
		n := 0
		w.store.Scan(func(_ any, rec Record) bool {
			if !rec.Expired(now) {
				n++
			}
			return true
		})
		return reply{Status: StatusOK, Value: n}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) Keys() (Status, any, error) {
	r := w.call(actionKeys, nil, nil, false, func(w *Worker) reply {
		keys := make([]any, 0, w.store.Len())
		w.store.Scan(func(k any, _ Record) bool {
			keys = append(keys, k)
			return true
		})
		return reply{Status: StatusOK, Value: keys}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) Empty() (Status, any, error) {
	status, size, err := w.Size()
	if err != nil {
		return status, nil, err
	}
	return StatusOK, size.(int) == 0, nil
}

func (w *Worker) Exists(key any) (Status, any, error) {
	r := w.call(actionExists, key, nil, false, func(w *Worker) reply {
		rec, ok := w.store.Get(key)
		return reply{Status: StatusOK, Value: ok && !rec.Expired(w.clock.NowMS())}
	})
	return r.Status, r.Value, r.Err
}

// --- Purge / Stats ------------------------------------------------------------

// Purge sweeps every logically expired Record synchronously and returns the
// eviction count (SPEC_FULL.md §4.2.9) — functionally identical to a
// Janitor tick, just invoked on the Worker's own goroutine instead of the
// Janitor's ticker.
func (w *Worker) Purge() (Status, any, error) {
	r := w.call(actionPurge, nil, nil, false, func(w *Worker) reply {
		return reply{Status: StatusOK, Value: w.sweepExpired()}
	})
	return r.Status, r.Value, r.Err
}

func (w *Worker) sweepExpired() int {
	now := w.clock.NowMS()
	var expiredKeys []any
	w.store.Scan(func(k any, rec Record) bool {
		if rec.Expired(now) {
			expiredKeys = append(expiredKeys, k)
		}
		return true
	})
	for _, k := range expiredKeys {
		w.replicateDel(k)
	}
	return len(expiredKeys)
}

// purgeForJanitor is the closure the Janitor invokes on each tick; it runs
// sweepExpired on the Worker's own goroutine via call() so a Janitor-driven
// eviction gets the same hook dispatch and replication treatment as a
// client-driven Purge (SPEC_FULL.md §4.3).
func (w *Worker) purgeForJanitor() int {
	r := w.call(actionPurge, nil, nil, false, func(w *Worker) reply {
		return reply{Status: StatusOK, Value: w.sweepExpired()}
	})
	n, _ := r.Value.(int)
	return n
}

func (w *Worker) Stats() (Status, any, error) {
	r := w.call(actionStats, nil, nil, false, func(w *Worker) reply {
		sh, ok := w.options.statsHook()
		if !ok {
			return reply{Status: StatusError, Err: ErrStatsNotEnabled}
		}
		return reply{Status: StatusOK, Value: sh.Snapshot()}
	})
	return r.Status, r.Value, r.Err
}
