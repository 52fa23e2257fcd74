// Package cachegrid implements an in-memory key/value cache service: TTL
// expiration, atomic mutation primitives, fallback loading on miss,
// pre/post hook dispatch, and optional multi-node replication.
package cachegrid

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

/*
Cache is the handle returned by StartLink: the public, name-qualified
façade over a supervised Worker. Every method just forwards to
s.Worker(), so a crash-and-restart never invalidates a caller's handle —
the Supervisor always hands back the live Worker.
*/
type Cache struct {
	name       string
	supervisor *Supervisor
}

// Name returns the cache's registered name.
func (c *Cache) Name() string { return c.name }

func (c *Cache) worker() *Worker { return c.supervisor.Worker() }

func (c *Cache) Get(key any, opts ...CallOption) (Status, any, error) { return c.worker().Get(key, opts...) }
func (c *Cache) GetAndUpdate(key any, fn func(any) any, opts ...CallOption) (Status, any, error) {
	return c.worker().GetAndUpdate(key, fn, opts...)
}
func (c *Cache) Set(key, value any, opts ...CallOption) (Status, any, error) {
	return c.worker().Set(key, value, opts...)
}
func (c *Cache) Update(key, value any, opts ...CallOption) (Status, any, error) {
	return c.worker().Update(key, value, opts...)
}
func (c *Cache) Del(key any, opts ...CallOption) (Status, any, error)   { return c.worker().Del(key, opts...) }
func (c *Cache) Clear(opts ...CallOption) (Status, any, error)         { return c.worker().Clear(opts...) }
func (c *Cache) Take(key any) (Status, any, error)                     { return c.worker().Take(key) }
func (c *Cache) Incr(key any, opts ...CallOption) (Status, any, error)  { return c.worker().Incr(key, opts...) }
func (c *Cache) Decr(key any, opts ...CallOption) (Status, any, error)  { return c.worker().Decr(key, opts...) }
func (c *Cache) Expire(key any, ms int64) (Status, any, error)         { return c.worker().Expire(key, ms) }
func (c *Cache) ExpireAt(key any, tsMS int64) (Status, any, error)     { return c.worker().ExpireAt(key, tsMS) }
func (c *Cache) Persist(key any) (Status, any, error)                  { return c.worker().Persist(key) }
func (c *Cache) Refresh(key any) (Status, any, error)                  { return c.worker().Refresh(key) }
func (c *Cache) TTL(key any) (Status, any, error)                      { return c.worker().TTL(key) }
func (c *Cache) Size() (Status, any, error)                            { return c.worker().Size() }
func (c *Cache) Count() (Status, any, error)                           { return c.worker().Count() }
func (c *Cache) Keys() (Status, any, error)                            { return c.worker().Keys() }
func (c *Cache) Empty() (Status, any, error)                           { return c.worker().Empty() }
func (c *Cache) Exists(key any) (Status, any, error)                   { return c.worker().Exists(key) }
func (c *Cache) Purge() (Status, any, error)                           { return c.worker().Purge() }
func (c *Cache) Stats() (Status, any, error)                           { return c.worker().Stats() }

// Stop tears down the cache's Supervisor, its Worker, Janitor, and hooks,
// and deregisters its name so a later StartLink may reuse it.
func (c *Cache) Stop() {
	registry.mu.Lock()
	delete(registry.caches, c.name)
	registry.mu.Unlock()
	c.supervisor.Stop()
}

// registry is the process-wide name -> Cache table (SPEC_FULL.md §6
// start_link contract: a second StartLink under an in-use name fails with
// KindNameInUse rather than silently replacing the existing cache).
var registry = struct {
	mu     sync.Mutex
	caches map[string]*Cache
}{caches: make(map[string]*Cache)}

// SupervisorOpts tunes the one-for-one restart behind a cache, mirroring
// the "supervisor_opts" parameter of the spec's start_link.
type SupervisorOpts struct {
	RestartDelay time.Duration
}

// StartLink builds a cache instance from options, registers it under
// options.Name, and returns a handle once its Worker, Janitor, and hooks
// are running. Calling StartLink twice with the same name returns
// KindNameInUse (SPEC_FULL.md §6). store may be nil (a private mapStore is
// created); pass one explicitly when replicator is a NewRaftReplicator
// built against that same Store.
func StartLink(options *CacheOptions, supervisorOpts SupervisorOpts, store Store, clock Clock, replicator Replicator, log zerolog.Logger) (*Cache, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.caches[options.Name]; exists {
		return nil, ErrNameInUse
	}

	var sup *Supervisor
	factory := func() *Worker { return NewWorker(options, store, clock, replicator, log, func() { sup.ReportCrash() }) }
	sup = NewSupervisor(factory, supervisorOpts.RestartDelay, log)

	c := &Cache{name: options.Name, supervisor: sup}
	registry.caches[options.Name] = c
	return c, nil
}

// Lookup returns the running cache registered under name, if any.
func Lookup(name string) (*Cache, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	c, ok := registry.caches[name]
	return c, ok
}

// StopAll stops and deregisters every cache started via StartLink. Intended
// for test teardown and graceful process shutdown.
func StopAll() {
	registry.mu.Lock()
	caches := make([]*Cache, 0, len(registry.caches))
	for _, c := range registry.caches {
		caches = append(caches, c)
	}
	registry.caches = make(map[string]*Cache)
	registry.mu.Unlock()

	for _, c := range caches {
		c.Stop()
	}
}
