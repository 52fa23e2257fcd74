package cachegrid

import (
	"sync/atomic"
	"time"
)

/*
StatsHook is the canonical built-in post-hook instantiated when
CacheOptions.RecordStats is set (SPEC_FULL.md §4.5). It folds every action
event into a small set of counters.

Counters are plain atomics rather than behind a mutex: a StatsHook instance
is only ever mutated from its own hookTask goroutine (one writer), and
Snapshot only needs a consistent read of each independent counter, not a
point-in-time view across all of them together — atomics are the lighter
tool here, matching "Stats counters are owned by the Stats Hook's task and
mutated only there" (SPEC_FULL.md §5).
*/

type StatsHook struct {
	opCount       int64
	hitCount      int64
	missCount     int64
	setCount      int64
	evictionCount int64
	expiredCount  int64
	creationDate  int64 // wall-clock ms, set once in InitialState
}

func NewStatsHook() *StatsHook { return &StatsHook{} }

func (s *StatsHook) InitialState() {
	atomic.StoreInt64(&s.opCount, 0)
	atomic.StoreInt64(&s.hitCount, 0)
	atomic.StoreInt64(&s.missCount, 0)
	atomic.StoreInt64(&s.setCount, 0)
	atomic.StoreInt64(&s.evictionCount, 0)
	atomic.StoreInt64(&s.expiredCount, 0)
	atomic.StoreInt64(&s.creationDate, time.Now().UnixMilli())
}

// HandlePre is a no-op: every counter is derived from the post-event result,
// since only the outcome (hit/miss/eviction) tells us which bucket to
// increment.
func (s *StatsHook) HandlePre(PreEvent) {}

func (s *StatsHook) HandlePost(e PostEvent) {
	atomic.AddInt64(&s.opCount, 1)
	switch e.Action {
	case actionGet, actionGetAndUpdate, actionTake:
		switch e.Status {
		case StatusOK:
			atomic.AddInt64(&s.hitCount, 1)
		case StatusMissing:
			atomic.AddInt64(&s.missCount, 1)
		case StatusLoaded:
			atomic.AddInt64(&s.missCount, 1)
			atomic.AddInt64(&s.setCount, 1)
		}
	case actionSet, actionUpdate, actionIncr, actionDecr:
		if e.Status == StatusOK {
			atomic.AddInt64(&s.setCount, 1)
		}
	case actionDel:
		atomic.AddInt64(&s.evictionCount, 1)
	case actionPurge:
		if n, ok := e.Result.(int); ok {
			atomic.AddInt64(&s.expiredCount, int64(n))
		}
	}
}

// StatsSnapshot is the value returned by the `stats` API (SPEC_FULL.md
// §4.2.10).
type StatsSnapshot struct {
	OpCount       int64
	HitCount      int64
	MissCount     int64
	SetCount      int64
	EvictionCount int64
	ExpiredCount  int64
	RequestCount  int64 // alias of OpCount
	CreationDate  int64
}

func (s *StatsHook) Snapshot() StatsSnapshot {
	op := atomic.LoadInt64(&s.opCount)
	return StatsSnapshot{
		OpCount:       op,
		HitCount:      atomic.LoadInt64(&s.hitCount),
		MissCount:     atomic.LoadInt64(&s.missCount),
		SetCount:      atomic.LoadInt64(&s.setCount),
		EvictionCount: atomic.LoadInt64(&s.evictionCount),
		ExpiredCount:  atomic.LoadInt64(&s.expiredCount),
		RequestCount:  op,
		CreationDate:  atomic.LoadInt64(&s.creationDate),
	}
}
