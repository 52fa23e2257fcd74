package cachegrid

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

/*
Supervisor restarts a cache's Worker with a one-for-one strategy when it
dies unexpectedly (SPEC_FULL.md §3 "Lifecycle"). Idea grounded
on juju's RestartWorkers/Factory pair (other_examples,
juju-juju/state/workers/restart.go): a Factory constructs a fresh worker,
a monitor goroutine watches for its exit, and a dead worker is replaced
rather than the whole tree brought down. juju's version is built on
catacomb and loggo, neither of which this module depends on for any other
component, so the restart loop itself is rebuilt directly on channels and
zerolog instead of pulling in a one-off dependency for a single file.

A Worker normally only stops via an explicit Stop() call, which is not a
crash and must not trigger a restart — the two are distinguished by
requiring callers to route unexpected exits through ReportCrash instead of
the ordinary shutdown path.
*/

// Factory constructs a replacement Worker for a named cache, using whatever
// configuration the supervisor was built with.
type Factory func() *Worker

type Supervisor struct {
	factory Factory
	delay   time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	worker   *Worker
	crashCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	restarts int
}

// NewSupervisor starts worker under supervision: if it later crashes (via
// ReportCrash), the Supervisor waits delay and asks factory for a
// replacement, looping indefinitely until Stop is called.
func NewSupervisor(factory Factory, delay time.Duration, log zerolog.Logger) *Supervisor {
	s := &Supervisor{
		factory: factory,
		delay:   delay,
		log:     log.With().Str("component", "supervisor").Logger(),
		worker:  factory(),
		crashCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Worker returns the currently supervised Worker. Callers must not cache
// this value across a restart: fetch it fresh for every API call.
func (s *Supervisor) Worker() *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// ReportCrash tells the Supervisor its current Worker died unexpectedly.
// A Worker stopped deliberately via Stop() must never call this.
func (s *Supervisor) ReportCrash() {
	select {
	case s.crashCh <- struct{}{}:
	default:
	}
}

func (s *Supervisor) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.crashCh:
			s.restart()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) restart() {
	s.mu.Lock()
	s.restarts++
	n := s.restarts
	s.mu.Unlock()

	s.log.Warn().Int("attempt", n).Dur("delay", s.delay).Msg("worker crashed, restarting")
	select {
	case <-time.After(s.delay):
	case <-s.stopCh:
		return
	}

	newWorker := s.factory()
	s.mu.Lock()
	s.worker = newWorker
	s.mu.Unlock()
}

func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Worker().Stop()
}
