package cachegrid

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

/*
Hook is the capability interface a registered observer implements
(SPEC_FULL.md §9 "hook polymorphism" — reified away from the source's
duck-typed modules). A Hook is stateful per instance; InitialState resets
that state and is called once at registration time.

PreEvent/PostEvent are the action descriptors dispatched to HandlePre and
HandlePost. Dispatch is always asynchronous and best-effort: the Worker
never waits on a hook and a hook's panic never reaches the client
(SPEC_FULL.md §4.4).

The shape here (event structs, topic-like registration, a
correlation ID linking pre/post) is adapted from O-tero's
pubsub/events.go + cache-manager/subscriptions.go, with encore.dev/pubsub's
topic broker replaced by a plain per-hook goroutine and buffered channel —
this core has no business depending on the Encore platform runtime.
*/

type Hook interface {
	InitialState()
	HandlePre(e PreEvent)
	HandlePost(e PostEvent)
}

type PreEvent struct {
	ID     uuid.UUID
	Action string
	Key    any
	Args   []any
}

type PostEvent struct {
	ID     uuid.UUID
	Action string
	Key    any
	Args   []any
	Status Status
	Result any
}

// hookTask runs one registered hook's dispatch loop on its own goroutine,
// isolated from every other hook and from the Worker by a bounded channel.
type hookTask struct {
	spec    HookSpec
	inbox   chan any // PreEvent or PostEvent
	drops   int64
	log     zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newHookTask(spec HookSpec, bufferSize int, log zerolog.Logger) *hookTask {
	t := &hookTask{
		spec:   spec,
		inbox:  make(chan any, bufferSize),
		log:    log.With().Str("hook", spec.Name).Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	spec.Hook.InitialState()
	go t.run()
	return t
}

func (t *hookTask) run() {
	defer close(t.doneCh)
	for {
		select {
		case ev := <-t.inbox:
			t.dispatch(ev)
		case <-t.stopCh:
			return
		}
	}
}

// dispatch invokes the hook under a recover boundary: a hook crash is
// logged but never escalates past this goroutine (SPEC_FULL.md §4.4, §7 —
// "Hook and Janitor crashes never propagate to clients").
func (t *hookTask) dispatch(ev any) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Interface("panic", r).Msg("hook task recovered from panic")
		}
	}()
	switch e := ev.(type) {
	case PreEvent:
		t.spec.Hook.HandlePre(e)
	case PostEvent:
		t.spec.Hook.HandlePost(e)
	}
}

// offer enqueues ev without blocking the Worker. When the bounded buffer is
// full, the oldest pending event is dropped to make room, and the drop is
// counted (SPEC_FULL.md §4.4 "best-effort, bounded buffer").
func (t *hookTask) offer(ev any) {
	select {
	case t.inbox <- ev:
		return
	default:
	}
	select {
	case <-t.inbox:
		t.drops++
	default:
	}
	select {
	case t.inbox <- ev:
	default:
		t.drops++
	}
}

func (t *hookTask) stop() {
	close(t.stopCh)
	<-t.doneCh
}

// Dispatcher owns the ordered set of registered hook tasks and fans pre/post
// events out to whichever ones subscribed to that phase, in registration
// order (SPEC_FULL.md §4.4 "Ordering").
type Dispatcher struct {
	pre  []*hookTask
	post []*hookTask
}

func newDispatcher(specs []HookSpec, bufferSize int, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{}
	for _, spec := range specs {
		task := newHookTask(spec, bufferSize, log)
		switch spec.Type {
		case HookPre:
			d.pre = append(d.pre, task)
		case HookPost:
			d.post = append(d.post, task)
		}
	}
	return d
}

func (d *Dispatcher) dispatchPre(e PreEvent) {
	for _, t := range d.pre {
		t.offer(e)
	}
}

func (d *Dispatcher) dispatchPost(e PostEvent) {
	for _, t := range d.post {
		t.offer(e)
	}
}

func (d *Dispatcher) stop() {
	for _, t := range d.pre {
		t.stop()
	}
	for _, t := range d.post {
		t.stop()
	}
}

// droppedEvents reports the total number of events dropped across every
// registered hook, for diagnostics.
func (d *Dispatcher) droppedEvents() int64 {
	var total int64
	for _, t := range d.pre {
		total += t.drops
	}
	for _, t := range d.post {
		total += t.drops
	}
	return total
}
