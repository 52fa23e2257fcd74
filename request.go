package cachegrid

import "github.com/google/uuid"

/*
Action names are the Hook event descriptor's `action_name` (SPEC_FULL.md
§4.4) and tag each request envelope (§9 "Dynamic action dispatch"). The
Worker's run loop does not switch on them: each API method builds its own
handler closure into the request, and run() invokes that closure, so no
reflection is involved.
*/
const (
	actionGet          = "get"
	actionGetAndUpdate = "get_and_update"
	actionSet          = "set"
	actionUpdate       = "update"
	actionDel          = "del"
	actionClear        = "clear"
	actionTake         = "take"
	actionIncr         = "incr"
	actionDecr         = "decr"
	actionExpire       = "expire"
	actionExpireAt     = "expire_at"
	actionPersist      = "persist"
	actionRefresh      = "refresh"
	actionTTL          = "ttl"
	actionSize         = "size"
	actionCount        = "count"
	actionKeys         = "keys"
	actionEmpty        = "empty?"
	actionExists       = "exists?"
	actionPurge        = "purge"
	actionStats        = "stats"
)

// callOpts carries the per-call overrides every mutation API accepts
// (SPEC_FULL.md §4.2, §6 "Async flag").
type callOpts struct {
	TTL      *int64 // ms; nil means "use options.default_ttl"
	Fallback Fallback
	Amount   int64
	Initial  int64
	Async    bool
}

// CallOption configures one API call. Mirrors the functional-options
// pattern used for CacheOptions, scoped down to per-request knobs.
type CallOption func(*callOpts)

func WithTTL(ms int64) CallOption       { return func(o *callOpts) { o.TTL = &ms } }
func WithFallback(fn Fallback) CallOption { return func(o *callOpts) { o.Fallback = fn } }
func WithAmount(n int64) CallOption     { return func(o *callOpts) { o.Amount = n } }
func WithInitial(n int64) CallOption    { return func(o *callOpts) { o.Initial = n } }
func WithAsync() CallOption             { return func(o *callOpts) { o.Async = true } }

func newCallOpts(opts ...CallOption) callOpts {
	o := callOpts{Amount: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// reply is what a synchronous request blocks on.
type reply struct {
	Status Status
	Value  any
	Err    error
}

// request is the tagged-union envelope the Worker's inbox carries: op names
// the action (reported to hooks), fn is the handler that does the actual
// work against the Worker's state once dequeued, and replyCh is nil for
// async requests (the
// Worker never blocks producing a reply nobody waits for).
type request struct {
	id      uuid.UUID
	op      string
	key     any
	args    []any
	async   bool
	fn      func(w *Worker) reply
	replyCh chan reply
}
