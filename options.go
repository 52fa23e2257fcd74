package cachegrid

import (
	"context"
	"fmt"
	"time"
)

/*
CacheOptions is the immutable, validated configuration for one cache
instance, built with the functional-options pattern.

DESIGN PATTERN

Same idea as the teacher's options.go: New() never grows a parameter for
every knob. Each Option mutates a *CacheOptions before it is frozen by
NewOptions, which validates the result and returns a Kind: KindInvalidOption
error the moment something is missing or ill-typed (SPEC_FULL.md §7).

    opts, err := NewOptions("sessions",
        WithDefaultTTL(30*time.Second),
        WithTTLInterval(10*time.Second),
        WithRecordStats(),
    )
*/

// Fallback loads a value for a missing key. args are the extra positional
// arguments configured via WithFallbackArgs, passed after key on every
// invocation; no per-call fallback arguments exist (SPEC_FULL.md §4.2.1, §9).
type Fallback func(ctx context.Context, key any, args ...any) (any, error)

type HookType int

const (
	HookPre HookType = iota
	HookPost
)

// HookSpec names a Hook to register and which lifecycle phase it observes.
type HookSpec struct {
	Name string
	Type HookType
	Hook Hook
}

type CacheOptions struct {
	Name    string
	Default struct {
		TTL      time.Duration
		Fallback Fallback
	}
	FallbackArgs []any

	TTLInterval time.Duration // 0 disables the Janitor

	Nodes         []string
	Remote        bool
	Transactional bool

	Hooks        []HookSpec
	RecordStats  bool

	CoalesceFallbacks bool
	HookBufferSize    int
	ReplyTimeout      time.Duration
}

type Option func(*CacheOptions)

func WithDefaultTTL(d time.Duration) Option {
	return func(o *CacheOptions) { o.Default.TTL = d }
}

func WithDefaultFallback(fn Fallback) Option {
	return func(o *CacheOptions) { o.Default.Fallback = fn }
}

func WithFallbackArgs(args ...any) Option {
	return func(o *CacheOptions) { o.FallbackArgs = args }
}

func WithTTLInterval(d time.Duration) Option {
	return func(o *CacheOptions) { o.TTLInterval = d }
}

// WithNodes sets the peer list for replication. A single "self" (or an
// empty call) means non-replicated; anything else implies Remote.
func WithNodes(nodes ...string) Option {
	return func(o *CacheOptions) {
		o.Nodes = nodes
		o.Remote = !(len(nodes) == 0 || (len(nodes) == 1 && nodes[0] == "self"))
	}
}

func WithTransactional() Option {
	return func(o *CacheOptions) { o.Transactional = true }
}

func WithHook(name string, typ HookType, h Hook) Option {
	return func(o *CacheOptions) {
		o.Hooks = append(o.Hooks, HookSpec{Name: name, Type: typ, Hook: h})
	}
}

func WithRecordStats() Option {
	return func(o *CacheOptions) { o.RecordStats = true }
}

// WithCoalesceFallbacks opts into singleflight-based de-duplication of
// concurrent fallback calls for the same key (SPEC_FULL.md §9 open
// question; default is the spec's literal "each miss gets its own call").
func WithCoalesceFallbacks() Option {
	return func(o *CacheOptions) { o.CoalesceFallbacks = true }
}

func WithHookBufferSize(n int) Option {
	return func(o *CacheOptions) { o.HookBufferSize = n }
}

func WithReplyTimeout(d time.Duration) Option {
	return func(o *CacheOptions) { o.ReplyTimeout = d }
}

const (
	defaultHookBufferSize = 256
	defaultReplyTimeout   = 250 * time.Millisecond
)

// NewOptions applies opts over name and validates the result, surfacing
// KindInvalidOption errors rather than panicking. Name collisions are not
// checked here; StartLink reports those as KindNameInUse.
func NewOptions(name string, opts ...Option) (*CacheOptions, error) {
	if name == "" {
		return nil, wrapError(KindInvalidOption, "cache options", fmt.Errorf("name is required"))
	}

	o := &CacheOptions{
		Name:           name,
		Nodes:          []string{"self"},
		HookBufferSize: defaultHookBufferSize,
		ReplyTimeout:   defaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.RecordStats {
		o.Hooks = append(o.Hooks, HookSpec{Name: "stats", Type: HookPost, Hook: NewStatsHook()})
	}
	if o.Transactional && !o.Remote {
		return nil, wrapError(KindInvalidOption, "cache options", fmt.Errorf("transactional requires remote nodes"))
	}
	if o.HookBufferSize <= 0 {
		return nil, wrapError(KindInvalidOption, "cache options", fmt.Errorf("hook buffer size must be positive"))
	}
	if o.ReplyTimeout <= 0 {
		return nil, wrapError(KindInvalidOption, "cache options", fmt.Errorf("reply timeout must be positive"))
	}
	return o, nil
}

// statsHook returns the registered Stats Hook, if any (used by Worker's
// stats() API, SPEC_FULL.md §4.2.10).
func (o *CacheOptions) statsHook() (*StatsHook, bool) {
	for _, h := range o.Hooks {
		if sh, ok := h.Hook.(*StatsHook); ok {
			return sh, true
		}
	}
	return nil, false
}
