package reactive

import (
	"runtime"
	"sync"
)

// trackingContext holds the reactive state for a goroutine.
//
// The graph is single-threaded cooperative: all signal writes, computation
// runs and flushes for one graph happen on one goroutine. Keying the context
// by goroutine ID lets independent graphs coexist in one process, e.g. one
// per test.
type trackingContext struct {
	// owner is the scope that adopts newly created computations and roots.
	owner *Owner

	// listener is the computation currently tracking reads, or nil when
	// reads should not subscribe.
	listener *computation

	// updates queues pure computations (memos and render computations)
	// marked stale during the current drain. A non-nil slice means a drain
	// is in flight and writes merge into it.
	updates []*computation

	// effects queues user effects; drained after updates settles.
	effects []*computation

	// effectsHeld is not set or read. runUpdates treats a non-nil effects
	// queue as owned by an outer drain and leaves flushing it to that drain.
	effectsHeld bool

	// execCount counts computation executions in the current drain cycle.
	execCount int

	// flushHooks run after every full drain (updates and effects empty).
	flushHooks []*flushHook
}

type flushHook struct {
	fn      func()
	removed bool
}

// trackingContexts stores per-goroutine tracking contexts.
var trackingContexts sync.Map

// goroutineID extracts the current goroutine's ID from the runtime stack.
// The stack header is "goroutine <id> [...".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	var id uint64
	for i := 10; i < n; i++ {
		if buf[i] == ' ' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// getTrackingContext returns the tracking context for the current goroutine,
// creating it on first use.
func getTrackingContext() *trackingContext {
	gid := goroutineID()

	if ctx, ok := trackingContexts.Load(gid); ok {
		return ctx.(*trackingContext)
	}

	ctx := &trackingContext{}
	trackingContexts.Store(gid, ctx)
	return ctx
}

// GetOwner returns the scope that currently adopts new computations, or nil
// outside any root.
func GetOwner() *Owner {
	return getTrackingContext().owner
}

// WithOwner runs fn with o as the current owner, restoring the previous
// owner afterwards. Used when re-entering a captured scope, e.g. when a
// reactive boundary re-renders.
func WithOwner(o *Owner, fn func()) {
	ctx := getTrackingContext()
	prev := ctx.owner
	ctx.owner = o
	defer func() { ctx.owner = prev }()
	fn()
}

// Untrack runs fn with dependency tracking suspended: signal reads inside fn
// do not subscribe the enclosing computation.
func Untrack(fn func()) {
	ctx := getTrackingContext()
	prev := ctx.listener
	ctx.listener = nil
	defer func() { ctx.listener = prev }()
	fn()
}

// UntrackValue runs fn untracked and returns its result.
func UntrackValue[T any](fn func() T) T {
	var v T
	Untrack(func() { v = fn() })
	return v
}

// OnFlush registers fn to run after every full drain of the update and
// effect queues on this goroutine's graph. The returned function removes
// the hook.
func OnFlush(fn func()) func() {
	ctx := getTrackingContext()
	h := &flushHook{fn: fn}
	ctx.flushHooks = append(ctx.flushHooks, h)
	return func() { h.removed = true }
}

func notifyFlushHooks(ctx *trackingContext) {
	if len(ctx.flushHooks) == 0 {
		return
	}
	hooks := make([]*flushHook, len(ctx.flushHooks))
	copy(hooks, ctx.flushHooks)

	kept := ctx.flushHooks[:0]
	for _, h := range hooks {
		if !h.removed {
			kept = append(kept, h)
		}
	}
	ctx.flushHooks = kept

	for _, h := range hooks {
		if !h.removed {
			h.fn()
		}
	}
}
