package reactive

import (
	"fmt"
	"reflect"

	"github.com/loomworks/loom/internal/errors"
)

// nodeState tracks where a computation stands in the current propagation
// wave. Transitions: clean -> stale -> clean, or clean -> pending -> stale
// -> clean when an upstream memo turns out to have changed, or pending ->
// clean when it did not.
type nodeState uint8

const (
	stateClean nodeState = iota
	statePending
	stateStale
)

// maxDrainExecutions caps computation executions in one drain cycle. A
// graph that keeps invalidating itself past this point is cyclic in effect
// even if not in structure.
const maxDrainExecutions = 1_000_000

// sourceNode is the observable half of the graph: the value cell plus the
// observer list. Signals own one directly; memos expose one downstream.
//
// observerSlots[i] is the index of this source inside observers[i].sources,
// and observers[i].sourceSlots at that index points back here. The
// reciprocal slots make unsubscription a swap-and-pop on both sides.
type sourceNode struct {
	value         any
	observers     []*computation
	observerSlots []int

	// comparator decides whether a write changed the value. nil means
	// every write notifies.
	comparator func(a, b any) bool

	// comp is set when this source is the downstream face of a memo.
	comp *computation
}

// computation is the executable half: a function plus its tracked sources.
// Every computation is also an ownership scope (its owner field), so child
// scopes and cleanups created during a run die on the next run.
type computation struct {
	owner *Owner

	fn    func(prev any) any
	value any
	state nodeState

	sources     []*sourceNode
	sourceSlots []int

	// pure computations (memos, render computations) drain before impure
	// user effects.
	pure bool
	user bool

	// node is non-nil for memos: the sourceNode downstream readers see.
	node *sourceNode
}

func newComputation(ctx *trackingContext, fn func(prev any) any, init any, pure, user bool) *computation {
	c := &computation{
		fn:    fn,
		value: init,
		pure:  pure,
		user:  user,
	}
	c.owner = newOwner(ctx.owner)
	c.owner.comp = c
	return c
}

// readSource returns the current value, resolving a stale or pending memo
// first and subscribing the active listener.
func readSource(s *sourceNode) any {
	ctx := getTrackingContext()

	if c := s.comp; c != nil && c.state != stateClean {
		if c.state == stateStale {
			updateComputation(ctx, c)
		} else {
			lookUpstream(ctx, c, nil)
		}
	}

	if l := ctx.listener; l != nil {
		subscribe(l, s)
	}
	return s.value
}

// peekSource returns the current value without subscribing, still resolving
// staleness so callers never observe a torn graph.
func peekSource(s *sourceNode) any {
	ctx := getTrackingContext()
	if c := s.comp; c != nil && c.state != stateClean {
		if c.state == stateStale {
			updateComputation(ctx, c)
		} else {
			lookUpstream(ctx, c, nil)
		}
	}
	return s.value
}

// subscribe wires the reciprocal source/observer slot pair. Duplicate
// subscriptions within one run are collapsed.
func subscribe(l *computation, s *sourceNode) {
	for _, existing := range l.sources {
		if existing == s {
			return
		}
	}
	l.sourceSlots = append(l.sourceSlots, len(s.observers))
	l.sources = append(l.sources, s)
	s.observerSlots = append(s.observerSlots, len(l.sources)-1)
	s.observers = append(s.observers, l)
}

// writeSource applies the comparator and, on change, marks observers and
// lets the enclosing drain (or a fresh one) propagate.
func writeSource(s *sourceNode, value any) {
	if s.comparator != nil && s.comparator(s.value, value) {
		return
	}
	s.value = value

	if len(s.observers) == 0 {
		return
	}
	ctx := getTrackingContext()
	runUpdates(ctx, func() {
		obs := make([]*computation, len(s.observers))
		copy(obs, s.observers)
		for _, o := range obs {
			markStale(ctx, o)
		}
	})
}

// markStale marks a direct observer stale and queues it; transitive
// observers get the shallower pending mark so an equal memo value can stop
// the wave.
func markStale(ctx *trackingContext, o *computation) {
	if o.owner.disposed {
		return
	}
	if o.state == stateClean {
		enqueue(ctx, o)
		if o.node != nil {
			markDownstream(ctx, o.node)
		}
	}
	o.state = stateStale
}

func markDownstream(ctx *trackingContext, node *sourceNode) {
	for _, o := range node.observers {
		if o.owner.disposed {
			continue
		}
		if o.state == stateClean {
			o.state = statePending
			enqueue(ctx, o)
			if o.node != nil {
				markDownstream(ctx, o.node)
			}
		}
	}
}

func enqueue(ctx *trackingContext, o *computation) {
	if o.pure {
		ctx.updates = append(ctx.updates, o)
	} else {
		ctx.effects = append(ctx.effects, o)
	}
}

// runUpdates is the drain driver. If a drain is already in flight the body
// merges into it; otherwise this call owns the drain: it runs the body,
// settles every pure computation, then flushes user effects until the graph
// is quiet, and finally notifies flush hooks.
func runUpdates(ctx *trackingContext, fn func()) {
	if ctx.updates != nil {
		fn()
		return
	}

	owner := ctx.effects == nil
	ctx.updates = make([]*computation, 0, 8)
	if owner {
		ctx.effects = make([]*computation, 0, 8)
	}

	defer func() {
		if r := recover(); r != nil {
			ctx.updates = nil
			if owner {
				ctx.effects = nil
				ctx.execCount = 0
			}
			panic(r)
		}
	}()

	fn()

	for i := 0; i < len(ctx.updates); i++ {
		runTop(ctx, ctx.updates[i])
	}
	ctx.updates = nil

	if !owner {
		return
	}

	for len(ctx.effects) > 0 {
		queue := ctx.effects
		ctx.effects = make([]*computation, 0, 8)
		ctx.updates = make([]*computation, 0, 8)
		for _, c := range queue {
			runTop(ctx, c)
		}
		for i := 0; i < len(ctx.updates); i++ {
			runTop(ctx, ctx.updates[i])
		}
		ctx.updates = nil
	}
	ctx.effects = nil
	ctx.execCount = 0

	notifyFlushHooks(ctx)
}

// runTop re-runs a queued computation from its deepest non-clean ancestor
// downward, so a parent boundary re-render wins over a child memo that the
// re-render is about to discard.
func runTop(ctx *trackingContext, c *computation) {
	if c.state == stateClean || c.owner.disposed {
		return
	}
	if c.state == statePending {
		lookUpstream(ctx, c, nil)
		return
	}

	ancestors := []*computation{c}
	for o := c.owner.parent; o != nil; o = o.parent {
		if o.comp != nil && o.comp.state != stateClean {
			ancestors = append(ancestors, o.comp)
		}
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		if a.owner.disposed {
			continue
		}
		switch a.state {
		case stateStale:
			updateComputation(ctx, a)
		case statePending:
			lookUpstream(ctx, a, ancestors[0].node)
		}
	}
}

// lookUpstream resolves a pending computation: settle the upstream memos of
// its last run first, and re-run only if one of them actually changed (the
// change re-marks this computation stale).
func lookUpstream(ctx *trackingContext, c *computation, ignore *sourceNode) {
	c.state = stateClean
	for _, src := range c.sources {
		sc := src.comp
		if sc == nil {
			continue
		}
		switch sc.state {
		case stateStale:
			if src != ignore && !sc.owner.disposed {
				updateComputation(ctx, sc)
			}
		case statePending:
			lookUpstream(ctx, sc, ignore)
		}
	}
	if c.state == stateStale {
		updateComputation(ctx, c)
	}
}

// updateComputation clears the previous run's subscriptions, child scopes
// and cleanups, then executes the function with tracking enabled. Memo
// results flow through writeSource so equal values short-circuit downstream.
func updateComputation(ctx *trackingContext, c *computation) {
	if c.fn == nil || c.owner.disposed {
		c.state = stateClean
		return
	}
	cleanNode(c)

	ctx.execCount++
	if ctx.execCount > maxDrainExecutions {
		ctx.execCount = 0
		panic(errors.New("E101", errors.CategoryReactive,
			"potential infinite loop detected",
			fmt.Sprintf("more than %d computations executed in a single flush", maxDrainExecutions)))
	}

	prevOwner, prevListener := ctx.owner, ctx.listener
	ctx.owner, ctx.listener = c.owner, c
	defer func() {
		ctx.owner, ctx.listener = prevOwner, prevListener
		if r := recover(); r != nil {
			c.state = stateStale
			handleError(c.owner, toError(r))
		}
	}()

	value := c.fn(c.value)
	c.value = value
	if c.node != nil {
		writeSource(c.node, value)
	}
}

// cleanNode severs the previous run: reciprocal swap-and-pop unsubscribe
// from every source, then child scope disposal and cleanups in reverse.
func cleanNode(c *computation) {
	unsubscribeSources(c)

	o := c.owner
	for i := len(o.owned) - 1; i >= 0; i-- {
		o.owned[i].dispose()
	}
	o.owned = nil

	cleanups := o.cleanups
	o.cleanups = nil
	for i := len(cleanups) - 1; i >= 0; i-- {
		runCleanup(cleanups[i])
	}

	c.state = stateClean
}

func unsubscribeSources(c *computation) {
	for len(c.sources) > 0 {
		last := len(c.sources) - 1
		src := c.sources[last]
		idx := c.sourceSlots[last]
		c.sources = c.sources[:last]
		c.sourceSlots = c.sourceSlots[:last]

		n := len(src.observers)
		if n == 0 {
			continue
		}
		movedObs := src.observers[n-1]
		movedSlot := src.observerSlots[n-1]
		src.observers = src.observers[:n-1]
		src.observerSlots = src.observerSlots[:n-1]
		if idx < n-1 {
			src.observers[idx] = movedObs
			src.observerSlots[idx] = movedSlot
			movedObs.sourceSlots[movedSlot] = idx
		}
	}
}

// handleError routes a user error up the owner chain to the nearest
// CatchError handler; with no handler it escapes the enclosing batch.
func handleError(from *Owner, err error) {
	for o := from; o != nil; o = o.parent {
		if o.errHandler != nil {
			h := o.errHandler
			Untrack(func() { h(err) })
			return
		}
	}
	panic(err)
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// Batch defers observer notification until fn returns. Nested batches merge
// into the outermost one; effects run once, after every memo has settled.
func Batch(fn func()) {
	runUpdates(getTrackingContext(), fn)
}

// defaultEquals provides type-appropriate equality: == for the common
// comparable kinds, reflect.DeepEqual for the rest.
func defaultEquals(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case int:
		bv, ok := b.(int)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case uint64:
		bv, ok := b.(uint64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		// NaN compares equal to itself here so repeated NaN writes stay quiet.
		return ok && (av == bv || (av != av && bv != bv))
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return reflect.DeepEqual(a, b)
	}
}
