package reactive

// NewEffect creates a user effect. The function receives its previous
// return value (nil on the first run). Effects are impure: when a
// dependency changes they are queued behind every pure computation of the
// batch and run after memos settle.
//
// The returned owner disposes the effect; effects created inside a scope
// are also disposed with that scope.
func NewEffect(fn func(prev any) any) *Owner {
	ctx := getTrackingContext()
	c := newComputation(ctx, fn, nil, false, true)

	if ctx.updates != nil {
		ctx.effects = append(ctx.effects, c)
		c.state = stateStale
	} else {
		runUpdates(ctx, func() { updateComputation(ctx, c) })
	}
	return c.owner
}

// NewRenderEffect creates a pure, immediate computation: it runs now and
// re-runs in the update phase of any batch that invalidates it, before user
// effects. The fiber layer drives reactive boundaries with these.
func NewRenderEffect(fn func(prev any) any) *Owner {
	ctx := getTrackingContext()
	c := newComputation(ctx, fn, nil, true, false)

	if ctx.updates != nil {
		updateComputation(ctx, c)
	} else {
		runUpdates(ctx, func() { updateComputation(ctx, c) })
	}
	return c.owner
}

// OnOption configures On.
type OnOption func(*onOptions)

type onOptions struct {
	deferred bool
}

// Defer skips the callback on the first run; only subsequent dependency
// changes invoke it.
func Defer() OnOption {
	return func(o *onOptions) { o.deferred = true }
}

// On builds an explicit-dependency effect body: deps is read eagerly and
// tracked, fn runs untracked with the new values, the previous values and
// the previous return. Use with NewEffect.
func On(deps func() []any, fn func(values, prev []any, prevValue any) any, opts ...OnOption) func(prev any) any {
	var options onOptions
	for _, opt := range opts {
		opt(&options)
	}

	var prevValues []any
	first := true

	return func(prevValue any) any {
		values := deps()
		if first && options.deferred {
			first = false
			prevValues = values
			return prevValue
		}
		first = false

		result := prevValue
		Untrack(func() {
			result = fn(values, prevValues, prevValue)
		})
		prevValues = values
		return result
	}
}
