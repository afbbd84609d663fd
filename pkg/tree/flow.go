package tree

import (
	"github.com/loomworks/loom/pkg/reactive"
)

// When renders children while props["when"] is truthy, else the optional
// fallback. The condition is wrapped in two memos: one for the value and
// one tracking only truthiness, so a value change that stays truthy does
// not tear the children down.
//
// When children is a one-arg function it receives an accessor to the
// condition's value and is invoked untracked, so reading the value inside
// does not subscribe the boundary to every value change.
var When Component = func(props Props) any {
	cond, _ := props["when"].(func() any)
	if cond == nil {
		static := props["when"]
		cond = func() any { return static }
	}
	value := reactive.NewMemo(func() any { return cond() })
	truthy := reactive.NewMemo(func() bool { return Truthy(value.Get()) })

	children := props["children"]
	fallback := props["fallback"]

	return func() any {
		if !truthy.Get() {
			return fallback
		}
		if fn, ok := children.(func(value func() any) any); ok {
			var out any
			reactive.Untrack(func() {
				out = fn(func() any { return value.Get() })
			})
			return out
		}
		return children
	}
}

// Arm is one branch of a Match.
type Arm struct {
	When     func() any
	Children any
}

// Match scans its arms in order and renders the first truthy one, else the
// fallback. The selected index is memoised so re-evaluating conditions only
// re-renders when a different arm wins.
var Match Component = func(props Props) any {
	arms, _ := props["arms"].([]Arm)
	fallback := props["fallback"]

	selected := reactive.NewMemo(func() int {
		for i, arm := range arms {
			if arm.When != nil && Truthy(arm.When()) {
				return i
			}
		}
		return -1
	})

	return func() any {
		i := selected.Get()
		if i < 0 {
			return fallback
		}
		return arms[i].Children
	}
}

// Each maps a reactive list into children with item reuse. Props:
//
//	"each":     func() []any — the list accessor
//	"children": func(item func() any) any, or the two-arg form that also
//	            receives an index accessor (an index signal is then kept
//	            per item and written when a kept item moves)
//	"key":      optional func(any) any for keyed matching
//	"fallback": optional func() any rendered while the list is empty
var Each Component = func(props Props) any {
	list, _ := props["each"].(func() []any)
	if list == nil {
		list = func() []any { return nil }
	}

	var opts []reactive.MapOption
	if keyFn, ok := props["key"].(func(any) any); ok {
		opts = append(opts, reactive.WithKey(keyFn))
	}
	if fb, ok := props["fallback"].(func() any); ok {
		opts = append(opts, reactive.WithFallback(fb))
	}

	var mapped func() []any
	switch mapper := props["children"].(type) {
	case func(item func() any, index func() int) any:
		mapped = reactive.MapArrayIndexed(list, mapper, opts...)
	case func(item func() any) any:
		mapped = reactive.MapArray(list, mapper, opts...)
	default:
		mapped = func() []any { return nil }
	}

	return func() any {
		out := mapped()
		children := make([]any, len(out))
		copy(children, out)
		return children
	}
}

// Boundary is an error boundary: user errors raised while rendering its
// children, or in any computation created under them, populate an error
// signal and swap the subtree for the fallback. A two-arg fallback receives
// the error and a reset function that clears it.
var Boundary Component = func(props Props) any {
	errSignal := reactive.NewSignal[error](nil)
	reactive.OnError(func(err error) { errSignal.Set(err) })
	reset := func() { errSignal.Set(nil) }

	children := props["children"]
	fallback := props["fallback"]

	return func() any {
		err := errSignal.Get()
		if err == nil {
			return children
		}
		if fn, ok := fallback.(func(err error, reset func()) any); ok {
			var out any
			reactive.Untrack(func() { out = fn(err, reset) })
			return out
		}
		return fallback
	}
}
