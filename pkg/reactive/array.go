package reactive

import "reflect"

// MapOption configures MapArray and IndexArray.
type MapOption func(*mapOptions)

type mapOptions struct {
	key      func(any) any
	fallback func() any
}

// WithKey matches items across snapshots by key instead of by reference.
// A kept key whose item object changed has the new object written into the
// item accessor's backing signal.
func WithKey(fn func(any) any) MapOption {
	return func(o *mapOptions) { o.key = fn }
}

// WithFallback renders fn inside its own scope while the list is empty.
func WithFallback(fn func() any) MapOption {
	return func(o *mapOptions) { o.fallback = fn }
}

// MapArray maps a reactive list into mapped values with item reuse: each
// item runs mapFn once in a child scope, and later snapshots reuse the
// scope and mapped value of items that are still present. The mapper's item
// accessor is stable; it does not observe position changes.
func MapArray(list func() []any, mapFn func(item func() any) any, opts ...MapOption) func() []any {
	return mapArrayCore(list, func(item func() any, _ func() int) any {
		return mapFn(item)
	}, false, opts)
}

// MapArrayIndexed is MapArray for mappers that also read the item's index.
// The index accessor is backed by a signal that is written when a kept item
// moves; mappers that don't need it should use MapArray so no index signal
// is allocated.
func MapArrayIndexed(list func() []any, mapFn func(item func() any, index func() int) any, opts ...MapOption) func() []any {
	return mapArrayCore(list, mapFn, true, opts)
}

func mapArrayCore(list func() []any, mapFn func(item func() any, index func() int) any, indexed bool, opts []MapOption) func() []any {
	var options mapOptions
	for _, opt := range opts {
		opt(&options)
	}
	keyed := options.key != nil

	var (
		keys            []any
		mapped          []any
		disposers       []func()
		itemNodes       []*sourceNode
		indexNodes      []*sourceNode
		fallbackDispose func()
	)

	disposeAll := func() {
		for _, d := range disposers {
			if d != nil {
				d()
			}
		}
		disposers = nil
		if fallbackDispose != nil {
			fallbackDispose()
			fallbackDispose = nil
		}
	}
	OnCleanup(disposeAll)

	keyOf := func(item any) any {
		if keyed {
			return options.key(item)
		}
		return item
	}

	reconcile := func(newItems []any) {
		if len(newItems) == 0 {
			disposeAll()
			keys, mapped, itemNodes, indexNodes = nil, nil, nil, nil
			if options.fallback != nil {
				NewRoot(func(dispose func()) {
					fallbackDispose = dispose
					mapped = []any{options.fallback()}
				})
			}
			return
		}
		if fallbackDispose != nil {
			fallbackDispose()
			fallbackDispose = nil
			mapped = nil
		}

		// Old positions per key, consumed front to back so duplicate keys
		// pair up in order.
		old := make(map[any][]int, len(keys))
		for i, k := range keys {
			if k == nil || !comparableValue(k) {
				continue
			}
			old[k] = append(old[k], i)
		}

		n := len(newItems)
		newKeys := make([]any, n)
		newMapped := make([]any, n)
		newDisposers := make([]func(), n)
		newItemNodes := make([]*sourceNode, n)
		newIndexNodes := make([]*sourceNode, n)
		reused := make([]bool, len(mapped))

		for i, item := range newItems {
			k := keyOf(item)
			newKeys[i] = k

			var j = -1
			if comparableValue(k) {
				if idxs := old[k]; len(idxs) > 0 {
					j = idxs[0]
					old[k] = idxs[1:]
				}
			}

			if j >= 0 {
				newMapped[i] = mapped[j]
				newDisposers[i] = disposers[j]
				reused[j] = true
				if keyed {
					node := itemNodes[j]
					if !identicalValues(node.value, item) {
						writeSource(node, item)
					}
					newItemNodes[i] = node
				}
				if indexed {
					node := indexNodes[j]
					if j != i {
						writeSource(node, i)
					}
					newIndexNodes[i] = node
				}
				continue
			}

			var itemAccessor func() any
			if keyed {
				node := &sourceNode{value: item, comparator: identicalValues}
				newItemNodes[i] = node
				itemAccessor = func() any { return readSource(node) }
			} else {
				captured := item
				itemAccessor = func() any { return captured }
			}

			var indexAccessor func() int
			if indexed {
				node := &sourceNode{value: i, comparator: defaultEquals}
				newIndexNodes[i] = node
				indexAccessor = func() int { return readSource(node).(int) }
			}

			idx := i
			NewRoot(func(dispose func()) {
				newDisposers[idx] = dispose
				newMapped[idx] = mapFn(itemAccessor, indexAccessor)
			})
		}

		for j, d := range disposers {
			if !reused[j] && d != nil {
				d()
			}
		}

		keys = newKeys
		mapped = newMapped
		disposers = newDisposers
		itemNodes = newItemNodes
		indexNodes = newIndexNodes
	}

	return func() []any {
		newItems := list()
		Untrack(func() { reconcile(newItems) })
		out := make([]any, len(mapped))
		copy(out, mapped)
		return out
	}
}

// IndexArray is the positional dual of MapArray: slot i keeps its scope for
// the list's lifetime and its item accessor is written when the value at
// position i changes.
func IndexArray(list func() []any, mapFn func(item func() any, index int) any, opts ...MapOption) func() []any {
	var options mapOptions
	for _, opt := range opts {
		opt(&options)
	}

	var (
		mapped          []any
		disposers       []func()
		itemNodes       []*sourceNode
		fallbackDispose func()
	)

	disposeAll := func() {
		for _, d := range disposers {
			if d != nil {
				d()
			}
		}
		disposers = nil
		if fallbackDispose != nil {
			fallbackDispose()
			fallbackDispose = nil
		}
	}
	OnCleanup(disposeAll)

	reconcile := func(newItems []any) {
		if len(newItems) == 0 {
			disposeAll()
			mapped, itemNodes = nil, nil
			if options.fallback != nil {
				NewRoot(func(dispose func()) {
					fallbackDispose = dispose
					mapped = []any{options.fallback()}
				})
			}
			return
		}
		if fallbackDispose != nil {
			fallbackDispose()
			fallbackDispose = nil
			mapped = nil
		}

		keep := len(itemNodes)
		if len(newItems) < keep {
			keep = len(newItems)
		}
		for i := 0; i < keep; i++ {
			if !identicalValues(itemNodes[i].value, newItems[i]) {
				writeSource(itemNodes[i], newItems[i])
			}
		}

		for i := len(newItems); i < len(itemNodes); i++ {
			if disposers[i] != nil {
				disposers[i]()
			}
		}
		if len(newItems) < len(itemNodes) {
			mapped = mapped[:len(newItems)]
			disposers = disposers[:len(newItems)]
			itemNodes = itemNodes[:len(newItems)]
		}

		for i := len(itemNodes); i < len(newItems); i++ {
			node := &sourceNode{value: newItems[i], comparator: identicalValues}
			itemNodes = append(itemNodes, node)
			mapped = append(mapped, nil)
			disposers = append(disposers, nil)

			idx := i
			NewRoot(func(dispose func()) {
				disposers[idx] = dispose
				mapped[idx] = mapFn(func() any { return readSource(node) }, idx)
			})
		}
	}

	return func() []any {
		newItems := list()
		Untrack(func() { reconcile(newItems) })
		out := make([]any, len(mapped))
		copy(out, mapped)
		return out
	}
}

// identicalValues is reference-flavoured equality: == where the dynamic
// type allows it, pointer identity for slices and maps, never-equal
// otherwise. Used for item signals so a structurally equal but distinct
// object still flows through.
func identicalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	switch ta.Kind() {
	case reflect.Slice, reflect.Map:
		va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Func:
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return false
}

func comparableValue(v any) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Comparable()
}
