package reactive

// SelectorOption configures NewSelector.
type SelectorOption func(*selectorOptions)

type selectorOptions struct {
	eq func(key, value any) bool
}

// WithSelectorEquals replaces the key/value match function.
func WithSelectorEquals(fn func(key, value any) bool) SelectorOption {
	return func(o *selectorOptions) { o.eq = fn }
}

type selectorEntry struct {
	node  *sourceNode
	count int
}

// NewSelector turns a source into an O(1)-per-change membership test.
// Reading the returned function with a key subscribes the active
// computation under that key; when the source changes, only readers whose
// membership flipped are notified.
func NewSelector(source func() any, opts ...SelectorOption) func(key any) bool {
	options := selectorOptions{eq: defaultEquals}
	for _, opt := range opts {
		opt(&options)
	}

	subs := make(map[any]*selectorEntry)
	var current any

	NewRenderEffect(func(prev any) any {
		value := source()
		current = value
		for key, entry := range subs {
			was := options.eq(key, prev)
			is := options.eq(key, value)
			if was != is {
				writeSource(entry.node, is)
			}
		}
		return value
	})

	return func(key any) bool {
		entry, ok := subs[key]
		if !ok {
			entry = &selectorEntry{node: &sourceNode{
				value:      options.eq(key, current),
				comparator: defaultEquals,
			}}
			subs[key] = entry
		}
		entry.count++
		OnCleanup(func() {
			entry.count--
			if entry.count <= 0 {
				delete(subs, key)
			}
		})
		v, _ := readSource(entry.node).(bool)
		return v
	}
}
