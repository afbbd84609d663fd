package engine

import (
	"context"
	"reflect"
	"strings"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/pkg/reactive"
)

// CleanupFunc tears a managed resource down when its instance is removed.
// Cleanups never run on update or resume.
type CleanupFunc func(ctx context.Context) error

// SetOutputsFunc publishes handler outputs. It accepts a map or an updater
// func(prev map[string]any) map[string]any, is idempotent under
// field-by-field reference equality, and may be called multiple times.
type SetOutputsFunc func(outputs any)

// HandlerFunc materialises a managed resource. props is a snapshot taken at
// launch; the optional returned cleanup runs when the instance is deleted.
// Handlers must be idempotent: every one re-runs on startup resume.
type HandlerFunc func(ctx context.Context, props map[string]any, setOutputs SetOutputsFunc) (CleanupFunc, error)

// InstanceNode is a registered managed resource. Nodes live in the
// renderer's registry keyed by deterministic ID and own their output
// signals, which therefore survive fiber re-renders.
type InstanceNode struct {
	ID   string
	Path []string

	// Props is the current prop snapshot the scheduler diffs against.
	Props map[string]any

	// Handler is replaced on every render so stale closures never run.
	Handler HandlerFunc

	// Outputs is the last published output snapshot.
	Outputs map[string]any

	// Cleanup is the callback the last handler run returned, if any.
	Cleanup CleanupFunc

	outputSignals map[string]*reactive.Signal[any]
}

func newInstanceNode(id string, path []string) *InstanceNode {
	return &InstanceNode{
		ID:            id,
		Path:          path,
		outputSignals: make(map[string]*reactive.Signal[any]),
	}
}

// outputSignal returns the signal behind an output key, creating an empty
// one on first access so readers can subscribe before the handler writes.
func (n *InstanceNode) outputSignal(key string) *reactive.Signal[any] {
	sig, ok := n.outputSignals[key]
	if !ok {
		sig = reactive.NewSignal[any](nil)
		n.outputSignals[key] = sig
	}
	return sig
}

// SetOutputs publishes outputs. Equal snapshots (reference equality per
// field) are dropped without touching any signal; changed fields are
// written inside one batch.
func (n *InstanceNode) SetOutputs(v any) {
	var next map[string]any
	switch t := v.(type) {
	case map[string]any:
		next = t
	case func(prev map[string]any) map[string]any:
		next = t(n.Outputs)
	default:
		return
	}
	if next == nil {
		return
	}

	changed := false
	for k, nv := range next {
		if !referenceEqual(n.outputSignal(k).Peek(), nv) {
			changed = true
			break
		}
	}
	if !changed {
		return
	}

	reactive.Batch(func() {
		n.Outputs = next
		for k, nv := range next {
			sig := n.outputSignal(k)
			if !referenceEqual(sig.Peek(), nv) {
				sig.Set(nv)
			}
		}
	})
}

// Hydrate seeds outputs and their signals from persisted state. Runs before
// the handler, so a first output-accessor read returns the persisted value
// synchronously.
func (n *InstanceNode) Hydrate(outputs map[string]any) {
	n.Outputs = outputs
	for k, v := range outputs {
		n.outputSignal(k).Set(v)
	}
}

// Outputs is the read proxy UseResource returns: Accessor(name) yields a
// zero-arg function that subscribes to the named output signal. A stored
// value that is itself an accessor is unwrapped one level.
type Outputs struct {
	node *InstanceNode
}

// Accessor returns the reader for one output key.
func (o *Outputs) Accessor(name string) func() any {
	node := o.node
	return func() any {
		v := node.outputSignal(name).Get()
		if fn, ok := v.(func() any); ok {
			return fn()
		}
		return v
	}
}

// Node returns the backing instance node.
func (o *Outputs) Node() *InstanceNode { return o.node }

// UseResource declares the component's managed instance. propsOrGetter is
// either a map snapshot or a func() map[string]any whose reads are tracked
// so prop changes reach the scheduler. Callable at most once per component,
// and only from components carrying a user-supplied key.
func UseResource(propsOrGetter any, handler HandlerFunc) *Outputs {
	r := currentRenderer()
	if r == nil || r.currentFiber == nil || r.currentFiber.kind != kindComponent {
		panic(errors.FromCode("E204"))
	}
	f := r.currentFiber
	if f.instance != nil {
		panic(errors.FromCode("E203"))
	}
	if f.key == "" {
		panic(errors.FromCode("E201").WithDetail(
			"component " + componentName(f.typ) + " registered a managed instance without a key"))
	}

	var getter func() map[string]any
	var props map[string]any
	switch t := propsOrGetter.(type) {
	case func() map[string]any:
		getter = t
		reactive.Untrack(func() { props = getter() })
	case map[string]any:
		props = t
	default:
		props = map[string]any{}
	}

	segment := kebab(componentName(f.typ)) + "-" + f.key
	path := append(snapshotPath(r.resourcePath), segment)
	id := strings.Join(path, ".")

	if ownerPath, ok := r.nodeOwnership[id]; ok && ownerPath != f.PathString() {
		panic(errors.FromCode("E202").WithDetail(
			"instance ID " + id + " is claimed by both " + ownerPath + " and " + f.PathString()))
	}
	r.nodeOwnership[id] = f.PathString()

	node, existed := r.registry[id]
	if !existed {
		node = newInstanceNode(id, path)
		r.registry[id] = node
	}
	hydrated, hasHydration := r.hydration[id]
	if !existed && hasHydration {
		node.Hydrate(hydrated)
	}
	node.Props = props
	node.Handler = handler

	// Deferred placeholder: incomplete props, nothing persisted, nothing
	// already live — register but don't publish until props fill in.
	if !existed && !hasHydration && hasUndefinedProps(props) {
		f.placeholder = true
	}

	f.instance = node
	r.resourcePath = path

	if getter != nil {
		reactive.NewRenderEffect(func(any) any {
			p := getter()
			node.Props = p
			if f.placeholder && !hasUndefinedProps(p) {
				f.placeholder = false
			}
			return nil
		})
	}

	return &Outputs{node: node}
}

// hasUndefinedProps reports whether any key other than children is nil.
func hasUndefinedProps(props map[string]any) bool {
	for k, v := range props {
		if k == "children" {
			continue
		}
		if v == nil {
			return true
		}
	}
	return false
}

// referenceEqual is the shallow equality SetOutputs short-circuits on:
// primitives by ==, maps field-by-field by reference, everything else by
// identity. Deep equality would change re-render semantics.
func referenceEqual(a, b any) bool {
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !identical(av, bv) {
				return false
			}
		}
		return true
	}
	return identical(a, b)
}

func identical(a, b any) bool {
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
