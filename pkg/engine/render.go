package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/pkg/reactive"
	"github.com/loomworks/loom/pkg/tree"
)

// Renderer turns an element tree into a fiber tree and keeps it current:
// reactive boundaries re-render their children in place whenever a signal
// they read changes. Function components execute exactly once per mount.
//
// A Renderer is single-threaded cooperative: render entry, boundary
// re-renders and instance collection must be serialised by the caller (the
// runtime façade holds a lock around reactive entry).
type Renderer struct {
	logger *slog.Logger

	// registry is the process-visible instance table for this renderer,
	// keyed by instance ID. Nodes survive fiber re-renders so output
	// signal subscribers stay connected.
	registry map[string]*InstanceNode

	// hydration seeds output signals from persisted deployment state
	// before handlers run.
	hydration map[string]map[string]any

	// nodeOwnership maps instance ID to the fiber path that claimed it in
	// the current render pass; a second claim from a different path is a
	// collision. Cleared at each render pass start.
	nodeOwnership map[string]string

	root        *Fiber
	rootDispose func()

	// render-pass cursor state, valid only while activated.
	currentFiber *Fiber
	resourcePath []string
}

// activeRenderers tracks which renderer owns the current goroutine's render
// pass so that hooks like UseResource can find it.
var activeRenderers sync.Map

// NewRenderer creates an empty renderer.
func NewRenderer(logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default().With("component", "engine")
	}
	return &Renderer{
		logger:        logger,
		registry:      make(map[string]*InstanceNode),
		hydration:     make(map[string]map[string]any),
		nodeOwnership: make(map[string]string),
	}
}

// SetHydration installs persisted outputs, keyed by instance ID, to seed
// output signals before handlers run.
func (r *Renderer) SetHydration(h map[string]map[string]any) {
	if h == nil {
		h = make(map[string]map[string]any)
	}
	r.hydration = h
}

// Registry returns the live instance table.
func (r *Renderer) Registry() map[string]*InstanceNode { return r.registry }

// Root returns the root fiber, or nil before Render.
func (r *Renderer) Root() *Fiber { return r.root }

// activate marks this renderer current for the goroutine and returns a
// restore function. Boundary render computations re-activate on every run
// because flushes can arrive from handler goroutines.
func (r *Renderer) activate() func() {
	gid := goroutineID()
	prev, had := activeRenderers.Load(gid)
	activeRenderers.Store(gid, r)
	return func() {
		if had {
			activeRenderers.Store(gid, prev)
		} else {
			activeRenderers.Delete(gid)
		}
	}
}

func currentRenderer() *Renderer {
	if v, ok := activeRenderers.Load(goroutineID()); ok {
		return v.(*Renderer)
	}
	return nil
}

// Render builds the fiber tree for el inside a fresh root scope. A panic
// during render (duplicate instance ID, missing key, user code) is returned
// as an error.
func (r *Renderer) Render(el *tree.Element) (err error) {
	restore := r.activate()
	defer restore()
	defer func() {
		if rec := recover(); rec != nil {
			err = toError(rec)
		}
	}()

	r.nodeOwnership = make(map[string]string)
	r.resourcePath = nil

	reactive.NewRoot(func(dispose func()) {
		r.rootDispose = dispose
		r.root = r.createFiber(childValue{kind: childElement, el: el}, nil)
	})
	return nil
}

// Collect returns the published instances of the current fiber tree in
// render order.
func (r *Renderer) Collect() []*InstanceNode {
	if r.root == nil {
		return nil
	}
	return r.root.collect(nil)
}

// Dispose tears the fiber tree and its root scope down.
func (r *Renderer) Dispose() {
	if r.root != nil {
		r.root.cleanup()
		r.root = nil
	}
	if r.rootDispose != nil {
		r.rootDispose()
		r.rootDispose = nil
	}
}

// ----------------------------------------------------------------------------
// Child normalisation
// ----------------------------------------------------------------------------

type childKind uint8

const (
	childElement childKind = iota
	childAccessor
	childText
	childHole
)

// childValue is the tagged form of one renderable child.
type childValue struct {
	kind childKind
	el   *tree.Element
	acc  func() any
	text any
}

// normalizeChildren flattens a child value (element, slice, accessor, text,
// hole) into an ordered list of renderable children. Fragment elements and
// nested slices flatten inline.
func normalizeChildren(v any, out []childValue) []childValue {
	switch t := v.(type) {
	case nil:
		out = append(out, childValue{kind: childHole})
	case bool:
		out = append(out, childValue{kind: childHole})
	case *tree.Element:
		if t.Type == any(tree.Fragment) {
			out = normalizeChildren(t.Children(), out)
		} else {
			out = append(out, childValue{kind: childElement, el: t})
		}
	case []any:
		for _, item := range t {
			out = normalizeChildren(item, out)
		}
	case []*tree.Element:
		for _, item := range t {
			out = normalizeChildren(item, out)
		}
	case func() any:
		out = append(out, childValue{kind: childAccessor, acc: t})
	case string, int, int64, float64:
		out = append(out, childValue{kind: childText, text: t})
	default:
		out = append(out, childValue{kind: childText, text: t})
	}
	return out
}

// ----------------------------------------------------------------------------
// Fiber creation
// ----------------------------------------------------------------------------

// createFiber renders one child value into a fiber under parent.
func (r *Renderer) createFiber(cv childValue, parent *Fiber) *Fiber {
	switch cv.kind {
	case childHole:
		return &Fiber{kind: kindHole, path: childPath(parent, "")}
	case childText:
		return &Fiber{kind: kindText, text: cv.text, path: childPath(parent, "")}
	case childAccessor:
		return r.createBoundary(cv.acc, parent)
	default:
		return r.createElementFiber(cv.el, parent)
	}
}

func childPath(parent *Fiber, name string) []string {
	var base []string
	if parent != nil {
		base = parent.path
	}
	if name == "" {
		return base
	}
	path := make([]string, len(base)+1)
	copy(path, base)
	path[len(base)] = name
	return path
}

func (r *Renderer) createElementFiber(el *tree.Element, parent *Fiber) *Fiber {
	name := el.Key
	if name == "" {
		name = componentName(el.Type)
	}

	if comp, ok := asComponent(el.Type); ok {
		f := &Fiber{
			kind:    kindComponent,
			typ:     el.Type,
			props:   el.Props,
			key:     el.Key,
			element: el,
			path:    childPath(parent, name),
		}
		r.runComponent(f, comp)
		return f
	}

	switch typ := el.Type.(type) {
	case string:
		f := &Fiber{
			kind:  kindTag,
			typ:   typ,
			props: el.Props,
			key:   el.Key,
			path:  childPath(parent, name),
		}
		f.children = r.renderChildren(el.Children(), f)
		return f
	default:
		// Unknown element type renders as a hole; misuse, not fatal.
		r.logger.Warn("element with unrenderable type", "type", fmt.Sprintf("%T", el.Type))
		return &Fiber{kind: kindHole, path: childPath(parent, name)}
	}
}

func (r *Renderer) renderChildren(v any, parent *Fiber) []*Fiber {
	cvs := normalizeChildren(v, nil)
	children := make([]*Fiber, 0, len(cvs))
	for _, cv := range cvs {
		children = append(children, r.createFiber(cv, parent))
	}
	return children
}

// runComponent executes a function component exactly once and renders its
// return value as the fiber's children. The component body runs untracked
// inside a fresh scope owned by the enclosing one; reactivity re-enters
// only through boundaries and effects it creates.
func (r *Renderer) runComponent(f *Fiber, comp tree.Component) {
	prevFiber := r.currentFiber
	prevPath := r.resourcePath
	r.currentFiber = f
	f.resourcePath = snapshotPath(prevPath)
	defer func() {
		r.currentFiber = prevFiber
		r.resourcePath = prevPath
	}()

	var result any
	reactive.NewScope(func(owner *reactive.Owner) {
		f.owner = owner
		reactive.Untrack(func() {
			result = comp(f.props)
		})
		if result == nil {
			r.logger.Warn("component returned a literal hole; conditional rendering should go through When or Match",
				"path", f.PathString())
		}
		f.children = r.renderChildren(result, f)
	})
}

// ----------------------------------------------------------------------------
// Reactive boundaries
// ----------------------------------------------------------------------------

// createBoundary wraps a zero-arg accessor child in a fiber driven by a
// render computation: every change to a dependency of the accessor
// re-renders the boundary's children in place against the previous ones.
func (r *Renderer) createBoundary(acc func() any, parent *Fiber) *Fiber {
	f := &Fiber{
		kind:     kindBoundary,
		accessor: acc,
		accID:    funcIdentity(acc),
		path:     childPath(parent, ""),
	}
	f.resourcePath = snapshotPath(r.resourcePath)

	reactive.NewScope(func(owner *reactive.Owner) {
		f.owner = owner
		reactive.NewRenderEffect(func(any) any {
			value := f.accessor()

			restore := r.activate()
			prevFiber, prevPath := r.currentFiber, r.resourcePath
			r.currentFiber = f
			r.resourcePath = f.resourcePath
			defer func() {
				r.currentFiber = prevFiber
				r.resourcePath = prevPath
				restore()
			}()

			// New fibers created during reconciliation must outlive this
			// computation's next run, so they attach to the boundary scope,
			// not to the render computation.
			reactive.WithOwner(owner, func() {
				reactive.Untrack(func() {
					r.reconcileChildren(f, value)
				})
			})
			return nil
		})
	})
	return f
}

func snapshotPath(p []string) []string {
	out := make([]string, len(p))
	copy(out, p)
	return out
}

// ----------------------------------------------------------------------------
// Child reconciliation
// ----------------------------------------------------------------------------

// reconcileChildren renders value against parent's existing children.
//
// Identity strategies, in order: a boundary child whose accessor identity
// is known keeps its fiber (and running render computation); a component
// child whose element record is known keeps its fiber wholesale; otherwise
// a same-type, non-component child at the same position is updated in
// place; anything else mounts fresh. Old children that were not reused are
// cleaned up.
func (r *Renderer) reconcileChildren(parent *Fiber, value any) {
	old := parent.children

	byAccessor := make(map[uintptr]*Fiber)
	byElement := make(map[*tree.Element]*Fiber)
	for _, f := range old {
		switch f.kind {
		case kindBoundary:
			byAccessor[f.accID] = f
		case kindComponent:
			if f.element != nil {
				byElement[f.element] = f
			}
		}
	}

	cvs := normalizeChildren(value, nil)
	next := make([]*Fiber, 0, len(cvs))
	used := make(map[*Fiber]bool, len(old))

	for i, cv := range cvs {
		var reused *Fiber
		switch cv.kind {
		case childAccessor:
			if f, ok := byAccessor[funcIdentity(cv.acc)]; ok && !used[f] {
				reused = f
			}
		case childElement:
			if _, isComp := asComponent(cv.el.Type); isComp {
				if f, ok := byElement[cv.el]; ok && !used[f] {
					reused = f
				}
			} else if i < len(old) {
				f := old[i]
				if !used[f] && f.kind == kindTag && f.typ == cv.el.Type {
					// Positional reuse: update props, reconcile grandchildren.
					f.props = cv.el.Props
					r.reconcileChildren(f, cv.el.Children())
					reused = f
				}
			}
		case childText:
			if i < len(old) && !used[old[i]] && old[i].kind == kindText {
				old[i].text = cv.text
				reused = old[i]
			}
		case childHole:
			if i < len(old) && !used[old[i]] && old[i].kind == kindHole {
				reused = old[i]
			}
		}

		if reused != nil {
			used[reused] = true
			next = append(next, reused)
			continue
		}
		next = append(next, r.createFiber(cv, parent))
	}

	for _, f := range old {
		if !used[f] {
			f.cleanup()
		}
	}
	parent.children = next
}

// asComponent accepts both the named Component type and a bare
// func(Props) any, so callers aren't forced through a conversion.
func asComponent(t any) (tree.Component, bool) {
	switch c := t.(type) {
	case tree.Component:
		return c, true
	case func(tree.Props) any:
		return c, true
	}
	return nil, false
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.Newf(errors.CategoryRender, "render panic: %v", r)
}
