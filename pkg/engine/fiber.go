package engine

import (
	"strings"

	"github.com/loomworks/loom/pkg/reactive"
	"github.com/loomworks/loom/pkg/tree"
)

// fiberKind discriminates the rendered form of a child value.
type fiberKind uint8

const (
	kindComponent fiberKind = iota
	kindBoundary
	kindTag
	kindText
	kindHole
)

func (k fiberKind) String() string {
	switch k {
	case kindComponent:
		return "Component"
	case kindBoundary:
		return "Boundary"
	case kindTag:
		return "Tag"
	case kindText:
		return "Text"
	case kindHole:
		return "Hole"
	default:
		return "Unknown"
	}
}

// Fiber is the rendered form of an element. Fibers persist across
// re-renders: reactive boundaries re-render their children in place, and
// identity-matched children keep their fiber (and with it their reactive
// scope, registered instance and subtree) across parent re-renders.
type Fiber struct {
	kind  fiberKind
	typ   any
	props tree.Props
	key   string

	children []*Fiber

	// path is the named ancestry used for debugging and instance IDs.
	path []string

	// owner is the reactive scope created for component and boundary
	// fibers; children scopes nest under it so orphaning the fiber tears
	// the whole subtree down.
	owner *reactive.Owner

	// element is the record identity of a function-component fiber.
	element *tree.Element

	// accessor is the function identity of a reactive-boundary fiber.
	accessor func() any
	accID    uintptr

	// resourcePath is the instance-ID ancestry captured when the fiber was
	// created; boundary re-renders restore it before re-entering.
	resourcePath []string

	// instance is the managed instance registered by this component, if
	// any. placeholder marks an instance whose props are not yet complete:
	// registered, but not published to the scheduler.
	instance    *InstanceNode
	placeholder bool

	text any
}

// Kind returns a printable kind name.
func (f *Fiber) Kind() string { return f.kind.String() }

// Path returns the fiber's name ancestry.
func (f *Fiber) Path() []string { return f.path }

// PathString returns the dotted form of the fiber path.
func (f *Fiber) PathString() string { return strings.Join(f.path, ".") }

// Children returns the current child fibers.
func (f *Fiber) Children() []*Fiber { return f.children }

// Instance returns the registered instance node, or nil.
func (f *Fiber) Instance() *InstanceNode { return f.instance }

// cleanup disposes the fiber's scope and recurses into every child, which
// also reaches children whose scopes are not nested under it (tag and text
// fibers carry none).
func (f *Fiber) cleanup() {
	if f.owner != nil {
		f.owner.Dispose()
	}
	for _, c := range f.children {
		c.cleanup()
	}
	f.children = nil
	f.instance = nil
}

// collect appends every published instance in this subtree in render order.
func (f *Fiber) collect(out []*InstanceNode) []*InstanceNode {
	if f.instance != nil && !f.placeholder {
		out = append(out, f.instance)
	}
	for _, c := range f.children {
		out = c.collect(out)
	}
	return out
}
