package tree

import "reflect"

// Props holds a component's named inputs. The reserved "children" key
// carries the child value(s).
type Props map[string]any

// Component is a function component: executed exactly once per mount with
// its props; all later updates flow through signals it created.
type Component func(Props) any

// fragmentType is the sentinel element type for keyless grouping.
type fragmentType struct{}

// Fragment groups children without introducing a named fiber path segment.
var Fragment = fragmentType{}

// Element is an immutable description of what should exist: a type (string
// tag, Component, Fragment) plus props and an optional identity key. The
// runtime renders elements into fibers; element records themselves are
// never mutated, which lets the reconciler use record identity to preserve
// component state across list reorders.
type Element struct {
	Type  any
	Props Props
	Key   string
}

// H constructs an element. A single child is stored directly under
// props["children"]; multiple children as a []any. Children may be
// elements, text primitives, nil/bool holes, nested slices or zero-arg
// accessor functions (reactive boundaries).
func H(typ any, props Props, children ...any) *Element {
	if props == nil {
		props = Props{}
	}
	switch len(children) {
	case 0:
		// keep any children already present in props
	case 1:
		props["children"] = children[0]
	default:
		props["children"] = append([]any(nil), children...)
	}
	return &Element{Type: typ, Props: props}
}

// WithKey sets the element's identity key and returns it.
func (e *Element) WithKey(key string) *Element {
	e.Key = key
	return e
}

// Children returns the child value, or nil.
func (e *Element) Children() any {
	if e.Props == nil {
		return nil
	}
	return e.Props["children"]
}

// Truthy applies the runtime's truthiness rules: nil, false, empty string
// and numeric zero are holes, everything else renders.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case int8, int16, int32, uint, uint8, uint16, uint32, uint64, uintptr, float32:
		return !reflect.ValueOf(t).IsZero()
	default:
		return true
	}
}
