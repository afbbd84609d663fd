package deploy

import (
	"reflect"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/state"
)

// Plan is the outcome of diffing the previous node set against the current
// instance set.
type Plan struct {
	Creates []string
	Updates []string
	Deletes []string

	// Order is the topological order for Creates and Updates against the
	// current dependency graph.
	Order []string
}

// Empty reports whether the plan contains no work.
func (p Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0 && len(p.Order) == 0
}

// ComputePlan matches previous and current by ID. A matched node is an
// update iff its props differ structurally; previous nodes missing from the
// current set are deletes.
func ComputePlan(previous []state.Node, current []*engine.InstanceNode) (Plan, error) {
	var plan Plan

	prevByID := make(map[string]*state.Node, len(previous))
	for i := range previous {
		prevByID[previous[i].ID] = &previous[i]
	}
	curIDs := make(map[string]bool, len(current))

	for _, node := range current {
		curIDs[node.ID] = true
		prev, ok := prevByID[node.ID]
		if !ok {
			plan.Creates = append(plan.Creates, node.ID)
			continue
		}
		if !structuralEqual(prev.Props, node.Props) {
			plan.Updates = append(plan.Updates, node.ID)
		}
	}
	for i := range previous {
		if !curIDs[previous[i].ID] {
			plan.Deletes = append(plan.Deletes, previous[i].ID)
		}
	}

	changed := append(append([]string(nil), plan.Creates...), plan.Updates...)
	if len(changed) > 0 {
		order, err := TopoSort(changed, BuildGraph(current))
		if err != nil {
			return plan, err
		}
		plan.Order = order
	}
	return plan, nil
}

// structuralEqual deep-compares prop values with a reference shortcut:
// identical objects are equal without walking.
func structuralEqual(a, b any) bool {
	if valueIdentical(a, b) {
		return true
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !structuralEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !structuralEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// valueIdentical is reference-flavoured equality: == for comparable kinds,
// pointer identity for maps, slices and funcs.
func valueIdentical(a, b any) bool {
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

// SerializeNodes converts live instances into their persisted form.
func SerializeNodes(nodes []*engine.InstanceNode) []state.Node {
	out := make([]state.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, state.Node{
			ID:      n.ID,
			Path:    append([]string(nil), n.Path...),
			Props:   n.Props,
			Outputs: n.Outputs,
		})
	}
	return out
}
