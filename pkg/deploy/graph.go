package deploy

import (
	"reflect"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/state"
)

// Graph maps an instance ID to the set of IDs it depends on (incoming
// edges). The graph is derived, never stored: an edge a -> b exists iff any
// value reachable in b's props is referentially equal to any value of a's
// outputs.
type Graph map[string]map[string]bool

// Deps returns the dependency set for id, possibly nil.
func (g Graph) Deps(id string) map[string]bool { return g[id] }

// BuildGraph derives the dependency graph for the current instance set.
func BuildGraph(nodes []*engine.InstanceNode) Graph {
	entries := make([]graphEntry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, graphEntry{id: n.ID, props: n.Props, outputs: n.Outputs})
	}
	return buildGraph(entries)
}

// BuildGraphFromNodes derives the graph from persisted nodes; the delete
// phases order removals against it.
func BuildGraphFromNodes(nodes []state.Node) Graph {
	entries := make([]graphEntry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, graphEntry{id: n.ID, props: n.Props, outputs: n.Outputs})
	}
	return buildGraph(entries)
}

type graphEntry struct {
	id      string
	props   map[string]any
	outputs map[string]any
}

func buildGraph(entries []graphEntry) Graph {
	g := make(Graph, len(entries))
	for _, e := range entries {
		g[e.id] = make(map[string]bool)
	}
	for _, consumer := range entries {
		for _, producer := range entries {
			if producer.id == consumer.id || len(producer.outputs) == 0 {
				continue
			}
			if propsReference(consumer.props, producer.outputs) {
				g[consumer.id][producer.id] = true
			}
		}
	}
	return g
}

// propsReference walks props depth-first, tracking visited containers so
// cyclic user data terminates, and reports whether any reachable value is
// identical to any output value.
func propsReference(props map[string]any, outputs map[string]any) bool {
	targets := make([]any, 0, len(outputs))
	for _, v := range outputs {
		targets = append(targets, v)
	}
	visited := make(map[uintptr]bool)

	var walk func(v any) bool
	walk = func(v any) bool {
		for _, t := range targets {
			if valueIdentical(v, t) {
				return true
			}
		}
		switch tv := v.(type) {
		case map[string]any:
			ptr := reflect.ValueOf(tv).Pointer()
			if visited[ptr] {
				return false
			}
			visited[ptr] = true
			for _, item := range tv {
				if walk(item) {
					return true
				}
			}
		case []any:
			if len(tv) > 0 {
				ptr := reflect.ValueOf(tv).Pointer()
				if visited[ptr] {
					return false
				}
				visited[ptr] = true
			}
			for _, item := range tv {
				if walk(item) {
					return true
				}
			}
		}
		return false
	}

	for _, v := range props {
		if walk(v) {
			return true
		}
	}
	return false
}

// TopoSort orders ids so every dependency precedes its consumers. Kahn's
// algorithm with a deterministic tiebreak: nodes become eligible in input
// order. A cycle among ids is a scheduler error, not a user error.
func TopoSort(ids []string, g Graph) ([]string, error) {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	// Remaining in-degree, restricted to the sorted set.
	degree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		count := 0
		for dep := range g.Deps(id) {
			if inSet[dep] {
				count++
				dependents[dep] = append(dependents[dep], id)
			}
		}
		degree[id] = count
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if degree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			degree[dep]--
			if degree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(ids) {
		return nil, errors.FromCode("E301")
	}
	return order, nil
}

// ReverseTopoSort orders ids so consumers are processed before their
// dependencies; the delete phases use it.
func ReverseTopoSort(ids []string, g Graph) ([]string, error) {
	order, err := TopoSort(ids, g)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
