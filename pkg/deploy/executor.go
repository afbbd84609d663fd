package deploy

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/state"
)

// maxHandlerExecutions caps handler launches in one apply pass; a cascade
// that keeps materialising instances past this point is runaway.
const maxHandlerExecutions = 1_000_000

// Executor runs one apply pass: it diffs, orders by dependency, runs
// handlers concurrently, and after every completion re-collects the
// instance set so resources materialised by fresh outputs deploy in the
// same pass.
type Executor struct {
	Machine *state.Machine
	Stack   string
	Logger  *slog.Logger

	// Collect returns the current published instance set; the runtime
	// wires it to the fiber tree behind its reactive lock.
	Collect func() []*engine.InstanceNode

	// Registry resolves instance IDs that already left the fiber tree,
	// which is where deferred deletes find their cleanup callbacks.
	Registry func(id string) *engine.InstanceNode

	// Sync serialises a function onto the runtime's reactive context.
	// Handler goroutines publish outputs through it.
	Sync func(fn func())

	Metrics *Metrics
	Tracer  trace.Tracer
}

type handlerResult struct {
	id  string
	err error
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default().With("component", "deploy")
}

func (e *Executor) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer("loom/deploy")
}

func (e *Executor) sync(fn func()) {
	if e.Sync != nil {
		e.Sync(fn)
		return
	}
	fn()
}

// Apply runs one deployment pass against the previous node set. On an
// initial run every unchanged current node joins the resumed set and its
// handler re-runs idempotently. The returned slice is the final collected
// instance set.
func (e *Executor) Apply(ctx context.Context, previous []state.Node, initial bool) ([]*engine.InstanceNode, error) {
	ctx, span := e.tracer().Start(ctx, "deploy.apply",
		trace.WithAttributes(
			attribute.String("stack", e.Stack),
			attribute.Bool("initial", initial),
		))
	defer span.End()

	current := e.Collect()
	plan, err := ComputePlan(previous, current)
	if err != nil {
		e.recordFailure(ctx, err)
		return nil, err
	}

	changed := make(map[string]bool, len(plan.Order))
	for _, id := range plan.Order {
		changed[id] = true
	}
	var resumed []string
	if initial {
		for _, n := range current {
			if !changed[n.ID] {
				resumed = append(resumed, n.ID)
			}
		}
	}

	if plan.Empty() && len(resumed) == 0 {
		if err := e.Machine.CompleteDeployment(ctx, e.Stack, SerializeNodes(current)); err != nil {
			return nil, err
		}
		e.countDeployment("noop")
		return current, nil
	}

	if err := e.Machine.StartDeployment(ctx, e.Stack, SerializeNodes(current)); err != nil {
		return nil, err
	}

	// Phase 1: deletes, consumers first.
	if err := e.processDeletes(ctx, plan.Deletes, BuildGraphFromNodes(previous)); err != nil {
		e.recordFailure(ctx, err)
		return nil, err
	}

	current, err = e.runExecutor(ctx, current, plan.Order, resumed)
	if err != nil {
		e.recordFailure(ctx, err)
		return nil, err
	}

	// Safety re-collect: a flush racing the executor's exit may have
	// changed the set again.
	final := e.Collect()
	if !sameIDSet(current, final) {
		return e.Apply(ctx, previous, false)
	}

	if err := e.Machine.CompleteDeployment(ctx, e.Stack, SerializeNodes(final)); err != nil {
		return nil, err
	}
	e.countDeployment("deployed")
	return final, nil
}

// runExecutor is the concurrent cascading loop.
func (e *Executor) runExecutor(ctx context.Context, current []*engine.InstanceNode, order, resumed []string) ([]*engine.InstanceNode, error) {
	byID := indexByID(current)
	graph := BuildGraph(current)

	pending := make([]string, 0, len(order)+len(resumed))
	inPending := make(map[string]bool)
	addPending := func(id string) {
		if !inPending[id] {
			inPending[id] = true
			pending = append(pending, id)
		}
	}
	for _, id := range order {
		addPending(id)
	}
	for _, id := range resumed {
		addPending(id)
	}

	// Unchanged nodes outside the pending set count as already deployed
	// for readiness checks.
	deployed := make(map[string]bool, len(current))
	for _, n := range current {
		if !inPending[n.ID] {
			deployed[n.ID] = true
		}
	}

	running := make(map[string]bool)
	results := make(chan handlerResult)
	var deferredDeletes []string
	executions := 0
	var failure error

	for len(pending) > 0 || len(running) > 0 {
		if failure == nil {
			var ready []string
			var rest []string
			for _, id := range pending {
				ok := true
				for dep := range graph.Deps(id) {
					if !deployed[dep] {
						ok = false
						break
					}
				}
				if ok {
					ready = append(ready, id)
				} else {
					rest = append(rest, id)
				}
			}

			if len(ready) == 0 && len(running) == 0 && len(rest) > 0 {
				e.logger().Warn("scheduler deadlock: pending nodes with unsatisfiable dependencies",
					"stack", e.Stack, "pending", rest)
				if e.Metrics != nil {
					e.Metrics.DeadlocksTotal.Inc()
				}
				break
			}

			pending = rest
			for _, id := range ready {
				delete(inPending, id)
				node := byID[id]
				if node == nil {
					continue
				}
				executions++
				if executions > maxHandlerExecutions {
					failure = errors.FromCode("E302")
					pending = nil
					break
				}
				running[id] = true
				e.launch(ctx, node, results)
			}
		}

		if len(running) == 0 {
			continue
		}

		res := <-results
		delete(running, res.id)

		if res.err != nil {
			if failure == nil {
				failure = res.err
				pending = nil
				inPending = map[string]bool{}
			}
			continue
		}
		if failure != nil {
			continue
		}

		deployed[res.id] = true

		// Cascade: fresh outputs may have materialised new instances.
		next := e.Collect()
		if !sameIDSet(current, next) {
			if e.Metrics != nil {
				e.Metrics.CascadeRecollects.Inc()
			}
			prevIDs := idSet(current)
			nextIDs := idSet(next)
			for _, n := range next {
				if !prevIDs[n.ID] && !deployed[n.ID] && !running[n.ID] {
					addPending(n.ID)
				}
			}
			for id := range prevIDs {
				if !nextIDs[id] {
					deferredDeletes = append(deferredDeletes, id)
				}
			}
			current = next
			byID = indexByID(current)
			graph = BuildGraph(current)
		} else {
			current = next
			byID = indexByID(current)
		}
	}

	if failure != nil {
		_ = e.Machine.FailDeployment(ctx, e.Stack, failure)
		e.countDeployment("failed")
		return nil, failure
	}

	if len(deferredDeletes) > 0 {
		if err := e.deleteFromRegistry(ctx, deferredDeletes); err != nil {
			return nil, err
		}
	}
	return current, nil
}

// launch runs one handler in its own goroutine: mark applying, persist the
// in-flight ID, run, snapshot outputs, then mark deployed and persist.
func (e *Executor) launch(ctx context.Context, node *engine.InstanceNode, results chan<- handlerResult) {
	id := node.ID
	props := snapshotProps(node.Props)
	handler := node.Handler

	e.Machine.SetResourceState(e.Stack, id, state.ResourceApplying)
	if err := e.Machine.AddApplying(ctx, e.Stack, id); err != nil {
		e.logger().Error("failed to persist applying marker", "node", id, "error", err)
	}
	if e.Metrics != nil {
		e.Metrics.HandlersInflight.Inc()
	}

	go func() {
		hctx, span := e.tracer().Start(ctx, "deploy.handler",
			trace.WithAttributes(attribute.String("node", id)))
		start := time.Now()

		setOutputs := func(v any) {
			e.sync(func() { node.SetOutputs(v) })
		}
		cleanup, err := runHandler(hctx, handler, props, setOutputs)

		if e.Metrics != nil {
			e.Metrics.HandlersInflight.Dec()
			e.Metrics.HandlerDuration.Observe(time.Since(start).Seconds())
		}
		span.End()

		if err != nil {
			if e.Metrics != nil {
				e.Metrics.HandlerRunsTotal.WithLabelValues("error").Inc()
			}
			e.Machine.SetResourceState(e.Stack, id, state.ResourceFailed)
			results <- handlerResult{id: id, err: err}
			return
		}

		if cleanup != nil {
			node.Cleanup = cleanup
		}
		outputs := node.Outputs

		e.Machine.SetResourceState(e.Stack, id, state.ResourceDeployed)
		if err := e.Machine.RemoveApplying(ctx, e.Stack, id); err != nil {
			e.logger().Error("failed to clear applying marker", "node", id, "error", err)
		}
		if err := e.Machine.UpdateNodeOutputs(ctx, e.Stack, id, outputs); err != nil {
			e.logger().Error("failed to persist outputs", "node", id, "error", err)
		}
		if err := e.Machine.RecordResourceApplied(ctx, e.Stack, id, outputs); err != nil {
			e.logger().Error("failed to record resource applied", "node", id, "error", err)
		}
		if e.Metrics != nil {
			e.Metrics.HandlerRunsTotal.WithLabelValues("ok").Inc()
		}
		results <- handlerResult{id: id}
	}()
}

// runHandler isolates handler panics into errors.
func runHandler(ctx context.Context, handler engine.HandlerFunc, props map[string]any, setOutputs engine.SetOutputsFunc) (cleanup engine.CleanupFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = errors.Newf(errors.CategoryDeploy, "handler panic: %v", r)
			}
		}
	}()
	return handler(ctx, props, setOutputs)
}

// processDeletes removes nodes consumers-first, awaiting each cleanup.
// Cleanup errors are logged and never propagate.
func (e *Executor) processDeletes(ctx context.Context, ids []string, g Graph) error {
	if len(ids) == 0 {
		return nil
	}
	order, err := ReverseTopoSort(ids, g)
	if err != nil {
		return err
	}
	for _, id := range order {
		e.Machine.SetResourceState(e.Stack, id, state.ResourceApplying)
		e.runCleanup(ctx, id)
		if err := e.Machine.RecordResourceDestroyed(ctx, e.Stack, id); err != nil {
			return err
		}
	}
	return nil
}

// deleteFromRegistry handles deletes observed mid-executor: the fibers are
// gone, so cleanups resolve through the registry.
func (e *Executor) deleteFromRegistry(ctx context.Context, ids []string) error {
	nodes := make([]state.Node, 0, len(ids))
	for _, id := range ids {
		if n := e.Registry(id); n != nil {
			nodes = append(nodes, state.Node{ID: n.ID, Props: n.Props, Outputs: n.Outputs})
		} else {
			nodes = append(nodes, state.Node{ID: id})
		}
	}
	return e.processDeletes(ctx, ids, BuildGraphFromNodes(nodes))
}

func (e *Executor) runCleanup(ctx context.Context, id string) {
	var cleanup engine.CleanupFunc
	if e.Registry != nil {
		if n := e.Registry(id); n != nil {
			cleanup = n.Cleanup
		}
	}
	if cleanup == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger().Error("cleanup panicked", "node", id, "panic", r)
		}
	}()
	if err := cleanup(ctx); err != nil {
		e.logger().Error("cleanup failed", "node", id, "error", err)
	}
}

func (e *Executor) recordFailure(ctx context.Context, err error) {
	_ = e.Machine.FailDeployment(ctx, e.Stack, err)
	e.countDeployment("failed")
}

func (e *Executor) countDeployment(status string) {
	if e.Metrics != nil {
		e.Metrics.DeploymentsTotal.WithLabelValues(status).Inc()
	}
}

func indexByID(nodes []*engine.InstanceNode) map[string]*engine.InstanceNode {
	out := make(map[string]*engine.InstanceNode, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out
}

func idSet(nodes []*engine.InstanceNode) map[string]bool {
	out := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		out[n.ID] = true
	}
	return out
}

func sameIDSet(a, b []*engine.InstanceNode) bool {
	if len(a) != len(b) {
		return false
	}
	bs := idSet(b)
	for _, n := range a {
		if !bs[n.ID] {
			return false
		}
	}
	return true
}

func snapshotProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
