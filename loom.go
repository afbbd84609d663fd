// Package loom is a reactive declarative runtime for long-lived resources:
// cloud infrastructure, connections, subscriptions, intervals. A program
// describes what should exist as a component tree; components declare
// managed instances whose handlers the runtime orders by data dependency,
// runs concurrently with cascading discovery, and persists for crash
// recovery.
package loom

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/pkg/deploy"
	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/reactive"
	"github.com/loomworks/loom/pkg/state"
	"github.com/loomworks/loom/pkg/tree"
)

// saveDebounce is how long output-only flushes coalesce before the current
// node set is persisted.
const saveDebounce = 100 * time.Millisecond

// Runtime wires the reactive graph, the fiber tree and the deployment
// scheduler for one stack. Construct it through Render.
type Runtime struct {
	stack    string
	logger   *slog.Logger
	machine  *state.Machine
	renderer *engine.Renderer
	executor *deploy.Executor

	// mu serialises every entry into the reactive graph and fiber tree:
	// render, boundary flushes, output writes, instance collection.
	mu sync.Mutex

	applying     atomic.Bool
	pendingFlush atomic.Bool
	disposed     atomic.Bool

	flushDirty bool

	previousMu sync.Mutex
	previous   []state.Node

	// applied maps the last applied instance IDs to the identity of their
	// prop snapshots; a fresh snapshot from a prop getter shows up as a
	// different reference.
	applied map[string]uintptr

	saveMu    sync.Mutex
	saveTimer *time.Timer
	saveArmed bool

	readyOnce sync.Once
	readyCh   chan struct{}
	readyErr  error

	lockHolder string
	lockTTL    time.Duration
}

// Handle is the caller's view of a running runtime.
type Handle struct {
	rt *Runtime
}

// liveRuntimes is the process-wide runtime registry; Reset disposes them
// all, which test harnesses use between cases.
var (
	liveRuntimesMu sync.Mutex
	liveRuntimes   = make(map[*Runtime]struct{})
)

// Render constructs a runtime for the element tree fn returns, binds it to
// backend under stackName, and starts the initial deployment in the
// background. The stack name becomes the root element's key, so when the
// root component registers an instance, its ID and the IDs of instances
// nested under it carry the stack name.
func Render(fn func() *tree.Element, backend state.Backend, stackName string, opts ...Option) *Handle {
	options := applyOptions(opts)

	logger := options.logger
	if logger == nil {
		logger = slog.Default().With("component", "loom", "stack", stackName)
	}

	machine := state.NewMachine(backend,
		state.WithUser(options.user),
		state.WithLogger(logger.With("component", "state")))

	rt := &Runtime{
		stack:      stackName,
		logger:     logger,
		machine:    machine,
		renderer:   engine.NewRenderer(logger.With("component", "engine")),
		readyCh:    make(chan struct{}),
		lockHolder: options.lockHolder,
		lockTTL:    options.lockTTL,
	}
	rt.executor = &deploy.Executor{
		Machine:  machine,
		Stack:    stackName,
		Logger:   logger.With("component", "deploy"),
		Collect:  rt.collect,
		Registry: rt.registryLookup,
		Sync:     rt.sync,
		Metrics:  options.metrics,
		Tracer:   options.tracer,
	}

	liveRuntimesMu.Lock()
	liveRuntimes[rt] = struct{}{}
	liveRuntimesMu.Unlock()

	go rt.run(fn)
	return &Handle{rt: rt}
}

// run performs the startup sequence: resume detection, hydration, render,
// initial apply.
func (rt *Runtime) run(fn func() *tree.Element) {
	ctx := context.Background()

	if rt.lockTTL > 0 {
		ok, err := rt.machine.AcquireLock(ctx, rt.stack, rt.lockHolder, rt.lockTTL)
		if err != nil {
			rt.finishReady(err)
			return
		}
		if !ok {
			rt.finishReady(errors.FromCode("E401"))
			return
		}
	}

	resumable, err := rt.machine.CanResume(ctx, rt.stack)
	if err != nil {
		rt.finishReady(err)
		return
	}
	if resumable {
		rt.logger.Info("previous run stopped mid-apply; resuming")
	}

	prev, err := rt.machine.LoadState(ctx, rt.stack)
	if err != nil {
		rt.finishReady(err)
		return
	}

	hydration := make(map[string]map[string]any)
	if prev != nil {
		rt.machine.RehydrateResources(rt.stack, prev.Nodes)
		for _, n := range prev.Nodes {
			if n.Outputs != nil {
				hydration[n.ID] = n.Outputs
			}
		}
		rt.setPrevious(prev.Nodes)
	}

	// Reserve the applying slot before rendering so flushes raised during
	// the initial render queue up behind the initial pass instead of
	// racing it as non-initial applies.
	rt.applying.Store(true)

	var renderErr error
	rt.sync(func() {
		rt.renderer.SetHydration(hydration)
		el := fn()
		if el != nil {
			el.Key = rt.stack
		}
		renderErr = rt.renderer.Render(el)
	})
	if renderErr != nil {
		rt.applying.Store(false)
		rt.finishReady(renderErr)
		return
	}

	rt.runApplyLoop(true)
}

// sync serialises fn onto the runtime's reactive context. A flush hook is
// live for the duration, so any batch that drains inside fn lets the
// runtime observe the resulting fiber tree.
func (rt *Runtime) sync(fn func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	unregister := reactive.OnFlush(rt.onFlush)
	defer unregister()
	fn()

	if rt.flushDirty {
		rt.flushDirty = false
		go rt.checkFlush()
	}
}

// onFlush runs at the tail of every reactive drain inside sync. It only
// marks; the actual instance comparison happens outside the drain.
func (rt *Runtime) onFlush() {
	if rt.disposed.Load() {
		return
	}
	rt.flushDirty = true
}

// checkFlush compares the current instance set against the last applied
// one: a difference triggers a deployment pass, otherwise outputs may have
// moved and a debounced save is scheduled.
func (rt *Runtime) checkFlush() {
	if rt.disposed.Load() {
		return
	}
	if rt.applying.Load() {
		rt.pendingFlush.Store(true)
		return
	}

	current := rt.collect()
	if rt.appliedSetChanged(current) {
		rt.applyChanges(false)
		return
	}
	rt.scheduleSave()
}

// applyChanges runs deployment passes until no flush arrived mid-pass.
func (rt *Runtime) applyChanges(initial bool) {
	if rt.disposed.Load() {
		return
	}
	if !rt.applying.CompareAndSwap(false, true) {
		rt.pendingFlush.Store(true)
		return
	}
	rt.runApplyLoop(initial)
}

// runApplyLoop assumes the applying slot is already held.
func (rt *Runtime) runApplyLoop(initial bool) {
	ctx := context.Background()
	var finalErr error
	for {
		current, err := rt.executor.Apply(ctx, rt.getPrevious(), initial)
		initial = false
		if err != nil {
			finalErr = err
			rt.logger.Error("deployment failed", "error", err)
			break
		}
		rt.setApplied(current)
		rt.setPrevious(deploy.SerializeNodes(current))
		if !rt.pendingFlush.CompareAndSwap(true, false) {
			break
		}
	}
	rt.applying.Store(false)
	rt.finishReady(finalErr)

	// A flush can slip in between the last pass and the flag store.
	if finalErr == nil && rt.pendingFlush.CompareAndSwap(true, false) {
		go rt.checkFlush()
	}
}

// scheduleSave coalesces output-only changes into one CompleteDeployment
// after the debounce window.
func (rt *Runtime) scheduleSave() {
	rt.saveMu.Lock()
	defer rt.saveMu.Unlock()
	if rt.disposed.Load() {
		return
	}
	if rt.saveTimer != nil {
		rt.saveTimer.Stop()
	}
	rt.saveArmed = true
	rt.saveTimer = time.AfterFunc(saveDebounce, func() {
		defer func() {
			rt.saveMu.Lock()
			rt.saveArmed = false
			rt.saveMu.Unlock()
		}()
		if rt.disposed.Load() || rt.applying.Load() {
			return
		}
		nodes := deploy.SerializeNodes(rt.collect())
		if err := rt.machine.CompleteDeployment(context.Background(), rt.stack, nodes); err != nil {
			rt.logger.Error("debounced save failed", "error", err)
			return
		}
		rt.setPrevious(nodes)
	})
}

func (rt *Runtime) collect() []*engine.InstanceNode {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.renderer.Collect()
}

func (rt *Runtime) registryLookup(id string) *engine.InstanceNode {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.renderer.Registry()[id]
}

func (rt *Runtime) setPrevious(nodes []state.Node) {
	rt.previousMu.Lock()
	defer rt.previousMu.Unlock()
	rt.previous = nodes
}

func (rt *Runtime) getPrevious() []state.Node {
	rt.previousMu.Lock()
	defer rt.previousMu.Unlock()
	return rt.previous
}

func (rt *Runtime) setApplied(nodes []*engine.InstanceNode) {
	snapshot := make(map[string]uintptr, len(nodes))
	for _, n := range nodes {
		snapshot[n.ID] = propsIdentity(n.Props)
	}
	rt.previousMu.Lock()
	defer rt.previousMu.Unlock()
	rt.applied = snapshot
}

// appliedSetChanged reports whether the collected set differs from the last
// applied one: an ID appeared or vanished, or a node carries a new prop
// snapshot.
func (rt *Runtime) appliedSetChanged(current []*engine.InstanceNode) bool {
	rt.previousMu.Lock()
	applied := rt.applied
	rt.previousMu.Unlock()

	if len(applied) != len(current) {
		return true
	}
	for _, n := range current {
		ref, ok := applied[n.ID]
		if !ok || ref != propsIdentity(n.Props) {
			return true
		}
	}
	return false
}

func propsIdentity(props map[string]any) uintptr {
	if props == nil {
		return 0
	}
	return reflect.ValueOf(props).Pointer()
}

func (rt *Runtime) finishReady(err error) {
	rt.readyOnce.Do(func() {
		rt.readyErr = err
		close(rt.readyCh)
	})
}

// Machine exposes the state machine; the inspector mounts on it.
func (rt *Runtime) Machine() *state.Machine { return rt.machine }

// Stack returns the stack name.
func (rt *Runtime) Stack() string { return rt.stack }

// dispose tears the runtime down: cancel the debounced save, best-effort
// cleanups for every current instance, then the fiber tree and root scope.
// In-flight handlers are not cancelled; later scheduler decisions no-op.
func (rt *Runtime) dispose() {
	if rt.disposed.Swap(true) {
		return
	}

	rt.saveMu.Lock()
	if rt.saveTimer != nil {
		rt.saveTimer.Stop()
		rt.saveTimer = nil
	}
	rt.saveArmed = false
	rt.saveMu.Unlock()

	ctx := context.Background()
	for _, node := range rt.collect() {
		if node.Cleanup == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					rt.logger.Error("cleanup panicked during dispose", "node", node.ID, "panic", r)
				}
			}()
			if err := node.Cleanup(ctx); err != nil {
				rt.logger.Error("cleanup failed during dispose", "node", node.ID, "error", err)
			}
		}()
	}

	rt.mu.Lock()
	rt.renderer.Dispose()
	rt.mu.Unlock()

	if rt.lockTTL > 0 {
		if err := rt.machine.ReleaseLock(ctx, rt.stack); err != nil {
			rt.logger.Error("lock release failed", "error", err)
		}
	}

	liveRuntimesMu.Lock()
	delete(liveRuntimes, rt)
	liveRuntimesMu.Unlock()

	rt.finishReady(errors.Newf(errors.CategoryRender, "runtime disposed"))
}

// settled reports whether no work is pending: no apply in flight, no
// pending flush, no armed save timer.
func (rt *Runtime) settled() bool {
	select {
	case <-rt.readyCh:
	default:
		return false
	}
	if rt.applying.Load() || rt.pendingFlush.Load() {
		return false
	}
	rt.saveMu.Lock()
	armed := rt.saveArmed
	rt.saveMu.Unlock()
	return !armed
}

// ----------------------------------------------------------------------------
// Handle
// ----------------------------------------------------------------------------

// Ready blocks until the initial deployment completes or fails.
func (h *Handle) Ready(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.rt.readyCh:
		return h.rt.readyErr
	}
}

// Settled blocks until the runtime has no pending work: no active flush,
// no applying phase, no pending debounced save.
func (h *Handle) Settled(ctx context.Context) error {
	if err := h.Ready(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.rt.settled() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Update runs fn on the runtime's reactive context. External signal writes
// that drive the component tree must go through it so the runtime both
// serialises the write and observes the resulting flush.
func (h *Handle) Update(fn func()) { h.rt.sync(fn) }

// Nodes returns a snapshot of the current instance set in persisted form.
func (h *Handle) Nodes() []state.Node {
	return deploy.SerializeNodes(h.rt.collect())
}

// Runtime returns the underlying runtime for embedders that mount the
// inspector or need the state machine.
func (h *Handle) Runtime() *Runtime { return h.rt }

// Dispose tears the runtime down. In-flight handlers complete naturally.
func (h *Handle) Dispose() { h.rt.dispose() }

// Reset disposes every live runtime and runs best-effort cleanups. Test
// harnesses call it between cases.
func Reset() {
	liveRuntimesMu.Lock()
	rts := make([]*Runtime, 0, len(liveRuntimes))
	for rt := range liveRuntimes {
		rts = append(rts, rt)
	}
	liveRuntimesMu.Unlock()
	for _, rt := range rts {
		rt.dispose()
	}
}
