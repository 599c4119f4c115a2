// Package lifecycle owns the machine run state and drives every transition
// between run states. There is exactly one VM lifecycle per process; the VM
// type is the single synchronization point between asynchronous request
// producers (vCPU threads, the management API, signal handlers, the guest
// agent) and the main-loop orchestrator that consumes them.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kestrelvmm/kestrel/lib/events"
	"github.com/kestrelvmm/kestrel/lib/logger"
	"github.com/kestrelvmm/kestrel/lib/notify"
	"github.com/kestrelvmm/kestrel/lib/runstate"
)

// CPUs is the virtual CPU execution collaborator. The core calls these; it
// does not implement them.
type CPUs interface {
	PauseAll(ctx context.Context)
	ResumeAll(ctx context.Context)
	SynchronizeAllStates(ctx context.Context)
	SynchronizeAllPostReset(ctx context.Context)
	// StopCurrent halts the vCPU the calling context executes on, if any.
	StopCurrent(ctx context.Context)
	EnableTicks()
	DisableTicks()
}

// WakeupReason identifies why a suspended machine should resume.
type WakeupReason int

const (
	WakeupNone WakeupReason = iota
	WakeupRTC
	WakeupPMTimer
	WakeupOther

	wakeupReasonCount
)

var wakeupNames = [wakeupReasonCount]string{
	WakeupNone:    "none",
	WakeupRTC:     "rtc",
	WakeupPMTimer: "pm-timer",
	WakeupOther:   "other",
}

func (r WakeupReason) String() string {
	if r < 0 || r >= wakeupReasonCount {
		return fmt.Sprintf("WakeupReason(%d)", int(r))
	}
	return wakeupNames[r]
}

// ParseWakeupReason maps a reason name to its code.
func ParseWakeupReason(name string) (WakeupReason, error) {
	for r, n := range wakeupNames {
		if n == name {
			return WakeupReason(r), nil
		}
	}
	return WakeupNone, fmt.Errorf("unknown wakeup reason %q", name)
}

// WakeupReasons returns every real wakeup reason except "none".
func WakeupReasons() []WakeupReason {
	out := make([]WakeupReason, 0, wakeupReasonCount-1)
	for r := WakeupNone + 1; r < wakeupReasonCount; r++ {
		out = append(out, r)
	}
	return out
}

// Status is the externally visible run condition of the machine.
type Status struct {
	Running bool
	State   runstate.RunState
}

// VM is the lifecycle context: the current run state, every pending request
// flag, and the observer registries. Request operations may be called from
// any goroutine; the main-loop orchestrator is the sole consumer.
type VM struct {
	cpus     CPUs
	reporter events.Reporter
	waiter   Waiter
	metrics  *Metrics

	state atomic.Int32

	resetRequested     atomic.Bool
	suspendRequested   atomic.Bool
	powerdownRequested atomic.Bool
	debugRequested     atomic.Bool
	shutdownRequested  atomic.Bool

	// Shutdown diagnostics and the no-shutdown/no-reboot policies share a
	// lock with the kill report that consumes them.
	policyMu       sync.Mutex
	shutdownSignal int
	shutdownPID    int
	noShutdown     bool
	noReboot       bool

	// stopMu spans "is a stop already pending" and "overwrite it" so Start
	// cannot race the orchestrator's consumption of the same flag.
	stopMu        sync.Mutex
	stopRequested runstate.RunState

	wakeupReason atomic.Int32
	wakeupMask   atomic.Uint32

	resetHandlers notify.ResetRegistry
	changeState   notify.ChangeStateList[runstate.RunState]

	suspendNotifiers   notify.List[struct{}]
	wakeupNotifiers    notify.List[WakeupReason]
	powerdownNotifiers notify.List[struct{}]
	exitNotifiers      notify.List[struct{}]
	machineInitDone    notify.List[struct{}]
}

// Option adjusts VM construction.
type Option func(*VM)

// WithNoShutdown keeps the process alive on a shutdown request, parking the
// machine in the shutdown state instead of exiting.
func WithNoShutdown(v bool) Option {
	return func(vm *VM) { vm.noShutdown = v }
}

// WithNoReboot converts guest reset requests into shutdown requests.
func WithNoReboot(v bool) Option {
	return func(vm *VM) { vm.noReboot = v }
}

// WithWaiter replaces the event-wait collaborator the orchestrator blocks on.
func WithWaiter(w Waiter) Option {
	return func(vm *VM) { vm.waiter = w }
}

// WithMetrics attaches lifecycle metrics instruments.
func WithMetrics(m *Metrics) Option {
	return func(vm *VM) { vm.metrics = m }
}

// New creates the lifecycle context in the prelaunch state.
func New(cpus CPUs, reporter events.Reporter, opts ...Option) *VM {
	vm := &VM{
		cpus:           cpus,
		reporter:       reporter,
		shutdownSignal: -1,
		stopRequested:  runstate.Max,
	}
	vm.state.Store(int32(runstate.Prelaunch))
	// Every reason except "none" starts enabled.
	vm.wakeupMask.Store(^uint32(1 << WakeupNone))
	for _, opt := range opts {
		opt(vm)
	}
	if vm.waiter == nil {
		vm.waiter = NewEventWaiter()
	}
	return vm
}

// CurrentState returns the current run state. Read-only snapshot.
func (vm *VM) CurrentState() runstate.RunState {
	return runstate.RunState(vm.state.Load())
}

// IsRunning reports whether the machine is in the running state.
func (vm *VM) IsRunning() bool {
	return vm.CurrentState() == runstate.Running
}

// NeedsReset reports whether the machine is in a state that only a reset
// can leave (internal error or guest-initiated shutdown).
func (vm *VM) NeedsReset() bool {
	s := vm.CurrentState()
	return s == runstate.InternalError || s == runstate.Shutdown
}

// QueryStatus returns the running flag and the current state for external
// inspection.
func (vm *VM) QueryStatus() Status {
	s := vm.CurrentState()
	return Status{Running: s == runstate.Running, State: s}
}

// SetState performs a validated transition to state. An illegal transition
// is an invariant violation in the calling subsystem, not a runtime
// condition: it panics with a diagnostic naming both states.
func (vm *VM) SetState(ctx context.Context, state runstate.RunState) {
	cur := vm.CurrentState()
	if !runstate.Legal(cur, state) {
		logger.FromContext(ctx).ErrorContext(ctx, "invalid runstate transition",
			"from", cur.String(), "to", state.String())
		panic(fmt.Sprintf("lifecycle: invalid runstate transition: '%s' -> '%s'", cur, state))
	}
	vm.state.Store(int32(state))
	logger.FromContext(ctx).DebugContext(ctx, "runstate set", "from", cur.String(), "to", state.String())
	vm.metrics.recordTransition(ctx, cur, state)
}

// Start resolves any pending forced-stop target and moves the machine into
// the running state. If the machine is already running and a stop was
// pending, a STOP event precedes the RESUME event so observers always see
// the pair; with nothing pending this is a no-op.
func (vm *VM) Start(ctx context.Context) {
	_, pending := vm.consumeStopRequest()
	if vm.IsRunning() && !pending {
		return
	}

	if vm.IsRunning() {
		// A stop was requested and superseded before the orchestrator
		// drained it. Observers that were promised "STOP is always followed
		// by RESUME or another STOP" get their pair here.
		vm.send(ctx, events.New(events.KindStop))
	} else {
		vm.cpus.EnableTicks()
		vm.SetState(ctx, runstate.Running)
		vm.changeState.Notify(true, runstate.Running)
		vm.cpus.ResumeAll(ctx)
	}
	vm.send(ctx, events.New(events.KindResume))
}

// Stop records target as the forced-stop state and wakes the orchestrator.
// The state mutation happens when the orchestrator drains the flag, never
// here: stopping vCPUs must happen on the loop's goroutine.
func (vm *VM) Stop(ctx context.Context, target runstate.RunState) {
	vm.StopRequestPrepare()
	vm.StopRequest(ctx, target)
}

// StopRequestPrepare takes the forced-stop lock. Callers that must decide
// under the lock (migration) pair it with StopRequest; everyone else uses
// Stop.
func (vm *VM) StopRequestPrepare() {
	vm.stopMu.Lock()
}

// StopRequest records target and releases the lock taken by
// StopRequestPrepare, then wakes the orchestrator.
func (vm *VM) StopRequest(ctx context.Context, target runstate.RunState) {
	if !runstate.InDomain(target) {
		vm.stopMu.Unlock()
		panic(fmt.Sprintf("lifecycle: stop target %d outside runstate domain", int(target)))
	}
	vm.stopRequested = target
	vm.stopMu.Unlock()
	vm.metrics.recordRequest(ctx, "stop")
	vm.kick()
}

// consumeStopRequest atomically reads and clears the forced-stop target.
func (vm *VM) consumeStopRequest() (runstate.RunState, bool) {
	vm.stopMu.Lock()
	defer vm.stopMu.Unlock()
	r := vm.stopRequested
	vm.stopRequested = runstate.Max
	return r, r != runstate.Max
}

// doStop is the internal stop procedure, run only on the orchestrator
// goroutine. It is a no-op unless the machine is running.
func (vm *VM) doStop(ctx context.Context, state runstate.RunState) {
	if !vm.IsRunning() {
		return
	}
	vm.cpus.DisableTicks()
	vm.cpus.PauseAll(ctx)
	vm.SetState(ctx, state)
	vm.changeState.Notify(false, state)
	vm.send(ctx, events.New(events.KindStop))
}

// SystemReset runs the full ordered reset handler list. When report is set a
// RESET event goes to the management channel; the silent variant backs the
// wakeup path.
func (vm *VM) SystemReset(ctx context.Context, report bool) {
	vm.resetHandlers.RunAll()
	if report {
		vm.send(ctx, events.New(events.KindReset))
	}
	vm.cpus.SynchronizeAllPostReset(ctx)
}

// WakeupEnable adds or removes reason from the wakeup enablement mask.
func (vm *VM) WakeupEnable(reason WakeupReason, enabled bool) {
	for {
		old := vm.wakeupMask.Load()
		var next uint32
		if enabled {
			next = old | 1<<uint(reason)
		} else {
			next = old &^ (1 << uint(reason))
		}
		if vm.wakeupMask.CompareAndSwap(old, next) {
			return
		}
	}
}

func (vm *VM) wakeupEnabled(reason WakeupReason) bool {
	return vm.wakeupMask.Load()&(1<<uint(reason)) != 0
}

// RegisterReset appends fn to the reset handler list (FIFO invocation).
func (vm *VM) RegisterReset(fn func()) *notify.ResetEntry {
	return vm.resetHandlers.Register(fn)
}

// UnregisterReset removes a reset handler; safe from inside the handler.
func (vm *VM) UnregisterReset(e *notify.ResetEntry) {
	vm.resetHandlers.Unregister(e)
}

// AddChangeStateHandler registers fn for run-state transitions. Handlers run
// most-recently-registered first with the new running flag and state.
func (vm *VM) AddChangeStateHandler(fn func(running bool, state runstate.RunState)) *notify.Entry[notify.StateChange[runstate.RunState]] {
	return vm.changeState.Add(fn)
}

// RemoveChangeStateHandler removes a handler added by AddChangeStateHandler.
func (vm *VM) RemoveChangeStateHandler(e *notify.Entry[notify.StateChange[runstate.RunState]]) {
	vm.changeState.Remove(e)
}

// AddSuspendNotifier registers fn to run when the machine suspends.
func (vm *VM) AddSuspendNotifier(fn func()) *notify.Entry[struct{}] {
	return vm.suspendNotifiers.Add(func(struct{}) { fn() })
}

// AddWakeupNotifier registers fn to run with the wakeup reason when the
// machine wakes from suspend.
func (vm *VM) AddWakeupNotifier(fn func(WakeupReason)) *notify.Entry[WakeupReason] {
	return vm.wakeupNotifiers.Add(fn)
}

// AddPowerdownNotifier registers fn to run when a powerdown request drains.
func (vm *VM) AddPowerdownNotifier(fn func()) *notify.Entry[struct{}] {
	return vm.powerdownNotifiers.Add(func(struct{}) { fn() })
}

// AddExitNotifier registers fn to run once at process termination, in
// registration order.
func (vm *VM) AddExitNotifier(fn func()) *notify.Entry[struct{}] {
	return vm.exitNotifiers.Add(func(struct{}) { fn() })
}

// RunExitNotifiers fires the exit notifiers. The daemon calls this exactly
// once, after the main loop decides to stop.
func (vm *VM) RunExitNotifiers() {
	vm.exitNotifiers.Notify(struct{}{})
}

// AddMachineInitDoneNotifier registers fn to run when machine construction
// completes.
func (vm *VM) AddMachineInitDoneNotifier(fn func()) *notify.Entry[struct{}] {
	return vm.machineInitDone.Add(func(struct{}) { fn() })
}

// RunMachineInitDoneNotifiers fires the machine-init-done notifiers.
func (vm *VM) RunMachineInitDoneNotifiers() {
	vm.machineInitDone.Notify(struct{}{})
}

func (vm *VM) send(ctx context.Context, e events.Event) {
	vm.reporter.Send(ctx, e)
	vm.metrics.recordEvent(ctx, e.Kind)
}

// kick wakes the orchestrator out of its event wait.
func (vm *VM) kick() {
	vm.waiter.Wake()
}
