package lifecycle

import (
	"context"

	"github.com/kestrelvmm/kestrel/lib/events"
	"github.com/kestrelvmm/kestrel/lib/runstate"
)

// Waiter is the event-wait collaborator. The orchestrator blocks in Wait
// between iterations; any request operation may call Wake from any
// goroutine to end the wait early.
type Waiter interface {
	Wait(ctx context.Context) error
	Wake()
}

// eventWaiter is the default Waiter: a one-slot wake channel.
type eventWaiter struct {
	ch chan struct{}
}

// NewEventWaiter creates the default channel-backed Waiter.
func NewEventWaiter() Waiter {
	return &eventWaiter{ch: make(chan struct{}, 1)}
}

func (w *eventWaiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}

func (w *eventWaiter) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Run is the main loop: block in the event wait, then drain every pending
// request flag. It returns nil when a shutdown request ends the loop, or the
// context error when ctx is cancelled.
func (vm *VM) Run(ctx context.Context) error {
	for {
		if err := vm.waiter.Wait(ctx); err != nil {
			return err
		}
		vm.metrics.recordIteration(ctx)
		if vm.ProcessPending(ctx) {
			return nil
		}
	}
}

// ProcessPending drains every pending request flag once, in a fixed order,
// and reports whether the loop should exit. The order is load-bearing:
// suspend before shutdown so a concurrent suspend is not lost, shutdown
// before reset so a shutdown is never absorbed by a reset, and the forced
// stop last because higher-priority transitions may have superseded it.
func (vm *VM) ProcessPending(ctx context.Context) bool {
	if vm.debugRequested.Swap(false) {
		vm.doStop(ctx, runstate.Debug)
	}

	if vm.suspendRequested.Swap(false) {
		vm.systemSuspend(ctx)
	}

	if vm.shutdownRequested.Swap(false) {
		vm.killReport(ctx)
		vm.send(ctx, events.New(events.KindShutdown))
		vm.policyMu.Lock()
		noShutdown := vm.noShutdown
		vm.policyMu.Unlock()
		if !noShutdown {
			return true
		}
		vm.doStop(ctx, runstate.Shutdown)
	}

	if vm.resetRequested.Swap(false) {
		vm.cpus.PauseAll(ctx)
		vm.cpus.SynchronizeAllStates(ctx)
		vm.SystemReset(ctx, true)
		vm.cpus.ResumeAll(ctx)
		if vm.NeedsReset() {
			vm.SetState(ctx, runstate.Paused)
		}
	}

	if reason := WakeupReason(vm.wakeupReason.Load()); reason != WakeupNone {
		vm.cpus.PauseAll(ctx)
		vm.cpus.SynchronizeAllStates(ctx)
		vm.SystemReset(ctx, false)
		vm.wakeupNotifiers.Notify(reason)
		vm.wakeupReason.Store(int32(WakeupNone))
		vm.cpus.ResumeAll(ctx)
		vm.send(ctx, events.NewWakeup(reason.String()))
	}

	if vm.powerdownRequested.Swap(false) {
		vm.send(ctx, events.New(events.KindPowerdown))
		vm.powerdownNotifiers.Notify(struct{}{})
	}

	if target, ok := vm.consumeStopRequest(); ok {
		vm.doStop(ctx, target)
	}

	return false
}

// systemSuspend is the suspend drain: pause everything, tell the suspend
// observers, then record the state and report it.
func (vm *VM) systemSuspend(ctx context.Context) {
	vm.cpus.PauseAll(ctx)
	vm.suspendNotifiers.Notify(struct{}{})
	vm.SetState(ctx, runstate.Suspended)
	vm.send(ctx, events.New(events.KindSuspend))
}
