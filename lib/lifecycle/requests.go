package lifecycle

import (
	"context"

	"github.com/kestrelvmm/kestrel/lib/logger"
	"github.com/kestrelvmm/kestrel/lib/runstate"
)

// RequestReset asks for a full machine reset on the next loop iteration.
// Under the no-reboot policy the request becomes a shutdown request instead.
// The calling vCPU, if any, is halted immediately: the caller may be guest
// code that must not execute past its own reset request.
func (vm *VM) RequestReset(ctx context.Context) {
	vm.policyMu.Lock()
	noReboot := vm.noReboot
	vm.policyMu.Unlock()

	if noReboot {
		vm.shutdownRequested.Store(true)
	} else {
		vm.resetRequested.Store(true)
	}
	vm.metrics.recordRequest(ctx, "reset")
	vm.cpus.StopCurrent(ctx)
	vm.kick()
}

// RequestShutdown asks the orchestrator to shut the machine down.
func (vm *VM) RequestShutdown(ctx context.Context) {
	logger.FromContext(ctx).DebugContext(ctx, "shutdown requested")
	vm.shutdownRequested.Store(true)
	vm.metrics.recordRequest(ctx, "shutdown")
	vm.kick()
}

// SystemKilled records the terminating signal and sender for the kill
// report, clears the no-shutdown override, and requests shutdown. Called
// from the daemon's signal handler goroutine.
func (vm *VM) SystemKilled(ctx context.Context, signal int, pid int) {
	vm.policyMu.Lock()
	vm.shutdownSignal = signal
	vm.shutdownPID = pid
	vm.noShutdown = false
	vm.policyMu.Unlock()
	vm.RequestShutdown(ctx)
}

// RequestSuspend asks the orchestrator to suspend the machine. A no-op when
// already suspended. Halts the calling vCPU, if any.
func (vm *VM) RequestSuspend(ctx context.Context) {
	if vm.CurrentState() == runstate.Suspended {
		return
	}
	vm.suspendRequested.Store(true)
	vm.metrics.recordRequest(ctx, "suspend")
	vm.cpus.StopCurrent(ctx)
	vm.kick()
}

// RequestWakeup resumes a suspended machine for the given reason. A no-op
// unless the machine is suspended and reason is enabled in the wakeup mask.
// The suspended -> running transition happens here, on the requester's
// goroutine; the reset, notifiers and WAKEUP event follow on the next loop
// iteration.
func (vm *VM) RequestWakeup(ctx context.Context, reason WakeupReason) {
	logger.FromContext(ctx).DebugContext(ctx, "wakeup requested", "reason", reason.String())
	if vm.CurrentState() != runstate.Suspended {
		return
	}
	if !vm.wakeupEnabled(reason) {
		return
	}
	vm.SetState(ctx, runstate.Running)
	vm.wakeupReason.Store(int32(reason))
	vm.metrics.recordRequest(ctx, "wakeup")
	vm.kick()
}

// RequestPowerdown delivers a power-button press to the guest via the
// powerdown notifiers on the next loop iteration.
func (vm *VM) RequestPowerdown(ctx context.Context) {
	logger.FromContext(ctx).DebugContext(ctx, "powerdown requested")
	vm.powerdownRequested.Store(true)
	vm.metrics.recordRequest(ctx, "powerdown")
	vm.kick()
}

// RequestDebug asks the orchestrator to stop the machine into the debug
// state.
func (vm *VM) RequestDebug(ctx context.Context) {
	vm.debugRequested.Store(true)
	vm.metrics.recordRequest(ctx, "debug")
	vm.kick()
}

// ShutdownRequested reports whether a shutdown request is pending, without
// consuming it.
func (vm *VM) ShutdownRequested() bool {
	return vm.shutdownRequested.Load()
}

// ResetRequested reports whether a reset request is pending, without
// consuming it.
func (vm *VM) ResetRequested() bool {
	return vm.resetRequested.Load()
}

// killReport logs the terminating signal once, then clears it.
func (vm *VM) killReport(ctx context.Context) {
	vm.policyMu.Lock()
	signal, pid := vm.shutdownSignal, vm.shutdownPID
	vm.shutdownSignal = -1
	vm.policyMu.Unlock()

	if signal == -1 {
		return
	}
	if pid == 0 {
		// ^C at the terminal has no meaningful sender pid.
		logger.FromContext(ctx).WarnContext(ctx, "terminating on signal", "signal", signal)
		return
	}
	logger.FromContext(ctx).WarnContext(ctx, "terminating on signal", "signal", signal, "from_pid", pid)
}
