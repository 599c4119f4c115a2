// Package guest accepts lifecycle notifications from the guest agent over
// vsock and turns them into lifecycle requests. This is the "guest activity"
// producer: ACPI shutdown, reboot and suspend from inside the guest, plus
// panic and watchdog reports that force the machine into their dedicated
// states.
package guest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/kestrelvmm/kestrel/lib/lifecycle"
	"github.com/kestrelvmm/kestrel/lib/logger"
	"github.com/kestrelvmm/kestrel/lib/runstate"
)

const (
	// DefaultPort is the vsock port the host listens on for guest
	// lifecycle notifications.
	DefaultPort = 2610

	// maxLineBytes bounds a single notification line.
	maxLineBytes = 4096
)

// Notification is one JSON line sent by the guest agent.
type Notification struct {
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// Agent listens for guest notifications and forwards them to the lifecycle
// core.
type Agent struct {
	vm      *lifecycle.VM
	metrics *Metrics
}

// NewAgent creates a guest-notification agent driving vm.
func NewAgent(vm *lifecycle.VM, metrics *Metrics) *Agent {
	return &Agent{vm: vm, metrics: metrics}
}

// Listen accepts guest connections on the given vsock port until ctx ends.
func (a *Agent) Listen(ctx context.Context, port uint32) error {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return fmt.Errorf("listen vsock port %d: %w", port, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx ends. Split from Listen so
// tests can drive the agent over an ordinary listener.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log := logger.FromContext(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept guest connection: %w", err)
		}
		log.DebugContext(ctx, "guest agent connected", "remote", conn.RemoteAddr().String())
		go a.handle(ctx, conn)
	}
}

func (a *Agent) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := logger.FromContext(ctx)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var n Notification
		if err := json.Unmarshal(line, &n); err != nil {
			log.WarnContext(ctx, "malformed guest notification", "error", err)
			a.metrics.recordNotification(ctx, "malformed")
			continue
		}
		if err := a.Dispatch(ctx, n); err != nil {
			log.WarnContext(ctx, "guest notification rejected", "event", n.Event, "error", err)
			a.metrics.recordNotification(ctx, "rejected")
			continue
		}
		a.metrics.recordNotification(ctx, n.Event)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.DebugContext(ctx, "guest agent connection closed", "error", err)
	}
}

// Dispatch maps one guest notification onto the lifecycle core.
func (a *Agent) Dispatch(ctx context.Context, n Notification) error {
	log := logger.FromContext(ctx)
	switch n.Event {
	case "shutdown":
		a.vm.RequestShutdown(ctx)
	case "reboot":
		a.vm.RequestReset(ctx)
	case "suspend":
		a.vm.RequestSuspend(ctx)
	case "wakeup":
		a.vm.RequestWakeup(ctx, lifecycle.WakeupOther)
	case "panic":
		log.ErrorContext(ctx, "guest kernel panicked", "detail", n.Detail)
		a.vm.Stop(ctx, runstate.GuestPanicked)
	case "watchdog":
		log.WarnContext(ctx, "guest watchdog expired", "detail", n.Detail)
		a.vm.Stop(ctx, runstate.Watchdog)
	default:
		return fmt.Errorf("unknown guest event %q", n.Event)
	}
	return nil
}
