package providers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/kestrelvmm/kestrel/cmd/kestreld/config"
	"github.com/kestrelvmm/kestrel/lib/events"
	"github.com/kestrelvmm/kestrel/lib/guest"
	"github.com/kestrelvmm/kestrel/lib/lifecycle"
	"github.com/kestrelvmm/kestrel/lib/logger"
	"github.com/kestrelvmm/kestrel/lib/machine"
	"github.com/kestrelvmm/kestrel/lib/vcpu"
)

// meterName scopes every instrument the daemon registers.
const meterName = "kestreld"

// ProvideLogger provides a structured logger. When an audit log path is
// configured, lifecycle event records are mirrored there.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	if cfg.AuditLog != "" {
		handler = logger.NewAuditHandler(handler, cfg.AuditLog)
	}
	return slog.New(handler)
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvideConfig provides the application configuration
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvideMachine loads the machine definition file, or builds a minimal
// definition from the environment when none is configured.
func ProvideMachine(cfg *config.Config) (*machine.Machine, error) {
	if cfg.MachineConfig != "" {
		return machine.Load(cfg.MachineConfig)
	}
	return machine.New(machine.Definition{
		Name:  "kestrel",
		Vcpus: cfg.Vcpus,
	})
}

// ProvidePool provides the vCPU pool, sized from the machine definition. The
// returned cleanup tears the pool down and waits for the vCPU goroutines.
//
// The step function is the execution backend slot. Without an accelerator
// attached the default step idles, which exercises every lifecycle path the
// same way real guest code would: pause barriers, per-vCPU stops and tick
// accounting do not care what the step does.
func ProvidePool(m *machine.Machine, log *slog.Logger) (*vcpu.Pool, func()) {
	pool := vcpu.NewPool(m.Vcpus(), idleStep, log)
	return pool, pool.Close
}

func idleStep(ctx context.Context, cpu *vcpu.CPU) error {
	select {
	case <-ctx.Done():
	case <-time.After(time.Millisecond):
	}
	return nil
}

// ProvideBroadcaster provides the management event stream fan-out.
func ProvideBroadcaster(log *slog.Logger) *events.Broadcaster {
	return events.NewBroadcaster(log)
}

// ProvideReporter provides the lifecycle event reporter: every event is
// logged and fanned out to stream subscribers.
func ProvideReporter(b *events.Broadcaster) events.Reporter {
	return events.Multi{events.LogReporter{}, b}
}

// ProvideLifecycleMetrics provides the lifecycle metrics instruments from the
// global meter provider. A no-op meter yields working no-op instruments, so
// this is safe with telemetry disabled.
func ProvideLifecycleMetrics() (*lifecycle.Metrics, error) {
	return lifecycle.NewMetrics(otel.Meter(meterName))
}

// ProvideGuestMetrics provides the guest-agent metrics instruments.
func ProvideGuestMetrics() (*guest.Metrics, error) {
	return guest.NewMetrics(otel.Meter(meterName))
}

// ProvideVM provides the lifecycle context with the configured policies.
func ProvideVM(cfg *config.Config, pool *vcpu.Pool, reporter events.Reporter, metrics *lifecycle.Metrics) *lifecycle.VM {
	return lifecycle.New(pool, reporter,
		lifecycle.WithNoShutdown(cfg.NoShutdown),
		lifecycle.WithNoReboot(cfg.NoReboot),
		lifecycle.WithMetrics(metrics),
	)
}

// ProvideGuestAgent provides the guest-agent listener.
func ProvideGuestAgent(vm *lifecycle.VM, metrics *guest.Metrics) *guest.Agent {
	return guest.NewAgent(vm, metrics)
}
