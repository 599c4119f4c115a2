// Package machine loads the machine definition and wires its policies into
// the lifecycle core: wakeup enablement and boot-order handling, including
// the one-shot restore of the normal boot order after a "once" boot.
package machine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/ghodss/yaml"

	"github.com/kestrelvmm/kestrel/lib/lifecycle"
	"github.com/kestrelvmm/kestrel/lib/logger"
	"github.com/kestrelvmm/kestrel/lib/notify"
)

var (
	// ErrNoBootSetHandler is returned when no firmware boot-order handler
	// has been registered.
	ErrNoBootSetHandler = errors.New("no boot-order handler registered")

	// ErrInvalidDefinition is returned for a machine definition that fails
	// validation.
	ErrInvalidDefinition = errors.New("invalid machine definition")
)

// Definition is the on-disk machine description.
type Definition struct {
	Name   string `json:"name"`
	Memory string `json:"memory"`
	Vcpus  int    `json:"vcpus"`

	// BootOrder is the normal firmware boot order; BootOnce, when set,
	// applies only to the first boot and is restored on the next reset.
	BootOrder string `json:"boot_order,omitempty"`
	BootOnce  string `json:"boot_once,omitempty"`

	// WakeupEvents restricts which wakeup reasons may resume a suspended
	// machine. Empty means all reasons stay enabled.
	WakeupEvents []string `json:"wakeup_events,omitempty"`
}

// Machine holds the validated definition plus the boot-order handler slot.
type Machine struct {
	def    Definition
	memory datasize.ByteSize

	mu      sync.Mutex
	bootSet func(order string) error
}

// New validates def and builds a Machine from it.
func New(def Definition) (*Machine, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if def.Vcpus <= 0 {
		def.Vcpus = 1
	}

	var memory datasize.ByteSize
	if def.Memory != "" {
		if err := memory.UnmarshalText([]byte(def.Memory)); err != nil {
			return nil, fmt.Errorf("%w: memory %q: %v", ErrInvalidDefinition, def.Memory, err)
		}
	}

	for _, order := range []string{def.BootOrder, def.BootOnce} {
		if err := validateBootOrder(order); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	}

	for _, name := range def.WakeupEvents {
		if _, err := lifecycle.ParseWakeupReason(name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	}

	return &Machine{def: def, memory: memory}, nil
}

// Load reads and validates a YAML machine definition file.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machine definition: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse machine definition: %w", err)
	}
	return New(def)
}

// Definition returns the validated definition.
func (m *Machine) Definition() Definition { return m.def }

// Memory returns the configured guest memory size.
func (m *Machine) Memory() datasize.ByteSize { return m.memory }

// Vcpus returns the configured vCPU count.
func (m *Machine) Vcpus() int { return m.def.Vcpus }

// RegisterBootSet installs the firmware callback that applies a boot order.
// The board registers exactly one handler during its own construction.
func (m *Machine) RegisterBootSet(fn func(order string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bootSet = fn
}

// BootSet applies order through the registered handler.
func (m *Machine) BootSet(order string) error {
	m.mu.Lock()
	fn := m.bootSet
	m.mu.Unlock()
	if fn == nil {
		return ErrNoBootSetHandler
	}
	if err := validateBootOrder(order); err != nil {
		return err
	}
	return fn(order)
}

// Apply wires the definition's lifecycle policies into vm: the wakeup
// enablement mask and, for a once-only boot order, the reset handler that
// restores the normal order after the first boot.
func (m *Machine) Apply(ctx context.Context, vm *lifecycle.VM) error {
	if len(m.def.WakeupEvents) > 0 {
		enabled := make(map[lifecycle.WakeupReason]bool, len(m.def.WakeupEvents))
		for _, name := range m.def.WakeupEvents {
			reason, err := lifecycle.ParseWakeupReason(name)
			if err != nil {
				return err
			}
			enabled[reason] = true
		}
		for _, reason := range lifecycle.WakeupReasons() {
			vm.WakeupEnable(reason, enabled[reason])
		}
	}

	if m.def.BootOnce != "" {
		if err := m.BootSet(m.def.BootOnce); err != nil {
			return fmt.Errorf("apply boot-once order: %w", err)
		}
		normal := m.def.BootOrder
		first := true
		var entry *notify.ResetEntry
		entry = vm.RegisterReset(func() {
			// The first reset is the first boot itself; restore on the one
			// after that.
			if first {
				first = false
				return
			}
			if err := m.BootSet(normal); err != nil {
				logger.FromContext(ctx).ErrorContext(ctx, "restore boot order", "order", normal, "error", err)
			}
			vm.UnregisterReset(entry)
		})
	}

	return nil
}

// validateBootOrder checks a firmware boot-order string: drive letters
// 'a'..'p', each at most once. Empty is allowed.
func validateBootOrder(order string) error {
	seen := map[rune]bool{}
	for _, r := range order {
		if r < 'a' || r > 'p' {
			return fmt.Errorf("invalid boot device '%c' in order %q", r, order)
		}
		if seen[r] {
			return fmt.Errorf("duplicate boot device '%c' in order %q", r, order)
		}
		seen[r] = true
	}
	return nil
}
