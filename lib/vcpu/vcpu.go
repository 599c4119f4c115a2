// Package vcpu runs virtual CPU execution contexts, one goroutine per vCPU.
// The lifecycle core drives the pool through pause/resume barriers; guest
// code runs as repeated invocations of a step function.
package vcpu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StepFunc executes one slice of guest code on cpu. Returning an error halts
// that vCPU until the next ResumeAll.
type StepFunc func(ctx context.Context, cpu *CPU) error

// CPU is a single virtual CPU execution context.
type CPU struct {
	index int
	pool  *Pool

	// stopped halts this vCPU until the next ResumeAll. Guarded by pool.mu.
	stopped bool
}

// Index returns the vCPU number.
func (c *CPU) Index() int { return c.index }

type ctxKey struct{}

// WithCPU attaches the executing vCPU to ctx. The pool does this before each
// step so request operations can identify their calling vCPU.
func WithCPU(ctx context.Context, cpu *CPU) context.Context {
	return context.WithValue(ctx, ctxKey{}, cpu)
}

// FromContext returns the vCPU executing the current context, or nil when
// the caller is not on a vCPU goroutine.
func FromContext(ctx context.Context) *CPU {
	cpu, _ := ctx.Value(ctxKey{}).(*CPU)
	return cpu
}

// Pool owns the vCPU goroutines and the pause/resume machinery.
type Pool struct {
	log  *slog.Logger
	step StepFunc

	mu       sync.Mutex
	cond     *sync.Cond
	cpus     []*CPU
	paused   bool
	shutdown bool
	// executing counts vCPUs currently inside the step function.
	executing int

	wg sync.WaitGroup

	statesSynced    atomic.Int64
	postResetSynced atomic.Int64

	ticksMu      sync.Mutex
	ticksEnabled bool
	ticksStart   time.Time
	ticksElapsed time.Duration
}

// NewPool creates count vCPUs executing step. The pool starts paused; the
// lifecycle controller resumes it when the machine enters the running state.
func NewPool(count int, step StepFunc, log *slog.Logger) *Pool {
	p := &Pool{
		log:    log,
		step:   step,
		paused: true,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < count; i++ {
		p.cpus = append(p.cpus, &CPU{index: i, pool: p})
	}
	return p
}

// Count returns the number of vCPUs.
func (p *Pool) Count() int { return len(p.cpus) }

// Start launches the vCPU goroutines. They park immediately until ResumeAll.
func (p *Pool) Start(ctx context.Context) {
	for _, cpu := range p.cpus {
		p.wg.Add(1)
		go p.run(ctx, cpu)
	}
}

func (p *Pool) run(ctx context.Context, cpu *CPU) {
	defer p.wg.Done()
	cpuCtx := WithCPU(ctx, cpu)
	for {
		p.mu.Lock()
		for (p.paused || cpu.stopped) && !p.shutdown {
			p.cond.Wait()
		}
		if p.shutdown {
			p.mu.Unlock()
			return
		}
		p.executing++
		p.mu.Unlock()

		err := p.step(cpuCtx, cpu)

		p.mu.Lock()
		p.executing--
		if err != nil {
			cpu.stopped = true
			if p.log != nil {
				p.log.ErrorContext(ctx, "vcpu step failed, halting vcpu", "vcpu", cpu.index, "error", err)
			}
		}
		p.cond.Broadcast()
		p.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

// PauseAll stops all vCPUs and returns once none is executing guest code.
func (p *Pool) PauseAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.cond.Broadcast()
	for p.executing > 0 {
		p.cond.Wait()
	}
}

// ResumeAll restarts every vCPU, including ones halted by StopCurrent or a
// failed step.
func (p *Pool) ResumeAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	for _, cpu := range p.cpus {
		cpu.stopped = false
	}
	p.cond.Broadcast()
}

// StopCurrent halts the calling vCPU, identified through ctx. It takes
// effect before the vCPU executes another step; calls from non-vCPU
// goroutines are no-ops.
func (p *Pool) StopCurrent(ctx context.Context) {
	cpu := FromContext(ctx)
	if cpu == nil || cpu.pool != p {
		return
	}
	p.mu.Lock()
	cpu.stopped = true
	p.mu.Unlock()
}

// SynchronizeAllStates flushes per-vCPU register state. The pool must be
// paused; the reference implementation only records the synchronization.
func (p *Pool) SynchronizeAllStates(ctx context.Context) {
	p.statesSynced.Add(1)
}

// SynchronizeAllPostReset pushes reset register state back to all vCPUs.
func (p *Pool) SynchronizeAllPostReset(ctx context.Context) {
	p.postResetSynced.Add(1)
}

// StatesSynced reports how many times SynchronizeAllStates ran.
func (p *Pool) StatesSynced() int64 { return p.statesSynced.Load() }

// PostResetSynced reports how many times SynchronizeAllPostReset ran.
func (p *Pool) PostResetSynced() int64 { return p.postResetSynced.Load() }

// EnableTicks starts the guest tick counter.
func (p *Pool) EnableTicks() {
	p.ticksMu.Lock()
	defer p.ticksMu.Unlock()
	if !p.ticksEnabled {
		p.ticksEnabled = true
		p.ticksStart = time.Now()
	}
}

// DisableTicks stops the guest tick counter, accumulating elapsed time.
func (p *Pool) DisableTicks() {
	p.ticksMu.Lock()
	defer p.ticksMu.Unlock()
	if p.ticksEnabled {
		p.ticksEnabled = false
		p.ticksElapsed += time.Since(p.ticksStart)
	}
}

// TicksEnabled reports whether the guest tick counter is running.
func (p *Pool) TicksEnabled() bool {
	p.ticksMu.Lock()
	defer p.ticksMu.Unlock()
	return p.ticksEnabled
}

// GuestClock returns the accumulated guest run time.
func (p *Pool) GuestClock() time.Duration {
	p.ticksMu.Lock()
	defer p.ticksMu.Unlock()
	d := p.ticksElapsed
	if p.ticksEnabled {
		d += time.Since(p.ticksStart)
	}
	return d
}

// Close tears the pool down and waits for every vCPU goroutine to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.shutdown = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
