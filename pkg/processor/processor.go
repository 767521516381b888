// Package processor drains the layout task queue in the background.
//
// A single processing loop runs per Processor. Only one layout task executes
// at a time, so consumers never observe a half-applied layout. The loop is
// gated by a ResourceGate (low-power mode, memory pressure, CPU usage) and
// throttled by an adaptive inter-task delay that lengthens under memory
// pressure.
//
// State machine:
//
//	Idle -> Processing        Start, when the gate allows
//	Processing -> Idle        queue drained
//	Processing -> Paused      Pause requested or gate closed mid-run
//	Paused -> Processing      Resume, when the gate allows
//
// Pause is cooperative and non-preemptive: the in-flight task always runs to
// completion and the pause takes effect at the next task boundary.
//
// Usage:
//
//	proc := processor.New(q, gate, handler, processor.DefaultConfig())
//	defer proc.Stop()
//
//	proc.Start()              // drains the queue in the background
//	proc.Pause()              // finishes the current task, then stops
//	proc.Resume()             // re-checks the gate and continues
package processor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/orneryd/mindgraph/pkg/queue"
)

// State is the processor lifecycle state.
type State int

const (
	// StateIdle means no loop is running and the queue may be empty.
	StateIdle State = iota

	// StateProcessing means the loop is actively draining the queue.
	StateProcessing

	// StatePaused means the loop stopped at a task boundary and will not
	// run again until Resume.
	StatePaused
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler executes one layout task.
type Handler interface {
	Process(ctx context.Context, task *queue.LayoutTask) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *queue.LayoutTask) error

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, task *queue.LayoutTask) error {
	return f(ctx, task)
}

// Config holds the adaptive inter-task delays.
type Config struct {
	// NominalDelay is the sleep between tasks under normal conditions
	// (default: 100ms).
	NominalDelay time.Duration

	// WarningDelay replaces NominalDelay under a memory warning
	// (default: 500ms).
	WarningDelay time.Duration

	// CriticalDelay replaces NominalDelay under critical memory pressure
	// (default: 2s). In practice the gate pauses the loop before this
	// applies, but a pressure change mid-sleep still uses it.
	CriticalDelay time.Duration
}

// DefaultConfig returns the standard adaptive delays.
func DefaultConfig() Config {
	return Config{
		NominalDelay:  100 * time.Millisecond,
		WarningDelay:  500 * time.Millisecond,
		CriticalDelay: 2 * time.Second,
	}
}

// Metrics is a snapshot of processing statistics.
type Metrics struct {
	TasksProcessed uint64  // Tasks completed, including failed ones
	TasksFailed    uint64  // Tasks whose handler returned an error
	LastTaskMs     float64 // Duration of the most recent task
	AvgTaskMs      float64 // Mean task duration, 0 before the first task
}

// Processor is the background layout processing loop.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Processor struct {
	queue   *queue.Queue
	gate    *ResourceGate
	handler Handler
	config  Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	pauseWanted bool

	tasksProcessed uint64
	tasksFailed    uint64
	lastTaskMs     float64
	totalTaskMs    float64
}

// New creates a processor. The handler must not be nil.
func New(q *queue.Queue, gate *ResourceGate, handler Handler, config Config) *Processor {
	if gate == nil {
		gate = NewResourceGate(0, nil)
	}
	def := DefaultConfig()
	if config.NominalDelay <= 0 {
		config.NominalDelay = def.NominalDelay
	}
	if config.WarningDelay <= 0 {
		config.WarningDelay = def.WarningDelay
	}
	if config.CriticalDelay <= 0 {
		config.CriticalDelay = def.CriticalDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		queue:   q,
		gate:    gate,
		handler: handler,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start transitions Idle -> Processing and launches the loop, if the
// resource gate allows. Returns true if the loop started. When the gate
// blocks, the processor logs the reason and stays Idle.
func (p *Processor) Start() bool {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return false
	}
	if ok, reason := p.gate.Allow(); !ok {
		p.mu.Unlock()
		log.Printf("processor: not starting: %s", reason)
		return false
	}
	p.state = StateProcessing
	p.pauseWanted = false
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
	return true
}

// Pause requests a cooperative pause. The in-flight task, if any, runs to
// completion; the loop then parks in Paused. A no-op when not processing.
func (p *Processor) Pause() {
	p.mu.Lock()
	if p.state == StateProcessing {
		p.pauseWanted = true
	}
	p.mu.Unlock()
}

// Resume restarts a paused processor, re-checking the resource gate.
// Returns true if processing resumed.
func (p *Processor) Resume() bool {
	p.mu.Lock()
	if p.state == StatePaused {
		p.state = StateIdle
		p.pauseWanted = false
	}
	p.mu.Unlock()
	return p.Start()
}

// Stop cancels the loop and waits for it to exit. The processor cannot be
// restarted afterwards.
func (p *Processor) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Wake starts the loop if the queue is non-empty and the processor is Idle.
// Producers call this (or the facade does, after enqueueing) so queued work
// does not sit until the next explicit Start.
func (p *Processor) Wake() {
	if p.queue.Size() == 0 {
		return
	}
	p.Start()
}

// NotifyMemoryPressure records a host memory pressure change and
// re-evaluates the loop: critical pressure pauses, a return to normal
// resumes a paused loop.
func (p *Processor) NotifyMemoryPressure(level MemoryPressure) {
	p.gate.SetMemoryPressure(level)
	switch level {
	case MemoryCritical:
		log.Printf("processor: memory pressure critical, pausing")
		p.Pause()
	case MemoryNormal:
		p.Resume()
	}
}

// NotifyPowerState records a device power-state change and re-evaluates
// the loop: entering low-power mode pauses, leaving it resumes.
func (p *Processor) NotifyPowerState(lowPower bool) {
	p.gate.SetLowPower(lowPower)
	if lowPower {
		log.Printf("processor: low-power mode active, pausing")
		p.Pause()
	} else {
		p.Resume()
	}
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsProcessing reports whether the loop is actively draining the queue.
func (p *Processor) IsProcessing() bool {
	return p.State() == StateProcessing
}

// Metrics returns a snapshot of processing statistics.
func (p *Processor) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{
		TasksProcessed: p.tasksProcessed,
		TasksFailed:    p.tasksFailed,
		LastTaskMs:     p.lastTaskMs,
	}
	if p.tasksProcessed > 0 {
		m.AvgTaskMs = p.totalTaskMs / float64(p.tasksProcessed)
	}
	return m
}

// =============================================================================
// Processing Loop
// =============================================================================

func (p *Processor) loop() {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			p.setState(StateIdle)
			return
		}
		if p.takePauseRequest() {
			p.setState(StatePaused)
			return
		}
		if ok, reason := p.gate.Allow(); !ok {
			log.Printf("processor: pausing: %s", reason)
			p.setState(StatePaused)
			return
		}

		task, ok := p.queue.Dequeue()
		if !ok {
			// Re-check under the state mutex before parking. A producer's
			// Enqueue+Wake can land between the failed Dequeue and the Idle
			// transition; its Start saw Processing and returned, so the task
			// would otherwise sit until the next wake.
			p.mu.Lock()
			if p.queue.Size() > 0 {
				p.mu.Unlock()
				continue
			}
			p.state = StateIdle
			p.mu.Unlock()
			return
		}

		// The task always runs to completion; pause and cancellation
		// take effect at the next boundary.
		start := time.Now()
		err := p.handler.Process(p.ctx, task)
		elapsed := time.Since(start)

		p.mu.Lock()
		p.tasksProcessed++
		p.lastTaskMs = float64(elapsed.Microseconds()) / 1000
		p.totalTaskMs += p.lastTaskMs
		if err != nil {
			p.tasksFailed++
		}
		p.mu.Unlock()

		if err != nil {
			// No retry: the next triggering change attempts again.
			log.Printf("processor: task %s (%s) failed after %v: %v",
				task.ID, task.Change.Kind, elapsed.Round(time.Millisecond), err)
		}

		select {
		case <-p.ctx.Done():
			p.setState(StateIdle)
			return
		case <-time.After(p.delay()):
		}
	}
}

// delay picks the inter-task sleep for the current memory pressure.
func (p *Processor) delay() time.Duration {
	switch p.gate.Pressure() {
	case MemoryWarning:
		return p.config.WarningDelay
	case MemoryCritical:
		return p.config.CriticalDelay
	default:
		return p.config.NominalDelay
	}
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Processor) takePauseRequest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pauseWanted {
		p.pauseWanted = false
		return true
	}
	return false
}
