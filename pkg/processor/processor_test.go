package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mindgraph/pkg/changes"
	"github.com/orneryd/mindgraph/pkg/queue"
)

// recordingHandler captures processed task IDs and can block or fail.
type recordingHandler struct {
	mu      sync.Mutex
	ids     []string
	delay   time.Duration
	errBy   map[string]error
	started chan struct{}
}

func (h *recordingHandler) Process(ctx context.Context, task *queue.LayoutTask) error {
	if h.started != nil {
		h.started <- struct{}{}
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.ids = append(h.ids, task.ID)
	h.mu.Unlock()
	if h.errBy != nil {
		return h.errBy[task.ID]
	}
	return nil
}

func (h *recordingHandler) processed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.ids))
	copy(out, h.ids)
	return out
}

func fastConfig() Config {
	return Config{
		NominalDelay:  time.Millisecond,
		WarningDelay:  2 * time.Millisecond,
		CriticalDelay: 4 * time.Millisecond,
	}
}

func enqueue(q *queue.Queue, id string, p queue.Priority) {
	q.Enqueue(&queue.LayoutTask{
		ID:       id,
		Priority: p,
		Change:   changes.DataChange{Kind: changes.KindNodeModified},
	})
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestProcessorDrainsQueueInPriorityOrder(t *testing.T) {
	q := queue.New()
	h := &recordingHandler{}
	p := New(q, NewResourceGate(0, nil), h, fastConfig())
	defer p.Stop()

	enqueue(q, "opt", queue.PriorityOptimization)
	enqueue(q, "user", queue.PriorityUserInteraction)
	enqueue(q, "import", queue.PriorityNewImport)

	require.True(t, p.Start())
	waitFor(t, func() bool { return p.State() == StateIdle }, "queue drain")

	assert.Equal(t, []string{"user", "import", "opt"}, h.processed())
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, uint64(3), p.Metrics().TasksProcessed)
}

func TestProcessorGateBlocksStart(t *testing.T) {
	gate := NewResourceGate(0, nil)
	gate.SetLowPower(true)

	q := queue.New()
	enqueue(q, "a", queue.PriorityUserInteraction)
	p := New(q, gate, &recordingHandler{}, fastConfig())
	defer p.Stop()

	assert.False(t, p.Start(), "gate should block start")
	assert.Equal(t, StateIdle, p.State(), "blocked start must stay idle")
	assert.Equal(t, 1, q.Size(), "no task should be consumed")
}

func TestProcessorCPUThresholdBlocksStart(t *testing.T) {
	gate := NewResourceGate(0.10, func() float64 { return 0.35 })

	p := New(queue.New(), gate, &recordingHandler{}, fastConfig())
	defer p.Stop()

	assert.False(t, p.Start())
	assert.Equal(t, StateIdle, p.State())
}

func TestProcessorPauseIsCooperative(t *testing.T) {
	q := queue.New()
	started := make(chan struct{}, 2)
	h := &recordingHandler{delay: 20 * time.Millisecond, started: started}
	p := New(q, NewResourceGate(0, nil), h, fastConfig())
	defer p.Stop()

	enqueue(q, "a", queue.PriorityUserInteraction)
	enqueue(q, "b", queue.PriorityUserInteraction)

	require.True(t, p.Start())
	<-started // first task is executing
	p.Pause()
	waitFor(t, func() bool { return p.State() == StatePaused }, "pause")

	// The in-flight task finished; the second waits for resume.
	got := h.processed()
	require.NotEmpty(t, got, "in-flight task must run to completion")
	assert.Equal(t, "a", got[0])
	assert.Equal(t, 1, q.Size())

	require.True(t, p.Resume())
	waitFor(t, func() bool { return p.State() == StateIdle }, "drain after resume")
	assert.Equal(t, []string{"a", "b"}, h.processed())
}

func TestProcessorMemoryPressureForcesPause(t *testing.T) {
	q := queue.New()
	h := &recordingHandler{delay: 10 * time.Millisecond}
	p := New(q, NewResourceGate(0, nil), h, fastConfig())
	defer p.Stop()

	for i := 0; i < 20; i++ {
		enqueue(q, fmt.Sprintf("t%d", i), queue.PriorityNewImport)
	}
	require.True(t, p.Start())
	waitFor(t, func() bool { return p.IsProcessing() }, "loop start")

	p.NotifyMemoryPressure(MemoryCritical)
	waitFor(t, func() bool { return p.State() == StatePaused }, "pressure pause")
	assert.Greater(t, q.Size(), 0, "backlog should remain after pause")

	p.NotifyMemoryPressure(MemoryNormal)
	waitFor(t, func() bool { return p.State() == StateIdle }, "drain after recovery")
	assert.Equal(t, 0, q.Size())
}

func TestProcessorLowPowerTransitions(t *testing.T) {
	q := queue.New()
	p := New(q, NewResourceGate(0, nil), &recordingHandler{}, fastConfig())
	defer p.Stop()

	p.NotifyPowerState(true)
	enqueue(q, "a", queue.PriorityUserInteraction)
	assert.False(t, p.Start(), "low power blocks start")

	p.NotifyPowerState(false)
	waitFor(t, func() bool { return q.Size() == 0 }, "drain after power recovery")
}

func TestProcessorTaskFailureDoesNotStopLoop(t *testing.T) {
	q := queue.New()
	h := &recordingHandler{errBy: map[string]error{"bad": errors.New("boom")}}
	p := New(q, NewResourceGate(0, nil), h, fastConfig())
	defer p.Stop()

	enqueue(q, "bad", queue.PriorityUserInteraction)
	enqueue(q, "good", queue.PriorityUserInteraction)

	require.True(t, p.Start())
	waitFor(t, func() bool { return p.State() == StateIdle }, "queue drain")

	assert.Equal(t, []string{"bad", "good"}, h.processed())
	m := p.Metrics()
	assert.Equal(t, uint64(2), m.TasksProcessed)
	assert.Equal(t, uint64(1), m.TasksFailed)
	assert.Greater(t, m.LastTaskMs, -1.0)
}

func TestProcessorAdaptiveDelay(t *testing.T) {
	cfg := fastConfig()
	gate := NewResourceGate(0, nil)
	p := New(queue.New(), gate, &recordingHandler{}, cfg)
	defer p.Stop()

	assert.Equal(t, cfg.NominalDelay, p.delay())

	gate.SetMemoryPressure(MemoryWarning)
	assert.Equal(t, cfg.WarningDelay, p.delay())

	gate.SetMemoryPressure(MemoryCritical)
	assert.Equal(t, cfg.CriticalDelay, p.delay())
}

func TestProcessorWake(t *testing.T) {
	q := queue.New()
	h := &recordingHandler{}
	p := New(q, NewResourceGate(0, nil), h, fastConfig())
	defer p.Stop()

	p.Wake() // empty queue: no-op
	assert.Equal(t, StateIdle, p.State())

	enqueue(q, "a", queue.PriorityUserInteraction)
	p.Wake()
	waitFor(t, func() bool { return len(h.processed()) == 1 }, "wake drain")
}

func TestProcessorWakeRacesDoNotStrandTasks(t *testing.T) {
	q := queue.New()
	h := &recordingHandler{}
	p := New(q, NewResourceGate(0, nil), h, fastConfig())
	defer p.Stop()

	// Enqueue+Wake one task at a time so each wake races the loop's idle
	// transition. Every task must eventually be consumed without a further
	// nudge.
	const total = 200
	for i := 0; i < total; i++ {
		enqueue(q, fmt.Sprintf("t%d", i), queue.PriorityUserInteraction)
		p.Wake()
	}
	waitFor(t, func() bool { return len(h.processed()) == total }, "all tasks consumed")
	assert.Equal(t, 0, q.Size())
}

func TestProcessorStartWhileRunningIsNoOp(t *testing.T) {
	q := queue.New()
	h := &recordingHandler{delay: 10 * time.Millisecond}
	p := New(q, NewResourceGate(0, nil), h, fastConfig())
	defer p.Stop()

	for i := 0; i < 5; i++ {
		enqueue(q, fmt.Sprintf("t%d", i), queue.PriorityNewImport)
	}
	require.True(t, p.Start())
	assert.False(t, p.Start(), "second start while processing must be a no-op")

	waitFor(t, func() bool { return p.State() == StateIdle }, "queue drain")
	assert.Len(t, h.processed(), 5, "each task consumed exactly once")
}

func TestResourceGateReasons(t *testing.T) {
	g := NewResourceGate(0, nil)

	ok, reason := g.Allow()
	assert.True(t, ok)
	assert.Empty(t, reason)

	g.SetLowPower(true)
	ok, reason = g.Allow()
	assert.False(t, ok)
	assert.Contains(t, reason, "low-power")
	g.SetLowPower(false)

	g.SetMemoryPressure(MemoryCritical)
	ok, reason = g.Allow()
	assert.False(t, ok)
	assert.Contains(t, reason, "memory pressure")
	g.SetMemoryPressure(MemoryWarning)
	ok, _ = g.Allow()
	assert.True(t, ok, "warning level throttles but does not block")
}
