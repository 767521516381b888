package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/orneryd/mindgraph/pkg/changes"
	"github.com/orneryd/mindgraph/pkg/storage"
)

func task(id string, p Priority) *LayoutTask {
	return &LayoutTask{
		ID:       id,
		Priority: p,
		Change: changes.DataChange{
			Kind:     changes.KindNodeModified,
			RecordID: storage.RecordID(id),
		},
	}
}

// =============================================================================
// Scheduling Order
// =============================================================================

func TestQueuePriorityOrdering(t *testing.T) {
	q := New()

	// Arrival order deliberately inverts priority order.
	q.Enqueue(task("opt", PriorityOptimization))
	q.Enqueue(task("user", PriorityUserInteraction))
	q.Enqueue(task("import", PriorityNewImport))

	want := []string{"user", "import", "opt"}
	for _, id := range want {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("expected task %q, queue empty", id)
		}
		if got.ID != id {
			t.Errorf("dequeue order: got %q, want %q", got.ID, id)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("expected empty queue after draining")
	}
}

func TestQueueFIFOWithinTier(t *testing.T) {
	q := New()
	q.Enqueue(task("a", PriorityUserInteraction))
	q.Enqueue(task("b", PriorityUserInteraction))

	first, _ := q.Dequeue()
	second, _ := q.Dequeue()
	if first.ID != "a" || second.ID != "b" {
		t.Errorf("FIFO order violated: got %q then %q", first.ID, second.ID)
	}
}

func TestQueueHighPriorityPreemptsBacklog(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Enqueue(task(fmt.Sprintf("opt-%d", i), PriorityOptimization))
	}
	q.Enqueue(task("user", PriorityUserInteraction))

	got, ok := q.Dequeue()
	if !ok || got.ID != "user" {
		t.Errorf("expected user task first, got %+v", got)
	}
}

// =============================================================================
// Bookkeeping
// =============================================================================

func TestQueueSize(t *testing.T) {
	q := New()
	if q.Size() != 0 {
		t.Errorf("empty queue size = %d, want 0", q.Size())
	}

	q.Enqueue(task("a", PriorityUserInteraction))
	q.Enqueue(task("b", PriorityOptimization))
	q.Enqueue(task("c", PriorityOptimization))

	if q.Size() != 3 {
		t.Errorf("size = %d, want 3", q.Size())
	}
	if n := q.SizeByPriority(PriorityOptimization); n != 2 {
		t.Errorf("optimization tier size = %d, want 2", n)
	}
	if n := q.SizeByPriority(PriorityNewImport); n != 0 {
		t.Errorf("new-import tier size = %d, want 0", n)
	}
}

func TestQueueEnqueueFillsDefaults(t *testing.T) {
	q := New()
	q.Enqueue(&LayoutTask{Priority: PriorityNewImport})

	got, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected a task")
	}
	if got.ID == "" {
		t.Error("expected a generated task ID")
	}
	if got.EnqueuedAt.IsZero() {
		t.Error("expected an enqueue timestamp")
	}
}

func TestQueueInvalidPriorityClamped(t *testing.T) {
	q := New()
	q.Enqueue(task("weird", Priority(42)))

	got, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected a task")
	}
	if got.Priority != PriorityOptimization {
		t.Errorf("priority = %v, want %v", got.Priority, PriorityOptimization)
	}
}

func TestQueueClear(t *testing.T) {
	q := New()
	q.Enqueue(task("a", PriorityUserInteraction))
	q.Enqueue(task("b", PriorityOptimization))

	if n := q.Clear(); n != 2 {
		t.Errorf("cleared %d tasks, want 2", n)
	}
	if q.Size() != 0 {
		t.Errorf("size after clear = %d, want 0", q.Size())
	}
}

func TestQueueNotify(t *testing.T) {
	q := New()
	q.Enqueue(task("a", PriorityUserInteraction))
	q.Enqueue(task("b", PriorityUserInteraction))

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a pending wakeup after enqueue")
	}

	// Signals coalesce: two enqueues produce at most one pending wakeup.
	select {
	case <-q.Notify():
		t.Error("expected wakeup signals to coalesce")
	default:
	}
}

// =============================================================================
// Concurrency
// =============================================================================

func TestQueueConcurrentProducers(t *testing.T) {
	q := New()

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				p := Priority(i % int(numTiers))
				q.Enqueue(task(fmt.Sprintf("w%d-%d", w, i), p))
			}
		}(w)
	}
	wg.Wait()

	if q.Size() != producers*perProducer {
		t.Fatalf("size = %d, want %d", q.Size(), producers*perProducer)
	}

	// Drain and verify the priority tiers come out in order.
	lastPriority := PriorityUserInteraction
	count := 0
	for {
		task, ok := q.Dequeue()
		if !ok {
			break
		}
		if task.Priority < lastPriority {
			t.Fatalf("priority regressed from %v to %v", lastPriority, task.Priority)
		}
		lastPriority = task.Priority
		count++
	}
	if count != producers*perProducer {
		t.Errorf("drained %d tasks, want %d", count, producers*perProducer)
	}
}
