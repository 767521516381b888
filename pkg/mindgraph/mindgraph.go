// Package mindgraph wires the layout engine together behind a single handle.
//
// A MindGraph owns every component: the storage engine, the fingerprint
// generator, the change tracker, the layout task queue, the background
// processor and the multi-tier layout cache. Components are constructed once
// at Open and injected into each other explicitly; nothing in this module is
// a package-level singleton.
//
// Key components:
//   - Storage: record/relationship store (BadgerDB or in-memory)
//   - Fingerprint: memoized digest of the full data state
//   - Tracker: typed change history and affected-node computation
//   - Queue/Processor: prioritized background layout recomputation
//   - Cache: memory + persistent layout cache keyed by fingerprint
//
// Example:
//
//	mg, err := mindgraph.Open("./data", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mg.Close()
//
//	affected := mg.TrackChange(changes.DataChange{
//		Kind:     changes.KindNodeAdded,
//		RecordID: "rec-1",
//	})
//	_ = affected
//
//	mg.ScheduleLayoutUpdate(changes.DataChange{
//		Kind:     changes.KindNodeAdded,
//		RecordID: "rec-1",
//	}, queue.PriorityNewImport)
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
package mindgraph

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/orneryd/mindgraph/pkg/cache"
	"github.com/orneryd/mindgraph/pkg/changes"
	"github.com/orneryd/mindgraph/pkg/config"
	"github.com/orneryd/mindgraph/pkg/fingerprint"
	"github.com/orneryd/mindgraph/pkg/graph"
	"github.com/orneryd/mindgraph/pkg/layout"
	"github.com/orneryd/mindgraph/pkg/processor"
	"github.com/orneryd/mindgraph/pkg/queue"
	"github.com/orneryd/mindgraph/pkg/storage"
)

// MindGraph is the top-level handle over the layout engine.
type MindGraph struct {
	config *config.Config

	engine       storage.Engine
	idx          *graph.Index
	fingerprints *fingerprint.Generator
	tracker      *changes.Tracker
	layoutCache  *cache.LayoutCache
	calculator   *layout.Calculator
	tasks        *queue.Queue
	proc         *processor.Processor

	mu              sync.Mutex
	lastFingerprint string
	closed          bool
}

// Open creates a MindGraph over a data directory.
//
// An empty dataDir (or cfg.Database.InMemory) uses in-memory storage: fast,
// nothing survives the process. A nil cfg loads configuration from the
// environment. The adjacency index is rebuilt from storage and the initial
// data fingerprint computed before Open returns.
func Open(dataDir string, cfg *config.Config) (*MindGraph, error) {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if dataDir != "" {
		cfg.Database.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var engine storage.Engine
	if cfg.Database.InMemory || cfg.Database.DataDir == "" {
		engine = storage.NewMemoryEngine()
	} else {
		var err error
		engine, err = storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Database.DataDir,
			SyncWrites: cfg.Database.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	mg, err := New(engine, cfg)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return mg, nil
}

// New assembles a MindGraph over a caller-owned storage engine. The engine
// must also implement storage.LayoutStore; both built-in engines do.
func New(engine storage.Engine, cfg *config.Config) (*MindGraph, error) {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	layoutStore, ok := engine.(storage.LayoutStore)
	if !ok {
		return nil, fmt.Errorf("storage engine %T does not store layouts", engine)
	}

	idx := graph.NewIndex()
	if err := idx.Rebuild(engine); err != nil {
		return nil, fmt.Errorf("rebuild adjacency index: %w", err)
	}

	fingerprints := fingerprint.NewGenerator(engine, cfg.Fingerprint.MemoTTL)
	tracker := changes.NewTracker(engine, idx, fingerprints, cfg.Tracker.HistoryLimit)
	tracker.SetHubDegree(cfg.Tracker.HubDegree)

	layoutCache := cache.NewLayoutCache(layoutStore, cache.LayoutCacheConfig{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		TTL:        cfg.Cache.TTL,
	})

	calculator := layout.NewCalculator(engine, layoutCache, fingerprints, layout.CalculatorConfig{
		FullLayoutRadius: cfg.Layout.Radius,
		Iterations:       cfg.Layout.Iterations,
		JitterAmount:     cfg.Layout.Jitter,
		Seed:             cfg.Layout.Seed,
	})

	tasks := queue.New()
	gate := processor.NewResourceGate(cfg.Processor.CPUThreshold, nil)

	mg := &MindGraph{
		config:       cfg,
		engine:       engine,
		idx:          idx,
		fingerprints: fingerprints,
		tracker:      tracker,
		layoutCache:  layoutCache,
		calculator:   calculator,
		tasks:        tasks,
	}
	mg.proc = processor.New(tasks, gate, processor.HandlerFunc(mg.runTask), processor.Config{
		NominalDelay:  cfg.Processor.NominalDelay,
		WarningDelay:  cfg.Processor.WarningDelay,
		CriticalDelay: cfg.Processor.CriticalDelay,
	})

	// Seed the base fingerprint so the first scheduled task has a
	// pre-change state to diff against. Best effort: an empty string just
	// means the first task synthesizes its base.
	if fp, err := fingerprints.Create(); err == nil {
		mg.lastFingerprint = fp
	} else {
		log.Printf("mindgraph: initial fingerprint unavailable: %v", err)
	}

	return mg, nil
}

// Close stops background processing, flushes pending cache writes and
// closes storage.
func (mg *MindGraph) Close() error {
	mg.mu.Lock()
	if mg.closed {
		mg.mu.Unlock()
		return nil
	}
	mg.closed = true
	mg.mu.Unlock()

	mg.proc.Stop()
	mg.layoutCache.Flush()
	return mg.engine.Close()
}

// Storage exposes the underlying engine for record and relationship CRUD.
func (mg *MindGraph) Storage() storage.Engine {
	return mg.engine
}

// =============================================================================
// Change Tracking
// =============================================================================

// TrackChange records a data change and returns the affected record IDs,
// sorted. The affected set is a conservative superset of the records whose
// layout position may need to move.
func (mg *MindGraph) TrackChange(change changes.DataChange) []storage.RecordID {
	affected := mg.tracker.Track(change)
	ids := make([]storage.RecordID, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CreateDataFingerprint returns the digest of the current record and
// relationship state. Memoized briefly; tracking any change invalidates
// the memo immediately.
func (mg *MindGraph) CreateDataFingerprint() (string, error) {
	return mg.fingerprints.Create()
}

// DetectChangesSince compares the current state against an older
// fingerprint and returns the accumulated change history when they differ.
func (mg *MindGraph) DetectChangesSince(oldFingerprint string) (changes.ChangeSet, error) {
	return mg.tracker.DetectChangesSince(oldFingerprint)
}

// ResolveConflicts arbitrates between user-initiated and automated changes.
// The policy is total: user changes always win and a result is always
// produced.
func (mg *MindGraph) ResolveConflicts(conflicts []changes.Conflict) changes.Resolution {
	return changes.Resolve(conflicts)
}

// CreateVersion snapshots the current state as an immutable version marker
// an external caller can later diff against.
func (mg *MindGraph) CreateVersion() (changes.DataVersion, error) {
	return mg.tracker.CreateVersion()
}

// Versions lists created version markers, oldest first.
func (mg *MindGraph) Versions() []changes.DataVersion {
	return mg.tracker.Versions()
}

// =============================================================================
// Layout Scheduling
// =============================================================================

// ScheduleLayoutUpdate tracks a change and enqueues a layout recomputation
// for it at the given priority, then wakes the processor. Returns the
// affected record IDs.
//
// The enqueued task carries the pre-change fingerprint so the calculator
// can reuse the matching cached layout as its delta base.
func (mg *MindGraph) ScheduleLayoutUpdate(change changes.DataChange, priority queue.Priority) []storage.RecordID {
	mg.mu.Lock()
	base := mg.lastFingerprint
	mg.mu.Unlock()

	affected := mg.TrackChange(change)

	if fp, err := mg.fingerprints.Create(); err == nil {
		mg.mu.Lock()
		mg.lastFingerprint = fp
		mg.mu.Unlock()
	}

	mg.tasks.Enqueue(&queue.LayoutTask{
		Change:          change,
		Priority:        priority,
		BaseFingerprint: base,
	})
	mg.proc.Wake()
	return affected
}

// StartProcessing starts the background drain loop if the resource gate
// allows. Returns true when processing started.
func (mg *MindGraph) StartProcessing() bool {
	return mg.proc.Start()
}

// PauseProcessing requests a cooperative pause; the in-flight task
// finishes first.
func (mg *MindGraph) PauseProcessing() {
	mg.proc.Pause()
}

// ResumeProcessing restarts a paused loop, re-checking the resource gate.
func (mg *MindGraph) ResumeProcessing() bool {
	return mg.proc.Resume()
}

// NotifyMemoryPressure forwards a host memory-pressure signal to the
// processor, which pauses under critical pressure and resumes on recovery.
func (mg *MindGraph) NotifyMemoryPressure(level processor.MemoryPressure) {
	mg.proc.NotifyMemoryPressure(level)
}

// NotifyPowerState forwards a device power-state signal to the processor.
func (mg *MindGraph) NotifyPowerState(lowPower bool) {
	mg.proc.NotifyPowerState(lowPower)
}

// runTask executes one queued layout task.
func (mg *MindGraph) runTask(_ context.Context, task *queue.LayoutTask) error {
	_, err := mg.calculator.Apply(task.Change, task.BaseFingerprint)
	return err
}

// =============================================================================
// Layout Cache
// =============================================================================

// GetCachedLayout returns the cached layout for a fingerprint, if any.
func (mg *MindGraph) GetCachedLayout(fp string) (*layout.CachedLayout, bool) {
	return mg.layoutCache.Get(fp)
}

// SaveLayout stores a layout under a fingerprint.
func (mg *MindGraph) SaveLayout(l *layout.CachedLayout, fp string) error {
	return mg.layoutCache.Save(l, fp)
}

// InvalidateRegion drops cached layouts containing any of the given
// records.
func (mg *MindGraph) InvalidateRegion(recordIDs []storage.RecordID) error {
	return mg.layoutCache.InvalidateRegion(recordIDs)
}

// InvalidateAll clears the entire layout cache.
func (mg *MindGraph) InvalidateAll() error {
	return mg.layoutCache.InvalidateAll()
}

// =============================================================================
// Observable State
// =============================================================================

// IsProcessing reports whether the background loop is draining the queue.
func (mg *MindGraph) IsProcessing() bool {
	return mg.proc.IsProcessing()
}

// QueueSize returns the number of pending layout tasks across all tiers.
func (mg *MindGraph) QueueSize() int {
	return mg.tasks.Size()
}

// CacheHitRate returns hits/(hits+misses) for the layout cache as a 0..1
// ratio, 0 before any lookup.
func (mg *MindGraph) CacheHitRate() float64 {
	return mg.layoutCache.Stats().HitRate
}

// MemoryUsageEstimate returns the approximate bytes held by the memory
// cache tier.
func (mg *MindGraph) MemoryUsageEstimate() int {
	return mg.layoutCache.Stats().MemoryBytes
}

// LastRestorationTimeMs returns the latency of the most recent
// persistent-tier cache restore, in milliseconds.
func (mg *MindGraph) LastRestorationTimeMs() float64 {
	return mg.layoutCache.Stats().LastRestorationMs
}

// Stats aggregates observable state across components.
type Stats struct {
	Records       int64
	Relationships int64
	QueueSize     int
	Processor     processor.Metrics
	Cache         cache.Stats
	State         processor.State
}

// Stats returns a point-in-time snapshot of engine statistics.
func (mg *MindGraph) Stats() (Stats, error) {
	recs, err := mg.engine.RecordCount()
	if err != nil {
		return Stats{}, err
	}
	rels, err := mg.engine.RelationshipCount()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Records:       recs,
		Relationships: rels,
		QueueSize:     mg.tasks.Size(),
		Processor:     mg.proc.Metrics(),
		Cache:         mg.layoutCache.Stats(),
		State:         mg.proc.State(),
	}, nil
}
