package changes

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/mindgraph/pkg/graph"
	"github.com/orneryd/mindgraph/pkg/storage"
)

// Tracker records typed changes, computes affected-node sets and accumulates
// them for the background processor.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type Tracker struct {
	engine       storage.Engine
	idx          *graph.Index
	fingerprints Fingerprinter
	hubDegree    int

	mu       sync.Mutex
	history  []DataChange
	historyN int
	pending  map[storage.RecordID]struct{}
	versions []DataVersion
}

// NewTracker creates a change tracker.
//
// historyLimit <= 0 falls back to DefaultHistoryLimit.
func NewTracker(engine storage.Engine, idx *graph.Index, fingerprints Fingerprinter, historyLimit int) *Tracker {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Tracker{
		engine:       engine,
		idx:          idx,
		fingerprints: fingerprints,
		hubDegree:    graph.DefaultHubDegree,
		historyN:     historyLimit,
		pending:      make(map[storage.RecordID]struct{}),
	}
}

// SetHubDegree overrides the minimum degree at which a record counts as a
// hub for bulk-import affected sets. Values <= 0 are ignored and the
// default stays in effect. Call before the first Track.
func (t *Tracker) SetHubDegree(n int) {
	if n > 0 {
		t.hubDegree = n
	}
}

// Track records a change, updates the adjacency index, unions the change's
// affected-node set into the pending accumulator, and drops the fingerprint
// memo.
//
// Returns the affected-node set it computed (useful for scheduling and
// region invalidation).
func (t *Tracker) Track(change DataChange) map[storage.RecordID]struct{} {
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	// Index upkeep must happen before the traversal so a deleted
	// relationship no longer extends the neighborhood, while a new one
	// already does.
	switch change.Kind {
	case KindRelationshipAdded:
		t.idx.AddRelationship(change.RelationshipID, change.SourceID, change.TargetID)
	case KindRelationshipDeleted:
		// Widen around both endpoints of the edge that is about to vanish.
		defer t.idx.RemoveRelationship(change.RelationshipID)
	case KindNodeDeleted:
		defer t.idx.RemoveRecord(change.RecordID)
	case KindBulkImport:
		if err := t.idx.Rebuild(t.engine); err != nil {
			log.Printf("changes: index rebuild after bulk import failed: %v", err)
		}
	}

	affected := t.affectedSet(change)

	t.mu.Lock()
	t.history = append(t.history, change)
	if len(t.history) > t.historyN {
		t.history = t.history[len(t.history)-t.historyN:]
	}
	for id := range affected {
		t.pending[id] = struct{}{}
	}
	t.mu.Unlock()

	t.fingerprints.Invalidate()
	return affected
}

// affectedSet applies the traversal policy for a change kind.
func (t *Tracker) affectedSet(change DataChange) map[storage.RecordID]struct{} {
	switch change.Kind {
	case KindNodeAdded, KindNodeDeleted:
		return t.idx.Neighborhood(change.RecordID, 2)

	case KindRelationshipAdded, KindRelationshipDeleted:
		affected := t.idx.Neighborhood(change.SourceID, 2)
		for id := range t.idx.Neighborhood(change.TargetID, 2) {
			affected[id] = struct{}{}
		}
		return affected

	case KindNodeModified, KindAnnotationChanged, KindAIAnalysisUpdated:
		return t.idx.Neighborhood(change.RecordID, 1)

	case KindBulkImport:
		affected := make(map[storage.RecordID]struct{}, len(change.BulkIDs))
		for _, id := range change.BulkIDs {
			affected[id] = struct{}{}
		}
		// Everything currently stored moves too: a bulk import reshapes
		// the whole map.
		recs, err := t.engine.AllRecords()
		if err != nil {
			log.Printf("changes: failed to load records for bulk affected set: %v", err)
		}
		for _, rec := range recs {
			affected[rec.ID] = struct{}{}
		}
		for id := range t.idx.Hubs(t.hubDegree) {
			affected[id] = struct{}{}
		}
		return affected
	}

	// Unknown kind: fall back to the single record, still conservative
	// enough for a value edit.
	if change.RecordID != "" {
		return map[storage.RecordID]struct{}{change.RecordID: {}}
	}
	return map[storage.RecordID]struct{}{}
}

// ConsumePending returns the accumulated affected-node set and resets the
// accumulator. Called by the background processor before recomputing.
func (t *Tracker) ConsumePending() map[storage.RecordID]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.pending
	t.pending = make(map[storage.RecordID]struct{})
	return out
}

// PendingCount returns the current size of the pending accumulator.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// History returns a copy of the recorded change history, oldest first.
func (t *Tracker) History() []DataChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]DataChange, len(t.history))
	copy(out, t.history)
	return out
}

// DetectChangesSince compares a previously observed fingerprint against the
// current one and returns the change set between them.
//
// Equal fingerprints short-circuit to "no changes". Otherwise the recorded
// history is returned as the change set — field-level diffing beyond history
// replay is not attempted, so callers must not assume byte-level precision.
func (t *Tracker) DetectChangesSince(oldFingerprint string) (ChangeSet, error) {
	current, err := t.fingerprints.Create()
	if err != nil {
		return ChangeSet{}, fmt.Errorf("changes: failed to fingerprint current state: %w", err)
	}

	if current == oldFingerprint {
		return ChangeSet{HasChanges: false}, nil
	}
	return ChangeSet{Changes: t.History(), HasChanges: true}, nil
}

// CreateVersion snapshots the current state as an immutable version marker.
//
// The checksum is the current data fingerprint; Kind and AffectedIDs reflect
// the most recent tracked change, if any.
func (t *Tracker) CreateVersion() (DataVersion, error) {
	checksum, err := t.fingerprints.Create()
	if err != nil {
		return DataVersion{}, fmt.Errorf("changes: failed to checksum version: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	version := DataVersion{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Checksum:  checksum,
	}
	if len(t.history) > 0 {
		last := t.history[len(t.history)-1]
		version.Kind = last.Kind
		version.AffectedIDs = affectedIDsOf(last)
	}

	t.versions = append(t.versions, version)
	return version, nil
}

// Versions returns a copy of all created version markers, oldest first.
func (t *Tracker) Versions() []DataVersion {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]DataVersion, len(t.versions))
	copy(out, t.versions)
	return out
}

// affectedIDsOf lists the record IDs a change names directly.
func affectedIDsOf(change DataChange) []storage.RecordID {
	switch {
	case len(change.BulkIDs) > 0:
		out := make([]storage.RecordID, len(change.BulkIDs))
		copy(out, change.BulkIDs)
		return out
	case change.RelationshipID != "":
		return []storage.RecordID{change.SourceID, change.TargetID}
	case change.RecordID != "":
		return []storage.RecordID{change.RecordID}
	}
	return nil
}
