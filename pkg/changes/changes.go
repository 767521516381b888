// Package changes implements typed change tracking for the mind-map layout
// engine.
//
// Every mutation producers make to the record/relationship sets is reported
// here as a DataChange. The tracker keeps a bounded history, computes the set
// of records each change may force to move (the affected-node set), keeps the
// adjacency index current, and drops the fingerprint memo so stale layouts
// are never served.
//
// The affected-node set is deliberately conservative: it may include records
// that end up not moving (wasted work), but must never miss one that does.
//
// Traversal policy by change kind:
//   - structural add/delete of a record or relationship: 2-hop neighborhood
//   - value-only edits (annotation, AI analysis): 1-hop neighborhood
//   - bulk import: every record plus hub-connected regions
//
// Usage:
//
//	tracker := changes.NewTracker(engine, idx, gen, changes.DefaultHistoryLimit)
//
//	tracker.Track(changes.DataChange{
//		Kind:     changes.KindNodeModified,
//		RecordID: "shot-42",
//	})
//
//	affected := tracker.ConsumePending()
package changes

import (
	"time"

	"github.com/orneryd/mindgraph/pkg/storage"
)

// DefaultHistoryLimit caps the change history; oldest entries evict first.
const DefaultHistoryLimit = 1000

// Kind identifies the variant of a DataChange.
type Kind string

const (
	// KindNodeAdded marks a newly imported record.
	KindNodeAdded Kind = "node_added"
	// KindNodeDeleted marks a removed record.
	KindNodeDeleted Kind = "node_deleted"
	// KindNodeModified marks a content edit to an existing record.
	KindNodeModified Kind = "node_modified"
	// KindRelationshipAdded marks a new relationship.
	KindRelationshipAdded Kind = "relationship_added"
	// KindRelationshipDeleted marks a removed relationship.
	KindRelationshipDeleted Kind = "relationship_deleted"
	// KindAnnotationChanged marks a user edit to a record's annotation.
	KindAnnotationChanged Kind = "annotation_changed"
	// KindAIAnalysisUpdated marks refreshed AI analysis output for a record.
	KindAIAnalysisUpdated Kind = "ai_analysis_updated"
	// KindBulkImport marks a batch of imported records.
	KindBulkImport Kind = "bulk_import"
)

// DataChange is a tagged change variant carrying the identifiers involved.
//
// Which fields are set depends on Kind:
//   - node/annotation/AI kinds: RecordID
//   - relationship kinds: RelationshipID, SourceID, TargetID
//   - bulk import: BulkIDs
//
// A zero Timestamp is filled in by Tracker.Track.
type DataChange struct {
	Kind           Kind                   `json:"kind"`
	RecordID       storage.RecordID       `json:"recordId,omitempty"`
	RelationshipID storage.RelationshipID `json:"relationshipId,omitempty"`
	SourceID       storage.RecordID       `json:"sourceId,omitempty"`
	TargetID       storage.RecordID       `json:"targetId,omitempty"`
	BulkIDs        []storage.RecordID     `json:"bulkIds,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// IsStructural reports whether the change alters graph structure
// (as opposed to a value-only edit).
func (c DataChange) IsStructural() bool {
	switch c.Kind {
	case KindNodeAdded, KindNodeDeleted, KindRelationshipAdded,
		KindRelationshipDeleted, KindBulkImport:
		return true
	}
	return false
}

// IsUserInitiated reports whether the change came from a direct user action.
// Annotation edits are the only user-initiated kind in the current policy;
// everything else (imports, relationship inference, AI analysis) is automated.
func (c DataChange) IsUserInitiated() bool {
	return c.Kind == KindAnnotationChanged
}

// ChangeSet is an ordered list of changes between two fingerprints.
type ChangeSet struct {
	Changes    []DataChange `json:"changes"`
	HasChanges bool         `json:"hasChanges"`
}

// DataVersion is an immutable snapshot marker an external caller can later
// diff against.
type DataVersion struct {
	ID          string             `json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	Kind        Kind               `json:"kind"`
	AffectedIDs []storage.RecordID `json:"affectedIds"`
	Checksum    string             `json:"checksum"`
}

// Fingerprinter is the slice of the fingerprint generator the tracker needs.
type Fingerprinter interface {
	Create() (string, error)
	Invalidate()
}
