// Package storage provides the storage engine interface and implementations
// for mindgraph.
//
// The storage layer holds the source-of-truth record and relationship sets
// that the mind-map layout engine derives its view from. Producers (OCR,
// tagging, import) write records and relationships here; the layout engine
// only ever reads them, plus a small key-value bucket it owns for persisted
// layouts.
//
// Design Principles:
//   - Testability through dependency injection
//   - Thread-safe implementations
//   - The layout cache is a derived artifact: records and relationships are
//     never dropped by this subsystem, only cached layouts are best-effort
//
// Example Usage:
//
//	// Create storage engine
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	// Create a record
//	rec := &storage.Record{
//		ID:            storage.RecordID("shot-123"),
//		Timestamp:     time.Now(),
//		ExtractedText: "Meeting notes 2025-03-01",
//		Tags:          []string{"work", "notes"},
//	}
//	engine.CreateRecord(rec)
//
//	// Link two records
//	rel := &storage.Relationship{
//		ID:       storage.RelationshipID("rel-1"),
//		SourceID: storage.RecordID("shot-123"),
//		TargetID: storage.RecordID("shot-456"),
//		Type:     "SIMILAR_CONTENT",
//	}
//	engine.CreateRelationship(rel)
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorageClosed = errors.New("storage closed")
)

// RecordID is a strongly-typed unique identifier for records.
//
// Using a custom type provides:
//   - Type safety (can't accidentally use RelationshipID where RecordID is expected)
//   - Clear API semantics
//
// Example:
//
//	id := storage.RecordID("shot-123")
//	rec, err := engine.GetRecord(id)
type RecordID string

// RelationshipID is a strongly-typed unique identifier for relationships.
type RelationshipID string

// Record represents one screenshot record as seen by the layout engine.
//
// Records are produced elsewhere (import, OCR, tagging); this subsystem reads
// them to fingerprint the data set and to lay out the mind map. The fields
// here are exactly the ones the fingerprint generator tracks — mutating any
// of them changes the data fingerprint.
//
// Fields:
//   - ID: Unique identifier (must be unique across all records)
//   - Timestamp: When the record was captured/last modified
//   - ExtractedText: OCR output for the screenshot
//   - Tags: Semantic tags assigned by the tagging producer
//   - LastAnalyzedAt: When AI analysis last ran over this record
//
// Thread Safety:
//
//	Record structs are NOT thread-safe. The storage engine handles concurrency.
type Record struct {
	ID             RecordID  `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ExtractedText  string    `json:"extractedText"`
	Tags           []string  `json:"tags"`
	LastAnalyzedAt time.Time `json:"lastAnalyzedAt"`
}

// Relationship represents a directed typed connection between two records.
//
// Relationships are mostly auto-generated by the analysis pipeline (similar
// content, same app, temporal proximity); Confidence carries how certain the
// producer was. They drive both the mind-map connection list and the
// neighborhood traversal used to compute affected-node sets.
type Relationship struct {
	ID         RelationshipID `json:"id"`
	SourceID   RecordID       `json:"sourceId"`
	TargetID   RecordID       `json:"targetId"`
	Type       string         `json:"type"`
	Confidence float64        `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Engine defines the storage engine interface for record and relationship
// access.
//
// All Engine implementations MUST be:
//   - Thread-safe: Safe for concurrent access from multiple goroutines
//   - Atomic within the scope of a single operation
//
// Implementations:
//   - MemoryEngine: In-memory storage for testing and small datasets
//   - BadgerEngine: Persistent disk storage backed by BadgerDB
//
// Example Usage:
//
//	var engine storage.Engine
//	engine = storage.NewMemoryEngine()
//	defer engine.Close()
//
//	recs, _ := engine.AllRecords()
//	fmt.Printf("%d records\n", len(recs))
type Engine interface {
	// Record operations
	CreateRecord(rec *Record) error
	GetRecord(id RecordID) (*Record, error)
	UpdateRecord(rec *Record) error
	DeleteRecord(id RecordID) error

	// Relationship operations
	CreateRelationship(rel *Relationship) error
	GetRelationship(id RelationshipID) (*Relationship, error)
	UpdateRelationship(rel *Relationship) error
	DeleteRelationship(id RelationshipID) error

	// Query operations
	AllRecords() ([]*Record, error)
	AllRelationships() ([]*Relationship, error)
	OutgoingRelationships(id RecordID) ([]*Relationship, error)
	IncomingRelationships(id RecordID) ([]*Relationship, error)

	// Bulk operations (for import)
	BulkCreateRecords(recs []*Record) error
	BulkCreateRelationships(rels []*Relationship) error

	// Stats
	RecordCount() (int64, error)
	RelationshipCount() (int64, error)

	// Lifecycle
	Close() error
}

// LayoutStore is the persistent tier contract for the layout cache.
//
// Keys are fingerprint strings; values are opaque serialized layouts owned
// by the cache layer. StoredAt timestamps allow the cache to apply its
// freshness TTL lazily on lookup.
//
// Both MemoryEngine and BadgerEngine implement LayoutStore, so the cache can
// share a store with the record data or run against a dedicated one.
type LayoutStore interface {
	// PutLayout stores serialized layout data under a fingerprint.
	// Overwrites any existing entry for the same fingerprint.
	PutLayout(fingerprint string, data []byte) error

	// GetLayout returns the data and storage time for a fingerprint.
	// Returns ErrNotFound if absent.
	GetLayout(fingerprint string) (data []byte, storedAt time.Time, err error)

	// DeleteLayout removes one entry. Missing entries are not an error.
	DeleteLayout(fingerprint string) error

	// ClearLayouts removes every stored layout.
	ClearLayouts() error

	// EachLayout calls fn for every stored fingerprint.
	// Return an error from fn to stop iteration early.
	EachLayout(fn func(fingerprint string, storedAt time.Time) error) error
}

// layoutEnvelope wraps persisted layout bytes with their storage time so the
// freshness TTL survives restarts.
type layoutEnvelope struct {
	StoredAt time.Time `json:"storedAt"`
	Data     []byte    `json:"data"`
}
