package storage

import (
	"sync"
	"time"
)

// MemoryEngine provides in-memory storage for testing and small datasets.
//
// All data is lost when the process exits. Adjacency indexes are maintained
// on write so OutgoingRelationships/IncomingRelationships are O(degree)
// rather than O(relationships).
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.CreateRecord(&storage.Record{ID: "r1"})
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type MemoryEngine struct {
	mu sync.RWMutex

	records       map[RecordID]*Record
	relationships map[RelationshipID]*Relationship

	// Adjacency indexes: record -> relationship IDs
	outgoing map[RecordID]map[RelationshipID]struct{}
	incoming map[RecordID]map[RelationshipID]struct{}

	// Layout bucket (LayoutStore)
	layouts map[string]layoutEnvelope

	closed bool
}

// NewMemoryEngine creates an empty in-memory storage engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		records:       make(map[RecordID]*Record),
		relationships: make(map[RelationshipID]*Relationship),
		outgoing:      make(map[RecordID]map[RelationshipID]struct{}),
		incoming:      make(map[RecordID]map[RelationshipID]struct{}),
		layouts:       make(map[string]layoutEnvelope),
	}
}

// CreateRecord stores a new record. Fails with ErrAlreadyExists if the ID is taken.
func (m *MemoryEngine) CreateRecord(rec *Record) error {
	if rec == nil {
		return ErrInvalidData
	}
	if rec.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.records[rec.ID]; exists {
		return ErrAlreadyExists
	}

	m.records[rec.ID] = copyRecord(rec)
	return nil
}

// GetRecord retrieves a record by ID.
func (m *MemoryEngine) GetRecord(id RecordID) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// UpdateRecord replaces an existing record.
func (m *MemoryEngine) UpdateRecord(rec *Record) error {
	if rec == nil {
		return ErrInvalidData
	}
	if rec.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.records[rec.ID]; !exists {
		return ErrNotFound
	}

	m.records[rec.ID] = copyRecord(rec)
	return nil
}

// DeleteRecord removes a record and every relationship incident to it.
func (m *MemoryEngine) DeleteRecord(id RecordID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.records[id]; !exists {
		return ErrNotFound
	}

	for relID := range m.outgoing[id] {
		m.removeRelationshipLocked(relID)
	}
	for relID := range m.incoming[id] {
		m.removeRelationshipLocked(relID)
	}

	delete(m.records, id)
	delete(m.outgoing, id)
	delete(m.incoming, id)
	return nil
}

// CreateRelationship stores a new relationship and indexes it.
func (m *MemoryEngine) CreateRelationship(rel *Relationship) error {
	if rel == nil {
		return ErrInvalidData
	}
	if rel.ID == "" || rel.SourceID == "" || rel.TargetID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.relationships[rel.ID]; exists {
		return ErrAlreadyExists
	}

	cp := *rel
	m.relationships[rel.ID] = &cp
	m.indexRelationshipLocked(&cp)
	return nil
}

// GetRelationship retrieves a relationship by ID.
func (m *MemoryEngine) GetRelationship(id RelationshipID) (*Relationship, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	rel, ok := m.relationships[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rel
	return &cp, nil
}

// UpdateRelationship replaces an existing relationship, reindexing if the
// endpoints moved.
func (m *MemoryEngine) UpdateRelationship(rel *Relationship) error {
	if rel == nil {
		return ErrInvalidData
	}
	if rel.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	old, exists := m.relationships[rel.ID]
	if !exists {
		return ErrNotFound
	}

	m.unindexRelationshipLocked(old)
	cp := *rel
	m.relationships[rel.ID] = &cp
	m.indexRelationshipLocked(&cp)
	return nil
}

// DeleteRelationship removes a relationship.
func (m *MemoryEngine) DeleteRelationship(id RelationshipID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.relationships[id]; !exists {
		return ErrNotFound
	}
	m.removeRelationshipLocked(id)
	return nil
}

// AllRecords returns every record.
func (m *MemoryEngine) AllRecords() ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

// AllRelationships returns every relationship.
func (m *MemoryEngine) AllRelationships() ([]*Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Relationship, 0, len(m.relationships))
	for _, rel := range m.relationships {
		cp := *rel
		out = append(out, &cp)
	}
	return out, nil
}

// OutgoingRelationships returns relationships whose source is the given record.
func (m *MemoryEngine) OutgoingRelationships(id RecordID) ([]*Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Relationship, 0, len(m.outgoing[id]))
	for relID := range m.outgoing[id] {
		if rel, ok := m.relationships[relID]; ok {
			cp := *rel
			out = append(out, &cp)
		}
	}
	return out, nil
}

// IncomingRelationships returns relationships whose target is the given record.
func (m *MemoryEngine) IncomingRelationships(id RecordID) ([]*Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Relationship, 0, len(m.incoming[id]))
	for relID := range m.incoming[id] {
		if rel, ok := m.relationships[relID]; ok {
			cp := *rel
			out = append(out, &cp)
		}
	}
	return out, nil
}

// BulkCreateRecords stores records, skipping IDs that already exist.
func (m *MemoryEngine) BulkCreateRecords(recs []*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	for _, rec := range recs {
		if rec == nil || rec.ID == "" {
			continue
		}
		if _, exists := m.records[rec.ID]; exists {
			continue
		}
		m.records[rec.ID] = copyRecord(rec)
	}
	return nil
}

// BulkCreateRelationships stores relationships, skipping IDs that already exist.
func (m *MemoryEngine) BulkCreateRelationships(rels []*Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	for _, rel := range rels {
		if rel == nil || rel.ID == "" {
			continue
		}
		if _, exists := m.relationships[rel.ID]; exists {
			continue
		}
		cp := *rel
		m.relationships[rel.ID] = &cp
		m.indexRelationshipLocked(&cp)
	}
	return nil
}

// RecordCount returns the number of records.
func (m *MemoryEngine) RecordCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.records)), nil
}

// RelationshipCount returns the number of relationships.
func (m *MemoryEngine) RelationshipCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.relationships)), nil
}

// Close marks the engine closed. Further operations fail with ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// =============================================================================
// LayoutStore implementation
// =============================================================================

// PutLayout stores serialized layout data under a fingerprint.
func (m *MemoryEngine) PutLayout(fingerprint string, data []byte) error {
	if fingerprint == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.layouts[fingerprint] = layoutEnvelope{StoredAt: time.Now(), Data: cp}
	return nil
}

// GetLayout returns stored layout data for a fingerprint.
func (m *MemoryEngine) GetLayout(fingerprint string) ([]byte, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, time.Time{}, ErrStorageClosed
	}
	env, ok := m.layouts[fingerprint]
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	cp := make([]byte, len(env.Data))
	copy(cp, env.Data)
	return cp, env.StoredAt, nil
}

// DeleteLayout removes one stored layout.
func (m *MemoryEngine) DeleteLayout(fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	delete(m.layouts, fingerprint)
	return nil
}

// ClearLayouts removes every stored layout.
func (m *MemoryEngine) ClearLayouts() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	m.layouts = make(map[string]layoutEnvelope)
	return nil
}

// EachLayout iterates over stored layout fingerprints.
func (m *MemoryEngine) EachLayout(fn func(fingerprint string, storedAt time.Time) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrStorageClosed
	}
	for fp, env := range m.layouts {
		if err := fn(fp, env.StoredAt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Internal helpers
// =============================================================================

// indexRelationshipLocked adds a relationship to the adjacency indexes.
// Caller must hold the lock.
func (m *MemoryEngine) indexRelationshipLocked(rel *Relationship) {
	if m.outgoing[rel.SourceID] == nil {
		m.outgoing[rel.SourceID] = make(map[RelationshipID]struct{})
	}
	m.outgoing[rel.SourceID][rel.ID] = struct{}{}

	if m.incoming[rel.TargetID] == nil {
		m.incoming[rel.TargetID] = make(map[RelationshipID]struct{})
	}
	m.incoming[rel.TargetID][rel.ID] = struct{}{}
}

// unindexRelationshipLocked removes a relationship from the adjacency indexes.
// Caller must hold the lock.
func (m *MemoryEngine) unindexRelationshipLocked(rel *Relationship) {
	if set := m.outgoing[rel.SourceID]; set != nil {
		delete(set, rel.ID)
	}
	if set := m.incoming[rel.TargetID]; set != nil {
		delete(set, rel.ID)
	}
}

// removeRelationshipLocked deletes a relationship and its index entries.
// Caller must hold the lock.
func (m *MemoryEngine) removeRelationshipLocked(id RelationshipID) {
	rel, ok := m.relationships[id]
	if !ok {
		return
	}
	m.unindexRelationshipLocked(rel)
	delete(m.relationships, id)
}

// copyRecord returns an independent copy of a record.
func copyRecord(rec *Record) *Record {
	cp := *rec
	if rec.Tags != nil {
		cp.Tags = make([]string, len(rec.Tags))
		copy(cp.Tags, rec.Tags)
	}
	return &cp
}
