// BadgerEngine provides persistent disk-based storage using BadgerDB.
// It implements both the Engine interface and the LayoutStore contract.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes keep keys compact and scans cheap.
const (
	prefixRecord        = byte(0x01) // record:recordID -> JSON(Record)
	prefixRelationship  = byte(0x02) // rel:relID -> JSON(Relationship)
	prefixOutgoingIndex = byte(0x03) // outgoing:recordID:relID -> []byte{}
	prefixIncomingIndex = byte(0x04) // incoming:recordID:relID -> []byte{}
	prefixLayout        = byte(0x05) // layout:fingerprint -> JSON(layoutEnvelope)
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - ACID transactions for all operations
//   - Secondary adjacency indexes for O(degree) traversal
//   - Layout key-value bucket shared with the cache's persistent tier
//   - Thread-safe concurrent access
//   - Automatic crash recovery
//
// Key Structure:
//   - Records: 0x01 + recordID -> JSON(Record)
//   - Relationships: 0x02 + relID -> JSON(Relationship)
//   - Outgoing Index: 0x03 + recordID + 0x00 + relID -> empty
//   - Incoming Index: 0x04 + recordID + 0x00 + relID -> empty
//   - Layouts: 0x05 + fingerprint -> JSON(envelope)
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // Protects closed
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB's internal logging is silenced.
	Logger badger.Logger
}

// NewBadgerEngine creates a persistent storage engine with default settings.
//
// Data is stored in the given directory and persists across restarts.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/mindgraph")
//	if err != nil {
//		return fmt.Errorf("failed to open database: %w", err)
//	}
//	defer engine.Close()
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
//
// Example - in-memory database for testing:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		InMemory: true,
//	})
//	defer engine.Close()
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	badgerOpts.InMemory = opts.InMemory
	badgerOpts.SyncWrites = opts.SyncWrites
	if opts.InMemory {
		badgerOpts.Dir = ""
		badgerOpts.ValueDir = ""
	}
	if opts.Logger != nil {
		badgerOpts.Logger = opts.Logger
	} else {
		badgerOpts.Logger = nil
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

// =============================================================================
// Key construction
// =============================================================================

func recordKey(id RecordID) []byte {
	return append([]byte{prefixRecord}, id...)
}

func relationshipKey(id RelationshipID) []byte {
	return append([]byte{prefixRelationship}, id...)
}

func outgoingIndexKey(recID RecordID, relID RelationshipID) []byte {
	key := append([]byte{prefixOutgoingIndex}, recID...)
	key = append(key, 0x00)
	return append(key, relID...)
}

func incomingIndexKey(recID RecordID, relID RelationshipID) []byte {
	key := append([]byte{prefixIncomingIndex}, recID...)
	key = append(key, 0x00)
	return append(key, relID...)
}

func layoutKey(fingerprint string) []byte {
	return append([]byte{prefixLayout}, fingerprint...)
}

// relIDFromIndexKey extracts the relationship ID from an adjacency index key.
func relIDFromIndexKey(key []byte, prefixLen int) (RelationshipID, bool) {
	rest := key[prefixLen:]
	sep := bytes.IndexByte(rest, 0x00)
	if sep < 0 {
		return "", false
	}
	return RelationshipID(rest[sep+1:]), true
}

// =============================================================================
// Record operations
// =============================================================================

// CreateRecord stores a new record.
func (b *BadgerEngine) CreateRecord(rec *Record) error {
	if rec == nil {
		return ErrInvalidData
	}
	if rec.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := recordKey(rec.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		return txn.Set(key, data)
	})
}

// GetRecord retrieves a record by ID.
func (b *BadgerEngine) GetRecord(id RecordID) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var rec *Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeRecord(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateRecord replaces an existing record.
func (b *BadgerEngine) UpdateRecord(rec *Record) error {
	if rec == nil {
		return ErrInvalidData
	}
	if rec.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := recordKey(rec.ID)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		data, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		return txn.Set(key, data)
	})
}

// DeleteRecord removes a record and every relationship incident to it.
func (b *BadgerEngine) DeleteRecord(id RecordID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := recordKey(id)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		// Drop incident relationships via both adjacency directions.
		for _, prefix := range [][]byte{
			append([]byte{prefixOutgoingIndex}, append([]byte(id), 0x00)...),
			append([]byte{prefixIncomingIndex}, append([]byte(id), 0x00)...),
		} {
			relIDs, err := collectIndexedRelIDs(txn, prefix)
			if err != nil {
				return err
			}
			for _, relID := range relIDs {
				if err := deleteRelationshipInTxn(txn, relID); err != nil && err != ErrNotFound {
					return err
				}
			}
		}

		return txn.Delete(key)
	})
}

// collectIndexedRelIDs scans an adjacency prefix and returns the relationship
// IDs it indexes. Collected first because Badger iterators must not outlive
// writes in the same transaction over the same prefix.
func collectIndexedRelIDs(txn *badger.Txn, prefix []byte) ([]RelationshipID, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var relIDs []RelationshipID
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if relID, ok := relIDFromIndexKey(key, 1); ok {
			relIDs = append(relIDs, relID)
		}
	}
	return relIDs, nil
}

// =============================================================================
// Relationship operations
// =============================================================================

// CreateRelationship stores a new relationship and its adjacency index entries.
func (b *BadgerEngine) CreateRelationship(rel *Relationship) error {
	if rel == nil {
		return ErrInvalidData
	}
	if rel.ID == "" || rel.SourceID == "" || rel.TargetID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := relationshipKey(rel.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := encodeRelationship(rel)
		if err != nil {
			return fmt.Errorf("failed to encode relationship: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(outgoingIndexKey(rel.SourceID, rel.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(incomingIndexKey(rel.TargetID, rel.ID), []byte{})
	})
}

// GetRelationship retrieves a relationship by ID.
func (b *BadgerEngine) GetRelationship(id RelationshipID) (*Relationship, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var rel *Relationship
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(relationshipKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rel, err = decodeRelationship(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// UpdateRelationship replaces an existing relationship, rebuilding its
// adjacency index entries if the endpoints moved.
func (b *BadgerEngine) UpdateRelationship(rel *Relationship) error {
	if rel == nil {
		return ErrInvalidData
	}
	if rel.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := relationshipKey(rel.ID)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var old *Relationship
		if err := item.Value(func(val []byte) error {
			old, err = decodeRelationship(val)
			return err
		}); err != nil {
			return err
		}

		if old.SourceID != rel.SourceID || old.TargetID != rel.TargetID {
			if err := txn.Delete(outgoingIndexKey(old.SourceID, old.ID)); err != nil {
				return err
			}
			if err := txn.Delete(incomingIndexKey(old.TargetID, old.ID)); err != nil {
				return err
			}
			if err := txn.Set(outgoingIndexKey(rel.SourceID, rel.ID), []byte{}); err != nil {
				return err
			}
			if err := txn.Set(incomingIndexKey(rel.TargetID, rel.ID), []byte{}); err != nil {
				return err
			}
		}

		data, err := encodeRelationship(rel)
		if err != nil {
			return fmt.Errorf("failed to encode relationship: %w", err)
		}
		return txn.Set(key, data)
	})
}

// DeleteRelationship removes a relationship.
func (b *BadgerEngine) DeleteRelationship(id RelationshipID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return deleteRelationshipInTxn(txn, id)
	})
}

// deleteRelationshipInTxn deletes a relationship and its index entries inside
// an existing transaction.
func deleteRelationshipInTxn(txn *badger.Txn, id RelationshipID) error {
	key := relationshipKey(id)
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var rel *Relationship
	if err := item.Value(func(val []byte) error {
		rel, err = decodeRelationship(val)
		return err
	}); err != nil {
		return err
	}

	if err := txn.Delete(outgoingIndexKey(rel.SourceID, rel.ID)); err != nil {
		return err
	}
	if err := txn.Delete(incomingIndexKey(rel.TargetID, rel.ID)); err != nil {
		return err
	}
	return txn.Delete(key)
}

// =============================================================================
// Query operations
// =============================================================================

// AllRecords returns every record.
func (b *BadgerEngine) AllRecords() ([]*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var recs []*Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixRecord}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// AllRelationships returns every relationship.
func (b *BadgerEngine) AllRelationships() ([]*Relationship, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var rels []*Relationship
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixRelationship}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rel, err := decodeRelationship(val)
				if err != nil {
					return err
				}
				rels = append(rels, rel)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

// OutgoingRelationships returns relationships whose source is the given record.
func (b *BadgerEngine) OutgoingRelationships(id RecordID) ([]*Relationship, error) {
	return b.adjacentRelationships(id, prefixOutgoingIndex)
}

// IncomingRelationships returns relationships whose target is the given record.
func (b *BadgerEngine) IncomingRelationships(id RecordID) ([]*Relationship, error) {
	return b.adjacentRelationships(id, prefixIncomingIndex)
}

func (b *BadgerEngine) adjacentRelationships(id RecordID, indexPrefix byte) ([]*Relationship, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var rels []*Relationship
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := append([]byte{indexPrefix}, append([]byte(id), 0x00)...)
		relIDs, err := collectIndexedRelIDs(txn, prefix)
		if err != nil {
			return err
		}

		for _, relID := range relIDs {
			item, err := txn.Get(relationshipKey(relID))
			if err == badger.ErrKeyNotFound {
				continue // stale index entry
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				rel, err := decodeRelationship(val)
				if err != nil {
					return err
				}
				rels = append(rels, rel)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

// =============================================================================
// Bulk operations
// =============================================================================

// existingKeys checks which of the yielded keys are already present, so bulk
// creates can skip them instead of overwriting. WriteBatch cannot read, so
// the check runs in a separate view transaction first.
func (b *BadgerEngine) existingKeys(sizeHint int, keys func(yield func([]byte))) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, sizeHint)
	err := b.db.View(func(txn *badger.Txn) error {
		var lookupErr error
		keys(func(key []byte) {
			if lookupErr != nil {
				return
			}
			switch _, err := txn.Get(key); err {
			case nil:
				existing[string(key)] = struct{}{}
			case badger.ErrKeyNotFound:
			default:
				lookupErr = err
			}
		})
		return lookupErr
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// BulkCreateRecords stores records in batched write transactions, skipping
// IDs that already exist.
func (b *BadgerEngine) BulkCreateRecords(recs []*Record) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	existing, err := b.existingKeys(len(recs), func(yield func([]byte)) {
		for _, rec := range recs {
			if rec != nil && rec.ID != "" {
				yield(recordKey(rec.ID))
			}
		}
	})
	if err != nil {
		return err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, rec := range recs {
		if rec == nil || rec.ID == "" {
			continue
		}
		if _, dup := existing[string(recordKey(rec.ID))]; dup {
			continue
		}
		data, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
		if err := wb.Set(recordKey(rec.ID), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// BulkCreateRelationships stores relationships and index entries in batched
// write transactions, skipping IDs that already exist.
func (b *BadgerEngine) BulkCreateRelationships(rels []*Relationship) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	existing, err := b.existingKeys(len(rels), func(yield func([]byte)) {
		for _, rel := range rels {
			if rel != nil && rel.ID != "" {
				yield(relationshipKey(rel.ID))
			}
		}
	})
	if err != nil {
		return err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, rel := range rels {
		if rel == nil || rel.ID == "" {
			continue
		}
		if _, dup := existing[string(relationshipKey(rel.ID))]; dup {
			continue
		}
		data, err := encodeRelationship(rel)
		if err != nil {
			return fmt.Errorf("failed to encode relationship %s: %w", rel.ID, err)
		}
		if err := wb.Set(relationshipKey(rel.ID), data); err != nil {
			return err
		}
		if err := wb.Set(outgoingIndexKey(rel.SourceID, rel.ID), []byte{}); err != nil {
			return err
		}
		if err := wb.Set(incomingIndexKey(rel.TargetID, rel.ID), []byte{}); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// =============================================================================
// Stats
// =============================================================================

// RecordCount returns the number of records.
func (b *BadgerEngine) RecordCount() (int64, error) {
	return b.countPrefix(prefixRecord)
}

// RelationshipCount returns the number of relationships.
func (b *BadgerEngine) RelationshipCount() (int64, error) {
	return b.countPrefix(prefixRelationship)
}

func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefix}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// =============================================================================
// LayoutStore implementation
// =============================================================================

// PutLayout stores serialized layout data under a fingerprint.
func (b *BadgerEngine) PutLayout(fingerprint string, data []byte) error {
	if fingerprint == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	env := layoutEnvelope{StoredAt: time.Now(), Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode layout envelope: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(layoutKey(fingerprint), raw)
	})
}

// GetLayout returns stored layout data for a fingerprint.
func (b *BadgerEngine) GetLayout(fingerprint string) ([]byte, time.Time, error) {
	if err := b.checkOpen(); err != nil {
		return nil, time.Time{}, err
	}

	var env layoutEnvelope
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(layoutKey(fingerprint))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return env.Data, env.StoredAt, nil
}

// DeleteLayout removes one stored layout.
func (b *BadgerEngine) DeleteLayout(fingerprint string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(layoutKey(fingerprint))
	})
}

// ClearLayouts removes every stored layout.
func (b *BadgerEngine) ClearLayouts() error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixLayout}

		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// EachLayout iterates over stored layout fingerprints.
func (b *BadgerEngine) EachLayout(fn func(fingerprint string, storedAt time.Time) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixLayout}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			fp := string(item.KeyCopy(nil)[1:])

			var env layoutEnvelope
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				return err
			}
			if err := fn(fp, env.StoredAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Lifecycle and maintenance
// =============================================================================

// Close flushes and closes the underlying database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Sync flushes pending writes to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs one round of BadgerDB value-log garbage collection.
// Returns badger.ErrNoRewrite when there was nothing to collect.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.RunValueLogGC(0.5)
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}
