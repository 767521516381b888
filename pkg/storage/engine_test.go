package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engines returns one of each engine implementation for shared conformance tests.
func engines(t *testing.T) map[string]Engine {
	t.Helper()

	badgerEngine, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { badgerEngine.Close() })

	memEngine := NewMemoryEngine()
	t.Cleanup(func() { memEngine.Close() })

	return map[string]Engine{
		"memory": memEngine,
		"badger": badgerEngine,
	}
}

func testRecord(id string) *Record {
	return &Record{
		ID:             RecordID(id),
		Timestamp:      time.Now().Truncate(time.Second),
		ExtractedText:  "sample text for " + id,
		Tags:           []string{"work", "notes"},
		LastAnalyzedAt: time.Now().Truncate(time.Second),
	}
}

func TestEngine_RecordCRUD(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			rec := testRecord("r1")
			require.NoError(t, engine.CreateRecord(rec))

			// Duplicate create fails
			assert.ErrorIs(t, engine.CreateRecord(rec), ErrAlreadyExists)

			got, err := engine.GetRecord("r1")
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, rec.ExtractedText, got.ExtractedText)
			assert.Equal(t, rec.Tags, got.Tags)

			// Update
			got.ExtractedText = "updated"
			require.NoError(t, engine.UpdateRecord(got))
			got2, err := engine.GetRecord("r1")
			require.NoError(t, err)
			assert.Equal(t, "updated", got2.ExtractedText)

			// Delete
			require.NoError(t, engine.DeleteRecord("r1"))
			_, err = engine.GetRecord("r1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEngine_RecordValidation(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, engine.CreateRecord(nil), ErrInvalidData)
			assert.ErrorIs(t, engine.CreateRecord(&Record{}), ErrInvalidID)
			_, err := engine.GetRecord("")
			assert.ErrorIs(t, err, ErrInvalidID)
			assert.ErrorIs(t, engine.UpdateRecord(testRecord("missing")), ErrNotFound)
			assert.ErrorIs(t, engine.DeleteRecord("missing"), ErrNotFound)
		})
	}
}

func TestEngine_RelationshipCRUD(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, engine.CreateRecord(testRecord("a")))
			require.NoError(t, engine.CreateRecord(testRecord("b")))
			require.NoError(t, engine.CreateRecord(testRecord("c")))

			rel := &Relationship{
				ID:         "ab",
				SourceID:   "a",
				TargetID:   "b",
				Type:       "SIMILAR_CONTENT",
				Confidence: 0.9,
				Timestamp:  time.Now(),
			}
			require.NoError(t, engine.CreateRelationship(rel))
			assert.ErrorIs(t, engine.CreateRelationship(rel), ErrAlreadyExists)

			got, err := engine.GetRelationship("ab")
			require.NoError(t, err)
			assert.Equal(t, RecordID("a"), got.SourceID)
			assert.Equal(t, RecordID("b"), got.TargetID)
			assert.InDelta(t, 0.9, got.Confidence, 1e-9)

			// Adjacency
			out, err := engine.OutgoingRelationships("a")
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, RelationshipID("ab"), out[0].ID)

			in, err := engine.IncomingRelationships("b")
			require.NoError(t, err)
			require.Len(t, in, 1)

			// Rewire b -> c and verify indexes follow
			got.TargetID = "c"
			require.NoError(t, engine.UpdateRelationship(got))

			in, err = engine.IncomingRelationships("b")
			require.NoError(t, err)
			assert.Empty(t, in)

			in, err = engine.IncomingRelationships("c")
			require.NoError(t, err)
			require.Len(t, in, 1)

			// Delete
			require.NoError(t, engine.DeleteRelationship("ab"))
			_, err = engine.GetRelationship("ab")
			assert.ErrorIs(t, err, ErrNotFound)

			out, err = engine.OutgoingRelationships("a")
			require.NoError(t, err)
			assert.Empty(t, out)
		})
	}
}

func TestEngine_DeleteRecordCascades(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, engine.CreateRecord(testRecord("hub")))
			require.NoError(t, engine.CreateRecord(testRecord("leaf1")))
			require.NoError(t, engine.CreateRecord(testRecord("leaf2")))

			require.NoError(t, engine.CreateRelationship(&Relationship{
				ID: "out1", SourceID: "hub", TargetID: "leaf1", Type: "RELATED",
			}))
			require.NoError(t, engine.CreateRelationship(&Relationship{
				ID: "in1", SourceID: "leaf2", TargetID: "hub", Type: "RELATED",
			}))

			require.NoError(t, engine.DeleteRecord("hub"))

			_, err := engine.GetRelationship("out1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = engine.GetRelationship("in1")
			assert.ErrorIs(t, err, ErrNotFound)

			out, err := engine.OutgoingRelationships("leaf2")
			require.NoError(t, err)
			assert.Empty(t, out)
		})
	}
}

func TestEngine_BulkCreateAndCounts(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			recs := []*Record{testRecord("b1"), testRecord("b2"), testRecord("b3")}
			require.NoError(t, engine.BulkCreateRecords(recs))

			rels := []*Relationship{
				{ID: "b12", SourceID: "b1", TargetID: "b2", Type: "RELATED"},
				{ID: "b23", SourceID: "b2", TargetID: "b3", Type: "RELATED"},
			}
			require.NoError(t, engine.BulkCreateRelationships(rels))

			rc, err := engine.RecordCount()
			require.NoError(t, err)
			assert.Equal(t, int64(3), rc)

			relc, err := engine.RelationshipCount()
			require.NoError(t, err)
			assert.Equal(t, int64(2), relc)

			all, err := engine.AllRecords()
			require.NoError(t, err)
			assert.Len(t, all, 3)

			allRels, err := engine.AllRelationships()
			require.NoError(t, err)
			assert.Len(t, allRels, 2)
		})
	}
}

func TestEngine_BulkCreateSkipsExisting(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			orig := testRecord("dup")
			orig.ExtractedText = "original text"
			require.NoError(t, engine.CreateRecord(orig))

			origRel := &Relationship{ID: "dup-rel", SourceID: "dup", TargetID: "dup", Type: "RELATED", Confidence: 0.9}
			require.NoError(t, engine.CreateRelationship(origRel))

			// A re-import carrying already-known IDs must not clobber them.
			clash := testRecord("dup")
			clash.ExtractedText = "imported text"
			require.NoError(t, engine.BulkCreateRecords([]*Record{clash, testRecord("new")}))

			got, err := engine.GetRecord("dup")
			require.NoError(t, err)
			assert.Equal(t, "original text", got.ExtractedText)
			_, err = engine.GetRecord("new")
			assert.NoError(t, err)

			clashRel := &Relationship{ID: "dup-rel", SourceID: "new", TargetID: "dup", Type: "RELATED", Confidence: 0.1}
			require.NoError(t, engine.BulkCreateRelationships([]*Relationship{clashRel}))

			gotRel, err := engine.GetRelationship("dup-rel")
			require.NoError(t, err)
			assert.Equal(t, RecordID("dup"), gotRel.SourceID)
			assert.Equal(t, origRel.Confidence, gotRel.Confidence)
		})
	}
}

func TestEngine_ClosedErrors(t *testing.T) {
	engine := NewMemoryEngine()
	require.NoError(t, engine.Close())

	assert.ErrorIs(t, engine.CreateRecord(testRecord("x")), ErrStorageClosed)
	_, err := engine.AllRecords()
	assert.ErrorIs(t, err, ErrStorageClosed)
}

// =============================================================================
// LayoutStore conformance
// =============================================================================

func layoutStores(t *testing.T) map[string]LayoutStore {
	t.Helper()

	badgerEngine, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { badgerEngine.Close() })

	memEngine := NewMemoryEngine()
	t.Cleanup(func() { memEngine.Close() })

	return map[string]LayoutStore{
		"memory": memEngine,
		"badger": badgerEngine,
	}
}

func TestLayoutStore_RoundTrip(t *testing.T) {
	for name, store := range layoutStores(t) {
		t.Run(name, func(t *testing.T) {
			payload := []byte(`{"nodes":[]}`)
			require.NoError(t, store.PutLayout("fp-1", payload))

			data, storedAt, err := store.GetLayout("fp-1")
			require.NoError(t, err)
			assert.Equal(t, payload, data)
			assert.WithinDuration(t, time.Now(), storedAt, 5*time.Second)

			// Overwrite wins
			require.NoError(t, store.PutLayout("fp-1", []byte("v2")))
			data, _, err = store.GetLayout("fp-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), data)

			// Miss
			_, _, err = store.GetLayout("fp-absent")
			assert.ErrorIs(t, err, ErrNotFound)

			// Delete is idempotent
			require.NoError(t, store.DeleteLayout("fp-1"))
			require.NoError(t, store.DeleteLayout("fp-1"))
			_, _, err = store.GetLayout("fp-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLayoutStore_ClearAndIterate(t *testing.T) {
	for name, store := range layoutStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.PutLayout("fp-a", []byte("a")))
			require.NoError(t, store.PutLayout("fp-b", []byte("b")))

			seen := map[string]bool{}
			require.NoError(t, store.EachLayout(func(fp string, storedAt time.Time) error {
				seen[fp] = true
				return nil
			}))
			assert.True(t, seen["fp-a"])
			assert.True(t, seen["fp-b"])

			require.NoError(t, store.ClearLayouts())
			count := 0
			require.NoError(t, store.EachLayout(func(fp string, storedAt time.Time) error {
				count++
				return nil
			}))
			assert.Zero(t, count)
		})
	}
}
