package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mindgraph/pkg/storage"
)

func seededEngine(t *testing.T) *storage.MemoryEngine {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, engine.CreateRecord(&storage.Record{
			ID:             storage.RecordID(id),
			Timestamp:      base,
			ExtractedText:  "text " + id,
			Tags:           []string{"tag1", "tag2"},
			LastAnalyzedAt: base,
		}))
	}
	require.NoError(t, engine.CreateRelationship(&storage.Relationship{
		ID: "ab", SourceID: "a", TargetID: "b", Type: "RELATED",
		Confidence: 0.8, Timestamp: base,
	}))
	return engine
}

func TestGenerator_Determinism(t *testing.T) {
	engine := seededEngine(t)
	gen := NewGenerator(engine, 0) // no memo so both calls recompute

	fp1, err := gen.Create()
	require.NoError(t, err)
	fp2, err := gen.Create()
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64) // hex-encoded 256-bit digest
}

func TestGenerator_Sensitivity(t *testing.T) {
	mutations := map[string]func(rec *storage.Record){
		"timestamp":     func(rec *storage.Record) { rec.Timestamp = rec.Timestamp.Add(time.Second) },
		"text":          func(rec *storage.Record) { rec.ExtractedText += "!" },
		"tags":          func(rec *storage.Record) { rec.Tags = append(rec.Tags, "tag3") },
		"last analyzed": func(rec *storage.Record) { rec.LastAnalyzedAt = rec.LastAnalyzedAt.Add(time.Minute) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			engine := seededEngine(t)
			gen := NewGenerator(engine, 0)

			before, err := gen.Create()
			require.NoError(t, err)

			rec, err := engine.GetRecord("b")
			require.NoError(t, err)
			mutate(rec)
			require.NoError(t, engine.UpdateRecord(rec))

			after, err := gen.Create()
			require.NoError(t, err)
			assert.NotEqual(t, before, after)
		})
	}
}

func TestGenerator_RelationshipSensitivity(t *testing.T) {
	engine := seededEngine(t)
	gen := NewGenerator(engine, 0)

	before, err := gen.Create()
	require.NoError(t, err)

	require.NoError(t, engine.CreateRelationship(&storage.Relationship{
		ID: "bc", SourceID: "b", TargetID: "c", Type: "RELATED",
		Confidence: 0.5, Timestamp: time.Now(),
	}))

	after, err := gen.Create()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestGenerator_TagOrderInsensitive(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	build := func(tags []string) string {
		engine := storage.NewMemoryEngine()
		defer engine.Close()
		require.NoError(t, engine.CreateRecord(&storage.Record{
			ID: "r", Timestamp: base, Tags: tags, LastAnalyzedAt: base,
		}))
		fp, err := NewGenerator(engine, 0).Create()
		require.NoError(t, err)
		return fp
	}

	// The tag *set* is fingerprinted, not its ordering.
	assert.Equal(t, build([]string{"x", "y"}), build([]string{"y", "x"}))
}

func TestGenerator_Memoization(t *testing.T) {
	engine := seededEngine(t)
	gen := NewGenerator(engine, time.Minute)

	fp1, err := gen.Create()
	require.NoError(t, err)

	// Mutate behind the memo: Create must still return the memoized value.
	rec, err := engine.GetRecord("a")
	require.NoError(t, err)
	rec.ExtractedText = "changed"
	require.NoError(t, engine.UpdateRecord(rec))

	fp2, err := gen.Create()
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2, "memoized fingerprint expected within TTL")

	// Invalidate drops the memo and picks up the mutation.
	gen.Invalidate()
	fp3, err := gen.Create()
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestGenerator_MemoExpiry(t *testing.T) {
	engine := seededEngine(t)
	gen := NewGenerator(engine, 50*time.Millisecond)

	now := time.Now()
	gen.computedAt = func() time.Time { return now }

	fp1, err := gen.Create()
	require.NoError(t, err)

	rec, err := engine.GetRecord("a")
	require.NoError(t, err)
	rec.ExtractedText = "changed"
	require.NoError(t, engine.UpdateRecord(rec))

	// Advance the injected clock past the TTL.
	now = now.Add(time.Second)

	fp2, err := gen.Create()
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestGenerator_EmptyStore(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	fp, err := NewGenerator(engine, 0).Create()
	require.NoError(t, err)
	assert.NotEmpty(t, fp)
}
