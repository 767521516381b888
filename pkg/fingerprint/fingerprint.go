// Package fingerprint computes deterministic content digests over the record
// and relationship sets.
//
// A fingerprint summarizes the full logical state of the data: equal state
// produces an equal fingerprint, and mutating any tracked field of any single
// record or relationship changes it. Fingerprints key the layout cache, so
// determinism is what makes cached layouts safe to reuse.
//
// Results are memoized for a short window to absorb recomputation storms when
// many callers ask in quick succession; the memo is dropped the instant any
// change is tracked.
//
// Usage:
//
//	gen := fingerprint.NewGenerator(engine, fingerprint.DefaultMemoTTL)
//
//	fp, err := gen.Create()
//	if err != nil {
//		return err
//	}
//
//	// After any data mutation:
//	gen.Invalidate()
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/mindgraph/pkg/storage"
)

// DefaultMemoTTL is how long a computed fingerprint stays memoized.
const DefaultMemoTTL = 60 * time.Second

// Generator computes and memoizes data fingerprints.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type Generator struct {
	engine storage.Engine

	mu         sync.Mutex
	memo       string
	memoAt     time.Time
	memoTTL    time.Duration
	computedAt func() time.Time // test injection point for the clock
}

// NewGenerator creates a fingerprint generator over the given engine.
//
// memoTTL of 0 disables memoization entirely (every call recomputes).
func NewGenerator(engine storage.Engine, memoTTL time.Duration) *Generator {
	return &Generator{
		engine:     engine,
		memoTTL:    memoTTL,
		computedAt: time.Now,
	}
}

// Create computes the fingerprint of the current record/relationship state.
//
// The digest covers, per record: id, timestamp, last-analysis timestamp, a
// hash of the extracted text and a hash of the tag set; per relationship:
// id, endpoints, type, confidence and timestamp; plus a metadata component
// (record count, relationship count, latest modification time). Components
// are concatenated in a stable sorted order and hashed with BLAKE2b-256.
//
// A memoized value within the TTL window is returned without touching
// storage. Errors from the backing store propagate; nothing is cached on
// error.
func (g *Generator) Create() (string, error) {
	g.mu.Lock()
	if g.memo != "" && g.memoTTL > 0 && g.computedAt().Sub(g.memoAt) < g.memoTTL {
		fp := g.memo
		g.mu.Unlock()
		return fp, nil
	}
	g.mu.Unlock()

	fp, err := g.compute()
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.memo = fp
	g.memoAt = g.computedAt()
	g.mu.Unlock()

	return fp, nil
}

// Invalidate drops the memoized fingerprint. Call after any tracked change.
func (g *Generator) Invalidate() {
	g.mu.Lock()
	g.memo = ""
	g.memoAt = time.Time{}
	g.mu.Unlock()
}

// compute gathers component strings and hashes them. Runs without the lock
// so a slow store never blocks Invalidate callers.
func (g *Generator) compute() (string, error) {
	recs, err := g.engine.AllRecords()
	if err != nil {
		return "", fmt.Errorf("fingerprint: failed to load records: %w", err)
	}
	rels, err := g.engine.AllRelationships()
	if err != nil {
		return "", fmt.Errorf("fingerprint: failed to load relationships: %w", err)
	}

	components := make([]string, 0, len(recs)+len(rels)+1)

	var lastModified time.Time
	for _, rec := range recs {
		if rec.Timestamp.After(lastModified) {
			lastModified = rec.Timestamp
		}
		components = append(components, recordComponent(rec))
	}
	for _, rel := range rels {
		if rel.Timestamp.After(lastModified) {
			lastModified = rel.Timestamp
		}
		components = append(components, relationshipComponent(rel))
	}

	// Map iteration order must not leak into the digest.
	sort.Strings(components)

	components = append(components, fmt.Sprintf("meta|%d|%d|%d",
		len(recs), len(rels), lastModified.UnixNano()))

	sum := blake2b.Sum256([]byte(strings.Join(components, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

func recordComponent(rec *storage.Record) string {
	tags := make([]string, len(rec.Tags))
	copy(tags, rec.Tags)
	sort.Strings(tags)

	textSum := blake2b.Sum256([]byte(rec.ExtractedText))
	tagSum := blake2b.Sum256([]byte(strings.Join(tags, ",")))

	return fmt.Sprintf("rec|%s|%d|%d|%s|%s",
		rec.ID,
		rec.Timestamp.UnixNano(),
		rec.LastAnalyzedAt.UnixNano(),
		hex.EncodeToString(textSum[:8]),
		hex.EncodeToString(tagSum[:8]))
}

func relationshipComponent(rel *storage.Relationship) string {
	return fmt.Sprintf("rel|%s|%s|%s|%s|%.6f|%d",
		rel.ID,
		rel.SourceID,
		rel.TargetID,
		rel.Type,
		rel.Confidence,
		rel.Timestamp.UnixNano())
}
