package layout

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/orneryd/mindgraph/pkg/changes"
	"github.com/orneryd/mindgraph/pkg/storage"
)

// Cache is the slice of the layout cache the calculator needs.
// Implemented by pkg/cache.LayoutCache.
type Cache interface {
	Get(fingerprint string) (*CachedLayout, bool)
	Save(layout *CachedLayout, fingerprint string) error
	InvalidateAll() error
}

// FingerprintSource produces the current data fingerprint.
type FingerprintSource interface {
	Create() (string, error)
}

// CalculatorConfig tunes the layout algorithms.
type CalculatorConfig struct {
	// FullLayoutRadius is the radius of the initial circle for the full
	// force simulation (default: 300).
	FullLayoutRadius float64

	// Iterations is the number of force-simulation rounds for a full
	// layout (default: 60).
	Iterations int

	// JitterAmount bounds the random offset applied when placing a single
	// new node near the centroid (default: 40).
	JitterAmount float64

	// Seed seeds the jitter source. 0 means seed from the clock.
	Seed int64
}

// DefaultCalculatorConfig returns balanced defaults.
func DefaultCalculatorConfig() CalculatorConfig {
	return CalculatorConfig{
		FullLayoutRadius: 300,
		Iterations:       60,
		JitterAmount:     40,
	}
}

// Calculator recomputes layouts incrementally.
//
// For localized changes it applies a typed delta to a cached base layout;
// for bulk imports, or when no reusable base exists at all, it invalidates
// the cache and runs a full force-directed simulation over the corpus.
//
// Thread Safety:
//
//	Safe for concurrent use, though the background processor drives it
//	from a single goroutine so only one layout is ever in flight.
type Calculator struct {
	engine       storage.Engine
	cache        Cache
	fingerprints FingerprintSource
	config       CalculatorConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewCalculator creates a layout calculator.
func NewCalculator(engine storage.Engine, cache Cache, fingerprints FingerprintSource, config CalculatorConfig) *Calculator {
	if config.FullLayoutRadius <= 0 {
		config.FullLayoutRadius = 300
	}
	if config.Iterations <= 0 {
		config.Iterations = 60
	}
	if config.JitterAmount <= 0 {
		config.JitterAmount = 40
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Calculator{
		engine:       engine,
		cache:        cache,
		fingerprints: fingerprints,
		config:       config,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// Apply recomputes the layout for one change and persists it under the
// fingerprint of the post-change state.
//
// baseFingerprint names the data state the previous layout was computed for;
// it may be empty when no previous layout is known.
//
// On failure (store unavailable, no base obtainable) the error propagates to
// the processor, which logs and abandons the task — the next triggering
// change retries naturally.
func (c *Calculator) Apply(change changes.DataChange, baseFingerprint string) (*CachedLayout, error) {
	newFP, err := c.fingerprints.Create()
	if err != nil {
		return nil, fmt.Errorf("layout: failed to fingerprint post-change state: %w", err)
	}

	// Already computed for this exact state; nothing to do.
	if cached, ok := c.cache.Get(newFP); ok {
		return cached, nil
	}

	if change.Kind == changes.KindBulkImport {
		// A bulk import reshapes the whole map; every cached layout is dead.
		if err := c.cache.InvalidateAll(); err != nil {
			log.Printf("layout: cache invalidation failed: %v", err)
		}
		return c.fullLayout(newFP)
	}

	base, ok := c.cache.Get(baseFingerprint)
	if ok {
		base = base.Clone()
	} else {
		base = c.synthesizeBase(change)
		if base == nil {
			// No reusable base and nothing to synthesize around:
			// the cache contents are untrustworthy, start over.
			if err := c.cache.InvalidateAll(); err != nil {
				log.Printf("layout: cache invalidation failed: %v", err)
			}
			return c.fullLayout(newFP)
		}
	}

	if err := c.applyDelta(base, change); err != nil {
		return nil, err
	}

	// The delta only accounts for the change that triggered this task. Other
	// changes may have landed on the engine since baseFingerprint was taken
	// (batched tasks, writes while the processor was gated), and newFP covers
	// all of them. Reconcile against the live data so the layout saved under
	// newFP describes that state exactly.
	if err := c.reconcile(base); err != nil {
		return nil, err
	}

	base.Fingerprint = newFP
	base.Timestamp = time.Now()
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	if base.Zoom == 0 {
		base.Zoom = 1
	}

	if err := c.cache.Save(base, newFP); err != nil {
		return nil, fmt.Errorf("layout: failed to save layout: %w", err)
	}
	return base, nil
}

// FullLayout forces a full-corpus recomputation under the current fingerprint.
func (c *Calculator) FullLayout() (*CachedLayout, error) {
	fp, err := c.fingerprints.Create()
	if err != nil {
		return nil, fmt.Errorf("layout: failed to fingerprint state: %w", err)
	}
	return c.fullLayout(fp)
}

// =============================================================================
// Typed deltas
// =============================================================================

func (c *Calculator) applyDelta(base *CachedLayout, change changes.DataChange) error {
	switch change.Kind {
	case changes.KindNodeAdded:
		return c.deltaAddNode(base, change.RecordID)

	case changes.KindNodeDeleted:
		deltaRemoveNode(base, change.RecordID)
		return nil

	case changes.KindRelationshipAdded:
		return c.deltaAddConnection(base, change.RelationshipID)

	case changes.KindRelationshipDeleted:
		deltaRemoveConnection(base, change.RelationshipID)
		return nil

	case changes.KindNodeModified, changes.KindAnnotationChanged, changes.KindAIAnalysisUpdated:
		// Value-only edits keep positions stable; only labels refresh.
		return c.deltaRefreshNode(base, change.RecordID)
	}
	return nil
}

// deltaAddNode places a new node near the centroid of the existing nodes
// with random jitter to avoid exact overlap. A heuristic, not a simulation:
// single-node adds are latency-critical and the position only needs to be
// plausible until the next full layout.
func (c *Calculator) deltaAddNode(base *CachedLayout, id storage.RecordID) error {
	if base.NodeByRecord(id) >= 0 {
		return nil // already present
	}

	rec, err := c.engine.GetRecord(id)
	if err != nil {
		return fmt.Errorf("layout: failed to load record %s: %w", id, err)
	}

	var pos Point
	if len(base.Nodes) > 0 {
		for i := range base.Nodes {
			pos.X += base.Nodes[i].Position.X
			pos.Y += base.Nodes[i].Position.Y
		}
		pos.X /= float64(len(base.Nodes))
		pos.Y /= float64(len(base.Nodes))
	}
	pos.X += c.jitter()
	pos.Y += c.jitter()

	base.Nodes = append(base.Nodes, MindMapNode{
		ID:       nodeID(id),
		RecordID: id,
		Position: pos,
		Radius:   defaultNodeRadius,
		Title:    titleFor(rec),
		Subtitle: subtitleFor(rec),
	})
	return nil
}

func deltaRemoveNode(base *CachedLayout, id storage.RecordID) {
	if i := base.NodeByRecord(id); i >= 0 {
		base.Nodes = append(base.Nodes[:i], base.Nodes[i+1:]...)
	}

	nid := nodeID(id)
	kept := base.Connections[:0]
	for _, conn := range base.Connections {
		if conn.SourceID != nid && conn.TargetID != nid {
			kept = append(kept, conn)
		}
	}
	base.Connections = kept
}

func (c *Calculator) deltaAddConnection(base *CachedLayout, id storage.RelationshipID) error {
	cid := connectionID(id)
	for i := range base.Connections {
		if base.Connections[i].ID == cid {
			return nil
		}
	}

	rel, err := c.engine.GetRelationship(id)
	if err != nil {
		return fmt.Errorf("layout: failed to load relationship %s: %w", id, err)
	}

	base.Connections = append(base.Connections, MindMapConnection{
		ID:         cid,
		SourceID:   nodeID(rel.SourceID),
		TargetID:   nodeID(rel.TargetID),
		Type:       rel.Type,
		Strength:   rel.Confidence,
		Confidence: rel.Confidence,
	})
	return nil
}

func deltaRemoveConnection(base *CachedLayout, id storage.RelationshipID) {
	cid := connectionID(id)
	for i := range base.Connections {
		if base.Connections[i].ID == cid {
			base.Connections = append(base.Connections[:i], base.Connections[i+1:]...)
			return
		}
	}
}

func (c *Calculator) deltaRefreshNode(base *CachedLayout, id storage.RecordID) error {
	i := base.NodeByRecord(id)
	if i < 0 {
		// Value edit for a record the base never contained: treat as add.
		return c.deltaAddNode(base, id)
	}

	rec, err := c.engine.GetRecord(id)
	if err != nil {
		return fmt.Errorf("layout: failed to load record %s: %w", id, err)
	}
	base.Nodes[i].Title = titleFor(rec)
	base.Nodes[i].Subtitle = subtitleFor(rec)
	return nil
}

// reconcile aligns the layout's node and connection sets with the engine's
// live records and relationships, repairing any drift a single-change delta
// cannot see. Positions of surviving nodes are untouched; missing nodes get
// the same centroid placement a direct add would.
func (c *Calculator) reconcile(base *CachedLayout) error {
	recs, err := c.engine.AllRecords()
	if err != nil {
		return fmt.Errorf("layout: failed to load records: %w", err)
	}
	live := make(map[storage.RecordID]struct{}, len(recs))
	for _, rec := range recs {
		live[rec.ID] = struct{}{}
	}

	// Drop nodes whose records are gone; incident connections go with them.
	for i := len(base.Nodes) - 1; i >= 0; i-- {
		if _, ok := live[base.Nodes[i].RecordID]; !ok {
			deltaRemoveNode(base, base.Nodes[i].RecordID)
		}
	}

	// Add nodes the layout never saw, in sorted-ID order so placement is
	// reproducible for a given data state.
	var missing []storage.RecordID
	for _, rec := range recs {
		if base.NodeByRecord(rec.ID) < 0 {
			missing = append(missing, rec.ID)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	for _, id := range missing {
		if err := c.deltaAddNode(base, id); err != nil {
			return err
		}
	}

	rels, err := c.engine.AllRelationships()
	if err != nil {
		return fmt.Errorf("layout: failed to load relationships: %w", err)
	}
	haveConn := make(map[string]struct{}, len(base.Connections))
	for i := range base.Connections {
		haveConn[base.Connections[i].ID] = struct{}{}
	}
	liveConn := make(map[string]struct{}, len(rels))
	for _, rel := range rels {
		cid := connectionID(rel.ID)
		liveConn[cid] = struct{}{}
		if _, ok := haveConn[cid]; ok {
			continue
		}
		if base.NodeByRecord(rel.SourceID) < 0 || base.NodeByRecord(rel.TargetID) < 0 {
			continue
		}
		base.Connections = append(base.Connections, MindMapConnection{
			ID:         cid,
			SourceID:   nodeID(rel.SourceID),
			TargetID:   nodeID(rel.TargetID),
			Type:       rel.Type,
			Strength:   rel.Confidence,
			Confidence: rel.Confidence,
		})
	}

	kept := base.Connections[:0]
	for _, conn := range base.Connections {
		if _, ok := liveConn[conn.ID]; ok {
			kept = append(kept, conn)
		}
	}
	base.Connections = kept
	return nil
}

// synthesizeBase builds a minimal working layout containing only the records
// the change names directly, placed on a simple line. Used when no cached
// base exists but the change is local enough that a full recomputation would
// be wasteful.
func (c *Calculator) synthesizeBase(change changes.DataChange) *CachedLayout {
	var ids []storage.RecordID
	switch {
	case change.RecordID != "":
		ids = []storage.RecordID{change.RecordID}
	case change.SourceID != "" || change.TargetID != "":
		if change.SourceID != "" {
			ids = append(ids, change.SourceID)
		}
		if change.TargetID != "" {
			ids = append(ids, change.TargetID)
		}
	default:
		return nil
	}

	base := &CachedLayout{
		ID:   uuid.NewString(),
		Zoom: 1,
	}
	const spacing = 120.0
	for i, id := range ids {
		rec, err := c.engine.GetRecord(id)
		if err != nil {
			continue // deleted or not yet visible; the delta handles it
		}
		base.Nodes = append(base.Nodes, MindMapNode{
			ID:       nodeID(id),
			RecordID: id,
			Position: Point{X: float64(i) * spacing},
			Radius:   defaultNodeRadius,
			Title:    titleFor(rec),
			Subtitle: subtitleFor(rec),
		})
	}
	return base
}

// =============================================================================
// Full-corpus force simulation
// =============================================================================

// fullLayout lays out the entire corpus with an iterative force simulation
// (Fruchterman-Reingold style): repulsion between all node pairs, spring
// attraction along connections, displacement capped by a cooling
// temperature. Nodes start on a circle in sorted-ID order so the result is
// reproducible for a given data state.
func (c *Calculator) fullLayout(fp string) (*CachedLayout, error) {
	start := time.Now()

	recs, err := c.engine.AllRecords()
	if err != nil {
		return nil, fmt.Errorf("layout: failed to load records: %w", err)
	}
	rels, err := c.engine.AllRelationships()
	if err != nil {
		return nil, fmt.Errorf("layout: failed to load relationships: %w", err)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	n := len(recs)
	idxOf := make(map[storage.RecordID]int, n)
	positions := make([]Point, n)
	for i, rec := range recs {
		idxOf[rec.ID] = i
		angle := 2 * math.Pi * float64(i) / math.Max(float64(n), 1)
		positions[i] = Point{
			X: c.config.FullLayoutRadius * math.Cos(angle),
			Y: c.config.FullLayoutRadius * math.Sin(angle),
		}
	}

	// Undirected edge list over known records.
	type edge struct{ a, b int }
	var edges []edge
	degree := make([]int, n)
	for _, rel := range rels {
		a, okA := idxOf[rel.SourceID]
		b, okB := idxOf[rel.TargetID]
		if !okA || !okB || a == b {
			continue
		}
		edges = append(edges, edge{a, b})
		degree[a]++
		degree[b]++
	}

	if n > 1 {
		area := (2 * c.config.FullLayoutRadius) * (2 * c.config.FullLayoutRadius)
		k := math.Sqrt(area / float64(n))
		disp := make([]Point, n)

		for iter := 0; iter < c.config.Iterations; iter++ {
			for i := range disp {
				disp[i] = Point{}
			}

			// Repulsion between all pairs.
			for i := 0; i < n; i++ {
				for j := i + 1; j < n; j++ {
					dx := positions[i].X - positions[j].X
					dy := positions[i].Y - positions[j].Y
					d := math.Hypot(dx, dy)
					if d < 0.01 {
						d = 0.01
					}
					f := k * k / d
					disp[i].X += dx / d * f
					disp[i].Y += dy / d * f
					disp[j].X -= dx / d * f
					disp[j].Y -= dy / d * f
				}
			}

			// Spring attraction along connections.
			for _, e := range edges {
				dx := positions[e.a].X - positions[e.b].X
				dy := positions[e.a].Y - positions[e.b].Y
				d := math.Hypot(dx, dy)
				if d < 0.01 {
					d = 0.01
				}
				f := d * d / k
				disp[e.a].X -= dx / d * f
				disp[e.a].Y -= dy / d * f
				disp[e.b].X += dx / d * f
				disp[e.b].Y += dy / d * f
			}

			// Cooling: displacement cap shrinks linearly to zero.
			temp := c.config.FullLayoutRadius *
				(1 - float64(iter)/float64(c.config.Iterations))
			for i := 0; i < n; i++ {
				d := math.Hypot(disp[i].X, disp[i].Y)
				if d < 0.01 {
					continue
				}
				limited := math.Min(d, temp)
				positions[i].X += disp[i].X / d * limited
				positions[i].Y += disp[i].Y / d * limited
			}
		}
	}

	maxDegree := 0
	for _, d := range degree {
		if d > maxDegree {
			maxDegree = d
		}
	}

	result := &CachedLayout{
		ID:          uuid.NewString(),
		Zoom:        1,
		Fingerprint: fp,
		Timestamp:   time.Now(),
	}
	now := time.Now()
	for i, rec := range recs {
		importance := importanceScore(degree[i], maxDegree, rec.Timestamp, now)
		result.Nodes = append(result.Nodes, MindMapNode{
			ID:         nodeID(rec.ID),
			RecordID:   rec.ID,
			Position:   positions[i],
			Radius:     defaultNodeRadius + importance*defaultNodeRadius,
			Title:      titleFor(rec),
			Subtitle:   subtitleFor(rec),
			Importance: importance,
		})
	}
	for _, rel := range rels {
		if _, ok := idxOf[rel.SourceID]; !ok {
			continue
		}
		if _, ok := idxOf[rel.TargetID]; !ok {
			continue
		}
		result.Connections = append(result.Connections, MindMapConnection{
			ID:         connectionID(rel.ID),
			SourceID:   nodeID(rel.SourceID),
			TargetID:   nodeID(rel.TargetID),
			Type:       rel.Type,
			Strength:   rel.Confidence,
			Confidence: rel.Confidence,
		})
	}

	elapsed := time.Since(start)
	if elapsed > 500*time.Millisecond {
		log.Printf("layout: full recomputation of %d nodes took %v", n, elapsed)
	}

	if err := c.cache.Save(result, fp); err != nil {
		return nil, fmt.Errorf("layout: failed to save full layout: %w", err)
	}
	return result, nil
}

// =============================================================================
// Helpers
// =============================================================================

const defaultNodeRadius = 24.0

func nodeID(id storage.RecordID) string {
	return "node-" + string(id)
}

func connectionID(id storage.RelationshipID) string {
	return "conn-" + string(id)
}

func (c *Calculator) jitter() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return (c.rng.Float64()*2 - 1) * c.config.JitterAmount
}

// importanceScore blends connectivity with recency: well-connected, recently
// captured records render larger.
func importanceScore(degree, maxDegree int, captured, now time.Time) float64 {
	var connectivity float64
	if maxDegree > 0 {
		connectivity = float64(degree) / float64(maxDegree)
	}

	var recency float64
	if !captured.IsZero() {
		age := now.Sub(captured)
		const window = 7 * 24 * time.Hour
		if age < window {
			recency = 1 - float64(age)/float64(window)
		}
	}

	return connectivity*0.7 + recency*0.3
}

func titleFor(rec *storage.Record) string {
	text := strings.TrimSpace(rec.ExtractedText)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	const maxTitle = 40
	if len(text) > maxTitle {
		cut := maxTitle
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if text == "" {
		text = string(rec.ID)
	}
	return text
}

func subtitleFor(rec *storage.Record) string {
	return strings.Join(rec.Tags, ", ")
}
