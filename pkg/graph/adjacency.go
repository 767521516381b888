// Package graph maintains a live adjacency index over the relationship set.
//
// The index answers the neighborhood queries that change tracking depends on:
// "which records sit within N hops of this one" and "which records are hubs".
// It is kept current by the change tracker as relationships come and go, and
// can be rebuilt wholesale from a storage engine after bulk imports.
//
// Direction is ignored: a relationship connects both endpoints for layout
// purposes, so neighborhoods are computed over the undirected view.
//
// Usage:
//
//	idx := graph.NewIndex()
//	idx.Rebuild(engine)
//
//	// Records within 2 hops of "shot-1", including "shot-1" itself
//	region := idx.Neighborhood("shot-1", 2)
package graph

import (
	"sync"

	"github.com/orneryd/mindgraph/pkg/storage"
)

// DefaultHubDegree is the degree at or above which a record counts as a hub.
const DefaultHubDegree = 5

// Index is an in-memory undirected adjacency index.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type Index struct {
	mu sync.RWMutex

	// neighbors[a][b] holds the count of relationships between a and b,
	// so removing one of several parallel relationships keeps the pair
	// adjacent.
	neighbors map[storage.RecordID]map[storage.RecordID]int

	// endpoints remembers each relationship's pair for RemoveRelationship.
	endpoints map[storage.RelationshipID][2]storage.RecordID
}

// NewIndex creates an empty adjacency index.
func NewIndex() *Index {
	return &Index{
		neighbors: make(map[storage.RecordID]map[storage.RecordID]int),
		endpoints: make(map[storage.RelationshipID][2]storage.RecordID),
	}
}

// Rebuild replaces the index contents from the engine's relationship set.
func (idx *Index) Rebuild(engine storage.Engine) error {
	rels, err := engine.AllRelationships()
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.neighbors = make(map[storage.RecordID]map[storage.RecordID]int)
	idx.endpoints = make(map[storage.RelationshipID][2]storage.RecordID)
	for _, rel := range rels {
		idx.addLocked(rel.ID, rel.SourceID, rel.TargetID)
	}
	return nil
}

// AddRelationship records a new relationship in the index.
// Re-adding a known relationship ID is a no-op.
func (idx *Index) AddRelationship(id storage.RelationshipID, source, target storage.RecordID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.endpoints[id]; exists {
		return
	}
	idx.addLocked(id, source, target)
}

// RemoveRelationship drops a relationship from the index.
// Unknown IDs are a no-op.
func (idx *Index) RemoveRelationship(id storage.RelationshipID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	pair, exists := idx.endpoints[id]
	if !exists {
		return
	}
	delete(idx.endpoints, id)
	idx.unlinkLocked(pair[0], pair[1])
	idx.unlinkLocked(pair[1], pair[0])
}

// RemoveRecord drops a record and all of its adjacencies.
func (idx *Index) RemoveRecord(id storage.RecordID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for other := range idx.neighbors[id] {
		idx.unlinkLocked(other, id)
	}
	delete(idx.neighbors, id)

	for relID, pair := range idx.endpoints {
		if pair[0] == id || pair[1] == id {
			delete(idx.endpoints, relID)
		}
	}
}

// Neighborhood returns every record within the given hop count of the start
// record, including the start record itself. hops <= 0 returns just the
// start record.
func (idx *Index) Neighborhood(start storage.RecordID, hops int) map[storage.RecordID]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	visited := map[storage.RecordID]struct{}{start: {}}
	frontier := []storage.RecordID{start}

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []storage.RecordID
		for _, id := range frontier {
			for neighbor := range idx.neighbors[id] {
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return visited
}

// Degree returns the number of distinct neighbors of a record.
func (idx *Index) Degree(id storage.RecordID) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.neighbors[id])
}

// Hubs returns records whose degree is at least minDegree, together with
// their direct neighbors. Bulk imports invalidate these regions because new
// records tend to attach to hubs first.
func (idx *Index) Hubs(minDegree int) map[storage.RecordID]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[storage.RecordID]struct{})
	for id, adj := range idx.neighbors {
		if len(adj) < minDegree {
			continue
		}
		out[id] = struct{}{}
		for neighbor := range adj {
			out[neighbor] = struct{}{}
		}
	}
	return out
}

// =============================================================================
// Internal helpers (caller holds the lock)
// =============================================================================

func (idx *Index) addLocked(id storage.RelationshipID, source, target storage.RecordID) {
	idx.endpoints[id] = [2]storage.RecordID{source, target}
	idx.linkLocked(source, target)
	idx.linkLocked(target, source)
}

func (idx *Index) linkLocked(from, to storage.RecordID) {
	if idx.neighbors[from] == nil {
		idx.neighbors[from] = make(map[storage.RecordID]int)
	}
	idx.neighbors[from][to]++
}

func (idx *Index) unlinkLocked(from, to storage.RecordID) {
	adj := idx.neighbors[from]
	if adj == nil {
		return
	}
	adj[to]--
	if adj[to] <= 0 {
		delete(adj, to)
	}
	if len(adj) == 0 {
		delete(idx.neighbors, from)
	}
}
