// Package layout computes mind-map layouts incrementally.
//
// A layout is a set of positioned nodes (one per record) and typed
// connections between them, keyed by the data fingerprint it was computed
// for. The calculator applies cheap typed deltas for localized changes and
// falls back to a full force-directed simulation when no reusable base
// layout exists.
//
// Layouts are derived artifacts: they can always be regenerated from the
// record and relationship sets, so every failure path here degrades to
// recomputation rather than data loss.
package layout

import (
	"time"

	"github.com/orneryd/mindgraph/pkg/storage"
)

// Point is a position in layout space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MindMapNode is one positioned node of the mind map.
type MindMapNode struct {
	ID         string           `json:"id"`
	RecordID   storage.RecordID `json:"recordId"`
	Position   Point            `json:"position"`
	Radius     float64          `json:"radius"`
	Title      string           `json:"title"`
	Subtitle   string           `json:"subtitle"`
	Importance float64          `json:"importance"`
}

// MindMapConnection is a rendered relationship between two layout nodes.
type MindMapConnection struct {
	ID         string  `json:"id"`
	SourceID   string  `json:"sourceId"`
	TargetID   string  `json:"targetId"`
	Type       string  `json:"type"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
}

// CachedLayout is a complete computed layout plus view state.
//
// The Fingerprint names the data state the layout was computed for; the
// cache serves it only for exactly that fingerprint, which is what makes
// stale layouts impossible to observe.
type CachedLayout struct {
	ID          string              `json:"id"`
	Nodes       []MindMapNode       `json:"nodes"`
	Connections []MindMapConnection `json:"connections"`
	Center      Point               `json:"center"`
	Zoom        float64             `json:"zoom"`
	Fingerprint string              `json:"fingerprint"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Clone returns a deep copy of the layout.
func (l *CachedLayout) Clone() *CachedLayout {
	cp := *l
	cp.Nodes = make([]MindMapNode, len(l.Nodes))
	copy(cp.Nodes, l.Nodes)
	cp.Connections = make([]MindMapConnection, len(l.Connections))
	copy(cp.Connections, l.Connections)
	return &cp
}

// NodeByRecord returns the index of the node for a record, or -1.
func (l *CachedLayout) NodeByRecord(id storage.RecordID) int {
	for i := range l.Nodes {
		if l.Nodes[i].RecordID == id {
			return i
		}
	}
	return -1
}

// SizeEstimate approximates the in-memory footprint in bytes. Used by the
// cache's byte budget; precision is not required, stability is.
func (l *CachedLayout) SizeEstimate() int {
	const nodeOverhead = 96
	const connOverhead = 64

	size := 256 + len(l.ID) + len(l.Fingerprint)
	for i := range l.Nodes {
		size += nodeOverhead + len(l.Nodes[i].ID) + len(l.Nodes[i].RecordID) +
			len(l.Nodes[i].Title) + len(l.Nodes[i].Subtitle)
	}
	for i := range l.Connections {
		size += connOverhead + len(l.Connections[i].ID) +
			len(l.Connections[i].SourceID) + len(l.Connections[i].TargetID) +
			len(l.Connections[i].Type)
	}
	return size
}
