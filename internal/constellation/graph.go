// Package constellation keeps the node/edge model behind the live
// visualization: one node per detection, chained in detection order.
package constellation

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/christian-lee/birdsong/internal/features"
	"github.com/christian-lee/birdsong/internal/session"
)

const (
	DefaultMaxNodes = 300

	radius      = 80.0
	angleStep   = 0.35
	bandSpacing = 40.0
)

var bandColors = map[features.Band]string{
	features.BandLow:  "#ff8a3c",
	features.BandMid:  "#ff00ff",
	features.BandHigh: "#00ff7f",
}

// Node is one detection placed in 3D space.
type Node struct {
	ID      int64         `json:"id"`
	X       float64       `json:"x"`
	Y       float64       `json:"y"`
	Z       float64       `json:"z"`
	Size    float64       `json:"size"`
	Color   string        `json:"color"`
	Band    features.Band `json:"band"`
	Species string        `json:"species"`
}

// Edge links a node to the one detected right before it.
type Edge struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Snapshot is a copy of the graph for rendering.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Graph is safe for concurrent use. It implements session.Observer.
type Graph struct {
	mu       sync.RWMutex
	maxNodes int
	rng      *rand.Rand
	placed   int64 // nodes ever added; source of node IDs, never reused after eviction
	nodes    []Node
	edges    []Edge
}

// New returns an empty graph holding at most maxNodes nodes. seed fixes the
// placement jitter.
func New(maxNodes int, seed uint64) *Graph {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	return &Graph{
		maxNodes: maxNodes,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Observe adds a node for the detection.
func (g *Graph) Observe(_ context.Context, d session.Detection) error {
	g.Add(d.Band, d.TotalEnergy, d.Result.Signature.Key)
	return nil
}

// Add places a node on a jittered spiral, offset vertically by band, and
// links it to the previous node. The oldest nodes are evicted past maxNodes.
func (g *Graph) Add(band features.Band, energy float64, speciesKey string) Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	angle := float64(len(g.nodes)) * angleStep
	offset := 0.0
	switch band {
	case features.BandLow:
		offset = -bandSpacing
	case features.BandHigh:
		offset = bandSpacing
	}

	g.placed++
	n := Node{
		ID:      g.placed,
		X:       math.Cos(angle) * radius * (0.4 + g.rng.Float64()*0.6),
		Y:       offset + (g.rng.Float64()-0.5)*15,
		Z:       math.Sin(angle) * radius * (0.5 + g.rng.Float64()*0.6),
		Size:    1.5 + energy/255*4,
		Color:   bandColors[band],
		Band:    band,
		Species: speciesKey,
	}
	if n.Color == "" {
		n.Color = bandColors[features.BandHigh]
	}

	if len(g.nodes) > 0 {
		g.edges = append(g.edges, Edge{From: g.nodes[len(g.nodes)-1].ID, To: n.ID})
	}
	g.nodes = append(g.nodes, n)

	if excess := len(g.nodes) - g.maxNodes; excess > 0 {
		oldest := g.nodes[excess-1].ID
		g.nodes = append(g.nodes[:0], g.nodes[excess:]...)
		kept := g.edges[:0]
		for _, e := range g.edges {
			if e.From > oldest {
				kept = append(kept, e)
			}
		}
		g.edges = kept
	}
	return n
}

// Snapshot copies the current nodes and edges.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Snapshot{
		Nodes: make([]Node, len(g.nodes)),
		Edges: make([]Edge, len(g.edges)),
	}
	copy(s.Nodes, g.nodes)
	copy(s.Edges, g.edges)
	return s
}

// Clear drops every node, as when a session is reset.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nil
	g.edges = nil
}
