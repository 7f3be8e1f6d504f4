package constellation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christian-lee/birdsong/internal/features"
	"github.com/christian-lee/birdsong/internal/session"
	"github.com/christian-lee/birdsong/internal/species"
)

func TestGraph_AddPlacesByBand(t *testing.T) {
	g := New(10, 1)

	low := g.Add(features.BandLow, 0, "zorzal")
	mid := g.Add(features.BandMid, 255, "tenca")
	high := g.Add(features.BandHigh, 127.5, "rayadito")

	assert.InDelta(t, -40, low.Y, 7.5)
	assert.InDelta(t, 0, mid.Y, 7.5)
	assert.InDelta(t, 40, high.Y, 7.5)

	assert.InDelta(t, 1.5, low.Size, 1e-9)
	assert.InDelta(t, 5.5, mid.Size, 1e-9)
	assert.InDelta(t, 3.5, high.Size, 1e-9)

	assert.Equal(t, "#ff8a3c", low.Color)
	assert.Equal(t, "#ff00ff", mid.Color)
	assert.Equal(t, "#00ff7f", high.Color)
}

func TestGraph_EdgesChainNodes(t *testing.T) {
	g := New(10, 1)
	for i := 0; i < 4; i++ {
		g.Add(features.BandMid, 100, "tenca")
	}

	s := g.Snapshot()
	require.Len(t, s.Nodes, 4)
	assert.Equal(t, []Edge{{1, 2}, {2, 3}, {3, 4}}, s.Edges)
}

func TestGraph_EvictsOldest(t *testing.T) {
	g := New(3, 1)
	for i := 0; i < 5; i++ {
		g.Add(features.BandLow, 100, "zorzal")
	}

	s := g.Snapshot()
	require.Len(t, s.Nodes, 3)
	assert.Equal(t, int64(3), s.Nodes[0].ID)
	assert.Equal(t, int64(5), s.Nodes[2].ID)
	assert.Equal(t, []Edge{{3, 4}, {4, 5}}, s.Edges)
}

func TestGraph_SeedIsDeterministic(t *testing.T) {
	a, b := New(10, 42), New(10, 42)
	assert.Equal(t, a.Add(features.BandMid, 90, "x"), b.Add(features.BandMid, 90, "x"))
}

func TestGraph_ObserveAndClear(t *testing.T) {
	g := New(0, 1)
	det := session.Detection{
		Band:        features.BandHigh,
		TotalEnergy: 120,
		Result:      species.Result{Signature: species.Signature{Key: "loica"}},
	}

	require.NoError(t, g.Observe(context.Background(), det))
	s := g.Snapshot()
	require.Len(t, s.Nodes, 1)
	assert.Equal(t, "loica", s.Nodes[0].Species)

	g.Clear()
	assert.Empty(t, g.Snapshot().Nodes)
	assert.Empty(t, g.Snapshot().Edges)
}

func TestGraph_IDsSurviveClear(t *testing.T) {
	g := New(10, 1)
	g.Add(features.BandMid, 100, "tenca")
	g.Add(features.BandMid, 100, "tenca")
	g.Clear()

	// The spiral restarts at angle zero but IDs keep counting.
	n := g.Add(features.BandMid, 100, "tenca")
	assert.Equal(t, int64(3), n.ID)
	assert.Greater(t, n.X, 0.0)
	assert.InDelta(t, 0, n.Z, 1e-9)
}
