// Package species matches a normalized band vector against a fixed table of
// heuristic signatures. It is a deterministic demo, not a trained classifier.
package species

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/christian-lee/birdsong/internal/features"
)

// ErrEmptyTable is returned by NewTable when no signatures are given.
var ErrEmptyTable = errors.New("signature table is empty")

// maxDistance is the diagonal of the unit cube, the largest distance between
// two vectors whose components all lie in [0,1].
var maxDistance = math.Sqrt(3)

const (
	minConfidence = 40
	maxConfidence = 100
)

// Signature is one labelled reference vector.
type Signature struct {
	Key            string              `json:"key"`
	Emoji          string              `json:"emoji,omitempty"`
	CommonName     string              `json:"common_name"`
	ScientificName string              `json:"scientific_name"`
	Vector         features.Normalized `json:"signature"`
}

// Label is the display form "Common (Scientific)".
func (s Signature) Label() string {
	return fmt.Sprintf("%s (%s)", s.CommonName, s.ScientificName)
}

// Result is the outcome of one classification.
type Result struct {
	Signature  Signature `json:"species"`
	Distance   float64   `json:"distance"`
	Confidence int       `json:"confidence"` // 40-100
}

// Table is an immutable, ordered set of signatures. Order decides ties.
// The zero Table has no entries and must not be classified against.
type Table struct {
	entries []Signature
}

// NewTable copies sigs into a Table. It rejects an empty set and any vector
// with a negative component.
func NewTable(sigs []Signature) (Table, error) {
	if len(sigs) == 0 {
		return Table{}, ErrEmptyTable
	}
	entries := make([]Signature, len(sigs))
	for i, s := range sigs {
		v := s.Vector
		if v.Low < 0 || v.Mid < 0 || v.High < 0 {
			return Table{}, fmt.Errorf("signature %q: negative component", s.Key)
		}
		if s.Key == "" {
			return Table{}, fmt.Errorf("signature %d: missing key", i)
		}
		entries[i] = s
	}
	return Table{entries: entries}, nil
}

// Default returns the reference table of five Chilean species.
func Default() Table {
	return Table{entries: []Signature{
		{Key: "tenca", Emoji: "🎶", CommonName: "Tenca", ScientificName: "Mimus thenca",
			Vector: features.Normalized{Low: 0.25, Mid: 0.5, High: 0.25}},
		{Key: "zorzal", Emoji: "🕊️", CommonName: "Zorzal", ScientificName: "Turdus falcklandii",
			Vector: features.Normalized{Low: 0.5, Mid: 0.35, High: 0.15}},
		{Key: "rayadito", Emoji: "🐦", CommonName: "Rayadito", ScientificName: "Aphrastura spinicauda",
			Vector: features.Normalized{Low: 0.15, Mid: 0.35, High: 0.5}},
		{Key: "diuca", Emoji: "🎼", CommonName: "Diuca", ScientificName: "Diuca diuca",
			Vector: features.Normalized{Low: 0.3, Mid: 0.45, High: 0.25}},
		{Key: "loica", Emoji: "🟥", CommonName: "Loica", ScientificName: "Leistes loyca",
			Vector: features.Normalized{Low: 0.2, Mid: 0.4, High: 0.4}},
	}}
}

// Len returns the number of signatures.
func (t Table) Len() int { return len(t.entries) }

// Signatures returns a copy of the entries in table order.
func (t Table) Signatures() []Signature {
	out := make([]Signature, len(t.entries))
	copy(out, t.entries)
	return out
}

// Lookup finds a signature by key.
func (t Table) Lookup(key string) (Signature, bool) {
	for _, s := range t.entries {
		if s.Key == key {
			return s, true
		}
	}
	return Signature{}, false
}

// Classify returns the signature nearest to vec by Euclidean distance.
// The first entry wins ties. The table must not be empty.
func (t Table) Classify(vec features.Normalized) Result {
	v := vec.Vector()
	best := 0
	bestDist := math.Inf(1)
	for i, s := range t.entries {
		d := floats.Distance(v, s.Vector.Vector(), 2)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return Result{
		Signature:  t.entries[best],
		Distance:   bestDist,
		Confidence: Confidence(bestDist),
	}
}

// Confidence maps a distance onto the 40-100 heuristic scale: 100 at
// distance 0, 40 at the unit cube diagonal and beyond.
func Confidence(distance float64) int {
	raw := math.Max(0, maxDistance-distance) / maxDistance
	raw = math.Min(1, math.Max(0, raw))
	return int(math.Round(minConfidence + raw*(maxConfidence-minConfidence)))
}
