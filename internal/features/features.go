// Package features reduces an analyser frame to coarse three-band energy.
package features

import (
	"gonum.org/v1/gonum/floats"
)

// Frame is one analyser snapshot: a byte magnitude (0-255) per frequency bin,
// ordered from the lowest bin to the highest.
type Frame []uint8

// Band names one third of a frame.
type Band string

const (
	BandLow  Band = "low"
	BandMid  Band = "mid"
	BandHigh Band = "high"
)

// Bands holds the mean magnitude of each third of a frame.
type Bands struct {
	Low  float64 `json:"low"`
	Mid  float64 `json:"mid"`
	High float64 `json:"high"`
}

// Normalized is a Bands value divided by its own sum. Components sum to 1,
// or are all 0 for a frame with no energy.
type Normalized struct {
	Low  float64 `json:"low_rel"`
	Mid  float64 `json:"mid_rel"`
	High float64 `json:"high_rel"`
}

// Features is everything derived from a single frame.
type Features struct {
	Bands       Bands      `json:"bands"`
	Normalized  Normalized `json:"normalized"`
	TotalEnergy float64    `json:"total_energy"`
}

// Extract splits frame into thirds by index and averages each one.
// With N samples the slices are [0,N/3), [N/3,2*(N/3)) and [2*(N/3),N), so
// the high band absorbs the remainder when N is not a multiple of 3.
// An empty frame yields all zeros.
func Extract(frame Frame) Features {
	samples := make([]float64, len(frame))
	for i, v := range frame {
		samples[i] = float64(v)
	}

	third := len(samples) / 3
	bands := Bands{
		Low:  mean(samples[:third]),
		Mid:  mean(samples[third : 2*third]),
		High: mean(samples[2*third:]),
	}

	return Features{
		Bands:       bands,
		Normalized:  bands.Normalize(),
		TotalEnergy: mean(samples),
	}
}

// Normalize divides each band by the band sum. A zero sum is treated as 1.
func (b Bands) Normalize() Normalized {
	sum := b.Low + b.Mid + b.High
	if sum == 0 {
		sum = 1
	}
	return Normalized{
		Low:  b.Low / sum,
		Mid:  b.Mid / sum,
		High: b.High / sum,
	}
}

// Vector returns the components as (low, mid, high).
func (n Normalized) Vector() []float64 {
	return []float64{n.Low, n.Mid, n.High}
}

// Dominant picks the strongest band. High must strictly beat both others,
// mid must strictly beat low, everything else (ties included) is low.
func (n Normalized) Dominant() Band {
	switch {
	case n.High > n.Mid && n.High > n.Low:
		return BandHigh
	case n.Mid > n.Low:
		return BandMid
	default:
		return BandLow
	}
}

// Level maps a total energy to the 0-100 level meter percentage.
func Level(totalEnergy float64) float64 {
	return min(100, totalEnergy/255*120)
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Sum(x) / float64(len(x))
}
