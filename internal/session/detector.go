// Package session runs the per-tick detection loop and owns the session log
// that the loop appends to.
package session

import (
	"math"
	"time"

	"github.com/christian-lee/birdsong/internal/features"
	"github.com/christian-lee/birdsong/internal/species"
)

// DefaultEnergyThreshold is the total-energy gate below which a frame is
// treated as silence or background noise.
const DefaultEnergyThreshold = 70

// Detector decides, for one frame, whether anything worth classifying was heard.
type Detector struct {
	// Threshold is compared against the frame's total energy (0-255 scale).
	// Classification runs only when energy is strictly above it.
	Threshold float64
	Table     species.Table
}

// Detection is a classified tick, the unit delivered to observers.
type Detection struct {
	SessionID   string              `json:"session_id"`
	Timestamp   time.Time           `json:"timestamp"`
	Band        features.Band       `json:"band"`
	TotalEnergy float64             `json:"energy"`
	Normalized  features.Normalized `json:"normalized"`
	Result      species.Result      `json:"result"`
}

// Tick is the outcome of processing one frame.
type Tick struct {
	Time      time.Time
	Features  features.Features
	Level     float64    // 0-100 meter value
	Detection *Detection // nil when energy stayed under the threshold
}

// Process extracts features from frame and classifies them when the frame
// clears the threshold. It has no side effects.
func (d Detector) Process(frame features.Frame, now time.Time) Tick {
	f := features.Extract(frame)
	tick := Tick{
		Time:     now,
		Features: f,
		Level:    features.Level(f.TotalEnergy),
	}
	if f.TotalEnergy <= d.Threshold {
		return tick
	}
	tick.Detection = &Detection{
		Timestamp:   now,
		Band:        f.Normalized.Dominant(),
		TotalEnergy: f.TotalEnergy,
		Normalized:  f.Normalized,
		Result:      d.Table.Classify(f.Normalized),
	}
	return tick
}

// Entry is one row of the session log.
type Entry struct {
	TimestampMS    int64   `json:"timestamp"`
	LowRel         float64 `json:"low_rel"`
	MidRel         float64 `json:"mid_rel"`
	HighRel        float64 `json:"high_rel"`
	Energy         int     `json:"energy"`
	Band           string  `json:"band"`
	SpeciesKey     string  `json:"species_key"`
	CommonName     string  `json:"common_name_es"`
	ScientificName string  `json:"scientific_name"`
	Confidence     int     `json:"confidence"`
}

// Entry flattens a detection into a log row. Energy is rounded.
func (d Detection) Entry() Entry {
	sig := d.Result.Signature
	return Entry{
		TimestampMS:    d.Timestamp.UnixMilli(),
		LowRel:         d.Normalized.Low,
		MidRel:         d.Normalized.Mid,
		HighRel:        d.Normalized.High,
		Energy:         int(math.Round(d.TotalEnergy)),
		Band:           string(d.Band),
		SpeciesKey:     sig.Key,
		CommonName:     sig.CommonName,
		ScientificName: sig.ScientificName,
		Confidence:     d.Result.Confidence,
	}
}
