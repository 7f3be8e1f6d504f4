package audio

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/christian-lee/birdsong/internal/features"
)

// AnalyserOptions mirrors the knobs of a browser AnalyserNode.
type AnalyserOptions struct {
	FFTSize     int     // power of two; produces FFTSize/2 bins
	Smoothing   float64 // time smoothing constant in [0,1)
	MinDecibels float64 // maps to byte 0
	MaxDecibels float64 // maps to byte 255
}

// DefaultAnalyserOptions matches the AnalyserNode defaults used by the field app.
func DefaultAnalyserOptions() AnalyserOptions {
	return AnalyserOptions{
		FFTSize:     2048,
		Smoothing:   0.8,
		MinDecibels: -100,
		MaxDecibels: -30,
	}
}

// Analyser turns the most recent FFTSize samples into byte frequency data:
// Blackman window, FFT, magnitude/N, exponential smoothing across calls,
// then a linear dB-to-byte mapping between MinDecibels and MaxDecibels.
// Not safe for concurrent use; smoothing state is carried between calls.
type Analyser struct {
	opts     AnalyserOptions
	window   []float64
	smoothed []float64
	buf      []float64
}

func NewAnalyser(opts AnalyserOptions) *Analyser {
	if opts.FFTSize <= 0 {
		opts.FFTSize = 2048
	}
	if opts.MaxDecibels <= opts.MinDecibels {
		opts.MinDecibels, opts.MaxDecibels = -100, -30
	}
	return &Analyser{
		opts:     opts,
		window:   window.Blackman(opts.FFTSize),
		smoothed: make([]float64, opts.FFTSize/2),
		buf:      make([]float64, opts.FFTSize),
	}
}

// Bins returns the frame length this analyser produces.
func (a *Analyser) Bins() int { return a.opts.FFTSize / 2 }

// Frame analyses samples in [-1,1]. Only the last FFTSize samples are used;
// shorter input is zero-padded at the front.
func (a *Analyser) Frame(samples []float64) features.Frame {
	n := a.opts.FFTSize
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	pad := n - len(samples)
	for i := 0; i < pad; i++ {
		a.buf[i] = 0
	}
	for i, s := range samples {
		a.buf[pad+i] = s * a.window[pad+i]
	}

	spectrum := fft.FFTReal(a.buf)

	tau := a.opts.Smoothing
	scale := 255 / (a.opts.MaxDecibels - a.opts.MinDecibels)
	frame := make(features.Frame, len(a.smoothed))
	for k := range a.smoothed {
		mag := math.Hypot(real(spectrum[k]), imag(spectrum[k])) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag
		frame[k] = toByte(a.smoothed[k], a.opts.MinDecibels, scale)
	}
	return frame
}

func toByte(mag, minDB, scale float64) uint8 {
	if mag <= 0 {
		return 0
	}
	v := math.Floor(scale * (20*math.Log10(mag) - minDB))
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
