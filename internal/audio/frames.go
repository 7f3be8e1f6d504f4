package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/christian-lee/birdsong/internal/features"
)

// FrameReader decodes PCM s16le from a reader, keeps a sliding window of the
// latest samples and emits one analyser frame every hop samples (one tick).
type FrameReader struct {
	inner    io.Reader
	analyser *Analyser
	channels int
	hop      int // mono samples per tick

	// DropWhenBusy discards a frame instead of blocking when the consumer is
	// behind. Live capture sets it; offline decoding leaves it off.
	DropWhenBusy bool

	history []float64
	dropped atomic.Int64
}

// NewFrameReader builds a reader for interleaved PCM with the given channel
// count. hop is the number of samples per channel between frames.
func NewFrameReader(inner io.Reader, analyser *Analyser, channels, hop int) *FrameReader {
	if channels < 1 {
		channels = 1
	}
	if hop < 1 {
		hop = 1
	}
	return &FrameReader{
		inner:    inner,
		analyser: analyser,
		channels: channels,
		hop:      hop,
		history:  make([]float64, 0, analyser.opts.FFTSize),
	}
}

// HopForTickRate returns samples per tick for a sample rate and tick rate.
func HopForTickRate(sampleRate, tickRate int) int {
	if tickRate <= 0 {
		tickRate = 60
	}
	hop := sampleRate / tickRate
	if hop < 1 {
		hop = 1
	}
	return hop
}

// Dropped returns how many frames were discarded with DropWhenBusy. Safe to
// call while Run is active.
func (fr *FrameReader) Dropped() int64 { return fr.dropped.Load() }

// Run reads until EOF or ctx is done, sending frames on out. It closes out
// before returning. EOF is not an error.
func (fr *FrameReader) Run(ctx context.Context, out chan<- features.Frame) error {
	defer close(out)

	raw := make([]byte, fr.hop*fr.channels*2)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := io.ReadFull(fr.inner, raw)
		if n > 0 {
			fr.push(raw[:n-n%(fr.channels*2)])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if n > 0 {
					fr.emit(ctx, out)
				}
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read pcm: %w", err)
		}
		fr.emit(ctx, out)
	}
}

func (fr *FrameReader) emit(ctx context.Context, out chan<- features.Frame) {
	frame := fr.analyser.Frame(fr.history)
	if fr.DropWhenBusy {
		select {
		case out <- frame:
		default:
			if n := fr.dropped.Add(1); n%600 == 1 {
				slog.Debug("analyser frames dropped", "total", n)
			}
		}
		return
	}
	select {
	case out <- frame:
	case <-ctx.Done():
	}
}

// push decodes interleaved s16le, downmixes to mono and appends to history,
// trimming it to the FFT size.
func (fr *FrameReader) push(p []byte) {
	step := fr.channels * 2
	for off := 0; off+step <= len(p); off += step {
		var sum float64
		for c := 0; c < fr.channels; c++ {
			s := int16(binary.LittleEndian.Uint16(p[off+c*2:]))
			sum += float64(s) / 32768.0
		}
		fr.history = append(fr.history, sum/float64(fr.channels))
	}
	if size := fr.analyser.opts.FFTSize; len(fr.history) > size {
		drop := len(fr.history) - size
		fr.history = append(fr.history[:0], fr.history[drop:]...)
	}
}
