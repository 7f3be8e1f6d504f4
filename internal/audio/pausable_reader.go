package audio

import (
	"io"
	"time"
)

// PausableReader wraps a PCM reader and discards audio while paused.
// The capture process keeps running so resuming does not reopen the device.
type PausableReader struct {
	inner    io.ReadCloser
	isPaused func() bool
	discard  []byte
}

func NewPausableReader(inner io.ReadCloser, isPaused func() bool) *PausableReader {
	return &PausableReader{inner: inner, isPaused: isPaused, discard: make([]byte, 4096)}
}

func (r *PausableReader) Read(p []byte) (int, error) {
	for r.isPaused() {
		if _, err := r.inner.Read(r.discard); err != nil {
			return 0, err
		}
		time.Sleep(20 * time.Millisecond)
	}
	return r.inner.Read(p)
}

func (r *PausableReader) Close() error {
	return r.inner.Close()
}
