package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// MicCapturer records from the default input device through PortAudio.
type MicCapturer struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

func NewMicCapturer() *MicCapturer {
	return &MicCapturer{
		SampleRate:      44100,
		Channels:        1,
		FramesPerBuffer: 512,
	}
}

// Start opens the default input stream and pumps s16le into a pipe until ctx
// is done or the stream fails.
func (m *MicCapturer) Start(ctx context.Context) (io.ReadCloser, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("default input device: %w", err)
	}

	params := portaudio.HighLatencyParameters(device, nil)
	params.Input.Channels = m.Channels
	params.SampleRate = float64(m.SampleRate)
	params.FramesPerBuffer = m.FramesPerBuffer

	buffer := make([]int16, m.FramesPerBuffer*m.Channels)
	stream, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	slog.Info("🎧 audio capture started (portaudio)", "device", device.Name,
		"rate", m.SampleRate, "channels", m.Channels)

	pr, pw := io.Pipe()
	go func() {
		defer func() {
			stream.Stop()
			stream.Close()
			portaudio.Terminate()
			slog.Info("audio capture stopped")
		}()

		raw := make([]byte, len(buffer)*2)
		for ctx.Err() == nil {
			if err := stream.Read(); err != nil && err != portaudio.InputOverflowed {
				pw.CloseWithError(fmt.Errorf("read input stream: %w", err))
				return
			}
			for i, s := range buffer {
				binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
			}
			if _, err := pw.Write(raw); err != nil {
				return
			}
		}
		pw.Close()
	}()

	return pr, nil
}
