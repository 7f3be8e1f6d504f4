package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
)

// Source starts a capture and yields raw PCM s16le.
type Source interface {
	Start(ctx context.Context) (io.ReadCloser, error)
}

// Capturer captures audio via ffmpeg from an input device, file or URL.
type Capturer struct {
	Input      string // device name, file path or URL
	Format     string // ffmpeg input format (alsa, pulse, avfoundation, dshow); empty for files
	SampleRate int
	Channels   int

	// NoiseSuppression applies ffmpeg's afftdn denoiser.
	NoiseSuppression bool
	// EchoCancellation has no ffmpeg equivalent; it is accepted and reported.
	EchoCancellation bool

	// Realtime throttles file input to wall-clock speed (-re).
	Realtime bool
}

func NewCapturer(input string) *Capturer {
	return &Capturer{
		Input:      input,
		SampleRate: 44100,
		Channels:   1,
	}
}

// Args returns the ffmpeg command line without the binary name.
func (c *Capturer) Args() []string {
	args := []string{"-nostdin"}
	if c.Realtime {
		args = append(args, "-re")
	}
	if c.Format != "" {
		args = append(args, "-f", c.Format)
	}
	args = append(args,
		"-i", c.Input,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(c.SampleRate),
		"-ac", strconv.Itoa(c.Channels),
	)
	if c.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	args = append(args,
		"-f", "s16le",
		"-loglevel", "error",
		"-",
	)
	return args
}

// Start runs ffmpeg and returns its stdout. The process is killed when ctx
// is cancelled.
func (c *Capturer) Start(ctx context.Context) (io.ReadCloser, error) {
	if c.EchoCancellation {
		slog.Warn("echo cancellation is not supported by the ffmpeg backend, ignoring")
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", c.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	slog.Info("🎧 audio capture started (ffmpeg)", "input", c.Input, "format", c.Format,
		"rate", c.SampleRate, "channels", c.Channels)

	go func() {
		<-ctx.Done()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		slog.Info("audio capture stopped")
	}()

	return stdout, nil
}
