package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/christian-lee/birdsong/internal/audio"
	"github.com/christian-lee/birdsong/internal/export"
	"github.com/christian-lee/birdsong/internal/features"
	"github.com/christian-lee/birdsong/internal/session"
)

var (
	classifyCSV      string
	classifyParquet  string
	classifyRealtime bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify <file>",
	Short: "Run the detector over a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		capt := audio.NewCapturer(args[0])
		capt.SampleRate, capt.Channels = cfg.Capture.SampleRate, cfg.Capture.Channels
		capt.NoiseSuppression = cfg.Capture.NoiseSuppression
		capt.Realtime = classifyRealtime

		opts, err := cfg.ListenOptions()
		if err != nil {
			return err
		}
		start := time.Now()
		sess, err := classify(ctx, capt, opts, start)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		loc := location(cfg)
		for _, e := range sess.Entries() {
			emoji := ""
			if sig, ok := opts.Detector.Table.Lookup(e.SpeciesKey); ok {
				emoji = sig.Emoji
			}
			offset := time.Duration(e.TimestampMS-start.UnixMilli()) * time.Millisecond
			fmt.Fprintf(out, "%9.3fs  %s %-10s %-4s energy=%3d confidence=%3d\n",
				offset.Seconds(), emoji, e.SpeciesKey, e.Band, e.Energy, e.Confidence)
		}
		sum := sess.Summary(time.Now())
		fmt.Fprintf(out, "session %s: %d events, %d transitions, %ds of audio\n",
			sum.SessionID, sum.Events, sum.Transitions, sum.Duration)

		if classifyCSV != "" {
			f, err := os.Create(classifyCSV)
			if err != nil {
				return fmt.Errorf("create csv: %w", err)
			}
			defer f.Close()
			if err := export.WriteCSV(f, sess.Entries(), loc); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
			slog.Info("💾 csv written", "path", classifyCSV)
		}
		if classifyParquet != "" {
			if err := export.WriteParquet(classifyParquet, sess.Entries()); err != nil {
				return err
			}
			slog.Info("💾 parquet written", "path", classifyParquet)
		}
		return nil
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyCSV, "csv", "", "write detections as CSV")
	classifyCmd.Flags().StringVar(&classifyParquet, "parquet", "", "write detections as Parquet")
	classifyCmd.Flags().BoolVar(&classifyRealtime, "realtime", false, "read the file at playback speed")
}

// classify drives the detection loop over a whole source. Detection times are
// media time from start, not wall time, so results are reproducible.
func classify(ctx context.Context, src audio.Source, opts session.Options, start time.Time) (*session.Session, error) {
	rc, err := src.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}
	defer rc.Close()

	hop := audio.HopForTickRate(opts.SampleRate, opts.TickRate)
	fr := audio.NewFrameReader(rc, audio.NewAnalyser(opts.Analyser), opts.Channels, hop)
	frames := make(chan features.Frame, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- fr.Run(ctx, frames) }()

	var ticks int64
	mediaTime := func() time.Time {
		return start.Add(time.Duration(ticks*int64(hop)) * time.Second / time.Duration(opts.SampleRate))
	}
	loop := &session.Loop{
		Detector: opts.Detector,
		Now: func() time.Time {
			t := mediaTime()
			ticks++
			return t
		},
	}
	sess := loop.Run(ctx, frames, session.New(start))
	sess.End(mediaTime())

	if err := <-errCh; err != nil {
		return sess, fmt.Errorf("read audio: %w", err)
	}
	if ticks == 0 {
		slog.Warn("no audio decoded")
	}
	return sess, nil
}
