package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/christian-lee/birdsong/internal/audio"
	"github.com/christian-lee/birdsong/internal/config"
	"github.com/christian-lee/birdsong/internal/constellation"
	"github.com/christian-lee/birdsong/internal/export"
	"github.com/christian-lee/birdsong/internal/session"
	"github.com/christian-lee/birdsong/internal/sink"
	"github.com/christian-lee/birdsong/internal/store"
	"github.com/christian-lee/birdsong/internal/web"
)

var listenIdle bool

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Listen, serve the field panel and archive detections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd)
	},
}

func init() {
	listenCmd.Flags().BoolVar(&listenIdle, "idle", false, "wait for Start on the panel instead of listening immediately")
}

// hotSource builds the capture backend from the current config on every
// Start, so capture changes apply to the next session.
type hotSource struct {
	hc *config.HotConfig
}

func (s hotSource) Start(ctx context.Context) (io.ReadCloser, error) {
	return newSource(s.hc.Get().Capture).Start(ctx)
}

func newSource(c config.CaptureConfig) audio.Source {
	if c.Backend == config.BackendPortAudio {
		if c.EchoCancellation || c.NoiseSuppression {
			slog.Warn("portaudio backend applies no echo cancellation or noise suppression")
		}
		m := audio.NewMicCapturer()
		m.SampleRate, m.Channels = c.SampleRate, c.Channels
		return m
	}
	capt := audio.NewCapturer(c.Input)
	capt.Format = c.Format
	capt.SampleRate, capt.Channels = c.SampleRate, c.Channels
	capt.EchoCancellation = c.EchoCancellation
	capt.NoiseSuppression = c.NoiseSuppression
	return capt
}

func location(cfg *config.Config) *time.Location {
	loc, err := cfg.Location()
	if err != nil {
		return time.Local
	}
	return loc
}

func runListen(cmd *cobra.Command) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	hc, err := loadHotConfig(cmd)
	if err != nil {
		return err
	}
	cfg := hc.Get()

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := hc.Watch(ctx); err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if cfg.Web.Username != "" {
		if err := st.EnsureAdmin(cfg.Web.Username, cfg.Web.Password); err != nil {
			return fmt.Errorf("ensure admin: %w", err)
		}
	}

	graph := constellation.New(constellation.DefaultMaxNodes, uint64(time.Now().UnixNano()))
	hub := web.NewHub()

	disp := session.NewDispatcher(64)
	disp.Register("web", hub)
	disp.Register("graph", graph)
	disp.Register("archive", st)
	if len(cfg.Kafka.Brokers) > 0 {
		kopts, err := cfg.Kafka.Options()
		if err != nil {
			return err
		}
		k := sink.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, kopts...)
		defer k.Close()
		disp.Register("kafka", k)
		slog.Info("kafka sink enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic,
			"async", cfg.Kafka.Async, "acks", cfg.Kafka.RequiredAcks)
	}
	startDispatcher(ctx, disp)
	defer func() {
		disp.Close()
		if n := disp.Dropped(); n > 0 {
			slog.Warn("observer queues dropped detections", "count", n)
		}
	}()

	opts, err := cfg.ListenOptions()
	if err != nil {
		return err
	}

	hooks := session.Hooks{
		OnStart: func(s *session.Session) {
			if err := st.BeginSession(s.ID, s.StartedAt()); err != nil {
				slog.Error("archive session failed", "session", s.ID, "err", err)
			}
		},
		OnStop: func(s *session.Session) {
			if err := st.EndSession(s.ID, s.EndedAt()); err != nil {
				slog.Error("close archived session failed", "session", s.ID, "err", err)
			}
			c := hc.Get()
			path, err := export.SaveCSV(c.Export.Dir, s, location(c))
			if err != nil {
				slog.Error("save csv failed", "session", s.ID, "err", err)
				return
			}
			slog.Info("💾 session exported", "session", s.ID, "path", path)
		},
	}
	listener := session.NewListener(hotSource{hc: hc}, disp, opts, hooks)

	hc.OnReload(func(c *config.Config) {
		o, err := c.ListenOptions()
		if err != nil {
			slog.Error("reloaded config rejected", "err", err)
			return
		}
		listener.SetOptions(o)
		slog.Info("new signatures and threshold apply to the next session",
			"signatures", o.Detector.Table.Len(), "threshold", o.Detector.Threshold)
	})

	srv := web.NewServer(web.Options{
		Port:        cfg.Web.Port,
		Listener:    listener,
		Hub:         hub,
		Graph:       graph,
		Store:       st,
		Location:    func() *time.Location { return location(hc.Get()) },
		ExportDir:   func() string { return hc.Get().Export.Dir },
		BaseContext: ctx,
	})
	webErr := make(chan error, 1)
	go func() { webErr <- srv.Run(ctx) }()

	if !listenIdle {
		if _, err := listener.Start(ctx); err != nil {
			slog.Error("start listening failed, use the panel to retry", "err", err)
		}
	}

	slog.Info("🐦 birdsong started", "web", fmt.Sprintf("http://localhost:%d", cfg.Web.Port),
		"backend", cfg.Capture.Backend, "store", cfg.Store.Path)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-webErr:
		if err != nil {
			cancel()
			stopListening(listener)
			return err
		}
	}
	stopListening(listener)
	if err := <-webErr; err != nil {
		slog.Warn("web shutdown", "err", err)
	}
	return nil
}

// startDispatcher detaches delivery from the signal context so observers
// still see a live context while Close drains their queues on shutdown.
func startDispatcher(ctx context.Context, disp *session.Dispatcher) {
	disp.Start(context.WithoutCancel(ctx))
}

func stopListening(l *session.Listener) {
	if _, err := l.Stop(); err != nil && !errors.Is(err, session.ErrNotListening) {
		slog.Error("stop listening failed", "err", err)
	}
	// The ctx cancel may have ended the loop already; wait for its hooks.
	if done := l.Done(); done != nil {
		<-done
	}
}
