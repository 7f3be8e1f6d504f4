package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/christian-lee/birdsong/internal/audio"
	"github.com/christian-lee/birdsong/internal/features"
)

var (
	ErrAlreadyListening = errors.New("already listening")
	ErrNotListening     = errors.New("not listening")
)

// Options configure the next session a Listener starts.
type Options struct {
	Detector   Detector
	Analyser   audio.AnalyserOptions
	SampleRate int
	Channels   int
	TickRate   int
}

// Hooks are called around a session's lifetime, outside the listener lock.
type Hooks struct {
	OnStart func(*Session)
	OnStop  func(*Session)
}

// Listener owns the capture lifecycle: Start opens the source and creates a
// session, Stop tears both down and hands the finished session back.
type Listener struct {
	source     audio.Source
	dispatcher *Dispatcher
	hooks      Hooks

	mu     sync.Mutex
	opts   Options
	active *Session
	last   *Session
	cancel context.CancelFunc
	done   chan struct{}

	paused      atomic.Bool
	level       atomic.Uint64 // float64 bits
	frameReader atomic.Pointer[audio.FrameReader]
}

func NewListener(source audio.Source, dispatcher *Dispatcher, opts Options, hooks Hooks) *Listener {
	return &Listener{
		source:     source,
		dispatcher: dispatcher,
		opts:       opts,
		hooks:      hooks,
	}
}

// SetOptions replaces the options used by the next Start. A running session
// keeps the table and threshold it started with.
func (l *Listener) SetOptions(opts Options) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = opts
}

// Options returns the options for the next Start.
func (l *Listener) Options() Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts
}

// Start begins a new session.
func (l *Listener) Start(ctx context.Context) (*Session, error) {
	l.mu.Lock()
	if l.active != nil {
		l.mu.Unlock()
		return nil, ErrAlreadyListening
	}
	opts := l.opts

	runCtx, cancel := context.WithCancel(ctx)
	rc, err := l.source.Start(runCtx)
	if err != nil {
		cancel()
		l.mu.Unlock()
		return nil, fmt.Errorf("start capture: %w", err)
	}

	sess := New(time.Now())
	done := make(chan struct{})
	l.active, l.cancel, l.done = sess, cancel, done
	l.paused.Store(false)
	l.mu.Unlock()

	if l.hooks.OnStart != nil {
		l.hooks.OnStart(sess)
	}

	reader := audio.NewPausableReader(rc, l.paused.Load)
	analyser := audio.NewAnalyser(opts.Analyser)
	fr := audio.NewFrameReader(reader, analyser, opts.Channels, audio.HopForTickRate(opts.SampleRate, opts.TickRate))
	fr.DropWhenBusy = true
	l.frameReader.Store(fr)
	frames := make(chan features.Frame, 4)

	go func() {
		if err := fr.Run(runCtx, frames); err != nil {
			slog.Error("frame reader stopped", "session", sess.ID, "err", err)
		}
	}()

	loop := &Loop{
		Detector:   opts.Detector,
		Dispatcher: l.dispatcher,
		OnTick:     func(t Tick) { l.level.Store(math.Float64bits(t.Level)) },
	}
	go func() {
		defer close(done)
		loop.Run(runCtx, frames, sess)
		rc.Close()
		l.finish(sess)
	}()

	slog.Info("🎧 listening", "session", sess.ID, "threshold", opts.Detector.Threshold,
		"signatures", opts.Detector.Table.Len())
	return sess, nil
}

// Stop ends the active session and returns it once the loop has exited.
func (l *Listener) Stop() (*Session, error) {
	l.mu.Lock()
	if l.active == nil {
		l.mu.Unlock()
		return nil, ErrNotListening
	}
	sess, cancel, done := l.active, l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	return sess, nil
}

// Done is closed when the active session's loop exits, nil when idle.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Listener) finish(sess *Session) {
	l.mu.Lock()
	if l.active != sess {
		l.mu.Unlock()
		return
	}
	l.cancel()
	l.active = nil
	l.last = sess
	l.mu.Unlock()

	l.level.Store(0)
	sess.End(time.Now())
	s := sess.Summary(time.Now())
	slog.Info("⏸️ listening stopped", "session", sess.ID, "events", s.Events, "duration_s", s.Duration,
		"dropped_frames", l.DroppedFrames())
	if l.hooks.OnStop != nil {
		l.hooks.OnStop(sess)
	}
}

// Listening reports whether a session is running.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

// Session returns the running session, or the last finished one.
func (l *Listener) Session() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		return l.active
	}
	return l.last
}

// Reset clears the running session's log and clock.
func (l *Listener) Reset() error {
	l.mu.Lock()
	sess := l.active
	l.mu.Unlock()
	if sess == nil {
		return ErrNotListening
	}
	sess.Reset(time.Now())
	return nil
}

// SetPaused discards captured audio while true.
func (l *Listener) SetPaused(paused bool) { l.paused.Store(paused) }

func (l *Listener) Paused() bool { return l.paused.Load() }

// DroppedFrames returns the frames the current or last session discarded
// because the loop fell behind the capture.
func (l *Listener) DroppedFrames() int64 {
	if fr := l.frameReader.Load(); fr != nil {
		return fr.Dropped()
	}
	return 0
}

// Level returns the last tick's meter value (0-100).
func (l *Listener) Level() float64 { return math.Float64frombits(l.level.Load()) }
