package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Observer receives detections. Delivery is fire-and-forget: errors are
// logged and never reach the capture loop.
type Observer interface {
	Observe(ctx context.Context, d Detection) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, d Detection) error

func (f ObserverFunc) Observe(ctx context.Context, d Detection) error { return f(ctx, d) }

type subscription struct {
	name    string
	obs     Observer
	ch      chan Detection
	dropped atomic.Int64
}

// Dispatcher fans detections out to observers. Each observer has its own
// buffered queue and goroutine so a slow one cannot stall the loop or the
// others; a full queue drops the detection for that observer only.
type Dispatcher struct {
	buffer int

	mu      sync.RWMutex
	subs    []*subscription
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewDispatcher(buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 64
	}
	return &Dispatcher{buffer: buffer}
}

// Register adds an observer. Must be called before Start.
func (d *Dispatcher) Register(name string, obs Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		slog.Warn("observer registered after start, ignoring", "observer", name)
		return
	}
	d.subs = append(d.subs, &subscription{name: name, obs: obs, ch: make(chan Detection, d.buffer)})
}

// Start launches one delivery goroutine per observer.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for _, sub := range d.subs {
		d.wg.Add(1)
		go func(sub *subscription) {
			defer d.wg.Done()
			for det := range sub.ch {
				if err := sub.obs.Observe(ctx, det); err != nil {
					slog.Error("observer failed", "observer", sub.name, "err", err)
				}
			}
		}(sub)
	}
}

// Publish queues det for every observer without blocking.
func (d *Dispatcher) Publish(det Detection) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, sub := range d.subs {
		select {
		case sub.ch <- det:
		default:
			if n := sub.dropped.Add(1); n%600 == 1 {
				slog.Warn("observer queue full, dropping detections", "observer", sub.name, "dropped", n)
			}
		}
	}
}

// Close stops accepting detections, drains the queues and waits.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, sub := range d.subs {
		close(sub.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Dropped returns the detections dropped across all observer queues.
func (d *Dispatcher) Dropped() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int64
	for _, sub := range d.subs {
		n += sub.dropped.Load()
	}
	return n
}
