package session

import (
	"context"
	"time"

	"github.com/christian-lee/birdsong/internal/features"
)

// Loop is the tick-driven capture loop: one frame in, one Tick out.
type Loop struct {
	Detector   Detector
	Dispatcher *Dispatcher      // optional
	OnTick     func(Tick)       // optional, called for every frame
	Now        func() time.Time // defaults to time.Now
}

// Run consumes frames until the channel closes or ctx is done. Detections are
// recorded in sess and published. It returns sess for the caller to finish.
func (l *Loop) Run(ctx context.Context, frames <-chan features.Frame, sess *Session) *Session {
	now := l.Now
	if now == nil {
		now = time.Now
	}
	for {
		select {
		case <-ctx.Done():
			return sess
		case frame, ok := <-frames:
			if !ok {
				return sess
			}
			tick := l.Detector.Process(frame, now())
			if tick.Detection != nil {
				tick.Detection.SessionID = sess.ID
				if !sess.Record(*tick.Detection) {
					tick.Detection = nil
				} else if l.Dispatcher != nil {
					l.Dispatcher.Publish(*tick.Detection)
				}
			}
			if l.OnTick != nil {
				l.OnTick(tick)
			}
		}
	}
}
