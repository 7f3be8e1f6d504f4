package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Session is the state of one listening run, from start to stop. The capture
// loop appends to it; the web panel and exporters read snapshots.
type Session struct {
	ID string

	mu        sync.RWMutex
	startedAt time.Time
	endedAt   time.Time
	entries   []Entry
	last      *Detection
}

// Summary is the panel header: duration, detections and transitions.
type Summary struct {
	SessionID   string `json:"session_id"`
	Duration    int    `json:"duration_s"`
	Events      int    `json:"events"`
	Transitions int    `json:"transitions"`
	Ended       bool   `json:"ended"`
}

// New starts a session at now.
func New(now time.Time) *Session {
	return &Session{ID: NewID(now), startedAt: now}
}

// NewID builds a sortable session ID: start time plus a short random suffix.
func NewID(now time.Time) string {
	b := make([]byte, 3)
	rand.Read(b)
	return now.Format("20060102_150405") + "_" + hex.EncodeToString(b)
}

// Record appends a detection to the log. A detection stamped before the
// session clock (one in flight across a Reset) is dropped and false returned.
func (s *Session) Record(d Detection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Timestamp.Before(s.startedAt) {
		return false
	}
	s.entries = append(s.entries, d.Entry())
	s.last = &d
	return true
}

// Entries returns the log in detection order.
func (s *Session) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Recent returns up to n entries, newest first. n <= 0 means all.
func (s *Session) Recent(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out
}

// Last returns the most recent detection.
func (s *Session) Last() (Detection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Detection{}, false
	}
	return *s.last, true
}

// StartedAt returns when the session (or its last reset) began.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// EndedAt returns the stop time, zero while running.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// Summary reports the session at now. Duration freezes once ended.
func (s *Session) Summary(now time.Time) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	end := now
	if !s.endedAt.IsZero() {
		end = s.endedAt
	}
	events := len(s.entries)
	return Summary{
		SessionID:   s.ID,
		Duration:    int(end.Sub(s.startedAt).Round(time.Second) / time.Second),
		Events:      events,
		Transitions: max(0, events-1),
		Ended:       !s.endedAt.IsZero(),
	}
}

// Reset clears the log and restarts the clock, keeping the ID.
func (s *Session) Reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.last = nil
	s.startedAt = now
}

// End marks the session finished. Later calls are ignored.
func (s *Session) End(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		s.endedAt = now
	}
}
