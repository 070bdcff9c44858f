package audit

import (
	"fmt"
	"sync"
	"time"
)

// Default suppression timings.
const (
	DefaultDedupWindow = time.Second
	DefaultDedupTTL    = 10 * time.Second
)

// Suppressor remembers recently emitted audit keys so that a burst of
// identical events (a retried submit, a hook firing twice) produces one row.
// State is per process and lost on restart.
type Suppressor struct {
	mu     sync.Mutex
	window time.Duration
	ttl    time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

// NewSuppressor builds a suppressor. Zero durations take the defaults and a
// nil clock uses time.Now.
func NewSuppressor(window, ttl time.Duration, clock func() time.Time) *Suppressor {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if ttl < window {
		ttl = window
	}
	if clock == nil {
		clock = time.Now
	}
	return &Suppressor{
		window: window,
		ttl:    ttl,
		now:    clock,
		seen:   make(map[string]time.Time),
	}
}

// Key builds actorId|action|entityType|entityId|secondBucket.
func Key(actorID int64, action, entityType string, entityID *int64, at time.Time) string {
	id := "null"
	if entityID != nil {
		id = fmt.Sprintf("%d", *entityID)
	}
	return fmt.Sprintf("%d|%s|%s|%s|%d", actorID, action, entityType, id, at.UnixMilli()/1000)
}

// Now returns the suppressor's clock reading.
func (s *Suppressor) Now() time.Time {
	return s.now()
}

// ShouldSuppress reports whether key was recorded less than one window before at.
func (s *Suppressor) ShouldSuppress(key string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldSuppressLocked(key, at)
}

// Record stores at as the last sighting of key and sweeps entries older than the TTL.
func (s *Suppressor) Record(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(key, at)
}

// Allow atomically checks and records key at the current clock reading. It
// returns false when the event is a duplicate.
func (s *Suppressor) Allow(key string) bool {
	at := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldSuppressLocked(key, at) {
		return false
	}
	s.recordLocked(key, at)
	return true
}

// Len returns the number of remembered keys.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *Suppressor) shouldSuppressLocked(key string, at time.Time) bool {
	last, ok := s.seen[key]
	if !ok {
		return false
	}
	d := at.Sub(last)
	if d < 0 {
		d = -d
	}
	return d < s.window
}

func (s *Suppressor) recordLocked(key string, at time.Time) {
	s.seen[key] = at
	for k, t := range s.seen {
		if at.Sub(t) > s.ttl {
			delete(s.seen, k)
		}
	}
}
