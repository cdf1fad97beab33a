package canonical

import (
	"sync"
	"time"
)

// Stamper issues server timestamps in epoch milliseconds. Write stamps are strictly increasing,
// and a watermark handed out as a pull checkpoint is never reused by a later write stamp.
type Stamper struct {
	mu    sync.Mutex
	clock func() time.Time
	last  int64
}

// NewStamper builds a stamper on the provided clock. A nil clock uses time.Now.
func NewStamper(clock func() time.Time) *Stamper {
	if clock == nil {
		clock = time.Now
	}
	return &Stamper{clock: clock}
}

// Next returns the next stamp: the clock reading, or last+1 when the clock has not advanced.
func (s *Stamper) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC().UnixMilli()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}

// Watermark returns a checkpoint covering every stamp issued so far. Later calls to Next
// return values strictly greater than the watermark. It relies on the store serializing
// transactions (one SQLite connection), so no write stamped earlier is still uncommitted.
func (s *Stamper) Watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC().UnixMilli()
	if now < s.last {
		now = s.last
	}
	s.last = now
	return now
}

// Observe raises the floor so later stamps exceed an already persisted value.
func (s *Stamper) Observe(stamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stamp > s.last {
		s.last = stamp
	}
}
