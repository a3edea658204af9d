// Package history keeps an append-only, in-memory log of observed events per
// source and answers time-windowed queries over it.
package history

import (
	"sync"
	"time"

	"github.com/jmerrifield20/autoshield/internal/event"
)

// Record is one observed event as retained by the store.
type Record struct {
	SourceID   string         `json:"source_id"`
	Type       event.Type     `json:"event_type"`
	ObservedAt time.Time      `json:"observed_at"`
	Severity   event.Severity `json:"severity"`
}

// FromEvent converts a validated event into a history record.
func FromEvent(ev event.Event) Record {
	return Record{
		SourceID:   ev.SourceID,
		Type:       ev.Type,
		ObservedAt: ev.ObservedAt,
		Severity:   ev.Severity,
	}
}

// Summary aggregates a source's history for reputation queries.
type Summary struct {
	Total    int
	Recent   int
	LastSeen time.Time
}

// Store is a thread-safe per-source event log. Records for a source are kept
// in insertion order, which is also time order.
type Store struct {
	mu           sync.RWMutex
	sources      map[string][]Record
	maxPerSource int
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxPerSource bounds the number of records retained per source. The
// oldest records are dropped first. Zero means unbounded.
func WithMaxPerSource(n int) Option {
	return func(s *Store) { s.maxPerSource = n }
}

// WithClock overrides the time source used for window queries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sources: make(map[string][]Record),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Record appends r to its source's log. A record stamped earlier than the
// source's latest record is clamped to that timestamp so the log stays
// monotonic.
func (s *Store) Record(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.sources[r.SourceID]
	if n := len(recs); n > 0 && r.ObservedAt.Before(recs[n-1].ObservedAt) {
		r.ObservedAt = recs[n-1].ObservedAt
	}
	recs = append(recs, r)
	if s.maxPerSource > 0 && len(recs) > s.maxPerSource {
		trimmed := make([]Record, s.maxPerSource)
		copy(trimmed, recs[len(recs)-s.maxPerSource:])
		recs = trimmed
	}
	s.sources[r.SourceID] = recs
}

// RecentEvents returns the source's records observed within
// [now-window, now], oldest first. The returned slice is a copy.
func (s *Store) RecentEvents(sourceID string, window time.Duration) []Record {
	now := s.now()
	from := now.Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.sources[sourceID]
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if r.ObservedAt.Before(from) || r.ObservedAt.After(now) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Summary returns total, windowed and last-seen figures for a source.
func (s *Store) Summary(sourceID string, window time.Duration) Summary {
	now := s.now()
	from := now.Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.sources[sourceID]
	sum := Summary{Total: len(recs)}
	for _, r := range recs {
		if !r.ObservedAt.Before(from) && !r.ObservedAt.After(now) {
			sum.Recent++
		}
	}
	if len(recs) > 0 {
		sum.LastSeen = recs[len(recs)-1].ObservedAt
	}
	return sum
}

// Evict drops records observed before now-retention and forgets sources
// left empty. It returns the number of records removed.
func (s *Store) Evict(retention time.Duration) int {
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for src, recs := range s.sources {
		i := 0
		for i < len(recs) && recs[i].ObservedAt.Before(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		n += i
		if i == len(recs) {
			delete(s.sources, src)
			continue
		}
		s.sources[src] = append([]Record(nil), recs[i:]...)
	}
	return n
}

// Sources returns the number of sources with retained history.
func (s *Store) Sources() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sources)
}
