// Package cooldown gates repeated firing of the same action class against
// the same source.
package cooldown

import (
	"fmt"
	"sync"
	"time"
)

// Class groups actions that share a cooldown.
type Class string

const (
	ClassScan  Class = "scan"
	ClassBlock Class = "block"
)

// Config holds the per-class cooldown durations.
type Config struct {
	Scan  time.Duration
	Block time.Duration
}

// DefaultConfig returns a 5 minute scan cooldown and a 1 hour block cooldown.
func DefaultConfig() Config {
	return Config{Scan: 300 * time.Second, Block: 3600 * time.Second}
}

// Entry is the last recorded fire of a class against a source.
type Entry struct {
	SourceID    string
	Class       Class
	LastFiredAt time.Time
}

type key struct {
	source string
	class  Class
}

// Gate tracks one entry per (source, class). It is safe for concurrent use;
// callers that need check-then-fire atomicity must serialize per source
// themselves.
type Gate struct {
	mu      sync.Mutex
	entries map[key]time.Time
	cfg     Config
	now     func() time.Time
}

// New returns an empty gate. A nil clock means time.Now.
func New(cfg Config, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		entries: make(map[key]time.Time),
		cfg:     cfg,
		now:     now,
	}
}

// Duration returns the cooldown configured for class.
func (g *Gate) Duration(class Class) time.Duration {
	switch class {
	case ClassScan:
		return g.cfg.Scan
	case ClassBlock:
		return g.cfg.Block
	default:
		panic(fmt.Sprintf("cooldown: unknown class %q", class))
	}
}

// Allowed reports whether class may fire against sourceID now: either it has
// never fired, or more than the class's cooldown has elapsed since it did.
func (g *Gate) Allowed(sourceID string, class Class) bool {
	d := g.Duration(class)
	now := g.now()

	g.mu.Lock()
	last, ok := g.entries[key{sourceID, class}]
	g.mu.Unlock()

	if !ok {
		return true
	}
	return now.Sub(last) > d
}

// Remaining returns how long until class may fire again against sourceID,
// or zero when it is allowed.
func (g *Gate) Remaining(sourceID string, class Class) time.Duration {
	d := g.Duration(class)
	now := g.now()

	g.mu.Lock()
	last, ok := g.entries[key{sourceID, class}]
	g.mu.Unlock()

	if !ok {
		return 0
	}
	if rem := d - now.Sub(last); rem > 0 {
		return rem
	}
	return 0
}

// MarkFired records that class fired against sourceID at the given time,
// replacing any previous entry.
func (g *Gate) MarkFired(sourceID string, class Class, at time.Time) {
	g.Duration(class) // reject unknown classes early

	g.mu.Lock()
	g.entries[key{sourceID, class}] = at
	g.mu.Unlock()
}

// LastFired returns the last fire time for (sourceID, class).
func (g *Gate) LastFired(sourceID string, class Class) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.entries[key{sourceID, class}]
	return at, ok
}

// Entries returns a snapshot of every entry.
func (g *Gate) Entries() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Entry, 0, len(g.entries))
	for k, at := range g.entries {
		out = append(out, Entry{SourceID: k.source, Class: k.class, LastFiredAt: at})
	}
	return out
}

// Now returns the gate's clock reading.
func (g *Gate) Now() time.Time { return g.now() }
