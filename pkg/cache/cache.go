// Package cache memoizes generated artifact pairs per template, keyed by the
// hash of the cleaned form data that produced them.
package cache

import (
	"sync"
	"time"

	"github.com/goliatone/go-docwizard/pkg/services"
)

// State is the lifecycle of a template's cached pair relative to the
// current form data.
type State string

const (
	// StateEmpty means nothing is cached for the template.
	StateEmpty State = "empty"
	// StateFresh means the cached pair matches the current data hash.
	StateFresh State = "fresh"
	// StateStale means a pair exists but was produced from other data.
	StateStale State = "stale"
)

// Entry is a complete (primary, secondary) artifact pair. Entries are only
// ever stored whole.
type Entry struct {
	Primary   services.Artifact `json:"primary"`
	Secondary services.Artifact `json:"secondary"`
	DataHash  string            `json:"dataHash"`
	StoredAt  time.Time         `json:"storedAt"`
}

// Stats counts cache lookups.
type Stats struct {
	Hits          int `json:"hits"`
	Misses        int `json:"misses"`
	Invalidations int `json:"invalidations"`
}

// Option customises a GenerationCache.
type Option func(*GenerationCache)

// WithClock overrides the time source stamped on entries.
func WithClock(now func() time.Time) Option {
	return func(c *GenerationCache) {
		if now != nil {
			c.now = now
		}
	}
}

// GenerationCache holds at most one entry per template.
type GenerationCache struct {
	mu      sync.Mutex
	entries map[string]Entry
	stats   Stats
	now     func() time.Time
}

// New returns an empty cache.
func New(options ...Option) *GenerationCache {
	c := &GenerationCache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range options {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Lookup returns the entry for templateID only when its hash matches.
func (c *GenerationCache) Lookup(templateID, hash string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[templateID]
	if !ok || entry.DataHash != hash {
		c.stats.Misses++
		return Entry{}, false
	}
	c.stats.Hits++
	return entry, true
}

// Peek returns whatever is stored for templateID without touching stats.
func (c *GenerationCache) Peek(templateID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[templateID]
	return entry, ok
}

// Store commits a complete pair for templateID, replacing any prior entry.
func (c *GenerationCache) Store(templateID, hash string, primary, secondary services.Artifact) Entry {
	entry := Entry{
		Primary:   primary,
		Secondary: secondary,
		DataHash:  hash,
		StoredAt:  c.now(),
	}
	c.mu.Lock()
	c.entries[templateID] = entry
	c.mu.Unlock()
	return entry
}

// Invalidate deletes the entry for templateID. It reports whether anything
// was removed.
func (c *GenerationCache) Invalidate(templateID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[templateID]; !ok {
		return false
	}
	delete(c.entries, templateID)
	c.stats.Invalidations++
	return true
}

// Clear drops every entry.
func (c *GenerationCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// State classifies the entry for templateID against the current hash.
func (c *GenerationCache) State(templateID, hash string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[templateID]
	switch {
	case !ok:
		return StateEmpty
	case entry.DataHash == hash:
		return StateFresh
	default:
		return StateStale
	}
}

// Len reports how many templates have an entry.
func (c *GenerationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *GenerationCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
