// Package scoring wraps the external toxicity classifier with a short-lived
// result cache and a process-wide cooldown throttle. Repeated texts are
// answered from memory; only cache misses reach the backend, and physical
// backend calls are spaced at least one cooldown apart.
package scoring

import (
	"sync"
	"time"
)

// ScoredText is one cached classifier output. Entries are never mutated once
// stored; a newer Put for the same text replaces the entry wholesale.
type ScoredText struct {
	Text       string
	Label      string
	Confidence float64
	ObservedAt time.Time
}

// ScoreCache memoises classifier outputs keyed by the exact text. Expiry is
// lazy: an entry older than the TTL is reported as a miss on read and is
// overwritten by the next Put. There is no background sweeper.
type ScoreCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]ScoredText
	now     func() time.Time
}

// NewScoreCache creates an empty cache whose entries live for ttl.
func NewScoreCache(ttl time.Duration) *ScoreCache {
	return &ScoreCache{
		ttl:     ttl,
		entries: make(map[string]ScoredText),
		now:     time.Now,
	}
}

// Get returns the live entry for text. A miss (absent or expired) does not
// modify the cache.
func (c *ScoreCache) Get(text string) (ScoredText, bool) {
	c.mu.RLock()
	entry, ok := c.entries[text]
	c.mu.RUnlock()

	if !ok || c.expired(entry) {
		return ScoredText{}, false
	}
	return entry, true
}

// Put stores a classifier output for text, stamped with the current time.
func (c *ScoreCache) Put(text, label string, confidence float64) {
	entry := ScoredText{
		Text:       text,
		Label:      label,
		Confidence: confidence,
		ObservedAt: c.now(),
	}

	c.mu.Lock()
	c.entries[text] = entry
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones that have
// not been overwritten yet.
func (c *ScoreCache) Len() int {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return n
}

func (c *ScoreCache) expired(entry ScoredText) bool {
	return c.now().Sub(entry.ObservedAt) > c.ttl
}
