package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/taskbridge/message"
)

const (
	// DefaultMaxEntries bounds how many definitions stay parsed in memory.
	DefaultMaxEntries = 100
	// DefaultTTL is how long a parsed definition stays fresh. Definitions
	// are immutable in the engine, but redeployments mint new ids, so a
	// long TTL is safe.
	DefaultTTL = time.Hour
)

// XMLProvider fetches process definition XML. *engine.Client satisfies it.
type XMLProvider interface {
	ProcessDefinitionXML(ctx context.Context, definitionID string) (string, error)
}

// CacheConfig tunes the definition cache.
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Entries     int     `json:"entries"`
	Bytes       int     `json:"bytes"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	XMLRequests uint64  `json:"xmlRequests"`
	ParseOps    uint64  `json:"parseOps"`
	Evictions   uint64  `json:"evictions"`
	HitRate     float64 `json:"hitRate"`
}

type entry struct {
	activities   map[string]message.ActivityMetadata
	cachedAt     time.Time
	lastAccessed time.Time
	bytes        int
}

// Cache memoizes parsed definitions with a TTL and a capacity bound. At
// capacity it evicts the quarter of entries with the oldest lastAccessed.
// Concurrent misses on the same definition may fetch twice; both results
// are identical so the last write simply wins.
type Cache struct {
	provider   XMLProvider
	logger     *slog.Logger
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	hits        uint64
	misses      uint64
	xmlRequests uint64
	parseOps    uint64
	evictions   uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock overrides the cache's time source, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithCacheLogger sets the logger used for fetch and eviction events.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache creates a definition cache in front of an XML provider.
func NewCache(provider XMLProvider, cfg CacheConfig, opts ...CacheOption) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	c := &Cache{
		provider:   provider,
		logger:     slog.Default(),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ActivityMetadata returns the annotations of one activity in one process
// definition, fetching and parsing the definition on a cache miss. Unknown
// activity ids return a zero value without error; that just means the
// modeler annotated nothing.
func (c *Cache) ActivityMetadata(ctx context.Context, definitionID, activityID string) (message.ActivityMetadata, error) {
	if definitionID == "" {
		return message.ActivityMetadata{}, fmt.Errorf("definition id is empty")
	}

	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[definitionID]; ok && now.Sub(e.cachedAt) < c.ttl {
		e.lastAccessed = now
		c.hits++
		md := e.activities[activityID]
		c.mu.Unlock()
		return md, nil
	}
	c.misses++
	c.mu.Unlock()

	activities, size, err := c.fetch(ctx, definitionID)
	if err != nil {
		return message.ActivityMetadata{}, err
	}

	now = c.now()
	c.mu.Lock()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[definitionID] = &entry{
		activities:   activities,
		cachedAt:     now,
		lastAccessed: now,
		bytes:        size,
	}
	c.mu.Unlock()

	return activities[activityID], nil
}

func (c *Cache) fetch(ctx context.Context, definitionID string) (map[string]message.ActivityMetadata, int, error) {
	c.mu.Lock()
	c.xmlRequests++
	c.mu.Unlock()

	bpmnXML, err := c.provider.ProcessDefinitionXML(ctx, definitionID)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch definition %s: %w", definitionID, err)
	}

	c.mu.Lock()
	c.parseOps++
	c.mu.Unlock()

	activities, err := ParseDefinition(bpmnXML)
	if err != nil {
		return nil, 0, fmt.Errorf("definition %s: %w", definitionID, err)
	}
	c.logger.Debug("parsed process definition",
		"definition_id", definitionID,
		"service_tasks", len(activities),
		"xml_bytes", len(bpmnXML))
	return activities, len(bpmnXML), nil
}

// evictLocked removes the oldest quarter of entries by lastAccessed. The
// caller holds c.mu.
func (c *Cache) evictLocked() {
	type aged struct {
		id       string
		accessed time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for id, e := range c.entries {
		all = append(all, aged{id: id, accessed: e.lastAccessed})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].accessed.Before(all[j].accessed)
	})

	n := len(c.entries) / 4
	if n < 1 {
		n = 1
	}
	for _, victim := range all[:n] {
		delete(c.entries, victim.id)
	}
	c.evictions += uint64(n)
	c.logger.Debug("evicted cached definitions", "count", n, "remaining", len(c.entries))
}

// Invalidate drops one definition from the cache.
func (c *Cache) Invalidate(definitionID string) {
	c.mu.Lock()
	delete(c.entries, definitionID)
	c.mu.Unlock()
}

// Stats returns a consistent snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bytes int
	for _, e := range c.entries {
		bytes += e.bytes
	}
	s := Stats{
		Entries:     len(c.entries),
		Bytes:       bytes,
		Hits:        c.hits,
		Misses:      c.misses,
		XMLRequests: c.xmlRequests,
		ParseOps:    c.parseOps,
		Evictions:   c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
