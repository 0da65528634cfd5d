// Package cache holds the latest Market and Token snapshots keyed by id.
package cache

import (
	"sort"
	"sync"
	"time"

	"venuesync/internal/models"
)

// Stats summarises the cache contents.
type Stats struct {
	Tokens    int
	Markets   int
	UpdatedAt time.Time
}

// Cache is the metadata table. Lookups return ok=false for unknown keys;
// absence is expected until the first snapshot lands.
type Cache struct {
	mu        sync.RWMutex
	tokens    map[string]models.Token
	markets   map[string]models.Market
	updatedAt time.Time
	now       func() time.Time
}

func New() *Cache {
	return &Cache{
		tokens:  make(map[string]models.Token),
		markets: make(map[string]models.Market),
		now:     time.Now,
	}
}

// SetTokens replaces the whole token table.
func (c *Cache) SetTokens(tokens []models.Token) {
	next := make(map[string]models.Token, len(tokens))
	for _, t := range tokens {
		next[t.Ticker] = t
	}

	c.mu.Lock()
	c.tokens = next
	c.updatedAt = c.now()
	c.mu.Unlock()
}

// SetMarkets replaces the whole market table.
func (c *Cache) SetMarkets(markets []models.Market) {
	next := make(map[string]models.Market, len(markets))
	for _, m := range markets {
		next[m.ID] = m
	}

	c.mu.Lock()
	c.markets = next
	c.updatedAt = c.now()
	c.mu.Unlock()
}

func (c *Cache) Token(ticker string) (models.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[ticker]
	return t, ok
}

func (c *Cache) Market(id string) (models.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[id]
	return m, ok
}

func (c *Cache) HasToken(ticker string) bool {
	_, ok := c.Token(ticker)
	return ok
}

func (c *Cache) HasMarket(id string) bool {
	_, ok := c.Market(id)
	return ok
}

// Tokens returns all tokens sorted by ticker.
func (c *Cache) Tokens() []models.Token {
	c.mu.RLock()
	out := make([]models.Token, 0, len(c.tokens))
	for _, t := range c.tokens {
		out = append(out, t)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Markets returns all markets sorted by id.
func (c *Cache) Markets() []models.Market {
	c.mu.RLock()
	out := make([]models.Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, m)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsReady reports whether both tables hold at least one entry.
func (c *Cache) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens) > 0 && len(c.markets) > 0
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.tokens = make(map[string]models.Token)
	c.markets = make(map[string]models.Market)
	c.updatedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Tokens: len(c.tokens), Markets: len(c.markets), UpdatedAt: c.updatedAt}
}
