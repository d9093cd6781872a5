package cache

import (
    "sync"
    "time"

    "pricefeed/internal/clock"
    "pricefeed/internal/provider"
)

// Tier names one of the three maps.
type Tier string

const (
    Fresh    Tier = "fresh"
    Fallback Tier = "fallback"
    Dynamic  Tier = "dynamic"
)

// TTLs are age based: a record's age is measured from its FetchedAt stamp,
// not from when it entered a tier.
type TTLs struct {
    Fresh    time.Duration `json:"fresh"`
    Fallback time.Duration `json:"fallback"`
    Dynamic  time.Duration `json:"dynamic"`
}

func DefaultTTLs() TTLs {
    return TTLs{Fresh: 5 * time.Minute, Fallback: 15 * time.Minute, Dynamic: 24 * time.Hour}
}

// Cache holds price records in three tiers keyed by canonical symbol.
// Fresh entries that age out are demoted to Fallback on access; Fallback and
// Dynamic entries past their TTL are evicted on access.
type Cache struct {
    clock clock.Clock
    ttl   TTLs

    mu       sync.RWMutex
    fresh    map[string]provider.PriceRecord
    fallback map[string]provider.PriceRecord
    dynamic  map[string]provider.PriceRecord
}

func New(c clock.Clock, ttl TTLs) *Cache {
    if c == nil { c = clock.Real{} }
    return &Cache{
        clock:    c,
        ttl:      ttl,
        fresh:    make(map[string]provider.PriceRecord),
        fallback: make(map[string]provider.PriceRecord),
        dynamic:  make(map[string]provider.PriceRecord),
    }
}

func (c *Cache) TTLs() TTLs { return c.ttl }

// GetFresh returns the record only while its age is within the Fresh TTL.
func (c *Cache) GetFresh(symbol string) (provider.PriceRecord, bool) {
    now := c.clock.Now()
    c.mu.RLock()
    rec, ok := c.fresh[symbol]
    c.mu.RUnlock()
    if !ok { return provider.PriceRecord{}, false }
    if rec.Age(now) < c.ttl.Fresh { return rec, true }

    c.mu.Lock()
    c.demoteLocked(symbol, now)
    c.mu.Unlock()
    return provider.PriceRecord{}, false
}

// GetFallback returns a record older than Fresh but within the Fallback TTL.
func (c *Cache) GetFallback(symbol string) (provider.PriceRecord, bool) {
    now := c.clock.Now()
    c.mu.Lock()
    defer c.mu.Unlock()
    c.demoteLocked(symbol, now)
    rec, ok := c.fallback[symbol]
    if !ok { return provider.PriceRecord{}, false }
    if rec.Age(now) < c.ttl.Fallback { return rec, true }
    delete(c.fallback, symbol)
    return provider.PriceRecord{}, false
}

// GetDynamic returns the last-resort record within the Dynamic TTL.
func (c *Cache) GetDynamic(symbol string) (provider.PriceRecord, bool) {
    now := c.clock.Now()
    c.mu.RLock()
    rec, ok := c.dynamic[symbol]
    c.mu.RUnlock()
    if !ok { return provider.PriceRecord{}, false }
    if rec.Age(now) < c.ttl.Dynamic { return rec, true }

    c.mu.Lock()
    if cur, ok := c.dynamic[symbol]; ok && cur.Age(now) >= c.ttl.Dynamic {
        delete(c.dynamic, symbol)
    }
    c.mu.Unlock()
    return provider.PriceRecord{}, false
}

// Put writes rec to Fresh and Dynamic. A record older than the one already
// held for the symbol never replaces it, so the later timestamp wins under
// concurrent writers.
func (c *Cache) Put(rec provider.PriceRecord) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if cur, ok := c.fresh[rec.Symbol]; !ok || !rec.FetchedAt.Before(cur.FetchedAt) {
        c.fresh[rec.Symbol] = rec
    }
    if cur, ok := c.dynamic[rec.Symbol]; !ok || !rec.FetchedAt.Before(cur.FetchedAt) {
        c.dynamic[rec.Symbol] = rec
    }
    c.evictExpiredLocked(c.clock.Now())
}

// Clear removes symbol from every tier.
func (c *Cache) Clear(symbol string) {
    c.mu.Lock()
    delete(c.fresh, symbol)
    delete(c.fallback, symbol)
    delete(c.dynamic, symbol)
    c.mu.Unlock()
}

// ClearAll empties every tier.
func (c *Cache) ClearAll() {
    c.mu.Lock()
    c.fresh = make(map[string]provider.PriceRecord)
    c.fallback = make(map[string]provider.PriceRecord)
    c.dynamic = make(map[string]provider.PriceRecord)
    c.mu.Unlock()
}

// Sizes reports the number of entries currently held per tier, expired
// entries not yet evicted included.
func (c *Cache) Sizes() map[Tier]int {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return map[Tier]int{
        Fresh:    len(c.fresh),
        Fallback: len(c.fallback),
        Dynamic:  len(c.dynamic),
    }
}

// demoteLocked moves an aged-out Fresh record into Fallback, keeping its
// original timestamp. A newer Fallback record is never overwritten.
func (c *Cache) demoteLocked(symbol string, now time.Time) {
    rec, ok := c.fresh[symbol]
    if !ok || rec.Age(now) < c.ttl.Fresh { return }
    delete(c.fresh, symbol)
    if cur, ok := c.fallback[symbol]; ok && cur.FetchedAt.After(rec.FetchedAt) { return }
    if rec.Age(now) < c.ttl.Fallback {
        c.fallback[symbol] = rec
    } else {
        delete(c.fallback, symbol)
    }
}

// evictExpiredLocked is the lazy sweep run on writes.
func (c *Cache) evictExpiredLocked(now time.Time) {
    for sym, rec := range c.fresh {
        if rec.Age(now) >= c.ttl.Fresh { c.demoteLocked(sym, now) }
    }
    for sym, rec := range c.fallback {
        if rec.Age(now) >= c.ttl.Fallback { delete(c.fallback, sym) }
    }
    for sym, rec := range c.dynamic {
        if rec.Age(now) >= c.ttl.Dynamic { delete(c.dynamic, sym) }
    }
}
