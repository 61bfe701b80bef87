package ready

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"
)

// Reader fetches a fresh ready map.
type Reader func(ctx context.Context) (Map, error)

// Cache is a short-TTL process-local cache of the ready map.
//
// Staleness is preferred to spurious emptiness: when a fresh read fails or
// comes back empty, the last non-empty value keeps being served even past
// its TTL.
type Cache struct {
	Log  *zap.Logger
	Read Reader
	TTL  time.Duration

	lru *simplelru.LRU
}

type cacheEntry struct {
	m           Map
	lastUpdated time.Time
}

const cacheKey = "ready-map"

// NewCache creates a ready map cache over a reader.
func NewCache(log *zap.Logger, read Reader, ttl time.Duration) *Cache {
	lru, err := simplelru.NewLRU(1, nil)
	if err != nil {
		panic("failed to build LRU: " + err.Error())
	}
	return &Cache{Log: log, Read: read, TTL: ttl, lru: lru}
}

// Get returns the cached ready map if it is within TTL, otherwise attempts
// a fresh read. A failed or empty fresh read falls back to the stale value.
func (c *Cache) Get(ctx context.Context) Map {
	now := time.Now()
	var stale Map
	if entryI, ok := c.lru.Get(cacheKey); ok {
		entry := entryI.(*cacheEntry)
		if now.Sub(entry.lastUpdated) <= c.TTL {
			return entry.m
		}
		stale = entry.m
	}
	fresh, err := c.Read(ctx)
	if err != nil {
		c.Log.Warn("Ready map read failed, serving stale", zap.Error(err))
		return stale
	}
	if len(fresh) == 0 {
		return stale
	}
	c.lru.Add(cacheKey, &cacheEntry{m: fresh, lastUpdated: now})
	return fresh
}
