package ready

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func mapOf(typ, tenant string) Map {
	return Map{typ: {tenant: 100}}
}

func TestCacheFreshHit(t *testing.T) {
	ctx := context.Background()
	reads := 0
	cache := NewCache(zaptest.NewLogger(t), func(context.Context) (Map, error) {
		reads++
		return mapOf("a", "t1"), nil
	}, time.Minute)
	assert.Equal(t, mapOf("a", "t1"), cache.Get(ctx))
	assert.Equal(t, mapOf("a", "t1"), cache.Get(ctx))
	assert.Equal(t, 1, reads, "second get must hit the cache within TTL")
}

func TestCachePrefersStaleOverEmpty(t *testing.T) {
	ctx := context.Background()
	result := mapOf("a", "t1")
	var readErr error
	cache := NewCache(zaptest.NewLogger(t), func(context.Context) (Map, error) {
		return result, readErr
	}, -time.Nanosecond) // everything cached is immediately stale
	assert.Equal(t, mapOf("a", "t1"), cache.Get(ctx))
	// Empty fresh result: the stale value keeps being served.
	result = Map{}
	assert.Equal(t, mapOf("a", "t1"), cache.Get(ctx))
	// Failed fresh read: same.
	result, readErr = nil, errors.New("aggregator down")
	assert.Equal(t, mapOf("a", "t1"), cache.Get(ctx))
	// A new non-empty result replaces the cache.
	result, readErr = mapOf("b", "t2"), nil
	assert.Equal(t, mapOf("b", "t2"), cache.Get(ctx))
}

func TestCacheEmptyWithoutPrior(t *testing.T) {
	cache := NewCache(zaptest.NewLogger(t), func(context.Context) (Map, error) {
		return nil, errors.New("aggregator down")
	}, time.Second)
	assert.Equal(t, 0, cache.Get(context.Background()).Size())
}

func TestMapDelete(t *testing.T) {
	m := Map{"a": {"t1": 1, "t2": 2}, "b": {"t1": 3}}
	m.Delete("a", "t1")
	assert.True(t, m.Has("a", "t2"))
	assert.False(t, m.Has("a", "t1"))
	m.Delete("b", "t1")
	_, ok := m["b"]
	assert.False(t, ok, "type with no tenants left must be dropped")
	assert.Equal(t, 1, m.Size())
	m.Delete("missing", "t1")
}
