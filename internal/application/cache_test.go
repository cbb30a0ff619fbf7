package application_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acortes/civicsync/internal/application"
)

func newTestCache(t *testing.T, kv *memKV, cfg application.CacheConfig) *application.Cache {
	t.Helper()
	c, err := application.NewCache(context.Background(), kv, cfg)
	require.NoError(t, err)
	return c
}

func TestCache_SetAndGet(t *testing.T) {
	c := newTestCache(t, newMemKV(), application.CacheConfig{})
	ctx := context.Background()

	c.Set(ctx, "services:category=permits", json.RawMessage(`[{"id":"s1"}]`), 0)

	got, ok := c.Get(ctx, "services:category=permits")
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"s1"}]`, string(got))
}

func TestCache_GetMissing(t *testing.T) {
	c := newTestCache(t, newMemKV(), application.CacheConfig{})

	_, ok := c.Get(context.Background(), "nope")
	assert.False(t, ok)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := newTestCache(t, newMemKV(), application.CacheConfig{})
	ctx := context.Background()

	value := json.RawMessage(`{"n":1}`)
	c.Set(ctx, "k", value, 0)
	value[5] = '2' // caller mutates its own slice afterwards

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(got))

	got[5] = '9' // reader mutates the returned slice
	again, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(again))
}

func TestCache_ExpiredEntryDeletedOnRead(t *testing.T) {
	c := newTestCache(t, newMemKV(), application.CacheConfig{})
	ctx := context.Background()

	c.Set(ctx, "k", json.RawMessage(`1`), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_CapacityEvictsBatchOfOldest(t *testing.T) {
	c := newTestCache(t, newMemKV(), application.CacheConfig{Capacity: 10, EvictBatch: 3})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.Set(ctx, string(rune('a'+i)), json.RawMessage(`1`), 0)
	}
	require.Equal(t, 10, c.Len())

	c.Set(ctx, "overflow", json.RawMessage(`1`), 0)

	// Three oldest evicted, one inserted.
	assert.Equal(t, 8, c.Len())
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "overflow")
	assert.True(t, ok)
}

func TestCache_SurvivesRestart(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()

	first := newTestCache(t, kv, application.CacheConfig{})
	first.Set(ctx, "keep", json.RawMessage(`"v"`), time.Hour)
	first.Set(ctx, "drop", json.RawMessage(`"v"`), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	second := newTestCache(t, kv, application.CacheConfig{})

	got, ok := second.Get(ctx, "keep")
	require.True(t, ok)
	assert.JSONEq(t, `"v"`, string(got))
	_, ok = second.Get(ctx, "drop")
	assert.False(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	kv := newMemKV()
	c := newTestCache(t, kv, application.CacheConfig{})
	ctx := context.Background()

	c.Set(ctx, "k", json.RawMessage(`1`), 0)
	c.Invalidate(ctx, "k")

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	// Durable mirror gone too.
	raw, err := kv.Get(ctx, "cache", "k")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCache_InvalidateByPattern(t *testing.T) {
	c := newTestCache(t, newMemKV(), application.CacheConfig{})
	ctx := context.Background()

	c.Set(ctx, "services:category=permits", json.RawMessage(`1`), 0)
	c.Set(ctx, "services:category=waste", json.RawMessage(`1`), 0)
	c.Set(ctx, "bookings:user=u1", json.RawMessage(`1`), 0)

	n := c.InvalidateByPattern(ctx, regexp.MustCompile(`^services:`))

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(ctx, "bookings:user=u1")
	assert.True(t, ok)
}

func TestGenerateKey_Deterministic(t *testing.T) {
	a := application.GenerateKey("services", map[string]string{"category": "permits", "location": "north"})
	b := application.GenerateKey("services", map[string]string{"location": "north", "category": "permits"})

	assert.Equal(t, a, b)
	assert.Equal(t, "services:category=permits:location=north", a)
}

func TestGenerateKey_NoParams(t *testing.T) {
	assert.Equal(t, "services", application.GenerateKey("services", nil))
}
