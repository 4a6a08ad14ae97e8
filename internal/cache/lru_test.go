package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(size int, ttl time.Duration) (*LRUCache[int], *clock) {
	clk := &clock{t: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRUCache[int](size, ttl)
	c.now = clk.now
	return c, clk
}

func TestLRUGetSet(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", 1)
	c.Set("a", 2)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Size())

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Size())
}

func TestLRUExpiry(t *testing.T) {
	c, clk := newTestCache(10, time.Minute)
	c.Set("a", 1)
	clk.t = clk.t.Add(30 * time.Second)
	c.Set("b", 2)

	clk.t = clk.t.Add(45 * time.Second)
	_, ok := c.Get("a")
	assert.False(t, ok)

	clk.t = clk.t.Add(time.Minute)
	assert.Equal(t, 1, c.CleanExpired())
	assert.Equal(t, 0, c.Size())
}

func TestLRUDeleteAndPurge(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	c.Delete("missing")
	assert.Equal(t, 1, c.Size())

	c.Purge()
	assert.Equal(t, 0, c.Size())
	c.Set("c", 3)
	assert.Equal(t, 1, c.Size())
}

func TestManager(t *testing.T) {
	c, clk := newTestCache(10, time.Minute)
	c.Set("a", 1)
	clk.t = clk.t.Add(2 * time.Minute)

	m := NewManager()
	m.Register("summaries", c)
	assert.Equal(t, map[string]int{"summaries": 1}, m.CleanAll())

	m.StartCleanup(time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestManagerStopWithoutStart(t *testing.T) {
	NewManager().Stop()
}
