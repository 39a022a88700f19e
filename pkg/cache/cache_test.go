package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryCache_TTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewInMemoryCache[string, int](time.Minute, 0)
	c.SetClock(func() time.Time { return now })

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "到期即失效")
	assert.Equal(t, 0, c.Size())
}

func TestInMemoryCache_DeleteFunc(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute, 0)
	c.Set("tpl1|asia", 1, 0)
	c.Set("tpl1|", 2, 0)
	c.Set("tpl2|", 3, 0)

	n := c.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, "tpl1|") })
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Size())
	_, ok := c.Get("tpl2|")
	assert.True(t, ok)
}

func TestInMemoryCache_StopIsIdempotent(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute, time.Millisecond)
	c.Stop()
	c.Stop()
}
