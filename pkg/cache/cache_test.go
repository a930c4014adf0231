package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetAfterPut(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)

	c.Put("file-a", 0, []byte("chunk zero"))
	c.Put("file-a", 1, []byte("chunk one"))
	c.Put("file-b", 0, []byte("other file"))

	data, ok := c.Get("file-a", 0)
	require.True(t, ok)
	assert.Equal(t, []byte("chunk zero"), data)

	_, ok = c.Get("file-a", 2)
	assert.False(t, ok)
	_, ok = c.Get("file-c", 0)
	assert.False(t, ok)
}

func TestCacheBound(t *testing.T) {
	c, err := New(100)
	require.NoError(t, err)

	for i := uint32(0); i < 250; i++ {
		c.Put("file", i, []byte{byte(i)})
		assert.LessOrEqual(t, c.Len(), 100)
	}
	assert.Equal(t, 100, c.Len())

	// Oldest entries were evicted, newest survive.
	_, ok := c.Get("file", 0)
	assert.False(t, ok)
	_, ok = c.Get("file", 249)
	assert.True(t, ok)
}

func TestCacheGetPromotes(t *testing.T) {
	c, err := New(3)
	require.NoError(t, err)

	c.Put("f", 0, []byte("a"))
	c.Put("f", 1, []byte("b"))
	c.Put("f", 2, []byte("c"))

	// Touch index 0 so index 1 becomes least recently used.
	_, ok := c.Get("f", 0)
	require.True(t, ok)

	c.Put("f", 3, []byte("d"))

	_, ok = c.Get("f", 1)
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("f", 0)
	assert.True(t, ok)
}

func TestCacheDistinctFilesSameIndex(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("file-%d", i), 0, []byte{byte(i)})
	}
	for i := 0; i < 5; i++ {
		data, ok := c.Get(fmt.Sprintf("file-%d", i), 0)
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, data)
	}
}
