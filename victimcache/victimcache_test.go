package victimcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocReturnsExactLength(t *testing.T) {
	c := New(1 << 20)
	buf, err := c.Alloc(100)
	require.NoError(t, err)
	assert.Len(t, buf, 100)
}

func TestFreeThenAllocReusesBuffer(t *testing.T) {
	c := New(1 << 20)
	buf, err := c.Alloc(100)
	require.NoError(t, err)
	buf[0] = 0xAB
	c.Free(buf)
	assert.Equal(t, int64(bucketSize(100)), c.CachedBytes())

	reused, err := c.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), reused[0])
	assert.Equal(t, int64(0), c.CachedBytes())
}

func TestAllocRejectsNegativeSize(t *testing.T) {
	c := New(1 << 20)
	_, err := c.Alloc(-1)
	assert.Error(t, err)
}

func TestFreeEvictsWhenOverBudget(t *testing.T) {
	c := New(bucketGranularity) // room for exactly one small bucket
	a, err := c.Alloc(60)
	require.NoError(t, err)
	b, err := c.Alloc(60)
	require.NoError(t, err)

	c.Free(a)
	assert.Equal(t, int64(bucketGranularity), c.CachedBytes())

	c.Free(b) // should evict a's cached entry to make room
	assert.LessOrEqual(t, c.CachedBytes(), int64(bucketGranularity))
}

func TestFreeDropsOversizedBuffer(t *testing.T) {
	c := New(64)
	buf := make([]byte, 128)
	c.Free(buf)
	assert.Equal(t, int64(0), c.CachedBytes())
}

func TestDifferentSizesUseDifferentBuckets(t *testing.T) {
	c := New(1 << 20)
	small, err := c.Alloc(10)
	require.NoError(t, err)
	c.Free(small)

	large, err := c.Alloc(1000)
	require.NoError(t, err)
	assert.Len(t, large, 1000)
	assert.Equal(t, int64(bucketSize(10)), c.CachedBytes())
}
