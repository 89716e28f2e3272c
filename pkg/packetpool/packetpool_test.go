package packetpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPutInvariant(t *testing.T) {
	p := New(4)
	require.Equal(t, 4, p.FreeCount())

	a, err := p.Get()
	require.NoError(t, err)
	b, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, p.FreeCount())

	p.Put(a)
	assert.Equal(t, 3, p.FreeCount())
	p.Put(b)
	assert.Equal(t, 4, p.FreeCount())
}

func TestPoolExhausted(t *testing.T) {
	p := New(2)
	_, err := p.Get()
	require.NoError(t, err)
	_, err = p.Get()
	require.NoError(t, err)

	_, err = p.Get()
	require.Error(t, err)
}

func TestResetAllRestoresCapacity(t *testing.T) {
	p := New(3)
	_, err := p.Get()
	require.NoError(t, err)
	_, err = p.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, p.FreeCount())

	p.ResetAll()
	assert.Equal(t, 3, p.FreeCount())
}

func TestPutAfterResetAllIsNoop(t *testing.T) {
	p := New(2)
	pkt, err := p.Get()
	require.NoError(t, err)

	p.ResetAll()
	assert.Equal(t, 2, p.FreeCount())

	// pkt is a stale handle from the pre-reset generation; returning it
	// must not inflate the free list past capacity.
	p.Put(pkt)
	assert.Equal(t, 2, p.FreeCount())
}

func TestDoublePutIsSafe(t *testing.T) {
	p := New(2)
	pkt, err := p.Get()
	require.NoError(t, err)

	p.Put(pkt)
	p.Put(pkt) // second Put must be a no-op, not a double-free
	assert.Equal(t, 2, p.FreeCount())
}
