package blockpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetPut(t *testing.T) {
	p := New(4, 2)
	assert.Equal(t, 2, p.Cap())
	assert.Equal(t, 2, p.Available())

	h1, b1 := p.Get()
	assert.Len(t, b1, 4)
	assert.Equal(t, 1, p.Available())

	b1[0] = 0xff
	h2, b2 := p.Get()
	assert.Equal(t, 0, p.Available())
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, byte(0), b2[0])

	p.Put(h1)
	assert.Equal(t, 1, p.Available())
}

func TestPoolExhaustionPanics(t *testing.T) {
	p := New(4, 1)
	p.Get()
	require.Panics(t, func() { p.Get() })
}

func TestIntVecPool(t *testing.T) {
	p := NewIntVecPool(3, 2)
	h, v := p.Get()
	require.Len(t, v, 3)
	v[0] = 7
	p.Put(h)
	_, v2 := p.Get()
	assert.Len(t, v2, 3)
}
