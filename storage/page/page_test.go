package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPage_PinCounting(t *testing.T) {
	p := New()
	p.SetID(7)
	assert.Equal(t, 0, p.PinCount())

	p.IncPinCount()
	p.IncPinCount()
	assert.Equal(t, 2, p.PinCount())

	assert.Equal(t, 1, p.DecPinCount())
	assert.Equal(t, 0, p.DecPinCount())
	// decrementing below zero is a no-op
	assert.Equal(t, 0, p.DecPinCount())
}

func TestPage_DirtyAndReset(t *testing.T) {
	p := New()
	assert.False(t, p.IsDirty())
	p.SetDirty()
	assert.True(t, p.IsDirty())

	copy(p.Data(), []byte("hello"))
	p.Reset(ID(3))
	assert.Equal(t, ID(3), p.ID())
	assert.False(t, p.IsDirty())
	assert.Equal(t, byte(0), p.Data()[0])
}
