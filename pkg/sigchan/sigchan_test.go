package sigchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitCoalesces(t *testing.T) {
	c := New(1)
	c.Emit()
	c.Emit()
	c.Emit()

	select {
	case <-c.C():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-c.C():
		t.Fatal("signals should have been coalesced")
	default:
	}

	emitted, coalesced := c.Stats()
	assert.Equal(t, uint64(3), emitted)
	assert.Equal(t, uint64(2), coalesced)
}

func TestDrain(t *testing.T) {
	c := New(4)
	assert.Zero(t, c.Drain())
	c.Emit()
	c.Emit()
	assert.Equal(t, 2, c.Drain())
	assert.Zero(t, c.Drain())
}

func TestNewClampsBuffer(t *testing.T) {
	c := New(0)
	c.Emit()
	assert.Equal(t, 1, c.Drain())
}
