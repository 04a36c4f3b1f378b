package pincount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncrementDecrement(t *testing.T) {
	p := New(2)
	p.Increment(0, 100)
	p.Increment(1, 50)
	require.Equal(t, uint64(2), p.TotalPins())
	require.Equal(t, uint64(150), p.TotalPinnedBytes())

	p.Decrement(0, 100)
	require.Equal(t, uint64(1), p.TotalPins())
	require.Equal(t, uint64(50), p.TotalPinnedBytes())

	p.Decrement(1, 50)
	p.AssertZero()
}

func TestWatermarks(t *testing.T) {
	p := New(1)
	p.Increment(0, 10)
	p.Increment(0, 10)
	p.Decrement(0, 10)
	require.Equal(t, uint64(1), p.TotalPins())
	require.Equal(t, uint64(2), p.maxPins)
	require.Equal(t, uint64(20), p.maxPinnedBytes)
}

func TestDecrementUnderflowPanics(t *testing.T) {
	p := New(1)
	require.Panics(t, func() { p.Decrement(0, 1) })
}

func TestAssertZeroPanicsOnLeak(t *testing.T) {
	p := New(1)
	p.Increment(0, 5)
	require.Panics(t, func() { p.AssertZero() })
}
