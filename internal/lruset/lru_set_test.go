package lruset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutTouchOrder(t *testing.T) {
	s := New[int]()
	s.Put(1)
	s.Put(2)
	s.Put(3)
	require.Equal(t, []int{1, 2, 3}, s.Elements())

	s.Touch(1)
	require.Equal(t, []int{2, 3, 1}, s.Elements())

	s.Put(2)
	require.Equal(t, []int{3, 1, 2}, s.Elements())
}

func TestPopLRU(t *testing.T) {
	s := New[string]()
	s.Put("a")
	s.Put("b")
	s.Put("c")

	x, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, "a", x)
	require.Equal(t, 2, s.Len())

	s.Erase("c")
	require.False(t, s.Contains("c"))
	require.Equal(t, []string{"b"}, s.Elements())
}

func TestPopEmpty(t *testing.T) {
	s := New[int]()
	_, ok := s.Pop()
	require.False(t, ok)
}

func TestNoDuplicates(t *testing.T) {
	s := New[int]()
	for i := 0; i < 5; i++ {
		s.Put(42)
	}
	require.Equal(t, 1, s.Len())
}

func TestEraseAbsent(t *testing.T) {
	s := New[int]()
	s.Erase(99) // must not panic
	require.Equal(t, 0, s.Len())
}
