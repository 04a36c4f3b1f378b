package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

func intLess(a, b int) bool { return a < b }

func TestTopAndPop(t *testing.T) {
	h := New[int](intLess)
	for _, v := range []int{5, 1, 9, 3, 7} {
		h.Emplace(v)
	}
	require.Equal(t, 1, h.Top())

	var out []int
	for !h.Empty() {
		out = append(out, h.Pop())
	}
	require.True(t, slices.IsSorted(out))
	require.Equal(t, []int{1, 3, 5, 7, 9}, out)
}

func TestErasePredicate(t *testing.T) {
	h := New[int](intLess)
	for _, v := range []int{5, 1, 9, 3, 7} {
		h.Emplace(v)
	}

	ok := h.Erase(func(v int) bool { return v == 9 })
	require.True(t, ok)
	require.Equal(t, 4, h.Len())

	ok = h.Erase(func(v int) bool { return v == 42 })
	require.False(t, ok)

	var out []int
	for !h.Empty() {
		out = append(out, h.Pop())
	}
	require.Equal(t, []int{1, 3, 5, 7}, out)
}

func TestContainer(t *testing.T) {
	h := New[int](intLess)
	h.Emplace(1)
	h.Emplace(2)
	require.Len(t, h.Container(), 2)
}
