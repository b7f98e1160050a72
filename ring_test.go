package ethercat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRingRejectsNonPowerOfTwo(t *testing.T) {
	for _, n := range []int{0, -4, 3, 6, 12, 1000} {
		_, err := NewRing[int](n)
		require.Error(t, err, "capacity %d", n)
	}
	for _, n := range []int{1, 2, 8, 1024} {
		_, err := NewRing[int](n)
		require.NoError(t, err, "capacity %d", n)
	}
}

func TestMustNewRingPanics(t *testing.T) {
	require.Panics(t, func() { MustNewRing[int](5) })
}

func TestRingOccupancyAcrossWrap(t *testing.T) {
	r := MustNewRing[int](4)
	require.True(t, r.Empty())

	for cycle := 0; cycle < 10; cycle++ {
		for i := 0; i < 4; i++ {
			require.True(t, r.PushBack(cycle*4+i))
		}
		require.True(t, r.Full())
		require.False(t, r.PushBack(99))
		require.Equal(t, 4, r.Len())

		for i := 0; i < 4; i++ {
			v, ok := r.PopFront()
			require.True(t, ok)
			require.Equal(t, cycle*4+i, v)
		}
		require.True(t, r.Empty())
		_, ok := r.PopFront()
		require.False(t, ok)
	}
}

func TestRingEachStopsEarly(t *testing.T) {
	r := MustNewRing[int](8)
	for i := 1; i <= 5; i++ {
		r.PushBack(i)
	}
	var seen []int
	r.Each(func(v int) bool {
		seen = append(seen, v)
		return v < 3
	})
	require.Equal(t, []int{1, 2, 3}, seen)
}

func TestRingReset(t *testing.T) {
	r := MustNewRing[int](2)
	r.PushBack(1)
	r.PushBack(2)
	r.Reset()
	require.True(t, r.Empty())
	require.True(t, r.PushBack(3))
	v, ok := r.Front()
	require.True(t, ok)
	require.Equal(t, 3, v)
}
