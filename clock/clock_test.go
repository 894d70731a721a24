package clock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/clock"
)

func TestHappensBefore(t *testing.T) {
	a := clock.VectorClock{"A": 1}
	b := clock.VectorClock{"A": 2}
	require.True(t, clock.HappensBefore(a, b))
	require.False(t, clock.HappensBefore(b, a))

	// Equal clocks do not precede each other.
	require.False(t, clock.HappensBefore(a, clock.VectorClock{"A": 1}))

	// Missing keys count as zero.
	require.True(t, clock.HappensBefore(clock.VectorClock{}, a))
	require.True(t, clock.HappensBefore(a, clock.VectorClock{"A": 1, "B": 1}))
}

func TestConcurrent(t *testing.T) {
	x := clock.VectorClock{"A": 2}
	y := clock.VectorClock{"A": 1, "B": 1}
	require.True(t, clock.Concurrent(x, y))
	require.True(t, clock.Concurrent(y, x))
	require.False(t, clock.Concurrent(clock.VectorClock{"A": 1}, x))
}

func TestMerge(t *testing.T) {
	merged := clock.Merge(clock.VectorClock{"A": 2, "B": 1}, clock.VectorClock{"A": 1, "B": 3, "C": 1})
	require.Equal(t, clock.VectorClock{"A": 2, "B": 3, "C": 1}, merged)
}

func TestTickDoesNotMutate(t *testing.T) {
	base := clock.VectorClock{"A": 1}
	ticked := clock.Tick(base, "A")
	require.Equal(t, int64(2), ticked["A"])
	require.Equal(t, int64(1), base["A"])

	fresh := clock.Tick(nil, "B")
	require.Equal(t, int64(1), fresh["B"])
}

func TestReconcile(t *testing.T) {
	entity := clock.VectorClock{"A": 1}

	// Writer has seen current state and advanced.
	require.Equal(t, clock.Apply, clock.Reconcile(entity, clock.VectorClock{"A": 2}))

	// Writer is behind.
	require.Equal(t, clock.Stale, clock.Reconcile(clock.VectorClock{"A": 2}, entity))

	// Replay of the same clock.
	require.Equal(t, clock.Stale, clock.Reconcile(entity, clock.VectorClock{"A": 1}))

	// Concurrent writers.
	require.Equal(t, clock.Conflict,
		clock.Reconcile(clock.VectorClock{"A": 2}, clock.VectorClock{"A": 1, "B": 1}))
}
