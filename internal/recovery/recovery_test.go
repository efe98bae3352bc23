package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressiveBoundsFullLadder(t *testing.T) {
	require.Equal(t, []int{1, 10, 100, 1000, 10000}, progressiveBounds(10_000))
}

func TestProgressiveBoundsCapsAtRuntimeMax(t *testing.T) {
	require.Equal(t, []int{1, 10, 100}, progressiveBounds(100))
}

func TestProgressiveBoundsCapsBetweenSteps(t *testing.T) {
	require.Equal(t, []int{1, 10, 42}, progressiveBounds(42))
}

func TestProgressiveBoundsCapAtOne(t *testing.T) {
	require.Equal(t, []int{1}, progressiveBounds(1))
}
