package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMeanVar(t *testing.T) {
	mean, variance := MeanVar([]int{2, 4, 4, 4, 5, 5, 7, 9})
	require.Equal(t, 5.0, mean)
	require.Equal(t, 4.0, variance)

	mean, variance = MeanVar([]float32{})
	require.Equal(t, 0.0, mean)
	require.Equal(t, 0.0, variance)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float32{0.25, 0.75, 0.5, 0.75})
	require.Equal(t, 4, s.Count)
	require.InDelta(t, 0.5625, s.Mean, 1e-9)
	require.Equal(t, 0.25, s.Min)
	require.Equal(t, 0.75, s.Max)
	require.Equal(t, 1, s.ArgMax)
	require.InDelta(t, 0.2073, s.StdDev, 1e-4)

	require.Equal(t, Summary{}, Summarize([]uint8(nil)))
}
