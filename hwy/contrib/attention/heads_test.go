package attention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-seqattn/hwy"
)

func TestHeadIndexer(t *testing.T) {
	h, err := NewHeadIndexer(12, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, h.HeadDim)
	assert.Equal(t, 12, h.Channels())
	assert.Equal(t, 9, h.Offset(2, 1))

	row := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	assert.Equal(t, []float64{4, 5, 6, 7}, h.Slice(row, 1))

	for _, tc := range []struct{ channels, heads int }{{10, 3}, {8, 0}, {0, 2}} {
		_, err := NewHeadIndexer(tc.channels, tc.heads)
		assert.ErrorIs(t, err, ErrHeadCount, "%d channels / %d heads", tc.channels, tc.heads)
	}
}

func TestHeadGroup(t *testing.T) {
	g, err := NewHeadGroup(8, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Ratio())

	for hq, want := range []int{0, 0, 0, 0, 1, 1, 1, 1} {
		assert.Equal(t, want, g.Shared(hq), "query head %d", hq)
	}
	first, last := g.Sharers(1)
	assert.Equal(t, 4, first)
	assert.Equal(t, 8, last)
	for hq := first; hq < last; hq++ {
		assert.Equal(t, 1, g.Shared(hq))
	}
}

func TestHeadGroupErrors(t *testing.T) {
	tests := []struct {
		name         string
		major, minor int
		want         error
	}{
		{"not a multiple", 6, 4, ErrHeadRatio},
		{"minor exceeds major", 2, 4, ErrHeadRatio},
		{"zero", 4, 0, ErrHeadCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHeadGroup(tt.major, tt.minor)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWindow(t *testing.T) {
	w := CausalWindow(4)
	assert.False(t, w.Generation())
	assert.Equal(t, 4, w.Keys)
	assert.Equal(t, 1, w.Valid(0))
	assert.Equal(t, 4, w.Valid(3))

	g := GenerationWindow(8, 3)
	assert.True(t, g.Generation())
	assert.Equal(t, 8, g.Keys)
	assert.Equal(t, 3, g.Valid(0))
}

func TestExecutorPaths(t *testing.T) {
	assert.Equal(t, PathScalar, Scalar().Path())
	vec := Vectorized()
	defer vec.Close()
	assert.Equal(t, PathVectorized, vec.Path())
	assert.Equal(t, "vectorized", vec.Path().String())

	t.Setenv("HWY_NO_SIMD", "")
	auto := Auto()
	defer auto.Close()
	assert.Equal(t, hwy.Vectorized(), auto.Path() == PathVectorized)

	t.Setenv("HWY_NO_SIMD", "1")
	assert.Equal(t, PathScalar, Auto().Path())
}

func TestExecutorParallelForCoversRange(t *testing.T) {
	for name, exec := range executors(t) {
		t.Run(name, func(t *testing.T) {
			seen := make([]int32, 37)
			exec.parallelFor(len(seen), func(start, end int) {
				for i := start; i < end; i++ {
					seen[i]++
				}
			})
			for i, n := range seen {
				assert.EqualValues(t, 1, n, "index %d", i)
			}
		})
	}
}
