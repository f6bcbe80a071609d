package attention

import (
	stdmath "math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-seqattn/hwy/contrib/kvcache"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
)

func newScore(t *testing.T, cfg ScoreConfig, exec *Executor) *CausalScore {
	t.Helper()
	s, err := NewCausalScore(cfg, WithExecutor(exec))
	require.NoError(t, err)
	return s
}

// The reference configuration: 4 query heads sharing 2 key heads, head dimension 2.
var gqaConfig = ScoreConfig{
	QueryChannels: 8,
	KeyChannels:   4,
	HeadsQuery:    4,
	HeadsKey:      2,
	QuerySeq:      4,
	KeySeq:        4,
}

func TestScoreConstructionErrors(t *testing.T) {
	tests := []struct {
		name string
		edit func(*ScoreConfig)
		want error
	}{
		{"query channels", func(c *ScoreConfig) { c.QueryChannels = 7 }, ErrHeadCount},
		{"key heads exceed query heads", func(c *ScoreConfig) { c.HeadsKey = 8; c.KeyChannels = 16 }, ErrHeadRatio},
		{"ratio", func(c *ScoreConfig) { c.HeadsKey = 3; c.KeyChannels = 6 }, ErrHeadRatio},
		{"head dim", func(c *ScoreConfig) { c.KeyChannels = 8 }, ErrHeadDimMismatch},
		{"sequence", func(c *ScoreConfig) { c.KeySeq = 5 }, ErrSequenceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := gqaConfig
			tt.edit(&cfg)
			_, err := NewCausalScore(cfg, WithExecutor(Scalar()))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestScoreCausalMask(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 1))
	for name, exec := range executors(t) {
		t.Run(name, func(t *testing.T) {
			s := newScore(t, gqaConfig, exec)
			q := randTensor(rng, 2, 4, 8)
			k := randTensor(rng, 2, 4, 4)

			out, err := s.Forward(q, k)
			require.NoError(t, err)
			require.Equal(t, 4*4, out.Channels)

			for b := range 2 {
				for hq := range 4 {
					for sQ := range 4 {
						for sK := range 4 {
							v := out.At(b, sQ, hq*4+sK)
							if sK > sQ {
								assert.Equal(t, MaskSentinel, v, "b=%d hq=%d sQ=%d sK=%d", b, hq, sQ, sK)
							} else {
								assert.False(t, stdmath.IsInf(v, 0) || stdmath.IsNaN(v) || v == MaskSentinel)
							}
						}
					}
				}
			}
		})
	}
}

func TestScoreConcreteScenario(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 2))
	s := newScore(t, gqaConfig, Scalar())
	q := randTensor(rng, 2, 4, 8)
	k := randTensor(rng, 2, 4, 4)

	out, err := s.Forward(q, k)
	require.NoError(t, err)

	for b := range 2 {
		for hq := range 4 {
			hk := hq / 2
			want := (q.At(b, 0, 2*hq)*k.At(b, 0, 2*hk) + q.At(b, 0, 2*hq+1)*k.At(b, 0, 2*hk+1)) / stdmath.Sqrt2
			assert.InDelta(t, want, out.At(b, 0, hq*4), 1e-12)
			for sK := 1; sK < 4; sK++ {
				assert.Equal(t, MaskSentinel, out.At(b, 0, hq*4+sK))
			}
		}
	}
}

// Sharing a key head must equal giving every query head its own copy of it.
func TestScoreGroupedEqualsExpanded(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 3))
	q := randTensor(rng, 2, 4, 8)
	k := randTensor(rng, 2, 4, 4)

	expanded := seq.New(2, 4, 8)
	for b := range 2 {
		for s := range 4 {
			for hq := range 4 {
				copy(expanded.Row(b, s)[2*hq:2*hq+2], k.Row(b, s)[2*(hq/2):2*(hq/2)+2])
			}
		}
	}

	grouped, err := newScore(t, gqaConfig, Scalar()).Forward(q, k)
	require.NoError(t, err)

	full := gqaConfig
	full.HeadsKey, full.KeyChannels = 4, 8
	ungrouped, err := newScore(t, full, Scalar()).Forward(q, expanded)
	require.NoError(t, err)

	assert.Empty(t, diff(ungrouped.Data, grouped.Data))
}

func TestScoreBackwardAliasedInputs(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 4))
	cfg := ScoreConfig{QueryChannels: 4, KeyChannels: 4, HeadsQuery: 2, HeadsKey: 2, QuerySeq: 3, KeySeq: 3}

	for name, exec := range executors(t) {
		t.Run(name, func(t *testing.T) {
			s := newScore(t, cfg, exec)
			x := randTensor(rng, 2, 3, 4)
			dS := randSlice(rng, 2*3*2*3)

			// Separate tensors with the same values.
			q, k := x.Clone(), x.Clone()
			out, err := s.Forward(q, k)
			require.NoError(t, err)
			copy(out.EnsureGrad(), dS)
			require.NoError(t, s.Backward(q, k, seq.Assign, seq.Assign))

			// One tensor in both roles.
			out, err = s.Forward(x, x)
			require.NoError(t, err)
			copy(out.EnsureGrad(), dS)
			require.NoError(t, s.Backward(x, x, seq.Assign, seq.Accumulate))

			want := make([]float64, x.Len())
			for i := range want {
				want[i] = q.Grad[i] + k.Grad[i]
			}
			assert.Empty(t, diff(want, x.Grad))
		})
	}
}

func TestScorePathsAgree(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 5))
	scalar, vec := pathPair(t)
	cfg := ScoreConfig{QueryChannels: 24, KeyChannels: 8, HeadsQuery: 6, HeadsKey: 2, QuerySeq: 7, KeySeq: 7}

	ss, sv := newScore(t, cfg, scalar), newScore(t, cfg, vec)
	q := randTensor(rng, 3, 7, 24)
	k := randTensor(rng, 3, 7, 8)

	os, err := ss.Forward(q, k)
	require.NoError(t, err)
	ov, err := sv.Forward(q, k)
	require.NoError(t, err)
	assert.Empty(t, diff(os.Data, ov.Data))

	dS := randSlice(rng, os.Len())
	copy(os.EnsureGrad(), dS)
	copy(ov.EnsureGrad(), dS)
	qs, ks, qv, kv := q.Clone(), k.Clone(), q.Clone(), k.Clone()
	require.NoError(t, ss.Backward(qs, ks, seq.Assign, seq.Assign))
	require.NoError(t, sv.Backward(qv, kv, seq.Assign, seq.Assign))
	assert.Empty(t, diff(qs.Grad, qv.Grad))
	assert.Empty(t, diff(ks.Grad, kv.Grad))
}

func TestScoreGeneration(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 6))
	s := newScore(t, gqaConfig, Scalar())

	_, err := s.Step(randTensor(rng, 1, 1, 8), randTensor(rng, 1, 1, 4))
	require.ErrorIs(t, err, ErrNoCache)

	cache, err := kvcache.New(6, 4)
	require.NoError(t, err)
	require.NoError(t, s.AttachCache(cache))

	_, err = s.Step(randTensor(rng, 1, 2, 8), randTensor(rng, 1, 2, 4))
	require.ErrorIs(t, err, ErrGenerationSequence)
	assert.Equal(t, -1, cache.Len(), "rejected step must not touch the cache")

	dirty := randTensor(rng, 1, 1, 4)
	dirty.BeginWrite()
	_, err = s.Step(randTensor(rng, 1, 1, 8), dirty)
	require.ErrorIs(t, err, kvcache.ErrNotFinalized)
	assert.Equal(t, -1, cache.Len())

	for step := 1; step <= 3; step++ {
		out, err := s.Step(randTensor(rng, 1, 1, 8), randTensor(rng, 1, 1, 4))
		require.NoError(t, err)
		assert.Equal(t, 4*6, out.Channels)
		assert.True(t, s.Window().Generation())
		for hq := range 4 {
			for sK := range 6 {
				masked := out.At(0, 0, hq*6+sK) == MaskSentinel
				assert.Equal(t, sK >= step, masked, "step %d hq %d sK %d", step, hq, sK)
			}
		}
	}

	copy(s.Output().EnsureGrad(), randSlice(rng, s.Output().Len()))
	err = s.Backward(randTensor(rng, 1, 1, 8), randTensor(rng, 1, 1, 4), seq.Assign, seq.Assign)
	require.ErrorIs(t, err, ErrGenerationBackward)
}

func TestScorePrefillFillsCache(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 7))
	s := newScore(t, gqaConfig, Scalar())
	cache, err := kvcache.New(8, 4)
	require.NoError(t, err)
	require.NoError(t, s.AttachCache(cache))

	k := randTensor(rng, 2, 4, 4)
	_, err = s.Forward(randTensor(rng, 2, 4, 8), k)
	require.NoError(t, err)
	require.Equal(t, 4, cache.Len())

	got := make([]float64, 4)
	require.NoError(t, cache.Entry(1, 3, got))
	assert.Equal(t, k.Row(1, 3), got)

	// A second static pass replaces the cached prompt.
	k2 := randTensor(rng, 2, 4, 4)
	_, err = s.Forward(randTensor(rng, 2, 4, 8), k2)
	require.NoError(t, err)
	require.Equal(t, 4, cache.Len())
	require.NoError(t, cache.Entry(0, 0, got))
	assert.Equal(t, k2.Row(0, 0), got)

	require.ErrorIs(t, s.AttachCache(cacheWithChannels(t, 6)), ErrShape)
}

func cacheWithChannels(t *testing.T, channels int) *kvcache.Cache {
	t.Helper()
	c, err := kvcache.New(2, channels)
	require.NoError(t, err)
	return c
}
