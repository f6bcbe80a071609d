package attention

import (
	"encoding/json"
	stdmath "math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-seqattn/hwy/contrib/gradcheck"
	"github.com/ajroetker/go-seqattn/hwy/contrib/kvcache"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
)

func blockConfig(seqLen, cacheSeqMax int) Config {
	return Config{
		QueryChannels: 8,
		KeyChannels:   4,
		ValueChannels: 6,
		HeadsQuery:    4,
		HeadsKey:      2,
		HeadsValue:    2,
		Seq:           seqLen,
		CacheSeqMax:   cacheSeqMax,
		CacheType:     "f64",
	}
}

type blockInputs struct {
	q, k, v *seq.Tensor
}

func newInputs(rng *rand.Rand, cfg Config, batch int) blockInputs {
	return blockInputs{
		q: randTensor(rng, batch, cfg.Seq, cfg.QueryChannels),
		k: randTensor(rng, batch, cfg.Seq, cfg.KeyChannels),
		v: randTensor(rng, batch, cfg.Seq, cfg.ValueChannels),
	}
}

func TestBlockConstructionErrors(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		want error
	}{
		{"heads", func(c *Config) { c.QueryChannels = 9 }, ErrHeadCount},
		{"ratio", func(c *Config) { c.HeadsValue = 3; c.ValueChannels = 9 }, ErrHeadRatio},
		{"sequence", func(c *Config) { c.ValueSeq = 3 }, ErrSequenceMismatch},
		{"positions", func(c *Config) { c.Positions = []int{0, 1} }, ErrPositionCount},
		{"odd head dim", func(c *Config) { c.QueryChannels, c.KeyChannels = 12, 6 }, ErrOddHeadDim},
		{"head dim", func(c *Config) { c.KeyChannels = 8 }, ErrHeadDimMismatch},
		{"cache type", func(c *Config) { c.CacheType = "q4" }, kvcache.ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := blockConfig(4, 8)
			tt.edit(&cfg)
			_, err := NewBlock(cfg, WithExecutor(Scalar()))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBlockPathsAgree(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 1))
	scalar, vec := pathPair(t)
	cfg := blockConfig(6, 0)
	in := newInputs(rng, cfg, 3)

	bs, err := NewBlock(cfg, WithExecutor(scalar))
	require.NoError(t, err)
	bv, err := NewBlock(cfg, WithExecutor(vec))
	require.NoError(t, err)

	os, err := bs.Forward(in.q, in.k, in.v)
	require.NoError(t, err)
	ov, err := bv.Forward(in.q, in.k, in.v)
	require.NoError(t, err)
	assert.Empty(t, diff(os.Data, ov.Data))
	assert.Empty(t, diff(bs.Scores().Data, bv.Scores().Data))
	assert.Empty(t, diff(bs.Probabilities().Data, bv.Probabilities().Data))

	dOut := randSlice(rng, os.Len())
	copy(os.EnsureGrad(), dOut)
	copy(ov.EnsureGrad(), dOut)
	ins := blockInputs{in.q.Clone(), in.k.Clone(), in.v.Clone()}
	inv := blockInputs{in.q.Clone(), in.k.Clone(), in.v.Clone()}
	require.NoError(t, bs.Backward(ins.q, ins.k, ins.v))
	require.NoError(t, bv.Backward(inv.q, inv.k, inv.v))
	assert.Empty(t, diff(ins.q.Grad, inv.q.Grad))
	assert.Empty(t, diff(ins.k.Grad, inv.k.Grad))
	assert.Empty(t, diff(ins.v.Grad, inv.v.Grad))
}

func TestBlockPathsAgreeWideHeads(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 10))
	scalar, vec := pathPair(t)
	// Head dimension and row lengths above the assembly kernel threshold.
	cfg := Config{
		QueryChannels: 4 * 16, KeyChannels: 2 * 16, ValueChannels: 2 * 16,
		HeadsQuery: 4, HeadsKey: 2, HeadsValue: 2,
		Seq: 12,
	}
	in := newInputs(rng, cfg, 2)

	bs, err := NewBlock(cfg, WithExecutor(scalar))
	require.NoError(t, err)
	bv, err := NewBlock(cfg, WithExecutor(vec))
	require.NoError(t, err)

	os, err := bs.Forward(in.q, in.k, in.v)
	require.NoError(t, err)
	ov, err := bv.Forward(in.q, in.k, in.v)
	require.NoError(t, err)
	assert.Empty(t, diff(bs.Scores().Data, bv.Scores().Data))
	assert.Empty(t, diff(bs.Probabilities().Data, bv.Probabilities().Data))
	assert.Empty(t, diff(os.Data, ov.Data))

	dOut := randSlice(rng, os.Len())
	copy(os.EnsureGrad(), dOut)
	copy(ov.EnsureGrad(), dOut)
	ins := blockInputs{in.q.Clone(), in.k.Clone(), in.v.Clone()}
	inv := blockInputs{in.q.Clone(), in.k.Clone(), in.v.Clone()}
	require.NoError(t, bs.Backward(ins.q, ins.k, ins.v))
	require.NoError(t, bv.Backward(inv.q, inv.k, inv.v))
	assert.Empty(t, diff(ins.q.Grad, inv.q.Grad))
	assert.Empty(t, diff(ins.k.Grad, inv.k.Grad))
	assert.Empty(t, diff(ins.v.Grad, inv.v.Grad))
}

func TestBlockGradientCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 2))
	cfg := Config{
		QueryChannels: 4, KeyChannels: 2, ValueChannels: 4,
		HeadsQuery: 2, HeadsKey: 1, HeadsValue: 2,
		Seq: 3, Positions: []int{2, 5, 6},
	}
	in := newInputs(rng, cfg, 2)

	for name, exec := range executors(t) {
		t.Run(name, func(t *testing.T) {
			probe, err := NewCheckTarget(cfg, in.q, in.k, in.v, WithExecutor(exec))
			require.NoError(t, err)
			out, err := probe.Forward()
			require.NoError(t, err)
			dOut := randSlice(rng, out.Len())

			h := &gradcheck.Harness{Workers: 4}
			report, res, err := gradcheck.Check(t.Context(), h, func() (gradcheck.Differentiable, error) {
				return NewCheckTarget(cfg, in.q, in.k, in.v, WithExecutor(exec))
			}, dOut, 0)
			require.NoError(t, err)

			assert.Equal(t, 2*(in.q.Len()+in.k.Len()+in.v.Len()), res.Layout.Slots())
			assert.Zero(t, res.Layout.Learnable())
			require.Len(t, report.Groups, 3)
			for _, g := range report.Groups {
				assert.Less(t, g.MaxRelDiff, gradcheck.DefaultTolerance, "branch %d: numeric %g analytic %g", g.Group, g.Numeric, g.Analytic)
			}
			assert.True(t, report.OK())
		})
	}
}

func TestBlockSelfAttentionAccumulates(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 3))
	cfg := Config{
		QueryChannels: 4, KeyChannels: 4, ValueChannels: 4,
		HeadsQuery: 2, HeadsKey: 2, HeadsValue: 2,
		Seq: 4,
	}
	for name, exec := range executors(t) {
		t.Run(name, func(t *testing.T) {
			b, err := NewBlock(cfg, WithExecutor(exec))
			require.NoError(t, err)

			x := randTensor(rng, 2, 4, 4)
			dOut := randSlice(rng, x.Len())

			q, k, v := x.Clone(), x.Clone(), x.Clone()
			out, err := b.Forward(q, k, v)
			require.NoError(t, err)
			copy(out.EnsureGrad(), dOut)
			require.NoError(t, b.Backward(q, k, v))

			out, err = b.Forward(x, x, x)
			require.NoError(t, err)
			copy(out.EnsureGrad(), dOut)
			require.NoError(t, b.Backward(x, x, x))

			want := make([]float64, x.Len())
			for i := range want {
				want[i] = q.Grad[i] + k.Grad[i] + v.Grad[i]
			}
			assert.Empty(t, diff(want, x.Grad))
		})
	}
}

func TestBlockPerSampleGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 4))
	cfg := blockConfig(3, 0)
	in := newInputs(rng, cfg, 2)
	b, err := NewBlock(cfg, WithExecutor(Scalar()))
	require.NoError(t, err)

	in.v.EnablePerSample()
	_, err = in.v.PerSampleGrad(0)
	require.ErrorIs(t, err, seq.ErrNoBackward)
	_, err = in.q.PerSampleGrad(0)
	require.ErrorIs(t, err, seq.ErrPerSampleDisabled)

	out, err := b.Forward(in.q, in.k, in.v)
	require.NoError(t, err)
	copy(out.EnsureGrad(), randSlice(rng, out.Len()))
	require.NoError(t, b.Backward(in.q, in.k, in.v))

	g, err := in.v.PerSampleGrad(1)
	require.NoError(t, err)
	n := cfg.Seq * cfg.ValueChannels
	assert.Equal(t, in.v.Grad[n:2*n], g.Data)
}

// Each generation step must reproduce the matching row of a static pass
// as long as the cache has not started sliding.
func TestBlockGenerationMatchesStatic(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 5))
	const seqLen = 5
	in := newInputs(rng, blockConfig(seqLen, 0), 2)

	for name, exec := range executors(t) {
		t.Run(name, func(t *testing.T) {
			static, err := NewBlock(blockConfig(seqLen, 0), WithExecutor(exec))
			require.NoError(t, err)
			want, err := static.Forward(in.q, in.k, in.v)
			require.NoError(t, err)

			gen, err := NewBlock(blockConfig(1, 8), WithExecutor(exec))
			require.NoError(t, err)
			for pos := range seqLen {
				got, err := gen.Step(position(in.q, pos), position(in.k, pos), position(in.v, pos), pos)
				require.NoError(t, err)
				require.Equal(t, 1, got.Seq)
				for b := range 2 {
					assert.Empty(t, cmp.Diff(want.Row(b, pos), got.Row(b, 0), approx), "batch %d position %d", b, pos)
				}
			}
			assert.Equal(t, seqLen, gen.Cache().Len())
			assert.Equal(t, kvcache.StateGrowing, gen.Cache().Keys.State())
		})
	}
}

func TestBlockPrefillThenStep(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 6))
	in := newInputs(rng, blockConfig(4, 0), 1)

	static, err := NewBlock(blockConfig(4, 0), WithExecutor(Scalar()))
	require.NoError(t, err)
	want, err := static.Forward(in.q, in.k, in.v)
	require.NoError(t, err)

	b, err := NewBlock(blockConfig(3, 6), WithExecutor(Scalar()))
	require.NoError(t, err)
	prompt, err := b.Forward(prefix(in.q, 3), prefix(in.k, 3), prefix(in.v, 3))
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(want.Data[:prompt.Len()], prompt.Data, approx))
	assert.Equal(t, 3, b.Cache().Len())

	got, err := b.Step(position(in.q, 3), position(in.k, 3), position(in.v, 3), 3)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(want.Row(0, 3), got.Row(0, 0), approx))

	copy(got.EnsureGrad(), randSlice(rng, got.Len()))
	require.ErrorIs(t, b.Backward(in.q, in.k, in.v), ErrGenerationBackward)

	// Forward after a step goes back to the static positions.
	prompt, err = b.Forward(prefix(in.q, 3), prefix(in.k, 3), prefix(in.v, 3))
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(want.Data[:prompt.Len()], prompt.Data, approx))
}

func TestBlockRepeatedPrefill(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 9))
	in := newInputs(rng, blockConfig(4, 0), 1)

	static, err := NewBlock(blockConfig(4, 0), WithExecutor(Scalar()))
	require.NoError(t, err)
	want, err := static.Forward(in.q, in.k, in.v)
	require.NoError(t, err)

	b, err := NewBlock(blockConfig(3, 16), WithExecutor(Scalar()))
	require.NoError(t, err)
	for range 3 {
		_, err := b.Forward(prefix(in.q, 3), prefix(in.k, 3), prefix(in.v, 3))
		require.NoError(t, err)
		assert.Equal(t, 3, b.Cache().Keys.Len())
		assert.Equal(t, 3, b.Cache().Values.Len())
	}

	got, err := b.Step(position(in.q, 3), position(in.k, 3), position(in.v, 3), 3)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Cache().Len())
	assert.Empty(t, cmp.Diff(want.Row(0, 3), got.Row(0, 0), approx))
}

func TestBlockSlidingWindow(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 7))
	b, err := NewBlock(blockConfig(1, 3), WithExecutor(Scalar()))
	require.NoError(t, err)

	cfg := blockConfig(1, 0)
	for pos := range 5 {
		in := newInputs(rng, cfg, 1)
		out, err := b.Step(in.q, in.k, in.v, pos)
		require.NoError(t, err)
		for _, v := range out.Data {
			assert.False(t, stdmath.IsNaN(v), "NaN at position %d", pos)
		}
		assert.Equal(t, min(pos+1, 3), b.Cache().Len())
	}
	assert.Equal(t, kvcache.StateFull, b.Cache().Keys.State())
	assert.Equal(t, uint64(2), b.Cache().Keys.Generation())
	assert.Equal(t, b.Cache().Keys.Generation(), b.Cache().Values.Generation())

	// Every cached key is valid once the window slides.
	p := b.Probabilities()
	for h := range 4 {
		var sum float64
		for sK := range 3 {
			assert.Greater(t, p.At(0, 0, h*3+sK), 0.0)
			sum += p.At(0, 0, h*3+sK)
		}
		assert.InDelta(t, 1, sum, 1e-12)
	}

	b.Reset()
	assert.Equal(t, -1, b.Cache().Len())
}

func TestBlockStepErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 8))
	in := newInputs(rng, blockConfig(2, 0), 1)

	nocache, err := NewBlock(blockConfig(2, 0), WithExecutor(Scalar()))
	require.NoError(t, err)
	_, err = nocache.Step(position(in.q, 0), position(in.k, 0), position(in.v, 0), 0)
	require.ErrorIs(t, err, ErrNoCache)

	b, err := NewBlock(blockConfig(2, 4), WithExecutor(Scalar()))
	require.NoError(t, err)
	_, err = b.Step(in.q, in.k, in.v, 0)
	require.ErrorIs(t, err, ErrGenerationSequence)

	v := position(in.v, 0)
	v.BeginWrite()
	_, err = b.Step(position(in.q, 0), position(in.k, 0), v, 0)
	require.ErrorIs(t, err, kvcache.ErrNotFinalized)
	assert.Equal(t, -1, b.Cache().Len(), "no cache may change on a rejected step")

	_, err = b.Forward(in.q, in.k, prefix(in.v, 1))
	require.ErrorIs(t, err, ErrSequenceMismatch)
}

func TestBlockStateRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(40, 9))
	cfg := blockConfig(3, 6)
	cfg.Positions = []int{4, 5, 6}
	cfg.RotaryBase = 500
	in := newInputs(rng, cfg, 2)

	b, err := NewBlock(cfg, WithExecutor(Scalar()))
	require.NoError(t, err)
	assert.Equal(t, -1, b.State().CacheSeq)

	_, err = b.Forward(in.q, in.k, in.v)
	require.NoError(t, err)
	want := b.State()
	assert.Equal(t, 3, want.CacheSeq)
	assert.Equal(t, 2, want.Batch)

	t.Run("json", func(t *testing.T) {
		data, err := json.Marshal(want)
		require.NoError(t, err)
		var got State
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Empty(t, cmp.Diff(want, got))

		r, err := Restore(got, WithExecutor(Scalar()))
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(want, r.State()))
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := yaml.Marshal(want)
		require.NoError(t, err)
		assert.Contains(t, string(data), "cache_seq_max: 6")
		var got State
		require.NoError(t, yaml.Unmarshal(data, &got))
		assert.Empty(t, cmp.Diff(want, got))

		r, err := Restore(got, WithExecutor(Scalar()))
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(want, r.State()))

		// The restored block continues generating from the restored length.
		_, err = r.Step(position(in.q, 0), position(in.k, 0), position(in.v, 0), 7)
		require.NoError(t, err)
		assert.Equal(t, 4, r.Cache().Len())
	})

	t.Run("restored block matches the saved one", func(t *testing.T) {
		fresh, err := Restore(State{Config: cfg, CacheSeq: -1}, WithExecutor(Scalar()))
		require.NoError(t, err)
		b2, err := NewBlock(cfg, WithExecutor(Scalar()))
		require.NoError(t, err)

		o1, err := fresh.Forward(in.q, in.k, in.v)
		require.NoError(t, err)
		o2, err := b2.Forward(in.q, in.k, in.v)
		require.NoError(t, err)
		assert.Equal(t, o2.Data, o1.Data)
	})

	_, err = Restore(State{Config: blockConfig(3, 0), CacheSeq: 2, Batch: 1})
	require.ErrorIs(t, err, ErrNoCache)
}
