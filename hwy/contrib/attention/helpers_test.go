package attention

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
)

func randTensor(rng *rand.Rand, batch, seqLen, channels int) *seq.Tensor {
	t := seq.New(batch, seqLen, channels)
	for i := range t.Data {
		t.Data[i] = rng.Float64()*2 - 1
	}
	return t
}

func randSlice(rng *rand.Rand, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = rng.Float64()*2 - 1
	}
	return s
}

// position returns position s of t as a (batch, 1, channels) tensor.
func position(t *seq.Tensor, s int) *seq.Tensor {
	out := seq.New(t.Batch, 1, t.Channels)
	for b := range t.Batch {
		copy(out.Row(b, 0), t.Row(b, s))
	}
	return out
}

// prefix returns the first n positions of t.
func prefix(t *seq.Tensor, n int) *seq.Tensor {
	out := seq.New(t.Batch, n, t.Channels)
	for b := range t.Batch {
		for s := range n {
			copy(out.Row(b, s), t.Row(b, s))
		}
	}
	return out
}

// executors returns one executor per path, closed at the end of the test.
func executors(t *testing.T) map[string]*Executor {
	t.Helper()
	vec := Vectorized()
	t.Cleanup(vec.Close)
	return map[string]*Executor{
		"scalar":     Scalar(),
		"vectorized": vec,
	}
}

// pathPair returns a scalar and a vectorized executor.
func pathPair(t *testing.T) (scalar, vec *Executor) {
	t.Helper()
	vec = Vectorized()
	t.Cleanup(vec.Close)
	return Scalar(), vec
}

var approx = cmpopts.EquateApprox(0, 1e-9)

func diff(want, got []float64) string {
	return cmp.Diff(want, got, approx)
}
