// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package attention

import (
	"fmt"
	"log/slog"
	stdmath "math"
	"slices"

	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
	"github.com/ajroetker/go-seqattn/hwy/contrib/workerpool"
)

// DefaultRotaryBase is the frequency base of the rotary angles.
const DefaultRotaryBase = 10000.0

// Rotary applies rotary positional encoding to a (batch, seq, heads×headDim)
// tensor. Within each head, channel pairs (2i, 2i+1) are rotated by
//
//	θ_i(pos) = pos × base^(−2i/headDim)
//
// where pos is the entry of the position list for that sequence index.
type Rotary struct {
	heads     HeadIndexer
	base      float64
	positions []int

	// cos and sin hold one row of headDim/2 values per position. They are
	// rebuilt on the next Forward or Backward after SetPositions.
	cos, sin []float64
	dirty    bool

	exec   *Executor
	logger *slog.Logger
	out    *seq.Tensor
}

// NewRotary validates the head layout and the position list and returns an
// encoder for sequences of len(positions).
func NewRotary(channels, heads, seqLen int, positions []int, opts ...Option) (*Rotary, error) {
	h, err := NewHeadIndexer(channels, heads)
	if err != nil {
		return nil, err
	}
	if h.HeadDim%2 != 0 {
		return nil, fmt.Errorf("%w: head dimension %d", ErrOddHeadDim, h.HeadDim)
	}
	if len(positions) != seqLen {
		return nil, fmt.Errorf("%w: %d positions for sequence %d", ErrPositionCount, len(positions), seqLen)
	}

	o := buildOptions(opts)
	return &Rotary{
		heads:     h,
		base:      o.base,
		positions: slices.Clone(positions),
		dirty:     true,
		exec:      o.exec,
		logger:    o.logger,
		out:       &seq.Tensor{},
	}, nil
}

// Positions returns the current position list.
func (r *Rotary) Positions() []int {
	return r.positions
}

// SetPositions replaces the position list. The next pass uses sequences of
// len(positions).
func (r *Rotary) SetPositions(positions []int) {
	if slices.Equal(r.positions, positions) {
		return
	}
	r.positions = slices.Clone(positions)
	r.dirty = true
}

// Output returns the tensor written by Forward.
func (r *Rotary) Output() *seq.Tensor {
	return r.out
}

func (r *Rotary) table() (cos, sin []float64) {
	if !r.dirty {
		return r.cos, r.sin
	}

	half := r.heads.HeadDim / 2
	n := len(r.positions) * half
	r.cos = slices.Grow(r.cos[:0], n)[:n]
	r.sin = slices.Grow(r.sin[:0], n)[:n]
	r.exec.parallelFor(len(r.positions), func(start, end int) {
		for s := start; s < end; s++ {
			pos := float64(r.positions[s])
			for i := range half {
				theta := pos * stdmath.Pow(r.base, -2*float64(i)/float64(r.heads.HeadDim))
				r.sin[s*half+i], r.cos[s*half+i] = stdmath.Sincos(theta)
			}
		}
	})
	r.dirty = false
	r.logger.Debug("rotary table rebuilt", "positions", len(r.positions), "headDim", r.heads.HeadDim)
	return r.cos, r.sin
}

func (r *Rotary) check(x *seq.Tensor) error {
	if x.Channels != r.heads.Channels() {
		return fmt.Errorf("%w: rotary over %d channels got %v", ErrShape, r.heads.Channels(), x)
	}
	if x.Seq != len(r.positions) {
		return fmt.Errorf("%w: %d positions for %v", ErrPositionCount, len(r.positions), x)
	}
	return nil
}

// Forward rotates x into the encoder's output tensor.
func (r *Rotary) Forward(x *seq.Tensor) (*seq.Tensor, error) {
	if err := r.check(x); err != nil {
		return nil, err
	}

	cos, sin := r.table()
	r.out.BeginWrite()
	r.out.Reshape(x.Batch, x.Seq, x.Channels)
	if r.exec.vectorized() {
		rotaryForwardVec(r.exec, r.heads, cos, sin, x, r.out)
	} else {
		baseRotaryForward(r.heads, cos, sin, x, r.out)
	}
	r.out.Finalize()
	return r.out, nil
}

// Backward applies the transposed rotation to the output gradient and
// stores it in x.Grad according to mode.
func (r *Rotary) Backward(x *seq.Tensor, mode seq.AccumulationMode) error {
	if err := r.check(x); err != nil {
		return err
	}
	if !r.out.SameShape(x) || r.out.Grad == nil {
		return fmt.Errorf("%w: rotary backward without a matching forward", ErrShape)
	}

	cos, sin := r.table()
	x.EnsureGrad()
	if r.exec.vectorized() {
		rotaryBackwardVec(r.exec, r.heads, cos, sin, r.out.Grad, x, mode)
	} else {
		baseRotaryBackward(r.heads, cos, sin, r.out.Grad, x, mode)
	}
	return nil
}

func baseRotaryForward(h HeadIndexer, cos, sin []float64, x, out *seq.Tensor) {
	half := h.HeadDim / 2
	for b := range x.Batch {
		for s := range x.Seq {
			c, sn := cos[s*half:(s+1)*half], sin[s*half:(s+1)*half]
			src, dst := x.Row(b, s), out.Row(b, s)
			for head := range h.Heads {
				for i := range half {
					j := h.Offset(head, 2*i)
					x0, x1 := src[j], src[j+1]
					dst[j] = x0*c[i] - x1*sn[i]
					dst[j+1] = x0*sn[i] + x1*c[i]
				}
			}
		}
	}
}

func baseRotaryBackward(h HeadIndexer, cos, sin, dOut []float64, x *seq.Tensor, mode seq.AccumulationMode) {
	half := h.HeadDim / 2
	for b := range x.Batch {
		for s := range x.Seq {
			c, sn := cos[s*half:(s+1)*half], sin[s*half:(s+1)*half]
			dy, dx := dOut[x.Index(b, s, 0):], x.GradRow(b, s)
			for head := range h.Heads {
				for i := range half {
					j := h.Offset(head, 2*i)
					dy0, dy1 := dy[j], dy[j+1]
					mode.Store(&dx[j], dy0*c[i]+dy1*sn[i])
					mode.Store(&dx[j+1], -dy0*sn[i]+dy1*c[i])
				}
			}
		}
	}
}

// rotaryForwardVec runs one unit per (batch, head, seq).
func rotaryForwardVec(e *Executor, h HeadIndexer, cos, sin []float64, x, out *seq.Tensor) {
	half := h.HeadDim / 2
	e.dispatch(workerpool.Grid{Batch: x.Batch, Heads: h.Heads, Seq: x.Seq}, func(u workerpool.Unit) {
		c, sn := cos[u.Seq*half:(u.Seq+1)*half], sin[u.Seq*half:(u.Seq+1)*half]
		src := h.Slice(x.Row(u.Batch, u.Seq), u.Head)
		dst := h.Slice(out.Row(u.Batch, u.Seq), u.Head)
		for i := range half {
			x0, x1 := src[2*i], src[2*i+1]
			dst[2*i] = x0*c[i] - x1*sn[i]
			dst[2*i+1] = x0*sn[i] + x1*c[i]
		}
	})
}

func rotaryBackwardVec(e *Executor, h HeadIndexer, cos, sin, dOut []float64, x *seq.Tensor, mode seq.AccumulationMode) {
	half := h.HeadDim / 2
	e.dispatch(workerpool.Grid{Batch: x.Batch, Heads: h.Heads, Seq: x.Seq}, func(u workerpool.Unit) {
		c, sn := cos[u.Seq*half:(u.Seq+1)*half], sin[u.Seq*half:(u.Seq+1)*half]
		o := x.Index(u.Batch, u.Seq, h.Offset(u.Head, 0))
		dy := dOut[o : o+h.HeadDim]
		dx := h.Slice(x.GradRow(u.Batch, u.Seq), u.Head)
		for i := range half {
			dy0, dy1 := dy[2*i], dy[2*i+1]
			mode.Store(&dx[2*i], dy0*c[i]+dy1*sn[i])
			mode.Store(&dx[2*i+1], -dy0*sn[i]+dy1*c[i])
		}
	})
}
