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
	stdmath "math"

	"github.com/ajroetker/go-seqattn/hwy"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
	"github.com/ajroetker/go-seqattn/hwy/contrib/workerpool"
)

// Softmax normalizes every (batch, head, query) row of a score tensor over
// the row's valid key positions. Masked positions of the output are 0.
type Softmax struct {
	heads  int
	window Window
	out    *seq.Tensor
	exec   *Executor
}

// NewSoftmax returns a normalizer for score tensors with the given number of heads.
func NewSoftmax(heads int, opts ...Option) (*Softmax, error) {
	if heads <= 0 {
		return nil, fmt.Errorf("%w: %d heads", ErrHeadCount, heads)
	}
	o := buildOptions(opts)
	return &Softmax{heads: heads, out: &seq.Tensor{}, exec: o.exec}, nil
}

// Output returns the probability tensor written by Forward.
func (s *Softmax) Output() *seq.Tensor {
	return s.out
}

// Window returns the window of the last Forward.
func (s *Softmax) Window() Window {
	return s.window
}

func (s *Softmax) check(x *seq.Tensor, w Window) error {
	if x.Channels != s.heads*w.Keys {
		return fmt.Errorf("%w: %v is not %d heads × %d keys", ErrShape, x, s.heads, w.Keys)
	}
	return nil
}

// Forward normalizes x, whose valid positions are described by w.
func (s *Softmax) Forward(x *seq.Tensor, w Window) (*seq.Tensor, error) {
	if err := s.check(x, w); err != nil {
		return nil, err
	}

	s.window = w
	s.out.BeginWrite()
	s.out.Reshape(x.Batch, x.Seq, x.Channels)
	if s.exec.vectorized() {
		softmaxForwardVec(s.exec, s.heads, w, x, s.out)
	} else {
		baseSoftmaxForward(s.heads, w, x, s.out)
	}
	s.out.Finalize()
	return s.out, nil
}

// Backward stores dx_j = y_j (dy_j − Σ_k y_k dy_k) into x.Grad for the valid
// positions, reading dy from Output().Grad. Masked positions are zeroed
// under Assign and left alone under Accumulate.
func (s *Softmax) Backward(x *seq.Tensor, mode seq.AccumulationMode) error {
	if err := s.check(x, s.window); err != nil {
		return err
	}
	if !s.out.SameShape(x) || s.out.Grad == nil {
		return fmt.Errorf("%w: softmax backward without a matching forward", ErrShape)
	}

	x.EnsureGrad()
	if s.exec.vectorized() {
		softmaxBackwardVec(s.exec, s.heads, s.window, s.out, x, mode)
	} else {
		baseSoftmaxBackward(s.heads, s.window, s.out, x, mode)
	}
	return nil
}

func baseSoftmaxForward(heads int, w Window, x, out *seq.Tensor) {
	for b := range x.Batch {
		for h := range heads {
			for sQ := range x.Seq {
				o := h * w.Keys
				in := x.Row(b, sQ)[o : o+w.Keys]
				y := out.Row(b, sQ)[o : o+w.Keys]
				n := w.Valid(sQ)

				m := hwy.BaseMaxOf(in[:n])
				var sum float64
				for j := range n {
					y[j] = stdmath.Exp(in[j] - m)
					sum += y[j]
				}
				hwy.BaseScale(1/sum, y[:n])
				clear(y[n:])
			}
		}
	}
}

func baseSoftmaxBackward(heads int, w Window, out, x *seq.Tensor, mode seq.AccumulationMode) {
	for b := range x.Batch {
		for h := range heads {
			for sQ := range x.Seq {
				o := h * w.Keys
				y := out.Row(b, sQ)[o : o+w.Keys]
				dy := out.GradRow(b, sQ)[o : o+w.Keys]
				dx := x.GradRow(b, sQ)[o : o+w.Keys]
				n := w.Valid(sQ)

				dot := hwy.BaseDot(y[:n], dy[:n])
				for j := range n {
					mode.Store(&dx[j], y[j]*(dy[j]-dot))
				}
				mode.Prepare(dx[n:])
			}
		}
	}
}

func softmaxForwardVec(e *Executor, heads int, w Window, x, out *seq.Tensor) {
	e.dispatch(workerpool.Grid{Batch: x.Batch, Heads: heads, Seq: x.Seq}, func(u workerpool.Unit) {
		o := u.Head * w.Keys
		in := x.Row(u.Batch, u.Seq)[o : o+w.Keys]
		y := out.Row(u.Batch, u.Seq)[o : o+w.Keys]
		n := w.Valid(u.Seq)

		m := hwy.MaxOf(in[:n])
		for j := range n {
			y[j] = stdmath.Exp(in[j] - m)
		}
		hwy.Scale(1/hwy.Sum(y[:n]), y[:n])
		clear(y[n:])
	})
}

func softmaxBackwardVec(e *Executor, heads int, w Window, out, x *seq.Tensor, mode seq.AccumulationMode) {
	e.dispatch(workerpool.Grid{Batch: x.Batch, Heads: heads, Seq: x.Seq}, func(u workerpool.Unit) {
		o := u.Head * w.Keys
		y := out.Row(u.Batch, u.Seq)[o : o+w.Keys]
		dy := out.GradRow(u.Batch, u.Seq)[o : o+w.Keys]
		dx := x.GradRow(u.Batch, u.Seq)[o : o+w.Keys]
		n := w.Valid(u.Seq)

		dot := hwy.Dot(y[:n], dy[:n])
		for j := range n {
			mode.Store(&dx[j], y[j]*(dy[j]-dot))
		}
		mode.Prepare(dx[n:])
	})
}
