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

package gradcheck

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/ajroetker/go-seqattn/envconfig"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
	"github.com/ajroetker/go-seqattn/logutil"
)

const (
	DefaultEpsilon   = 1e-4
	DefaultTolerance = 1e-2
)

// Target is a differentiable computation under test. Params and Branches
// return live views: the harness perturbs them in place and restores them
// after every evaluation.
type Target interface {
	Params() [][]float64
	Branches() []*seq.Tensor
	Forward() (*seq.Tensor, error)
}

// Differentiable is a Target that also computes analytic gradients.
// After Backward, branch gradients are in each branch's Grad and parameter
// gradients in ParamGrads, parallel to Params.
type Differentiable interface {
	Target
	Backward(dOut []float64) error
	ParamGrads() [][]float64
}

// Factory returns a new Target instance with the same nominal values.
// The harness calls it once per worker so no instance is shared between
// goroutines.
type Factory func() (Target, error)

// Extension holds one output per perturbation slot, shaped
// (Batch, Seq, Channels, Slots).
type Extension struct {
	Batch    int
	Seq      int
	Channels int
	Slots    int
	Data     []float64
}

func newExtension(out *seq.Tensor, slots int) *Extension {
	return &Extension{
		Batch:    out.Batch,
		Seq:      out.Seq,
		Channels: out.Channels,
		Slots:    slots,
		Data:     make([]float64, out.Len()*slots),
	}
}

// At returns output element (b, s, c) of the evaluation in slot.
func (e *Extension) At(b, s, c, slot int) float64 {
	return e.Data[((b*e.Seq+s)*e.Channels+c)*e.Slots+slot]
}

func (e *Extension) store(slot int, out *seq.Tensor) {
	for i, v := range out.Data {
		e.Data[i*e.Slots+slot] = v
	}
}

// Result is the output of a harness run.
type Result struct {
	Layout    Layout
	Nominal   *seq.Tensor
	Extension *Extension
	Epsilon   float64
}

// Harness runs the perturbed evaluations.
type Harness struct {
	// Epsilon is the perturbation. Zero means ATTN_GC_EPSILON.
	Epsilon float64
	// Workers bounds the concurrent target instances. Zero means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// Run evaluates the target for every slot of its layout.
func (h *Harness) Run(ctx context.Context, factory Factory) (*Result, error) {
	eps := h.Epsilon
	if eps <= 0 {
		eps = envconfig.GradCheckEpsilon()
	}
	logger := logutil.Or(h.Logger)

	nominal, err := factory()
	if err != nil {
		return nil, err
	}
	out, err := nominal.Forward()
	if err != nil {
		return nil, fmt.Errorf("nominal forward: %w", err)
	}

	layout := LayoutOf(nominal)
	res := &Result{
		Layout:    layout,
		Nominal:   out.Clone(),
		Extension: newExtension(out, layout.Slots()),
		Epsilon:   eps,
	}

	workers := h.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, layout.Slots())
	logger.Debug("gradcheck", "slots", layout.Slots(), "learnable", layout.Learnable(), "workers", workers, "epsilon", eps)

	g, ctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			t := nominal
			if w > 0 {
				var err error
				if t, err = factory(); err != nil {
					return err
				}
			}
			for slot := w; slot < layout.Slots(); slot += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := evaluate(t, layout.Sample(slot), eps, slot, res); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// evaluate shifts one scalar, runs the target, stores the output and puts
// the scalar back.
func evaluate(t Target, s Sample, eps float64, slot int, res *Result) error {
	var x *float64
	if s.Kind == KindParam {
		x = &t.Params()[s.Group][s.Index]
	} else {
		x = &t.Branches()[s.Group].Data[s.Index]
	}

	nominal := *x
	if s.Sign == Plus {
		*x = nominal + eps
	} else {
		*x = nominal - eps
	}
	out, err := t.Forward()
	*x = nominal
	if err != nil {
		return fmt.Errorf("slot %d (%v): %w", slot, s, err)
	}
	if !out.SameShape(res.Nominal) {
		return fmt.Errorf("slot %d (%v): %w: output %v, nominal %v", slot, s, seq.ErrShape, out, res.Nominal)
	}

	res.Extension.store(slot, out)
	logutil.Trace("gradcheck slot", "slot", slot, "sample", s)
	return nil
}
