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
	stdmath "math"

	"github.com/samber/lo"

	"github.com/ajroetker/go-seqattn/envconfig"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
)

// GroupReport is the worst disagreement within one parameter or branch.
type GroupReport struct {
	Kind       Kind
	Group      int
	Size       int
	MaxRelDiff float64
	// Worst is the index of the scalar with MaxRelDiff.
	Worst    int
	Numeric  float64
	Analytic float64
}

// Report is the outcome of Compare.
type Report struct {
	Groups     []GroupReport
	MaxRelDiff float64
	Tolerance  float64
}

// OK reports whether every group is within tolerance.
func (r Report) OK() bool {
	return r.MaxRelDiff <= r.Tolerance
}

// RelDiff is |a−b| / max(1, |a|, |b|): absolute below magnitude 1 and
// relative above it.
func RelDiff(a, b float64) float64 {
	return stdmath.Abs(a-b) / max(1, stdmath.Abs(a), stdmath.Abs(b))
}

// Numeric returns the central-difference gradient of the output contracted
// with dOut, for scalar index of the given group.
func Numeric(res *Result, dOut []float64, kind Kind, group, index int) float64 {
	ext := res.Extension
	plus := res.Layout.Slot(Sample{Kind: kind, Group: group, Index: index, Sign: Plus})
	minus := plus + 1

	var sum float64
	for i, d := range dOut {
		sum += d * (ext.Data[i*ext.Slots+plus] - ext.Data[i*ext.Slots+minus])
	}
	return sum / (2 * res.Epsilon)
}

// Compare measures the analytic gradients against the harness result.
// paramGrads and branchGrads are parallel to the target's Params and
// Branches; dOut is the output gradient they were computed for.
func Compare(res *Result, dOut []float64, paramGrads, branchGrads [][]float64, tolerance float64) (Report, error) {
	if len(dOut) != res.Nominal.Len() {
		return Report{}, fmt.Errorf("%w: %d output gradients for %v", seq.ErrShape, len(dOut), res.Nominal)
	}
	if tolerance <= 0 {
		tolerance = envconfig.GradCheckTolerance()
	}

	report := Report{Tolerance: tolerance}
	check := func(kind Kind, sizes []int, grads [][]float64) error {
		if len(grads) != len(sizes) {
			return fmt.Errorf("%w: %d %s gradients for %d groups", seq.ErrShape, len(grads), kind, len(sizes))
		}
		for g, n := range sizes {
			if len(grads[g]) != n {
				return fmt.Errorf("%w: %s %d gradient has %d values, want %d", seq.ErrShape, kind, g, len(grads[g]), n)
			}
			gr := GroupReport{Kind: kind, Group: g, Size: n}
			for i := range n {
				num := Numeric(res, dOut, kind, g, i)
				if d := RelDiff(num, grads[g][i]); d >= gr.MaxRelDiff {
					gr.MaxRelDiff, gr.Worst, gr.Numeric, gr.Analytic = d, i, num, grads[g][i]
				}
			}
			report.Groups = append(report.Groups, gr)
		}
		return nil
	}
	if err := check(KindParam, res.Layout.ParamSizes, paramGrads); err != nil {
		return Report{}, err
	}
	if err := check(KindBranch, res.Layout.BranchSizes, branchGrads); err != nil {
		return Report{}, err
	}

	if len(report.Groups) > 0 {
		report.MaxRelDiff = lo.MaxBy(report.Groups, func(a, b GroupReport) bool {
			return a.MaxRelDiff > b.MaxRelDiff
		}).MaxRelDiff
	}
	return report, nil
}

// Check runs the harness, computes the analytic gradients on a fresh
// instance, and compares them.
func Check(ctx context.Context, h *Harness, factory func() (Differentiable, error), dOut []float64, tolerance float64) (Report, *Result, error) {
	res, err := h.Run(ctx, func() (Target, error) {
		t, err := factory()
		if err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return Report{}, nil, err
	}

	t, err := factory()
	if err != nil {
		return Report{}, nil, err
	}
	for _, b := range t.Branches() {
		b.ZeroGrad()
	}
	if _, err := t.Forward(); err != nil {
		return Report{}, nil, err
	}
	if err := t.Backward(dOut); err != nil {
		return Report{}, nil, fmt.Errorf("analytic backward: %w", err)
	}

	branchGrads := lo.Map(t.Branches(), func(b *seq.Tensor, _ int) []float64 {
		if b.Grad == nil {
			return make([]float64, b.Len())
		}
		return b.Grad
	})
	report, err := Compare(res, dOut, t.ParamGrads(), branchGrads, tolerance)
	return report, res, err
}
