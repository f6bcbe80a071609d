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

// Package gradcheck verifies analytic gradients against central finite
// differences.
//
// The Harness evaluates a Target once per perturbation slot and stores
// every output in an Extension. It never compares anything; Compare
// recovers the numeric gradients from the Extension and measures them
// against the analytic ones.
//
// Slots are laid out parameters first, then branches, in order. Inside a
// group of N scalars starting at slot offset, scalar i is shifted by +ε in
// slot offset+2i and by −ε in slot offset+2i+1, so a target with L
// learnable scalars and branches of sizes N_i uses 2×(L + ΣN_i) slots.
package gradcheck

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
)

// Kind distinguishes learnable parameters from input branches.
type Kind int

const (
	KindParam Kind = iota
	KindBranch
)

func (k Kind) String() string {
	if k == KindBranch {
		return "branch"
	}
	return "param"
}

// Sign is the direction of a perturbation.
type Sign int

const (
	Plus Sign = iota
	Minus
)

func (s Sign) String() string {
	if s == Minus {
		return "-"
	}
	return "+"
}

// Sample identifies one perturbed scalar: element Index of group Group of
// the given Kind, shifted in direction Sign.
type Sample struct {
	Kind  Kind
	Group int
	Index int
	Sign  Sign
}

func (s Sample) String() string {
	return fmt.Sprintf("%s[%d][%d]%s", s.Kind, s.Group, s.Index, s.Sign)
}

// Layout maps samples to extension slots.
type Layout struct {
	ParamSizes  []int
	BranchSizes []int

	// offsets[g] is the first slot of group g, params then branches, with a
	// trailing total.
	offsets []int
}

// NewLayout builds the layout for the given parameter and branch sizes.
func NewLayout(paramSizes, branchSizes []int) Layout {
	sizes := append(append([]int(nil), paramSizes...), branchSizes...)
	offsets := make([]int, len(sizes)+1)
	for g, n := range sizes {
		offsets[g+1] = offsets[g] + 2*n
	}
	return Layout{ParamSizes: paramSizes, BranchSizes: branchSizes, offsets: offsets}
}

// LayoutOf returns the layout of t's parameters and branches.
func LayoutOf(t Target) Layout {
	return NewLayout(
		lo.Map(t.Params(), func(p []float64, _ int) int { return len(p) }),
		lo.Map(t.Branches(), func(b *seq.Tensor, _ int) int { return b.Len() }),
	)
}

// Learnable returns L, the number of learnable scalars.
func (l Layout) Learnable() int {
	return lo.Sum(l.ParamSizes)
}

// Slots returns 2×(L + ΣN_i).
func (l Layout) Slots() int {
	return l.offsets[len(l.offsets)-1]
}

func (l Layout) group(k Kind, g int) int {
	if k == KindBranch {
		return len(l.ParamSizes) + g
	}
	return g
}

// Slot returns the slot of a sample.
func (l Layout) Slot(s Sample) int {
	return l.offsets[l.group(s.Kind, s.Group)] + 2*s.Index + int(s.Sign)
}

// Sample returns the sample stored at slot.
func (l Layout) Sample(slot int) Sample {
	g := 0
	for l.offsets[g+1] <= slot {
		g++
	}
	rel := slot - l.offsets[g]
	s := Sample{Kind: KindParam, Group: g, Index: rel / 2, Sign: Sign(rel % 2)}
	if g >= len(l.ParamSizes) {
		s.Kind = KindBranch
		s.Group = g - len(l.ParamSizes)
	}
	return s
}

// Samples enumerates every sample in slot order.
func (l Layout) Samples() []Sample {
	return lo.Times(l.Slots(), l.Sample)
}
