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

package seq

// AccumulationMode selects whether a backward kernel overwrites a gradient
// buffer or adds to it. A buffer that receives contributions from several
// consumers gets Assign from the first and Accumulate from the rest.
type AccumulationMode int

const (
	Assign AccumulationMode = iota
	Accumulate
)

func (m AccumulationMode) String() string {
	if m == Accumulate {
		return "accumulate"
	}
	return "assign"
}

// Prepare readies dst for a kernel that adds its contributions: under
// Assign it is cleared first.
func (m AccumulationMode) Prepare(dst []float64) {
	if m == Assign {
		clear(dst)
	}
}

// Store writes v to *dst according to m.
func (m AccumulationMode) Store(dst *float64, v float64) {
	if m == Assign {
		*dst = v
	} else {
		*dst += v
	}
}

// GradSlot hands out accumulation modes for a backward pass: the first
// request for a tensor gets Assign, every later one Accumulate.
// The zero value is ready to use.
type GradSlot struct {
	seen map[*Tensor]struct{}
}

// Mode returns the mode for the next write into t's gradient and allocates it.
func (g *GradSlot) Mode(t *Tensor) AccumulationMode {
	if g.seen == nil {
		g.seen = make(map[*Tensor]struct{})
	}
	t.EnsureGrad()
	if _, ok := g.seen[t]; ok {
		return Accumulate
	}
	g.seen[t] = struct{}{}
	return Assign
}

// Commit marks every tensor handed out by g as holding a fresh gradient.
func (g *GradSlot) Commit() {
	for t := range g.seen {
		t.CommitGrad()
	}
}

// Reset forgets every tensor, starting a new backward pass.
func (g *GradSlot) Reset() {
	clear(g.seen)
}
