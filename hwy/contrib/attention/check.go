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

import "github.com/ajroetker/go-seqattn/hwy/contrib/seq"

// CheckTarget evaluates a cache-less Block on fixed inputs. Its branches
// are the query, key and value tensors; a Block has no learnable scalars.
// It satisfies gradcheck.Target.
type CheckTarget struct {
	block   *Block
	q, k, v *seq.Tensor
}

// NewCheckTarget builds a block from cfg with the cache disabled and takes
// private copies of the inputs.
func NewCheckTarget(cfg Config, q, k, v *seq.Tensor, opts ...Option) (*CheckTarget, error) {
	cfg.CacheSeqMax = 0
	b, err := NewBlock(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &CheckTarget{block: b, q: q.Clone(), k: k.Clone(), v: v.Clone()}, nil
}

func (t *CheckTarget) Branches() []*seq.Tensor {
	return []*seq.Tensor{t.q, t.k, t.v}
}

func (t *CheckTarget) Params() [][]float64 {
	return nil
}

func (t *CheckTarget) Forward() (*seq.Tensor, error) {
	return t.block.Forward(t.q, t.k, t.v)
}

// Backward runs the analytic backward pass for the output gradient dOut.
func (t *CheckTarget) Backward(dOut []float64) error {
	copy(t.block.Output().EnsureGrad(), dOut)
	return t.block.Backward(t.q, t.k, t.v)
}

// ParamGrads returns nil: a Block has no parameters.
func (t *CheckTarget) ParamGrads() [][]float64 {
	return nil
}
