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

// Package attention implements grouped multi-head causal attention with a
// forward and a backward pass for every stage:
//
//   - Rotary applies rotary positional encoding to query or key tensors.
//   - CausalScore computes scaled query/key dot products under a causal mask,
//     with key heads shared by groups of query heads.
//   - Softmax normalizes each score row over its valid key positions.
//   - ValueAggregation forms the score-weighted sum of value heads.
//
// Block chains the four into one attention layer and adds incremental
// generation on top of a kvcache.Manager.
//
// Every stage has two kernels that compute the same formula: a scalar
// reference built from nested loops over hwy.Base* arithmetic, and a
// vectorized kernel that dispatches one unit of work per (batch, head,
// sequence) tuple on a worker pool and uses the hwy lane kernels. The
// Executor a component is built with decides which one runs.
//
// Tensors are seq.Tensor values of shape (batch, sequence, channels) where
// channels = heads × headDim. Score tensors have heads × keys channels:
// score (b, h, sQ, sK) lives at channel h*keys + sK of row (b, sQ).
package attention
