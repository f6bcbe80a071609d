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

package hwy

import stdmath "math"

// Dispatched lane kernels. They operate on the common prefix of their
// arguments, so callers may pass a longer destination than source.
var (
	// Dot returns sum(a[i] * b[i]).
	Dot = BaseDot[float64]
	// MulAdd computes dst[i] += alpha * x[i].
	MulAdd = BaseMulAdd[float64]
	// Scale computes dst[i] *= alpha.
	Scale = BaseScale[float64]
	// MaxOf returns the largest element of s, or -Inf when s is empty.
	MaxOf = BaseMaxOf[float64]
	// Sum returns the sum of s.
	Sum = BaseSum[float64]
)

// BaseDot is the scalar reference for Dot. Products are accumulated in
// index order.
func BaseDot[T Floats](a, b []T) T {
	n := min(len(a), len(b))
	var sum T
	for i := range n {
		sum += a[i] * b[i]
	}
	return sum
}

// BaseMulAdd is the scalar reference for MulAdd.
func BaseMulAdd[T Floats](dst []T, alpha T, x []T) {
	n := min(len(dst), len(x))
	for i := range n {
		dst[i] += alpha * x[i]
	}
}

// BaseScale is the scalar reference for Scale.
func BaseScale[T Floats](alpha T, dst []T) {
	for i := range dst {
		dst[i] *= alpha
	}
}

// BaseMaxOf is the scalar reference for MaxOf.
func BaseMaxOf[T Floats](s []T) T {
	m := T(stdmath.Inf(-1))
	for _, v := range s {
		if v > m {
			m = v
		}
	}
	return m
}

// BaseSum is the scalar reference for Sum.
func BaseSum[T Floats](s []T) T {
	var sum T
	for _, v := range s {
		sum += v
	}
	return sum
}
