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

// NOTE: This file is named "z_ops_f64.go" (starting with 'z')
// to ensure its init() runs AFTER the dispatch_*.go files.
// Go executes init() functions in lexicographic filename order within a package,
// and the level detected there decides whether the Base* kernels get replaced.

package hwy

import "gonum.org/v1/gonum/floats"

// Below this length the call overhead of the assembly kernels is not worth it.
const minLanesForVector = 8

func init() {
	if currentLevel == DispatchScalar {
		return
	}

	Dot = dotVec
	MulAdd = mulAddVec
	Scale = scaleVec
	MaxOf = maxOfVec
	Sum = sumVec
}

func dotVec(a, b []float64) float64 {
	n := min(len(a), len(b))
	if n < minLanesForVector {
		return BaseDot(a, b)
	}
	return floats.Dot(a[:n], b[:n])
}

func mulAddVec(dst []float64, alpha float64, x []float64) {
	n := min(len(dst), len(x))
	if n < minLanesForVector {
		BaseMulAdd(dst, alpha, x)
		return
	}
	floats.AddScaled(dst[:n], alpha, x[:n])
}

func scaleVec(alpha float64, dst []float64) {
	if len(dst) < minLanesForVector {
		BaseScale(alpha, dst)
		return
	}
	floats.Scale(alpha, dst)
}

func maxOfVec(s []float64) float64 {
	if len(s) < minLanesForVector {
		return BaseMaxOf(s)
	}
	return floats.Max(s)
}

func sumVec(s []float64) float64 {
	if len(s) < minLanesForVector {
		return BaseSum(s)
	}
	return floats.Sum(s)
}
