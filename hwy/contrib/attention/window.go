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

// MaskSentinel is the score written at masked (future) key positions.
const MaskSentinel = -1e9

// Window describes which key positions a query row may attend to. Valid
// positions always form a prefix [0, Valid(sQ)) of the Keys score columns.
type Window struct {
	// Keys is the number of score columns per head.
	Keys int

	generation bool
	cached     int
}

// CausalWindow is the static window over seqLen keys: row sQ sees keys 0..sQ.
func CausalWindow(seqLen int) Window {
	return Window{Keys: seqLen}
}

// GenerationWindow is the window of a generation step over a cache of the
// given capacity holding cached entries. Every cached key is valid.
func GenerationWindow(capacity, cached int) Window {
	return Window{Keys: capacity, generation: true, cached: cached}
}

// Generation reports whether w belongs to a generation step.
func (w Window) Generation() bool {
	return w.generation
}

// Valid returns the number of valid keys of query row sQ.
func (w Window) Valid(sQ int) int {
	if w.generation {
		return w.cached
	}
	return min(sQ+1, w.Keys)
}
