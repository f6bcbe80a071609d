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
	"errors"

	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
)

// Construction errors. They are returned before any buffer is allocated.
var (
	ErrHeadCount        = errors.New("attention: channels not divisible by head count")
	ErrSequenceMismatch = errors.New("attention: query/key/value sequence lengths differ")
	ErrHeadRatio        = errors.New("attention: head counts are not an exact multiple")
	ErrOddHeadDim       = errors.New("attention: rotary head dimension must be even")
	ErrPositionCount    = errors.New("attention: position count does not match sequence length")
	ErrHeadDimMismatch  = errors.New("attention: query and key head dimensions differ")
)

// Runtime errors. The component is left as it was before the call.
var (
	ErrGenerationSequence = errors.New("attention: generation requires a query sequence of length 1")
	ErrGenerationBackward = errors.New("attention: backward is not defined for generation steps")
	ErrNoCache            = errors.New("attention: no cache attached")
	ErrShape              = seq.ErrShape
)
