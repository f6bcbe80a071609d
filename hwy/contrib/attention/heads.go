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

import "fmt"

// HeadIndexer maps (head, j) to a channel offset of a tensor whose channels
// are split into equal heads.
type HeadIndexer struct {
	Heads   int
	HeadDim int
}

// NewHeadIndexer splits channels into heads.
func NewHeadIndexer(channels, heads int) (HeadIndexer, error) {
	if heads <= 0 || channels <= 0 || channels%heads != 0 {
		return HeadIndexer{}, fmt.Errorf("%w: %d channels, %d heads", ErrHeadCount, channels, heads)
	}
	return HeadIndexer{Heads: heads, HeadDim: channels / heads}, nil
}

// Offset returns j + head*HeadDim.
func (h HeadIndexer) Offset(head, j int) int {
	return j + head*h.HeadDim
}

// Channels returns Heads*HeadDim.
func (h HeadIndexer) Channels() int {
	return h.Heads * h.HeadDim
}

// Slice returns the channels of head within a row.
func (h HeadIndexer) Slice(row []float64, head int) []float64 {
	o := head * h.HeadDim
	return row[o : o+h.HeadDim : o+h.HeadDim]
}

// HeadGroup relates a larger head count to a smaller one that it is an
// exact multiple of. Each minor head is shared by Ratio consecutive major
// heads.
type HeadGroup struct {
	Major int
	Minor int
}

// NewHeadGroup validates major >= minor > 0 and major % minor == 0.
func NewHeadGroup(major, minor int) (HeadGroup, error) {
	if major <= 0 || minor <= 0 {
		return HeadGroup{}, fmt.Errorf("%w: %d and %d heads", ErrHeadCount, major, minor)
	}
	if minor > major || major%minor != 0 {
		return HeadGroup{}, fmt.Errorf("%w: %d heads cannot share %d", ErrHeadRatio, major, minor)
	}
	return HeadGroup{Major: major, Minor: minor}, nil
}

// Ratio returns Major/Minor.
func (g HeadGroup) Ratio() int {
	return g.Major / g.Minor
}

// Shared returns the minor head that major head h reads.
func (g HeadGroup) Shared(h int) int {
	return h / g.Ratio()
}

// Sharers returns the half-open range of major heads that read minor head h.
func (g HeadGroup) Sharers(h int) (first, last int) {
	r := g.Ratio()
	return h * r, (h + 1) * r
}
