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
	"fmt"
	"slices"
)

// State is everything needed to rebuild a Block mid-generation. Cache
// contents are not part of it; a restored cache holds zeroed entries
// until the host reloads them.
type State struct {
	Config `yaml:",inline"`

	// CacheSeq is the number of cached positions, -1 when the cache is
	// unused.
	CacheSeq int `json:"cache_seq" yaml:"cache_seq"`
	Batch    int `json:"batch,omitempty" yaml:"batch,omitempty"`
}

// State captures the block's configuration and cache position.
func (b *Block) State() State {
	s := State{Config: b.cfg, CacheSeq: -1}
	s.Positions = slices.Clone(b.positions)
	if b.cache != nil && b.cache.Len() >= 0 {
		s.CacheSeq = b.cache.Len()
		s.Batch = b.cache.Keys.Batch()
	}
	return s
}

// Restore rebuilds a Block from s without re-deriving any of its fields.
func Restore(s State, opts ...Option) (*Block, error) {
	b, err := NewBlock(s.Config, opts...)
	if err != nil {
		return nil, err
	}
	if s.CacheSeq < 0 {
		return b, nil
	}
	if b.cache == nil {
		return nil, fmt.Errorf("%w: state has %d cached positions", ErrNoCache, s.CacheSeq)
	}
	if err := b.cache.Restore(s.Batch, s.CacheSeq); err != nil {
		return nil, err
	}
	return b, nil
}
