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

package kvcache

import (
	"fmt"

	"github.com/ajroetker/go-seqattn/envconfig"
)

// Manager pairs the key and value caches of one attention block. Both use
// the same capacity, storage type and eviction policy, so after every step
// they hold the same positions.
type Manager struct {
	Keys   *Cache
	Values *Cache
}

// NewManager creates both caches. Without a WithDType option the storage
// type comes from ATTN_KV_CACHE_TYPE.
func NewManager(capacity, keyChannels, valueChannels int, opts ...Option) (*Manager, error) {
	dtype, err := ParseDType(envconfig.KvCacheType())
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithDType(dtype)}, opts...)

	keys, err := New(capacity, keyChannels, opts...)
	if err != nil {
		return nil, fmt.Errorf("key cache: %w", err)
	}
	values, err := New(capacity, valueChannels, opts...)
	if err != nil {
		return nil, fmt.Errorf("value cache: %w", err)
	}
	return &Manager{Keys: keys, Values: values}, nil
}

// Capacity returns the shared capacity.
func (m *Manager) Capacity() int {
	return m.Keys.Capacity()
}

// Len returns the number of cached positions, -1 before the first append.
func (m *Manager) Len() int {
	return m.Keys.Len()
}

func (m *Manager) Reset() {
	m.Keys.Reset()
	m.Values.Reset()
}

// Restore rebuilds both caches at a persisted length with zeroed contents.
func (m *Manager) Restore(batch, length int) error {
	if err := m.Keys.Restore(batch, length, nil); err != nil {
		return err
	}
	if err := m.Values.Restore(batch, length, nil); err != nil {
		m.Keys.Reset()
		return err
	}
	return nil
}
