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

// Package kvcache stores the keys and values of past positions for
// autoregressive generation.
//
// A Cache holds at most Capacity entries per batch element. It is created
// lazily by the first Append, grows one entry per appended position, and
// once full evicts the oldest entry on every append (a sliding window).
// Eviction copies the surviving entries into the second of two physical
// buffers and flips the generation counter; readers always see the buffer
// selected by the current generation.
package kvcache

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
	"github.com/ajroetker/go-seqattn/logutil"
)

var (
	ErrNotFinalized  = errors.New("kvcache: tensor is still being written")
	ErrShape         = seq.ErrShape
	ErrNotSupported  = errors.New("kvcache: not supported")
	ErrUninitialized = errors.New("kvcache: cache has no entries")
	ErrCapacity      = errors.New("kvcache: invalid capacity")
)

// State is the lifecycle position of a Cache.
type State int

const (
	StateUninitialized State = iota
	StateGrowing
	StateFull
)

func (s State) String() string {
	switch s {
	case StateGrowing:
		return "growing"
	case StateFull:
		return "full"
	default:
		return "uninitialized"
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithDType selects the storage type. The default is f64.
func WithDType(d DType) Option {
	return func(c *Cache) { c.dtype = d }
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Cache is a capacity-bounded sliding-window store of (batch, position,
// channels) entries.
type Cache struct {
	capacity int
	channels int
	dtype    DType
	logger   *slog.Logger

	batch  int
	length int

	// bufs[generation%2] is the live buffer.
	generation uint64
	bufs       [2]storage
}

// New returns an uninitialized cache.
func New(capacity, channels int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrShape, channels)
	}

	c := &Cache{capacity: capacity, channels: channels, length: -1}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logutil.Or(c.logger)
	return c, nil
}

func (c *Cache) Capacity() int { return c.capacity }

func (c *Cache) Channels() int { return c.channels }

func (c *Cache) Batch() int { return c.batch }

func (c *Cache) DType() DType { return c.dtype }

// Generation counts evictions. Its parity selects the live buffer.
func (c *Cache) Generation() uint64 { return c.generation }

// Len returns the number of valid entries, or -1 before the first Append.
func (c *Cache) Len() int {
	return c.length
}

func (c *Cache) State() State {
	switch {
	case c.length < 0:
		return StateUninitialized
	case c.length < c.capacity:
		return StateGrowing
	default:
		return StateFull
	}
}

func (c *Cache) front() storage {
	return c.bufs[c.generation%2]
}

func (c *Cache) back() storage {
	return c.bufs[(c.generation+1)%2]
}

func (c *Cache) alloc(batch int) {
	c.bufs[0] = newStorage(c.dtype, batch*c.capacity, c.channels)
	c.bufs[1] = newStorage(c.dtype, batch*c.capacity, c.channels)
	c.batch = batch
}

// Append adds every position of t, in order, to the cache. t must be
// finalized and have the cache's channel count. A batch size different from
// the cache's resizes the cache first.
func (c *Cache) Append(t *seq.Tensor) error {
	if !t.Finalized() {
		return ErrNotFinalized
	}
	if t.Channels != c.channels {
		return fmt.Errorf("%w: appending %d channels to a %d-channel cache", ErrShape, t.Channels, c.channels)
	}
	if t.Batch <= 0 || t.Seq <= 0 {
		return fmt.Errorf("%w: appending %v", ErrShape, t)
	}

	switch {
	case c.length < 0:
		c.alloc(t.Batch)
		c.length = 0
		c.logger.Debug("kvcache created", "capacity", c.capacity, "channels", c.channels, "batch", t.Batch, "dtype", c.dtype)
	case t.Batch != c.batch:
		c.resize(t.Batch)
	}

	for s := range t.Seq {
		if c.length < c.capacity {
			for b := range c.batch {
				c.front().put(b*c.capacity+c.length, t.Row(b, s))
			}
			c.length++
			if c.length == c.capacity {
				c.logger.Debug("kvcache full", "capacity", c.capacity)
			}
			continue
		}
		c.slide(t, s)
	}
	return nil
}

// slide evicts the oldest entry of every batch element and writes position
// s of t at the end.
func (c *Cache) slide(t *seq.Tensor, s int) {
	cur, next := c.front(), c.back()
	for b := range c.batch {
		base := b * c.capacity
		cur.move(next, base, base+1, c.capacity-1)
		next.put(base+c.capacity-1, t.Row(b, s))
	}
	c.generation++
	logutil.Trace("kvcache slide", "generation", c.generation)
}

// resize reallocates for a new batch size, keeping the first Len entries of
// every batch element present before and after.
func (c *Cache) resize(batch int) {
	c.logger.Debug("kvcache resize", "from", c.batch, "to", batch, "entries", c.length)

	old := c.front()
	keep := min(c.batch, batch)
	c.alloc(batch)
	for b := range keep {
		old.move(c.front(), b*c.capacity, b*c.capacity, c.length)
	}
}

// Entry decodes entry i of batch element b into dst.
func (c *Cache) Entry(b, i int, dst []float64) error {
	if c.length < 0 {
		return ErrUninitialized
	}
	if b < 0 || b >= c.batch || i < 0 || i >= c.length || len(dst) < c.channels {
		return fmt.Errorf("%w: entry (%d, %d) of cache (%d, %d)", ErrShape, b, i, c.batch, c.length)
	}
	c.front().get(b*c.capacity+i, dst[:c.channels])
	return nil
}

// Snapshot decodes the cache into dst, reshaped to (Batch, Capacity,
// Channels). Rows at or beyond Len are zero.
func (c *Cache) Snapshot(dst *seq.Tensor) error {
	if c.length < 0 {
		return ErrUninitialized
	}

	dst.BeginWrite()
	defer dst.Finalize()

	dst.Reshape(c.batch, c.capacity, c.channels)
	clear(dst.Data)
	for b := range c.batch {
		for i := range c.length {
			c.front().get(b*c.capacity+i, dst.Row(b, i))
		}
	}
	return nil
}

// Reset drops all entries and storage, returning to the uninitialized state.
func (c *Cache) Reset() {
	c.bufs = [2]storage{}
	c.batch = 0
	c.length = -1
	c.generation = 0
	c.logger.Debug("kvcache reset")
}

// Restore rebuilds the cache at a persisted length. When src is non-nil its
// first length positions become the entries; otherwise they are zero. A
// negative length leaves the cache uninitialized.
func (c *Cache) Restore(batch, length int, src *seq.Tensor) error {
	if length < 0 {
		c.Reset()
		return nil
	}
	if length > c.capacity || batch <= 0 {
		return fmt.Errorf("%w: restoring (%d, %d) into capacity %d", ErrShape, batch, length, c.capacity)
	}
	if src != nil && (src.Batch != batch || src.Seq < length || src.Channels != c.channels) {
		return fmt.Errorf("%w: restore source %v", ErrShape, src)
	}

	c.generation = 0
	c.alloc(batch)
	c.length = length
	if src != nil {
		for b := range batch {
			for i := range length {
				c.front().put(b*c.capacity+i, src.Row(b, i))
			}
		}
	}
	return nil
}
