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

// Package seq defines the (batch, sequence, channels) tensor that attention
// components exchange, together with the gradient bookkeeping around it.
//
// Data is stored row-major: element (b, s, c) lives at (b*Seq+s)*Channels+c.
// A tensor is owned by the component that produced it and is read by
// reference everywhere else. The producer brackets its writes with
// BeginWrite and Finalize; readers that persist the data (the key/value
// cache) refuse a tensor that is still being written.
package seq

import (
	"errors"
	"fmt"
)

var (
	// ErrShape is returned when tensor dimensions do not line up.
	ErrShape = errors.New("seq: shape mismatch")

	// ErrGradientUnavailable is returned by PerSampleGrad. It wraps
	// ErrNoBackward or ErrPerSampleDisabled.
	ErrGradientUnavailable = errors.New("seq: per-sample gradient unavailable")
	ErrNoBackward          = errors.New("no backward pass has run")
	ErrPerSampleDisabled   = errors.New("per-sample tracking not enabled")
)

// Tensor is a dense float64 tensor of logical shape (Batch, Seq, Channels)
// with an optional gradient buffer of the same shape.
type Tensor struct {
	Batch    int
	Seq      int
	Channels int

	Data []float64
	// Grad is nil until EnsureGrad is called.
	Grad []float64

	dirty     bool
	perSample bool
	committed bool
}

// New allocates a zeroed tensor.
func New(batch, seq, channels int) *Tensor {
	return &Tensor{
		Batch:    batch,
		Seq:      seq,
		Channels: channels,
		Data:     make([]float64, batch*seq*channels),
	}
}

// FromData wraps data without copying.
func FromData(batch, seq, channels int, data []float64) (*Tensor, error) {
	if batch <= 0 || seq <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: (%d, %d, %d)", ErrShape, batch, seq, channels)
	}
	if len(data) != batch*seq*channels {
		return nil, fmt.Errorf("%w: %d values for shape (%d, %d, %d)", ErrShape, len(data), batch, seq, channels)
	}
	return &Tensor{Batch: batch, Seq: seq, Channels: channels, Data: data}, nil
}

// Len returns Batch*Seq*Channels.
func (t *Tensor) Len() int {
	return t.Batch * t.Seq * t.Channels
}

// Index returns the flat offset of (b, s, c).
func (t *Tensor) Index(b, s, c int) int {
	return (b*t.Seq+s)*t.Channels + c
}

func (t *Tensor) At(b, s, c int) float64 {
	return t.Data[t.Index(b, s, c)]
}

func (t *Tensor) Set(b, s, c int, v float64) {
	t.Data[t.Index(b, s, c)] = v
}

// Row returns the channels of position (b, s) as a sub-slice of Data.
func (t *Tensor) Row(b, s int) []float64 {
	i := t.Index(b, s, 0)
	return t.Data[i : i+t.Channels : i+t.Channels]
}

// GradRow is Row for the gradient buffer. EnsureGrad must have been called.
func (t *Tensor) GradRow(b, s int) []float64 {
	i := t.Index(b, s, 0)
	return t.Grad[i : i+t.Channels : i+t.Channels]
}

// SameShape reports whether o has the same (Batch, Seq, Channels).
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.Batch == o.Batch && t.Seq == o.Seq && t.Channels == o.Channels
}

// Reshape changes the logical shape, reusing Data when it is large enough.
// The contents are unspecified afterwards. Grad is kept only when the
// element count is unchanged.
func (t *Tensor) Reshape(batch, seq, channels int) {
	n := batch * seq * channels
	if cap(t.Data) >= n {
		t.Data = t.Data[:n]
	} else {
		t.Data = make([]float64, n)
	}
	if len(t.Grad) != n {
		t.Grad = nil
	}
	t.Batch, t.Seq, t.Channels = batch, seq, channels
	t.committed = false
}

// Clone returns a deep copy, gradient included. The copy is finalized.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Batch:     t.Batch,
		Seq:       t.Seq,
		Channels:  t.Channels,
		Data:      append([]float64(nil), t.Data...),
		perSample: t.perSample,
		committed: t.committed,
	}
	if t.Grad != nil {
		c.Grad = append([]float64(nil), t.Grad...)
	}
	return c
}

// EnsureGrad allocates Grad if needed and returns it.
func (t *Tensor) EnsureGrad() []float64 {
	if len(t.Grad) != t.Len() {
		t.Grad = make([]float64, t.Len())
	}
	return t.Grad
}

// ZeroGrad clears Grad if allocated.
func (t *Tensor) ZeroGrad() {
	clear(t.Grad)
}

// BeginWrite marks the tensor dirty.
func (t *Tensor) BeginWrite() {
	t.dirty = true
}

// Finalize marks the end of the producer's writes.
func (t *Tensor) Finalize() {
	t.dirty = false
}

// Finalized reports whether no write is in progress.
func (t *Tensor) Finalized() bool {
	return !t.dirty
}

// EnablePerSample turns on per-sample gradient tracking.
func (t *Tensor) EnablePerSample() {
	t.perSample = true
}

// CommitGrad records that a backward pass has written Grad.
func (t *Tensor) CommitGrad() {
	t.committed = true
}

// PerSampleGrad returns a copy of the gradient restricted to batch element b,
// shaped (1, Seq, Channels).
func (t *Tensor) PerSampleGrad(b int) (*Tensor, error) {
	switch {
	case !t.perSample:
		return nil, fmt.Errorf("%w: %w", ErrGradientUnavailable, ErrPerSampleDisabled)
	case !t.committed || t.Grad == nil:
		return nil, fmt.Errorf("%w: %w", ErrGradientUnavailable, ErrNoBackward)
	case b < 0 || b >= t.Batch:
		return nil, fmt.Errorf("%w: batch index %d of %d", ErrShape, b, t.Batch)
	}

	n := t.Seq * t.Channels
	out := New(1, t.Seq, t.Channels)
	copy(out.Data, t.Grad[b*n:(b+1)*n])
	return out, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%d, %d, %d)", t.Batch, t.Seq, t.Channels)
}
