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
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of cache storage. Values are always appended
// and read as float64; narrower types round on the way in.
type DType int

const (
	DTypeF64 DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF64:
		return "f64"
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// ParseDType parses a storage type name. The empty string is f64.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f64", "float64":
		return DTypeF64, nil
	case "f32", "float32":
		return DTypeF32, nil
	case "f16", "float16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	}
	return DTypeF64, fmt.Errorf("%w: cache type %q", ErrNotSupported, s)
}

// storage is a flat array of rows of a fixed width.
type storage interface {
	put(row int, src []float64)
	get(row int, dst []float64)
	// move copies n rows starting at src in s to dst starting at dstRow.
	move(dst storage, dstRow, srcRow, n int)
}

func newStorage(dtype DType, rows, width int) storage {
	switch dtype {
	case DTypeF32:
		return &f32Storage{width: width, data: make([]float32, rows*width)}
	case DTypeF16:
		return &f16Storage{width: width, data: make([]float16.Float16, rows*width)}
	case DTypeBF16:
		return &bf16Storage{width: width, data: make([]byte, rows*width*2)}
	default:
		return &f64Storage{width: width, data: make([]float64, rows*width)}
	}
}

type f64Storage struct {
	width int
	data  []float64
}

func (s *f64Storage) put(row int, src []float64) {
	copy(s.data[row*s.width:(row+1)*s.width], src)
}

func (s *f64Storage) get(row int, dst []float64) {
	copy(dst, s.data[row*s.width:(row+1)*s.width])
}

func (s *f64Storage) move(dst storage, dstRow, srcRow, n int) {
	d := dst.(*f64Storage)
	copy(d.data[dstRow*s.width:(dstRow+n)*s.width], s.data[srcRow*s.width:(srcRow+n)*s.width])
}

type f32Storage struct {
	width int
	data  []float32
}

func (s *f32Storage) put(row int, src []float64) {
	r := s.data[row*s.width : (row+1)*s.width]
	for i := range r {
		r[i] = float32(src[i])
	}
}

func (s *f32Storage) get(row int, dst []float64) {
	for i, v := range s.data[row*s.width : (row+1)*s.width] {
		dst[i] = float64(v)
	}
}

func (s *f32Storage) move(dst storage, dstRow, srcRow, n int) {
	d := dst.(*f32Storage)
	copy(d.data[dstRow*s.width:(dstRow+n)*s.width], s.data[srcRow*s.width:(srcRow+n)*s.width])
}

type f16Storage struct {
	width int
	data  []float16.Float16
}

func (s *f16Storage) put(row int, src []float64) {
	r := s.data[row*s.width : (row+1)*s.width]
	for i := range r {
		r[i] = float16.Fromfloat32(float32(src[i]))
	}
}

func (s *f16Storage) get(row int, dst []float64) {
	for i, v := range s.data[row*s.width : (row+1)*s.width] {
		dst[i] = float64(v.Float32())
	}
}

func (s *f16Storage) move(dst storage, dstRow, srcRow, n int) {
	d := dst.(*f16Storage)
	copy(d.data[dstRow*s.width:(dstRow+n)*s.width], s.data[srcRow*s.width:(srcRow+n)*s.width])
}

// bf16Storage keeps the little-endian byte encoding produced by go-bfloat16.
type bf16Storage struct {
	width int
	data  []byte
	f32   []float32
}

func (s *bf16Storage) put(row int, src []float64) {
	if len(s.f32) != s.width {
		s.f32 = make([]float32, s.width)
	}
	for i := range s.f32 {
		s.f32[i] = float32(src[i])
	}
	copy(s.data[row*s.width*2:(row+1)*s.width*2], bfloat16.EncodeFloat32(s.f32))
}

func (s *bf16Storage) get(row int, dst []float64) {
	for i, v := range bfloat16.DecodeFloat32(s.data[row*s.width*2 : (row+1)*s.width*2]) {
		dst[i] = float64(v)
	}
}

func (s *bf16Storage) move(dst storage, dstRow, srcRow, n int) {
	d := dst.(*bf16Storage)
	w := s.width * 2
	copy(d.data[dstRow*w:(dstRow+n)*w], s.data[srcRow*w:(srcRow+n)*w])
}
