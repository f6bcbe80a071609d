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
	"log/slog"
	"sync"

	"github.com/ajroetker/go-seqattn/envconfig"
	"github.com/ajroetker/go-seqattn/hwy"
	"github.com/ajroetker/go-seqattn/hwy/contrib/workerpool"
	"github.com/ajroetker/go-seqattn/logutil"
)

// Path selects which kernel family an Executor runs.
type Path int

const (
	// PathScalar runs the sequential reference kernels.
	PathScalar Path = iota
	// PathVectorized runs the pooled, lane-kernel implementation.
	PathVectorized
)

func (p Path) String() string {
	if p == PathVectorized {
		return "vectorized"
	}
	return "scalar"
}

// Executor carries the execution path of a component and, for the
// vectorized path, the worker pool its units run on. Kernel calls return
// only after every unit has finished.
type Executor struct {
	path Path
	pool *workerpool.Pool
}

// Scalar returns an executor for the reference path.
func Scalar() *Executor {
	return &Executor{path: PathScalar}
}

// Vectorized returns an executor with its own pool of ATTN_NUM_THREADS
// workers (GOMAXPROCS when unset).
func Vectorized() *Executor {
	return &Executor{path: PathVectorized, pool: workerpool.New(int(envconfig.NumThreads()))}
}

// Auto picks the vectorized path unless the dispatch level is scalar or
// HWY_NO_SIMD is set.
func Auto() *Executor {
	if !hwy.Vectorized() || hwy.NoSimdEnv() {
		return Scalar()
	}
	return Vectorized()
}

var defaultExecutor = sync.OnceValue(func() *Executor {
	e := Auto()
	slog.Debug("attention executor", "path", e.path, "level", hwy.CurrentName(), "workers", e.pool.NumWorkers())
	return e
})

func (e *Executor) Path() Path {
	return e.path
}

func (e *Executor) vectorized() bool {
	return e.path == PathVectorized
}

// Close releases the worker pool.
func (e *Executor) Close() {
	e.pool.Close()
}

func (e *Executor) dispatch(g workerpool.Grid, fn func(workerpool.Unit)) {
	e.pool.Dispatch(g, fn)
}

// parallelFor splits [0, n) into one contiguous chunk per worker. The scalar
// path runs it as a single chunk.
func (e *Executor) parallelFor(n int, fn func(start, end int)) {
	if !e.vectorized() {
		fn(0, n)
		return
	}
	e.pool.ParallelFor(n, fn)
}

// Option configures a component.
type Option func(*options)

type options struct {
	base   float64
	exec   *Executor
	logger *slog.Logger
}

// WithBase sets the rotary frequency base. The default is 10000.
func WithBase(base float64) Option {
	return func(o *options) { o.base = base }
}

// WithExecutor sets the execution path. The default is a shared Auto executor.
func WithExecutor(e *Executor) Option {
	return func(o *options) { o.exec = e }
}

// WithLogger sets the logger for construction and lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{base: DefaultRotaryBase}
	for _, opt := range opts {
		opt(&o)
	}
	if o.exec == nil {
		o.exec = defaultExecutor()
	}
	o.logger = logutil.Or(o.logger)
	return o
}
