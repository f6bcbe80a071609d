// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package workerpool provides the persistent worker pool the vectorized
// attention path dispatches its units of work on.
//
// A Pool is created once and reused by every kernel call. Each call blocks
// until all of its work items finish, so a return from ParallelFor,
// ParallelForAtomic or Dispatch is the synchronization point between a
// kernel and whatever reads its output.
//
// Usage:
//
//	pool := workerpool.New(0)
//	defer pool.Close()
//
//	pool.Dispatch(workerpool.Grid{Batch: b, Heads: h, Seq: s}, func(u workerpool.Unit) {
//	    scoreRow(u.Batch, u.Head, u.Seq)
//	})
//
// All methods accept a nil *Pool and then run sequentially on the caller's
// goroutine.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ajroetker/go-seqattn/logutil"
)

// Pool is a persistent worker pool. Workers are spawned once at creation and
// live until Close.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New creates a pool with numWorkers workers. If numWorkers <= 0, uses GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan workItem, numWorkers*2),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers, 1 for a nil pool.
func (p *Pool) NumWorkers() int {
	if p == nil {
		return 1
	}
	return p.numWorkers
}

// Close shuts down the pool. Pending work completes. Safe to call repeatedly.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// sequential reports whether work of n items should run on the caller's goroutine.
func (p *Pool) sequential(n int) bool {
	return p == nil || p.closed.Load() || min(p.numWorkers, n) == 1
}

// ParallelFor calls fn over contiguous chunks covering [0, n), one chunk per
// worker, and blocks until every chunk is done.
func (p *Pool) ParallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if p.sequential(n) {
		fn(0, n)
		return
	}

	workers := min(p.numWorkers, n)
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		p.workC <- workItem{fn: func() { fn(start, end) }, barrier: &wg}
	}
	wg.Wait()
}

// ParallelForAtomic calls fn(i) for every i in [0, n). Workers claim indices
// through a shared counter, which balances uneven per-item cost (causal rows
// get longer with the sequence position).
func (p *Pool) ParallelForAtomic(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if p.sequential(n) {
		for i := range n {
			fn(i)
		}
		return
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	workers := min(p.numWorkers, n)
	wg.Add(workers)
	for range workers {
		p.workC <- workItem{
			fn: func() {
				for {
					i := int(next.Add(1)) - 1
					if i >= n {
						return
					}
					fn(i)
				}
			},
			barrier: &wg,
		}
	}
	wg.Wait()
}

// Grid is the (batch, head, sequence) iteration space of an attention kernel.
type Grid struct {
	Batch int
	Heads int
	Seq   int
}

// Len returns the number of units in the grid.
func (g Grid) Len() int {
	if g.Batch <= 0 || g.Heads <= 0 || g.Seq <= 0 {
		return 0
	}
	return g.Batch * g.Heads * g.Seq
}

// Unit is one (batch, head, sequence) tuple.
type Unit struct {
	Batch int
	Head  int
	Seq   int
}

// Unit returns the i-th unit of the grid. Seq varies fastest, then Head.
func (g Grid) Unit(i int) Unit {
	s := i % g.Seq
	i /= g.Seq
	return Unit{Batch: i / g.Heads, Head: i % g.Heads, Seq: s}
}

// Dispatch runs fn once per unit of g and blocks until all units finish.
// Units must write disjoint memory.
func (p *Pool) Dispatch(g Grid, fn func(Unit)) {
	n := g.Len()
	logutil.Trace("workerpool dispatch", "batch", g.Batch, "heads", g.Heads, "seq", g.Seq, "workers", min(p.NumWorkers(), max(n, 1)))
	p.ParallelForAtomic(n, func(i int) {
		fn(g.Unit(i))
	})
}
