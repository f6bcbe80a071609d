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
	"log/slog"

	"github.com/ajroetker/go-seqattn/hwy"
	"github.com/ajroetker/go-seqattn/hwy/contrib/kvcache"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
	"github.com/ajroetker/go-seqattn/hwy/contrib/workerpool"
)

// AggregationConfig is the static shape of a ValueAggregation.
type AggregationConfig struct {
	ValueChannels int
	// HeadsScore is the number of heads of the incoming score tensor.
	HeadsScore int
	HeadsValue int
	// ScoreSeq is the number of key positions the scores were computed over.
	ScoreSeq int
	ValueSeq int
}

// ValueAggregation computes
//
//	out[b, sQ, hs*dV + j] = Σ_{valid sK} score[b, hs, sQ, sK] × v[b, sK, hv*dV + j]
//
// with hv = hs/(Hs/Hv) and dV = valueChannels/Hv. With a cache attached the
// static pass appends the values to it, and a generation window makes the
// pass append the single new value and aggregate over the cache.
type ValueAggregation struct {
	group   HeadGroup
	vHeads  HeadIndexer
	outHead HeadIndexer

	cache  *kvcache.Cache
	values *seq.Tensor

	window Window
	out    *seq.Tensor
	exec   *Executor
	logger *slog.Logger
}

// NewValueAggregation validates cfg and returns an aggregation engine.
func NewValueAggregation(cfg AggregationConfig, opts ...Option) (*ValueAggregation, error) {
	vh, err := NewHeadIndexer(cfg.ValueChannels, cfg.HeadsValue)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	group, err := NewHeadGroup(cfg.HeadsScore, cfg.HeadsValue)
	if err != nil {
		return nil, err
	}
	if cfg.ScoreSeq != cfg.ValueSeq {
		return nil, fmt.Errorf("%w: score %d, value %d", ErrSequenceMismatch, cfg.ScoreSeq, cfg.ValueSeq)
	}

	o := buildOptions(opts)
	return &ValueAggregation{
		group:   group,
		vHeads:  vh,
		outHead: HeadIndexer{Heads: cfg.HeadsScore, HeadDim: vh.HeadDim},
		values:  &seq.Tensor{},
		out:     &seq.Tensor{},
		exec:    o.exec,
		logger:  o.logger,
	}, nil
}

// AttachCache sets the value cache. A nil cache detaches.
func (a *ValueAggregation) AttachCache(c *kvcache.Cache) error {
	if c != nil && c.Channels() != a.vHeads.Channels() {
		return fmt.Errorf("%w: %d-channel cache for %d value channels", ErrShape, c.Channels(), a.vHeads.Channels())
	}
	a.cache = c
	return nil
}

func (a *ValueAggregation) Cache() *kvcache.Cache {
	return a.cache
}

// Output returns the aggregated tensor, shaped (batch, seq, HeadsScore×dV).
func (a *ValueAggregation) Output() *seq.Tensor {
	return a.out
}

func (a *ValueAggregation) check(scores, v *seq.Tensor, w Window) error {
	if scores.Channels != a.group.Major*w.Keys {
		return fmt.Errorf("%w: %v is not %d heads × %d keys", ErrShape, scores, a.group.Major, w.Keys)
	}
	if v.Channels != a.vHeads.Channels() || v.Batch != scores.Batch {
		return fmt.Errorf("%w: value %v for scores %v", ErrShape, v, scores)
	}
	return nil
}

// Forward aggregates v weighted by scores, whose valid positions are
// described by w.
func (a *ValueAggregation) Forward(scores, v *seq.Tensor, w Window) (*seq.Tensor, error) {
	if err := a.check(scores, v, w); err != nil {
		return nil, err
	}
	if w.Generation() {
		return a.step(scores, v, w)
	}

	if v.Seq != w.Keys || scores.Seq != v.Seq {
		return nil, fmt.Errorf("%w: scores %d, value %d", ErrSequenceMismatch, scores.Seq, v.Seq)
	}
	if a.cache != nil && !v.Finalized() {
		return nil, kvcache.ErrNotFinalized
	}

	a.window = w
	a.run(scores, v)
	if a.cache != nil {
		a.cache.Reset()
		if err := a.cache.Append(v); err != nil {
			return nil, err
		}
	}
	return a.out, nil
}

func (a *ValueAggregation) step(scores, v *seq.Tensor, w Window) (*seq.Tensor, error) {
	if a.cache == nil {
		return nil, ErrNoCache
	}
	if scores.Seq != 1 || v.Seq != 1 {
		return nil, fmt.Errorf("%w: scores %d, value %d", ErrGenerationSequence, scores.Seq, v.Seq)
	}
	if w.Keys != a.cache.Capacity() {
		return nil, fmt.Errorf("%w: window over %d keys for a cache of %d", ErrShape, w.Keys, a.cache.Capacity())
	}
	if next := min(max(a.cache.Len(), 0)+1, a.cache.Capacity()); next != w.Valid(0) {
		return nil, fmt.Errorf("%w: value cache would hold %d entries, key cache holds %d", ErrShape, next, w.Valid(0))
	}

	if err := a.cache.Append(v); err != nil {
		return nil, err
	}
	if err := a.cache.Snapshot(a.values); err != nil {
		return nil, err
	}

	a.window = w
	a.run(scores, a.values)
	return a.out, nil
}

func (a *ValueAggregation) run(scores, v *seq.Tensor) {
	a.out.BeginWrite()
	a.out.Reshape(scores.Batch, scores.Seq, a.outHead.Channels())
	if a.exec.vectorized() {
		aggregateForwardVec(a.exec, a.group, a.vHeads, a.outHead, a.window, scores, v, a.out)
	} else {
		baseAggregateForward(a.group, a.vHeads, a.outHead, a.window, scores, v, a.out)
	}
	a.out.Finalize()
}

// Backward propagates Output().Grad into scores.Grad and v.Grad.
func (a *ValueAggregation) Backward(scores, v *seq.Tensor, modeScores, modeV seq.AccumulationMode) error {
	if a.window.Generation() {
		return ErrGenerationBackward
	}
	if a.out.Grad == nil {
		return fmt.Errorf("%w: aggregation backward without an output gradient", ErrShape)
	}
	if err := a.check(scores, v, a.window); err != nil {
		return err
	}
	if scores.Batch != a.out.Batch || scores.Seq != a.out.Seq || v.Seq != a.window.Keys {
		return fmt.Errorf("%w: backward inputs %v, %v do not match forward", ErrShape, scores, v)
	}

	scores.EnsureGrad()
	v.EnsureGrad()
	if a.exec.vectorized() {
		aggregateBackwardScoresVec(a.exec, a.group, a.vHeads, a.outHead, a.window, a.out, v, scores, modeScores)
		aggregateBackwardValuesVec(a.exec, a.group, a.vHeads, a.outHead, a.window, a.out, scores, v, modeV)
	} else {
		baseAggregateBackwardScores(a.group, a.vHeads, a.outHead, a.window, a.out, v, scores, modeScores)
		baseAggregateBackwardValues(a.group, a.vHeads, a.outHead, a.window, a.out, scores, v, modeV)
	}
	return nil
}

func baseAggregateForward(g HeadGroup, vh, oh HeadIndexer, w Window, scores, v, out *seq.Tensor) {
	for b := range scores.Batch {
		for hs := range g.Major {
			hv := g.Shared(hs)
			for sQ := range scores.Seq {
				dst := oh.Slice(out.Row(b, sQ), hs)
				p := scores.Row(b, sQ)[hs*w.Keys:]
				clear(dst)
				for sK := range w.Valid(sQ) {
					hwy.BaseMulAdd(dst, p[sK], vh.Slice(v.Row(b, sK), hv))
				}
			}
		}
	}
}

// baseAggregateBackwardScores: dScore[sQ, sK] = dot(dOut[sQ, hs], v[sK, hv]).
func baseAggregateBackwardScores(g HeadGroup, vh, oh HeadIndexer, w Window, out, v, scores *seq.Tensor, mode seq.AccumulationMode) {
	for b := range scores.Batch {
		for hs := range g.Major {
			hv := g.Shared(hs)
			for sQ := range scores.Seq {
				dOut := oh.Slice(out.GradRow(b, sQ), hs)
				dS := scores.GradRow(b, sQ)[hs*w.Keys : (hs+1)*w.Keys]
				n := w.Valid(sQ)
				for sK := range n {
					mode.Store(&dS[sK], hwy.BaseDot(dOut, vh.Slice(v.Row(b, sK), hv)))
				}
				mode.Prepare(dS[n:])
			}
		}
	}
}

// baseAggregateBackwardValues: dv[sK, hv] = Σ_{hs sharing hv} Σ_{sQ seeing sK} score[sQ, sK] dOut[sQ, hs].
func baseAggregateBackwardValues(g HeadGroup, vh, oh HeadIndexer, w Window, out, scores, v *seq.Tensor, mode seq.AccumulationMode) {
	for b := range v.Batch {
		for hv := range g.Minor {
			first, last := g.Sharers(hv)
			for sK := range v.Seq {
				dv := vh.Slice(v.GradRow(b, sK), hv)
				mode.Prepare(dv)
				for hs := first; hs < last; hs++ {
					for sQ := range scores.Seq {
						if sK >= w.Valid(sQ) {
							continue
						}
						p := scores.Row(b, sQ)[hs*w.Keys+sK]
						hwy.BaseMulAdd(dv, p, oh.Slice(out.GradRow(b, sQ), hs))
					}
				}
			}
		}
	}
}

func aggregateForwardVec(e *Executor, g HeadGroup, vh, oh HeadIndexer, w Window, scores, v, out *seq.Tensor) {
	e.dispatch(workerpool.Grid{Batch: scores.Batch, Heads: g.Major, Seq: scores.Seq}, func(u workerpool.Unit) {
		hv := g.Shared(u.Head)
		dst := oh.Slice(out.Row(u.Batch, u.Seq), u.Head)
		p := scores.Row(u.Batch, u.Seq)[u.Head*w.Keys:]
		clear(dst)
		for sK := range w.Valid(u.Seq) {
			hwy.MulAdd(dst, p[sK], vh.Slice(v.Row(u.Batch, sK), hv))
		}
	})
}

func aggregateBackwardScoresVec(e *Executor, g HeadGroup, vh, oh HeadIndexer, w Window, out, v, scores *seq.Tensor, mode seq.AccumulationMode) {
	e.dispatch(workerpool.Grid{Batch: scores.Batch, Heads: g.Major, Seq: scores.Seq}, func(u workerpool.Unit) {
		hv := g.Shared(u.Head)
		dOut := oh.Slice(out.GradRow(u.Batch, u.Seq), u.Head)
		dS := scores.GradRow(u.Batch, u.Seq)[u.Head*w.Keys : (u.Head+1)*w.Keys]
		n := w.Valid(u.Seq)
		for sK := range n {
			mode.Store(&dS[sK], hwy.Dot(dOut, vh.Slice(v.Row(u.Batch, sK), hv)))
		}
		mode.Prepare(dS[n:])
	})
}

func aggregateBackwardValuesVec(e *Executor, g HeadGroup, vh, oh HeadIndexer, w Window, out, scores, v *seq.Tensor, mode seq.AccumulationMode) {
	e.dispatch(workerpool.Grid{Batch: v.Batch, Heads: g.Minor, Seq: v.Seq}, func(u workerpool.Unit) {
		first, last := g.Sharers(u.Head)
		dv := vh.Slice(v.GradRow(u.Batch, u.Seq), u.Head)
		mode.Prepare(dv)
		for hs := first; hs < last; hs++ {
			for sQ := range scores.Seq {
				if u.Seq >= w.Valid(sQ) {
					continue
				}
				p := scores.Row(u.Batch, sQ)[hs*w.Keys+u.Seq]
				hwy.MulAdd(dv, p, oh.Slice(out.GradRow(u.Batch, sQ), hs))
			}
		}
	})
}
