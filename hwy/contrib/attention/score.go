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
	stdmath "math"

	"github.com/ajroetker/go-seqattn/hwy"
	"github.com/ajroetker/go-seqattn/hwy/contrib/kvcache"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
	"github.com/ajroetker/go-seqattn/hwy/contrib/workerpool"
)

// ScoreConfig is the static shape of a CausalScore.
type ScoreConfig struct {
	QueryChannels int
	KeyChannels   int
	HeadsQuery    int
	HeadsKey      int
	QuerySeq      int
	KeySeq        int
}

// CausalScore computes, for every query head hq,
//
//	score[b, hq, sQ, sK] = dot(q[b, sQ, hq], k[b, sK, hq/(Hq/Hk)]) / sqrt(headDim)
//
// for valid key positions and MaskSentinel elsewhere.
//
// Forward is the static mode: keys are the given sequence and row sQ sees
// keys 0..sQ. With a cache attached, Forward also appends the keys to it so
// Step can continue from the same sequence. Step is the generation mode: a
// single new key is appended to the cache and the query attends to every
// cached key.
type CausalScore struct {
	group  HeadGroup
	qHeads HeadIndexer
	kHeads HeadIndexer
	scale  float64

	cache *kvcache.Cache
	// keys holds the decoded cache during a generation step.
	keys *seq.Tensor

	window Window
	out    *seq.Tensor
	exec   *Executor
	logger *slog.Logger
}

// NewCausalScore validates cfg and returns a score engine.
func NewCausalScore(cfg ScoreConfig, opts ...Option) (*CausalScore, error) {
	qh, err := NewHeadIndexer(cfg.QueryChannels, cfg.HeadsQuery)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	kh, err := NewHeadIndexer(cfg.KeyChannels, cfg.HeadsKey)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	group, err := NewHeadGroup(cfg.HeadsQuery, cfg.HeadsKey)
	if err != nil {
		return nil, err
	}
	if qh.HeadDim != kh.HeadDim {
		return nil, fmt.Errorf("%w: %d and %d", ErrHeadDimMismatch, qh.HeadDim, kh.HeadDim)
	}
	if cfg.QuerySeq != cfg.KeySeq {
		return nil, fmt.Errorf("%w: query %d, key %d", ErrSequenceMismatch, cfg.QuerySeq, cfg.KeySeq)
	}

	o := buildOptions(opts)
	o.logger.Debug("causal score", "heads_query", cfg.HeadsQuery, "heads_key", cfg.HeadsKey, "head_dim", qh.HeadDim, "path", o.exec.Path())
	return &CausalScore{
		group:  group,
		qHeads: qh,
		kHeads: kh,
		scale:  1 / stdmath.Sqrt(float64(qh.HeadDim)),
		keys:   &seq.Tensor{},
		out:    &seq.Tensor{},
		exec:   o.exec,
		logger: o.logger,
	}, nil
}

// AttachCache sets the key cache used by Step and filled by Forward.
// A nil cache detaches.
func (s *CausalScore) AttachCache(c *kvcache.Cache) error {
	if c != nil && c.Channels() != s.kHeads.Channels() {
		return fmt.Errorf("%w: %d-channel cache for %d key channels", ErrShape, c.Channels(), s.kHeads.Channels())
	}
	s.cache = c
	return nil
}

func (s *CausalScore) Cache() *kvcache.Cache {
	return s.cache
}

// Window returns the window of the last forward call.
func (s *CausalScore) Window() Window {
	return s.window
}

// Output returns the score tensor, shaped (batch, seq, HeadsQuery×Window().Keys).
func (s *CausalScore) Output() *seq.Tensor {
	return s.out
}

func (s *CausalScore) checkInputs(q, k *seq.Tensor) error {
	if q.Channels != s.qHeads.Channels() || k.Channels != s.kHeads.Channels() {
		return fmt.Errorf("%w: query %v, key %v", ErrShape, q, k)
	}
	if q.Batch != k.Batch {
		return fmt.Errorf("%w: query batch %d, key batch %d", ErrShape, q.Batch, k.Batch)
	}
	if s.cache != nil && !k.Finalized() {
		return kvcache.ErrNotFinalized
	}
	return nil
}

// Forward computes the static causal scores of q against k.
func (s *CausalScore) Forward(q, k *seq.Tensor) (*seq.Tensor, error) {
	if err := s.checkInputs(q, k); err != nil {
		return nil, err
	}
	if q.Seq != k.Seq {
		return nil, fmt.Errorf("%w: query %d, key %d", ErrSequenceMismatch, q.Seq, k.Seq)
	}

	s.window = CausalWindow(q.Seq)
	s.run(q, k)

	// A static pass is a prefill: it restarts the cached sequence.
	if s.cache != nil {
		s.cache.Reset()
		if err := s.cache.Append(k); err != nil {
			return nil, err
		}
	}
	return s.out, nil
}

// Step appends the single key k to the cache and scores the single query q
// against every cached key.
func (s *CausalScore) Step(q, k *seq.Tensor) (*seq.Tensor, error) {
	if s.cache == nil {
		return nil, ErrNoCache
	}
	if q.Seq != 1 || k.Seq != 1 {
		return nil, fmt.Errorf("%w: query %d, key %d", ErrGenerationSequence, q.Seq, k.Seq)
	}
	if err := s.checkInputs(q, k); err != nil {
		return nil, err
	}

	if err := s.cache.Append(k); err != nil {
		return nil, err
	}
	if err := s.cache.Snapshot(s.keys); err != nil {
		return nil, err
	}

	s.window = GenerationWindow(s.cache.Capacity(), s.cache.Len())
	s.run(q, s.keys)
	return s.out, nil
}

func (s *CausalScore) run(q, k *seq.Tensor) {
	s.out.BeginWrite()
	s.out.Reshape(q.Batch, q.Seq, s.group.Major*s.window.Keys)
	if s.exec.vectorized() {
		scoreForwardVec(s.exec, s.group, s.qHeads, s.kHeads, s.scale, s.window, q, k, s.out)
	} else {
		baseScoreForward(s.group, s.qHeads, s.kHeads, s.scale, s.window, q, k, s.out)
	}
	s.out.Finalize()
}

// Backward propagates Output().Grad into q.Grad and k.Grad. When q and k
// are the same tensor the query gradient is stored first, so the caller
// passes Assign for one and Accumulate for the other.
func (s *CausalScore) Backward(q, k *seq.Tensor, modeQ, modeK seq.AccumulationMode) error {
	if s.window.Generation() {
		return ErrGenerationBackward
	}
	if s.out.Grad == nil {
		return fmt.Errorf("%w: score backward without an output gradient", ErrShape)
	}
	if err := s.checkInputs(q, k); err != nil {
		return err
	}
	if q.Seq != s.window.Keys || k.Seq != s.window.Keys || q.Batch != s.out.Batch {
		return fmt.Errorf("%w: backward inputs %v, %v do not match forward", ErrShape, q, k)
	}

	q.EnsureGrad()
	k.EnsureGrad()
	if s.exec.vectorized() {
		scoreBackwardQVec(s.exec, s.group, s.qHeads, s.kHeads, s.scale, s.window, s.out, k, q, modeQ)
		scoreBackwardKVec(s.exec, s.group, s.qHeads, s.kHeads, s.scale, s.window, s.out, q, k, modeK)
	} else {
		baseScoreBackwardQ(s.group, s.qHeads, s.kHeads, s.scale, s.window, s.out, k, q, modeQ)
		baseScoreBackwardK(s.group, s.qHeads, s.kHeads, s.scale, s.window, s.out, q, k, modeK)
	}
	return nil
}

func baseScoreForward(g HeadGroup, qh, kh HeadIndexer, scale float64, w Window, q, k, out *seq.Tensor) {
	for b := range q.Batch {
		for hq := range g.Major {
			hk := g.Shared(hq)
			for sQ := range q.Seq {
				qs := qh.Slice(q.Row(b, sQ), hq)
				row := out.Row(b, sQ)[hq*w.Keys : (hq+1)*w.Keys]
				n := w.Valid(sQ)
				for sK := range w.Keys {
					if sK < n {
						row[sK] = hwy.BaseDot(qs, kh.Slice(k.Row(b, sK), hk)) * scale
					} else {
						row[sK] = MaskSentinel
					}
				}
			}
		}
	}
}

// baseScoreBackwardQ: dq[sQ] = Σ_{valid sK} dS[sQ, sK] k[sK] / sqrt(d).
func baseScoreBackwardQ(g HeadGroup, qh, kh HeadIndexer, scale float64, w Window, scores, k, q *seq.Tensor, mode seq.AccumulationMode) {
	for b := range q.Batch {
		for hq := range g.Major {
			hk := g.Shared(hq)
			for sQ := range q.Seq {
				dq := qh.Slice(q.GradRow(b, sQ), hq)
				dS := scores.GradRow(b, sQ)[hq*w.Keys:]
				mode.Prepare(dq)
				for sK := range w.Valid(sQ) {
					hwy.BaseMulAdd(dq, dS[sK]*scale, kh.Slice(k.Row(b, sK), hk))
				}
			}
		}
	}
}

// baseScoreBackwardK: dk[sK] = Σ_{hq sharing hk} Σ_{sQ seeing sK} dS[sQ, sK] q[sQ] / sqrt(d).
func baseScoreBackwardK(g HeadGroup, qh, kh HeadIndexer, scale float64, w Window, scores, q, k *seq.Tensor, mode seq.AccumulationMode) {
	for b := range k.Batch {
		for hk := range g.Minor {
			first, last := g.Sharers(hk)
			for sK := range k.Seq {
				dk := kh.Slice(k.GradRow(b, sK), hk)
				mode.Prepare(dk)
				for hq := first; hq < last; hq++ {
					for sQ := range q.Seq {
						if sK >= w.Valid(sQ) {
							continue
						}
						dS := scores.GradRow(b, sQ)[hq*w.Keys+sK]
						hwy.BaseMulAdd(dk, dS*scale, qh.Slice(q.Row(b, sQ), hq))
					}
				}
			}
		}
	}
}

func scoreForwardVec(e *Executor, g HeadGroup, qh, kh HeadIndexer, scale float64, w Window, q, k, out *seq.Tensor) {
	e.dispatch(workerpool.Grid{Batch: q.Batch, Heads: g.Major, Seq: q.Seq}, func(u workerpool.Unit) {
		hk := g.Shared(u.Head)
		qs := qh.Slice(q.Row(u.Batch, u.Seq), u.Head)
		row := out.Row(u.Batch, u.Seq)[u.Head*w.Keys : (u.Head+1)*w.Keys]
		n := w.Valid(u.Seq)
		for sK := range n {
			row[sK] = hwy.Dot(qs, kh.Slice(k.Row(u.Batch, sK), hk))
		}
		hwy.Scale(scale, row[:n])
		for sK := n; sK < w.Keys; sK++ {
			row[sK] = MaskSentinel
		}
	})
}

func scoreBackwardQVec(e *Executor, g HeadGroup, qh, kh HeadIndexer, scale float64, w Window, scores, k, q *seq.Tensor, mode seq.AccumulationMode) {
	e.dispatch(workerpool.Grid{Batch: q.Batch, Heads: g.Major, Seq: q.Seq}, func(u workerpool.Unit) {
		hk := g.Shared(u.Head)
		dq := qh.Slice(q.GradRow(u.Batch, u.Seq), u.Head)
		dS := scores.GradRow(u.Batch, u.Seq)[u.Head*w.Keys:]
		mode.Prepare(dq)
		for sK := range w.Valid(u.Seq) {
			hwy.MulAdd(dq, dS[sK]*scale, kh.Slice(k.Row(u.Batch, sK), hk))
		}
	})
}

func scoreBackwardKVec(e *Executor, g HeadGroup, qh, kh HeadIndexer, scale float64, w Window, scores, q, k *seq.Tensor, mode seq.AccumulationMode) {
	e.dispatch(workerpool.Grid{Batch: k.Batch, Heads: g.Minor, Seq: k.Seq}, func(u workerpool.Unit) {
		first, last := g.Sharers(u.Head)
		dk := kh.Slice(k.GradRow(u.Batch, u.Seq), u.Head)
		mode.Prepare(dk)
		for hq := first; hq < last; hq++ {
			for sQ := range q.Seq {
				if u.Seq >= w.Valid(sQ) {
					continue
				}
				dS := scores.GradRow(u.Batch, sQ)[hq*w.Keys+u.Seq]
				hwy.MulAdd(dk, dS*scale, qh.Slice(q.Row(u.Batch, sQ), hq))
			}
		}
	})
}
