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
	"slices"

	"github.com/ajroetker/go-seqattn/hwy/contrib/kvcache"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
)

// Config is the static configuration of a Block.
type Config struct {
	QueryChannels int `json:"query_channels" yaml:"query_channels"`
	KeyChannels   int `json:"key_channels" yaml:"key_channels"`
	ValueChannels int `json:"value_channels" yaml:"value_channels"`

	HeadsQuery int `json:"heads_query" yaml:"heads_query"`
	HeadsKey   int `json:"heads_key" yaml:"heads_key"`
	HeadsValue int `json:"heads_value" yaml:"heads_value"`

	// Seq is the query sequence length of a static pass. KeySeq and
	// ValueSeq default to Seq.
	Seq      int `json:"seq" yaml:"seq"`
	KeySeq   int `json:"key_seq,omitempty" yaml:"key_seq,omitempty"`
	ValueSeq int `json:"value_seq,omitempty" yaml:"value_seq,omitempty"`

	// Positions defaults to 0..Seq-1.
	Positions []int `json:"positions,omitempty" yaml:"positions,omitempty"`

	// CacheSeqMax is the key/value cache capacity. 0 disables generation.
	CacheSeqMax int `json:"cache_seq_max" yaml:"cache_seq_max"`
	// CacheType is the cache storage type (f64, f32, f16, bf16). Empty
	// means ATTN_KV_CACHE_TYPE.
	CacheType string `json:"cache_type,omitempty" yaml:"cache_type,omitempty"`

	RotaryBase float64 `json:"rotary_base,omitempty" yaml:"rotary_base,omitempty"`
}

func (c Config) keySeq() int {
	if c.KeySeq == 0 {
		return c.Seq
	}
	return c.KeySeq
}

func (c Config) valueSeq() int {
	if c.ValueSeq == 0 {
		return c.Seq
	}
	return c.ValueSeq
}

func (c Config) positions() []int {
	if c.Positions != nil {
		return c.Positions
	}
	p := make([]int, c.Seq)
	for i := range p {
		p[i] = i
	}
	return p
}

// Block is one grouped causal attention layer:
//
//	out = ValueAggregation(Softmax(CausalScore(Rotary(q), Rotary(k))), v)
//
// Forward and Backward run the static pass over a whole sequence. With a
// cache configured, Forward also fills it and Step continues the sequence
// one position at a time.
type Block struct {
	cfg       Config
	positions []int

	rotQ    *Rotary
	rotK    *Rotary
	score   *CausalScore
	softmax *Softmax
	agg     *ValueAggregation
	cache   *kvcache.Manager

	slot   seq.GradSlot
	logger *slog.Logger
}

// NewBlock validates cfg and wires the pipeline.
func NewBlock(cfg Config, opts ...Option) (*Block, error) {
	o := buildOptions(opts)
	if cfg.RotaryBase > 0 {
		opts = append(slices.Clone(opts), WithBase(cfg.RotaryBase))
	}
	positions := cfg.positions()

	score, err := NewCausalScore(ScoreConfig{
		QueryChannels: cfg.QueryChannels,
		KeyChannels:   cfg.KeyChannels,
		HeadsQuery:    cfg.HeadsQuery,
		HeadsKey:      cfg.HeadsKey,
		QuerySeq:      cfg.Seq,
		KeySeq:        cfg.keySeq(),
	}, opts...)
	if err != nil {
		return nil, err
	}
	agg, err := NewValueAggregation(AggregationConfig{
		ValueChannels: cfg.ValueChannels,
		HeadsScore:    cfg.HeadsQuery,
		HeadsValue:    cfg.HeadsValue,
		ScoreSeq:      cfg.keySeq(),
		ValueSeq:      cfg.valueSeq(),
	}, opts...)
	if err != nil {
		return nil, err
	}
	rotQ, err := NewRotary(cfg.QueryChannels, cfg.HeadsQuery, cfg.Seq, positions, opts...)
	if err != nil {
		return nil, fmt.Errorf("query rotary: %w", err)
	}
	rotK, err := NewRotary(cfg.KeyChannels, cfg.HeadsKey, cfg.keySeq(), positions, opts...)
	if err != nil {
		return nil, fmt.Errorf("key rotary: %w", err)
	}
	softmax, err := NewSoftmax(cfg.HeadsQuery, opts...)
	if err != nil {
		return nil, err
	}

	b := &Block{
		cfg:       cfg,
		positions: slices.Clone(positions),
		rotQ:      rotQ,
		rotK:      rotK,
		score:     score,
		softmax:   softmax,
		agg:       agg,
		logger:    o.logger,
	}

	if cfg.CacheSeqMax > 0 {
		cacheOpts := []kvcache.Option{kvcache.WithLogger(o.logger)}
		if cfg.CacheType != "" {
			dtype, err := kvcache.ParseDType(cfg.CacheType)
			if err != nil {
				return nil, err
			}
			cacheOpts = append(cacheOpts, kvcache.WithDType(dtype))
		}
		b.cache, err = kvcache.NewManager(cfg.CacheSeqMax, cfg.KeyChannels, cfg.ValueChannels, cacheOpts...)
		if err != nil {
			return nil, err
		}
		if err := score.AttachCache(b.cache.Keys); err != nil {
			return nil, err
		}
		if err := agg.AttachCache(b.cache.Values); err != nil {
			return nil, err
		}
	}

	o.logger.Debug("attention block", "heads_query", cfg.HeadsQuery, "heads_key", cfg.HeadsKey, "heads_value", cfg.HeadsValue, "seq", cfg.Seq, "cache_seq_max", cfg.CacheSeqMax, "path", o.exec.Path())
	return b, nil
}

func (b *Block) Config() Config {
	return b.cfg
}

// Cache returns the key/value cache, nil when CacheSeqMax is 0.
func (b *Block) Cache() *kvcache.Manager {
	return b.cache
}

// Output returns the tensor written by the last Forward or Step. Callers
// write the output gradient into its Grad before Backward.
func (b *Block) Output() *seq.Tensor {
	return b.agg.Output()
}

// Scores returns the raw score tensor of the last pass.
func (b *Block) Scores() *seq.Tensor {
	return b.score.Output()
}

// Probabilities returns the normalized scores of the last pass.
func (b *Block) Probabilities() *seq.Tensor {
	return b.softmax.Output()
}

func (b *Block) checkInputs(q, k, v *seq.Tensor) error {
	if q.Batch != k.Batch || q.Batch != v.Batch {
		return fmt.Errorf("%w: batches %d, %d, %d", ErrShape, q.Batch, k.Batch, v.Batch)
	}
	if v.Channels != b.cfg.ValueChannels {
		return fmt.Errorf("%w: value %v, want %d channels", ErrShape, v, b.cfg.ValueChannels)
	}
	if b.cache != nil && (!k.Finalized() || !v.Finalized()) {
		return kvcache.ErrNotFinalized
	}
	return nil
}

// Forward runs the static pass. q, k and v must share their sequence length.
func (b *Block) Forward(q, k, v *seq.Tensor) (*seq.Tensor, error) {
	if q.Seq != k.Seq || q.Seq != v.Seq {
		return nil, fmt.Errorf("%w: %d, %d, %d", ErrSequenceMismatch, q.Seq, k.Seq, v.Seq)
	}
	if err := b.checkInputs(q, k, v); err != nil {
		return nil, err
	}

	b.rotQ.SetPositions(b.positions)
	b.rotK.SetPositions(b.positions)
	qr, err := b.rotQ.Forward(q)
	if err != nil {
		return nil, err
	}
	kr, err := b.rotK.Forward(k)
	if err != nil {
		return nil, err
	}
	s, err := b.score.Forward(qr, kr)
	if err != nil {
		return nil, err
	}
	p, err := b.softmax.Forward(s, b.score.Window())
	if err != nil {
		return nil, err
	}
	return b.agg.Forward(p, v, b.score.Window())
}

// Step runs one generation step for the single position pos. q, k and v
// have sequence length 1. The new key and value are appended to the cache
// and the query attends to every cached position.
func (b *Block) Step(q, k, v *seq.Tensor, pos int) (*seq.Tensor, error) {
	if b.cache == nil {
		return nil, ErrNoCache
	}
	if q.Seq != 1 || k.Seq != 1 || v.Seq != 1 {
		return nil, fmt.Errorf("%w: %d, %d, %d", ErrGenerationSequence, q.Seq, k.Seq, v.Seq)
	}
	if err := b.checkInputs(q, k, v); err != nil {
		return nil, err
	}

	b.rotQ.SetPositions([]int{pos})
	b.rotK.SetPositions([]int{pos})
	qr, err := b.rotQ.Forward(q)
	if err != nil {
		return nil, err
	}
	kr, err := b.rotK.Forward(k)
	if err != nil {
		return nil, err
	}
	s, err := b.score.Step(qr, kr)
	if err != nil {
		return nil, err
	}
	p, err := b.softmax.Forward(s, b.score.Window())
	if err != nil {
		return nil, err
	}
	return b.agg.Forward(p, v, b.score.Window())
}

// Backward propagates Output().Grad to q, k and v. Inputs that are the same
// tensor receive the sum of their contributions.
func (b *Block) Backward(q, k, v *seq.Tensor) error {
	if b.score.Window().Generation() {
		return ErrGenerationBackward
	}
	if b.Output().Grad == nil {
		return fmt.Errorf("%w: block backward without an output gradient", ErrShape)
	}

	b.slot.Reset()
	p := b.softmax.Output()
	if err := b.agg.Backward(p, v, seq.Assign, b.slot.Mode(v)); err != nil {
		return err
	}
	if err := b.softmax.Backward(b.score.Output(), seq.Assign); err != nil {
		return err
	}
	if err := b.score.Backward(b.rotQ.Output(), b.rotK.Output(), seq.Assign, seq.Assign); err != nil {
		return err
	}
	if err := b.rotQ.Backward(q, b.slot.Mode(q)); err != nil {
		return err
	}
	if err := b.rotK.Backward(k, b.slot.Mode(k)); err != nil {
		return err
	}
	b.slot.Commit()
	return nil
}

// Reset empties the cache and restores the static position list.
func (b *Block) Reset() {
	if b.cache != nil {
		b.cache.Reset()
	}
	b.rotQ.SetPositions(b.positions)
	b.rotK.SetPositions(b.positions)
}
