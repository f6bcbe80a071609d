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

package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-seqattn/hwy/contrib/attention"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
)

var errUnknownPath = errors.New("unknown execution path")

// runConfig is the block configuration plus the random instance it is
// evaluated on.
type runConfig struct {
	attention.Config `yaml:",inline"`

	Batch int    `yaml:"batch"`
	Seed  uint64 `yaml:"seed"`
}

func addInstanceFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "YAML file with the block configuration (overrides the shape flags)")
	cmd.Flags().Int("batch", 2, "Batch size")
	cmd.Flags().Int("seq", 4, "Sequence length")
	cmd.Flags().Int("heads-query", 4, "Query heads")
	cmd.Flags().Int("heads-key", 2, "Key heads")
	cmd.Flags().Int("heads-value", 2, "Value heads")
	cmd.Flags().Int("head-dim", 4, "Channels per head")
	cmd.Flags().Uint64("seed", 1, "Random seed for inputs and output gradients")
	cmd.Flags().String("path", "auto", "Execution path: auto, scalar or vectorized")
}

// loadConfig builds the run configuration from --config or the shape flags.
func loadConfig(cmd *cobra.Command) (runConfig, error) {
	flags := cmd.Flags()
	batch, _ := flags.GetInt("batch")
	seed, _ := flags.GetUint64("seed")
	rc := runConfig{Batch: batch, Seed: seed}

	if path, _ := flags.GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return runConfig{}, err
		}
		if err := yaml.Unmarshal(data, &rc); err != nil {
			return runConfig{}, fmt.Errorf("%s: %w", path, err)
		}
	} else {
		seqLen, _ := flags.GetInt("seq")
		hq, _ := flags.GetInt("heads-query")
		hk, _ := flags.GetInt("heads-key")
		hv, _ := flags.GetInt("heads-value")
		dim, _ := flags.GetInt("head-dim")
		rc.Config = attention.Config{
			QueryChannels: hq * dim,
			KeyChannels:   hk * dim,
			ValueChannels: hv * dim,
			HeadsQuery:    hq,
			HeadsKey:      hk,
			HeadsValue:    hv,
			Seq:           seqLen,
		}
	}

	if rc.Batch <= 0 || rc.Seq <= 0 {
		return runConfig{}, fmt.Errorf("%w: batch %d, seq %d", seq.ErrShape, rc.Batch, rc.Seq)
	}
	// Gradient checks and path comparisons run static passes only.
	rc.CacheSeqMax = 0
	return rc, nil
}

// instance holds the random inputs and output gradient of one run.
type instance struct {
	q, k, v *seq.Tensor
	dOut    []float64
}

func newInstance(rc runConfig) instance {
	rng := rand.New(rand.NewPCG(rc.Seed, rc.Seed))
	fill := func(n int) []float64 {
		s := make([]float64, n)
		for i := range s {
			s[i] = rng.Float64()*2 - 1
		}
		return s
	}
	tensor := func(seqLen, channels int) *seq.Tensor {
		t := seq.New(rc.Batch, seqLen, channels)
		copy(t.Data, fill(t.Len()))
		return t
	}

	keySeq, valueSeq := rc.KeySeq, rc.ValueSeq
	if keySeq == 0 {
		keySeq = rc.Seq
	}
	if valueSeq == 0 {
		valueSeq = rc.Seq
	}
	inst := instance{
		q: tensor(rc.Seq, rc.QueryChannels),
		k: tensor(keySeq, rc.KeyChannels),
		v: tensor(valueSeq, rc.ValueChannels),
	}
	// The output has one value-sized head per query head.
	outChannels := rc.ValueChannels
	if rc.HeadsValue > 0 {
		outChannels = rc.HeadsQuery * (rc.ValueChannels / rc.HeadsValue)
	}
	inst.dOut = fill(rc.Batch * rc.Seq * outChannels)
	return inst
}

func executor(path string) (*attention.Executor, error) {
	switch path {
	case "", "auto":
		return attention.Auto(), nil
	case "scalar":
		return attention.Scalar(), nil
	case "vectorized":
		return attention.Vectorized(), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownPath, path)
	}
}
