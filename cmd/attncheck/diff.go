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
	"fmt"
	"io"
	stdmath "math"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ajroetker/go-seqattn/hwy/contrib/attention"
	"github.com/ajroetker/go-seqattn/hwy/contrib/seq"
)

// stages holds what one path produced for an instance.
type stages struct {
	scores, probs, out *seq.Tensor
	dq, dk, dv         []float64
}

func runPath(rc runConfig, inst instance, exec *attention.Executor) (stages, error) {
	b, err := attention.NewBlock(rc.Config, attention.WithExecutor(exec))
	if err != nil {
		return stages{}, err
	}
	q, k, v := inst.q.Clone(), inst.k.Clone(), inst.v.Clone()
	out, err := b.Forward(q, k, v)
	if err != nil {
		return stages{}, err
	}
	copy(out.EnsureGrad(), inst.dOut)
	if err := b.Backward(q, k, v); err != nil {
		return stages{}, err
	}
	return stages{
		scores: b.Scores().Clone(),
		probs:  b.Probabilities().Clone(),
		out:    out.Clone(),
		dq:     q.Grad,
		dk:     k.Grad,
		dv:     v.Grad,
	}, nil
}

func maxAbsDiff(a, b []float64) float64 {
	var d float64
	for i := range min(len(a), len(b)) {
		d = max(d, stdmath.Abs(a[i]-b[i]))
	}
	return d
}

// DiffHandler runs the scalar and vectorized paths on the same instance
// and reports the largest disagreement per stage.
func DiffHandler(cmd *cobra.Command, args []string) error {
	rc, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	inst := newInstance(rc)

	scalar, err := runPath(rc, inst, attention.Scalar())
	if err != nil {
		return fmt.Errorf("scalar: %w", err)
	}
	vexec := attention.Vectorized()
	defer vexec.Close()
	vec, err := runPath(rc, inst, vexec)
	if err != nil {
		return fmt.Errorf("vectorized: %w", err)
	}

	w := cmd.OutOrStdout()
	renderDiff(w, [][2][]float64{
		{scalar.scores.Data, vec.scores.Data},
		{scalar.probs.Data, vec.probs.Data},
		{scalar.out.Data, vec.out.Data},
		{scalar.dq, vec.dq},
		{scalar.dk, vec.dk},
		{scalar.dv, vec.dv},
	})

	if dump, _ := cmd.Flags().GetBool("dump"); dump {
		fmt.Fprintln(w, "\nprobabilities")
		seq.Dump(w, vec.probs, false)
		fmt.Fprintln(w, "\noutput")
		seq.Dump(w, vec.out, false)
	}
	return nil
}

func renderDiff(w io.Writer, pairs [][2][]float64) {
	names := []string{"scores", "probabilities", "output", "query grad", "key grad", "value grad"}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STAGE", "SIZE", "MAX ABS DIFF"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for i, p := range pairs {
		table.Append([]string{names[i], strconv.Itoa(len(p[0])), strconv.FormatFloat(maxAbsDiff(p[0], p[1]), 'e', 3, 64)})
	}
	table.Render()
}

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare the scalar and vectorized paths",
		Args:  cobra.NoArgs,
		RunE:  DiffHandler,
	}
	addInstanceFlags(cmd)
	cmd.Flags().Bool("dump", false, "Print the vectorized probabilities and output")
	return cmd
}
