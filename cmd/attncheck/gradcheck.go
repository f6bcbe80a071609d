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
	"io"
	"log/slog"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ajroetker/go-seqattn/hwy/contrib/attention"
	"github.com/ajroetker/go-seqattn/hwy/contrib/gradcheck"
)

var errGradientMismatch = errors.New("gradient check failed")

var branchNames = []string{"query", "key", "value"}

// GradcheckHandler compares the analytic gradients of a block against
// central differences.
func GradcheckHandler(cmd *cobra.Command, args []string) error {
	rc, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("path")
	exec, err := executor(path)
	if err != nil {
		return err
	}
	defer exec.Close()

	eps, _ := cmd.Flags().GetFloat64("epsilon")
	tol, _ := cmd.Flags().GetFloat64("tolerance")
	workers, _ := cmd.Flags().GetInt("workers")

	inst := newInstance(rc)
	h := &gradcheck.Harness{Epsilon: eps, Workers: workers, Logger: slog.Default()}
	report, res, err := gradcheck.Check(cmd.Context(), h, func() (gradcheck.Differentiable, error) {
		return attention.NewCheckTarget(rc.Config, inst.q, inst.k, inst.v, attention.WithExecutor(exec))
	}, inst.dOut, tol)
	if err != nil {
		return err
	}

	slog.Debug("gradcheck", "slots", res.Layout.Slots(), "epsilon", res.Epsilon, "path", exec.Path())
	renderReport(cmd.OutOrStdout(), report)
	if !report.OK() {
		return fmt.Errorf("%w: max relative difference %g exceeds %g", errGradientMismatch, report.MaxRelDiff, report.Tolerance)
	}
	return nil
}

func renderReport(w io.Writer, r gradcheck.Report) {
	var data [][]string
	for _, g := range r.Groups {
		name := strconv.Itoa(g.Group)
		if g.Kind == gradcheck.KindBranch && g.Group < len(branchNames) {
			name = branchNames[g.Group]
		}
		status := "ok"
		if g.MaxRelDiff > r.Tolerance {
			status = "FAIL"
		}
		data = append(data, []string{
			g.Kind.String(),
			name,
			strconv.Itoa(g.Size),
			strconv.FormatFloat(g.MaxRelDiff, 'e', 3, 64),
			strconv.Itoa(g.Worst),
			strconv.FormatFloat(g.Numeric, 'g', 6, 64),
			strconv.FormatFloat(g.Analytic, 'g', 6, 64),
			status,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"KIND", "NAME", "SIZE", "MAX REL DIFF", "WORST", "NUMERIC", "ANALYTIC", "STATUS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func newGradcheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gradcheck",
		Short: "Compare analytic gradients against finite differences",
		Args:  cobra.NoArgs,
		RunE:  GradcheckHandler,
	}
	addInstanceFlags(cmd)
	cmd.Flags().Float64("epsilon", 0, "Perturbation (default: ATTN_GC_EPSILON)")
	cmd.Flags().Float64("tolerance", 0, "Relative tolerance (default: ATTN_GC_TOLERANCE)")
	cmd.Flags().Int("workers", 0, "Concurrent target instances (default: GOMAXPROCS)")
	return cmd
}
