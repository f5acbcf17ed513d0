// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains the terminal UI of the semseg tools: training progress bar,
// evaluation and per-class reports rendered as tables, and error printing.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/semseg/pkg/stages"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"

	errorStageStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F5F"))
	errorPathStyle  = lipgloss.NewStyle().Faint(true)
)

// NewTable returns a table in the style used by all semseg reports: the first column is right-aligned.
func NewTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// ReportEval evaluates the datasets with trainer.Eval and writes a table with one row per metric
// and one column per dataset. It returns the metric values of each dataset, in the order of
// trainer.EvalMetrics(). Each dataset is reset after being evaluated.
func ReportEval(w io.Writer, trainer *train.Trainer, datasets ...train.Dataset) ([][]*tensors.Tensor, error) {
	headers := []string{"Metric"}
	results := make([][]*tensors.Tensor, 0, len(datasets))
	for _, ds := range datasets {
		headers = append(headers, ds.Name())
		var values []*tensors.Tensor
		err := stages.Recover(stages.StageTraining, fmt.Sprintf("evaluate on %q", ds.Name()), func() error {
			values = trainer.Eval(ds)
			return nil
		})
		if err != nil {
			return nil, err
		}
		results = append(results, values)
		ds.Reset()
	}
	table := NewTable(headers...)
	for metricIdx, metric := range trainer.EvalMetrics() {
		row := []string{fmt.Sprintf("%s (%s)", metric.Name(), metric.ShortName())}
		for _, values := range results {
			row = append(row, metric.PrettyPrint(values[metricIdx]))
		}
		table.Row(row...)
	}
	_, err := fmt.Fprintln(w, table.String())
	return results, err
}

// PrintError writes err to w, with its stage highlighted. With fullTrace it includes the stack
// traces of the causes.
func PrintError(w io.Writer, err error, fullTrace bool) {
	if err == nil {
		return
	}
	stageErr, ok := stages.As(err)
	if !ok {
		if fullTrace {
			_, _ = fmt.Fprintf(w, "%s %+v\n", errorStageStyle.Render("error:"), err)
		} else {
			_, _ = fmt.Fprintf(w, "%s %v\n", errorStageStyle.Render("error:"), err)
		}
		return
	}
	_, _ = fmt.Fprintf(w, "%s %s\n", errorStageStyle.Render(stageErr.Stage.String()+" error:"), stageErr.Op)
	if stageErr.Path != "" {
		_, _ = fmt.Fprintln(w, errorPathStyle.Render("  path: "+stageErr.Path))
	}
	if stageErr.Index != stages.NoIndex {
		_, _ = fmt.Fprintln(w, errorPathStyle.Render(fmt.Sprintf("  index: %d", stageErr.Index)))
	}
	if stageErr.Err != nil {
		if fullTrace {
			_, _ = fmt.Fprintf(w, "  cause: %+v\n", stageErr.Err)
		} else {
			_, _ = fmt.Fprintf(w, "  cause: %v\n", stageErr.Err)
		}
	}
}
