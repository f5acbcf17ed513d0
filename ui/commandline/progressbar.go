// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each update of the progress bar, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates, when steps are slow.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal supports it.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered in the training loop.
const ProgressBarName = "semseg.ui.commandline.progressBar"

// maxUpdateFrequency is the minimum time between two redraws of the stats table.
const maxUpdateFrequency = time.Millisecond * 200

type progressBarUpdate struct {
	amount  int
	metrics []string
}

// progressBar draws a progress bar of the training loop, with a table of the training metrics on top.
// Updates are drawn asynchronously, so a slow terminal doesn't slow down training.
type progressBar struct {
	loop             *train.Loop
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	out              *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	linesPrinted     int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	pBar.linesPrinted = 0
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Unknown until the end of the first epoch.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.updates = make(chan progressBarUpdate, 100)
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	if loop.EndStep > 0 && loop.EndStep-loop.StartStep != pBar.numSteps {
		// The number of steps is known after the first epoch.
		pBar.numSteps = loop.EndStep - loop.StartStep
		pBar.bar.ChangeMax(pBar.numSteps)
	}

	trainMetrics := loop.Trainer.TrainMetrics()
	update := progressBarUpdate{
		amount:  amount,
		metrics: make([]string, 0, len(trainMetrics)+1),
	}
	endStep := "?"
	if loop.EndStep >= 0 {
		endStep = humanize.Comma(int64(loop.EndStep))
	}
	update.metrics = append(update.metrics, fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep)), endStep))
	for metricIdx, metricObj := range trainMetrics {
		update.metrics = append(update.metrics, metricObj.PrettyPrint(metrics[metricIdx]))
	}
	pBar.updates <- update
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []*tensors.Tensor) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.updates = nil
	}
	pBar.out.ShowCursor()
	fmt.Println()
	return nil
}

// drawUpdates consumes the updates, collapsing the ones that arrived while drawing the previous one.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Global Step", update.metrics[0])
		pBar.statsTable.Row("Median train step duration", FormatDuration(pBar.loop.MedianTrainStepDuration()))
		for metricIdx, metricObj := range pBar.loop.Trainer.TrainMetrics() {
			pBar.statsTable.Row(metricObj.Name(), update.metrics[1+metricIdx])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines, which will be overwritten.
		pBar.out.HideCursor()
		if pBar.linesPrinted > 0 {
			pBar.out.CursorPrevLine(pBar.linesPrinted)
		}
		stats := pBar.statsStyle.Render(pBar.statsTable.String())
		fmt.Println(stats)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.linesPrinted = lipgloss.Height(stats) + 1
		pBar.out.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a command-line progress bar and attaches it to the Loop, so that
// every time the Loop is run, it will display a progress bar with progression and the training metrics.
//
// Optionally, extraMetrics are called at every update and their values are included in the table.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		loop:           loop,
		extraMetricFns: extraMetrics,
		out:            termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     NewTable(),
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during the loop or at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// NewCountBar returns a progress bar over a number of items (e.g. images being segmented) written to w.
func NewCountBar(w io.Writer, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(w) }),
	)
}
