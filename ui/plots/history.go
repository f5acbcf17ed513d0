// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"image/color"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// History is a Plotter that keeps all the points of a training run in memory and, if created
// with a directory, also appends them to [TrainingPlotFileName] in it.
type History struct {
	mu     sync.Mutex
	points []Point

	dir  string
	file *pointsFile
	err  error
}

var _ Plotter = (*History)(nil)

// NewHistory creates a History. If dir is not empty, the points previously saved in it are loaded,
// and new points are appended to its [TrainingPlotFileName] file. Call Close when done.
func NewHistory(dir string) (*History, error) {
	h := &History{dir: dir}
	if dir == "" {
		return h, nil
	}
	points, err := LoadPointsFromCheckpoint(dir)
	if err != nil {
		return nil, err
	}
	h.points = points
	if h.file, err = openPointsFile(filepath.Join(dir, TrainingPlotFileName)); err != nil {
		return nil, err
	}
	return h, nil
}

// AddPoint implements Plotter. Failures to save the point are reported by Close.
func (h *History) AddPoint(point Point) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, point)
	if h.file != nil && h.err == nil {
		h.err = h.file.write(point)
	}
}

// DynamicSampleDone implements Plotter. It's a no-op.
func (h *History) DynamicSampleDone(_ bool) {}

// Close stops saving points, and returns the first error that happened while saving them.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return h.err
	}
	closeErr := h.file.close()
	h.file = nil
	if h.err == nil {
		h.err = closeErr
	}
	return h.err
}

// Points returns the points collected so far, including those loaded when the History was created.
func (h *History) Points() Points {
	h.mu.Lock()
	defer h.mu.Unlock()
	return NewPoints(slices.Clone(h.points))
}

// DataFrame returns the history with one row per step: the first column is "step", followed by
// one column per metric short name (e.g. "train_loss", "val_acc"). Missing values are NaN.
func (h *History) DataFrame() dataframe.DataFrame {
	points := h.Points()
	steps := points.Steps()
	stepValues := make([]int, len(steps))
	for ii, step := range steps {
		stepValues[ii] = int(step)
	}
	columns := []series.Series{series.New(stepValues, series.Int, "step")}
	for _, short := range points.ShortNames() {
		values := make([]float64, len(steps))
		for ii, step := range steps {
			values[ii], _ = points.Value(step, short)
		}
		columns = append(columns, series.New(values, series.Float, short))
	}
	return dataframe.New(columns...)
}

// WriteCSV writes the DataFrame of the history to filePath.
func (h *History) WriteCSV(filePath string) error {
	df := h.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build the metrics history")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// SavePNGs writes one plot per metric type (e.g. "history_loss.png", "history_accuracy.png") in dir,
// with one line per metric, drawn over the global step. It returns the paths of the files written.
func (h *History) SavePNGs(dir string) ([]string, error) {
	points := h.Points()
	byType := make(map[string][]string)
	for _, p := range points.Extract() {
		if !slices.Contains(byType[p.MetricType], p.Short) {
			byType[p.MetricType] = append(byType[p.MetricType], p.Short)
		}
	}
	var files []string
	for _, metricType := range slices.Sorted(maps.Keys(byType)) {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "step"
		p.Y.Label.Text = metricType
		p.Legend.Top = true
		shortNames := byType[metricType]
		slices.Sort(shortNames)
		for ii, short := range shortNames {
			var xys plotter.XYs
			for _, step := range points.Steps() {
				if value, found := points.Value(step, short); found {
					xys = append(xys, plotter.XY{X: step, Y: value})
				}
			}
			line, scatter, err := plotter.NewLinePoints(xys)
			if err != nil {
				return files, errors.Wrapf(err, "failed to plot %q", short)
			}
			c := lineColor(ii, len(shortNames))
			line.Color = c
			scatter.Color = c
			p.Add(line, scatter)
			p.Legend.Add(short, line)
		}
		filePath := filepath.Join(dir, "history_"+metricType+".png")
		if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
			return files, errors.Wrapf(err, "failed to save plot %q", filePath)
		}
		files = append(files, filePath)
	}
	return files, nil
}

// lineColor returns evenly spaced hues, so lines of the same plot are easy to tell apart.
func lineColor(index, total int) color.Color {
	hue := 360.0 * float64(index) / float64(max(total, 1))
	return colorful.Hsv(hue, 0.8, 0.8)
}
