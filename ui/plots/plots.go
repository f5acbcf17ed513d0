// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects the metrics of a training run as plot points, saves them along the
// checkpoints (so a resumed run continues the same history) and renders them as tables, CSV
// files and PNG plots.
package plots

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/semseg/ui/commandline"
	"github.com/pkg/errors"
)

// TrainingPlotFileName is the file in a run directory with the plot points collected during
// training, one JSON object per line.
const TrainingPlotFileName = "training_plot_points.json"

// Point is one metric measured at one global step.
type Point struct {
	// MetricName is the long name, e.g. "Mean IoU on val".
	MetricName string

	// Short name of the metric, prefixed by the dataset: e.g. "train_loss", "val_miou".
	Short string

	// MetricType groups metrics drawn in the same plot: "loss", "accuracy", "iou".
	MetricType string

	// Step is the global step, stored as a float64.
	Step float64

	Value float64
}

// Plotter receives plot points, implemented by History.
type Plotter interface {
	AddPoint(point Point)

	// DynamicSampleDone is called after all the points of one evaluation are added.
	// incomplete is true if some metric was NaN or infinite and was skipped.
	DynamicSampleDone(incomplete bool)
}

// ShortName returns the name of a metric prefixed by the dataset it was measured on: the
// markers of moving averages ("~") and means ("#") are dropped, e.g. ("val", "#loss") -> "val_loss".
func ShortName(prefix, metricShortName string) string {
	return prefix + "_" + strings.TrimLeft(metricShortName, "~#")
}

// AddTrainAndEvalMetrics adds to the plotter the metrics of the last training step and the result
// of evaluating the model on evalDatasets. Training metrics are prefixed with "train", evaluation
// metrics with the short name of their dataset (see ShortName).
//
// If batchNormAveragesDS is given, the batch normalization averages are updated with it first.
//
// It returns the evaluation metrics, one slice per dataset. Datasets are reset after being evaluated.
func AddTrainAndEvalMetrics(plotter Plotter, loop *train.Loop, trainMetrics []*tensors.Tensor,
	evalDatasets []train.Dataset, batchNormAveragesDS train.Dataset) ([][]*tensors.Tensor, error) {
	trainer := loop.Trainer
	if batchNormAveragesDS != nil {
		err := exceptions.TryCatch[error](func() { batchnorm.UpdateAverages(trainer, batchNormAveragesDS) })
		if err != nil {
			return nil, errors.WithMessage(err, "updating batch normalization averages before evaluation")
		}
	}
	step := float64(trainer.GlobalStep())
	complete := true
	add := func(desc metrics.Interface, value *tensors.Tensor, name, prefix string) {
		v := shapes.ConvertTo[float64](value.Value())
		if math.IsNaN(v) || math.IsInf(v, 0) {
			complete = false
			return
		}
		plotter.AddPoint(Point{
			MetricName: name,
			Short:      ShortName(prefix, desc.ShortName()),
			MetricType: desc.MetricType(),
			Step:       step,
			Value:      v,
		})
	}

	for ii, desc := range trainer.TrainMetrics() {
		// The loss of a single batch is too noisy: the moving average loss is plotted instead.
		if desc.Name() == "Batch Loss" {
			continue
		}
		add(desc, trainMetrics[ii], "Train: "+desc.Name(), "train")
	}

	results := make([][]*tensors.Tensor, 0, len(evalDatasets))
	for _, ds := range evalDatasets {
		var evalMetrics []*tensors.Tensor
		if err := exceptions.TryCatch[error](func() { evalMetrics = trainer.Eval(ds) }); err != nil {
			return nil, errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
		ds.Reset()
		results = append(results, evalMetrics)
		prefix := ds.Name()
		if sn, ok := ds.(train.HasShortName); ok {
			prefix = sn.ShortName()
		}
		for ii, desc := range trainer.EvalMetrics() {
			add(desc, evalMetrics[ii], fmt.Sprintf("%s on %s", desc.Name(), ds.Name()), prefix)
		}
	}
	plotter.DynamicSampleDone(!complete)
	return results, nil
}

// LoadPointsFromCheckpoint loads the points saved in the [TrainingPlotFileName] of a run directory.
// A missing file means no points.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	points, err := LoadPoints(filepath.Join(checkpointDir, TrainingPlotFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return points, err
}

// LoadPoints parses a file with one JSON encoded Point per line. Empty lines are skipped.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var points []Point
	scanner := bufio.NewScanner(f)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var point Point
		if err := json.Unmarshal([]byte(line), &point); err != nil {
			return nil, errors.Wrapf(err, "invalid plot point in %q:%d", filePath, lineNum)
		}
		points = append(points, point)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", filePath)
	}
	return points, nil
}

// pointsFile appends points to a file, one JSON object per line.
type pointsFile struct {
	path string
	f    *os.File
	enc  *json.Encoder
}

func openPointsFile(filePath string) (*pointsFile, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open plot points file %q for append", filePath)
	}
	return &pointsFile{path: filePath, f: f, enc: json.NewEncoder(f)}, nil
}

func (pf *pointsFile) write(point Point) error {
	return errors.Wrapf(pf.enc.Encode(point), "failed to append plot point to %q", pf.path)
}

func (pf *pointsFile) close() error {
	return errors.Wrapf(pf.f.Close(), "failed to close %q", pf.path)
}

// Points indexes plot points by their step.
type Points map[float64][]Point

// NewPoints indexes the given points.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps with points, sorted.
func (points Points) Steps() []float64 {
	return slices.Sorted(maps.Keys(points))
}

// Extract returns all points, sorted by step.
func (points Points) Extract() []Point {
	var all []Point
	for _, step := range points.Steps() {
		all = append(all, points[step]...)
	}
	return all
}

// ShortNames of all metrics, sorted by metric type first and then by name.
func (points Points) ShortNames() []string {
	metricType := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			metricType[p.Short] = p.MetricType
		}
	}
	return slices.SortedFunc(maps.Keys(metricType), func(a, b string) int {
		return cmp.Or(cmp.Compare(metricType[a], metricType[b]), cmp.Compare(a, b))
	})
}

// Value of the metric short at step, and whether it was found.
func (points Points) Value(step float64, short string) (float64, bool) {
	idx := slices.IndexFunc(points[step], func(p Point) bool { return p.Short == short })
	if idx < 0 {
		return math.NaN(), false
	}
	return points[step][idx].Value, true
}

// TableForMetrics renders a table with the step in the first column and one column per metric.
// With no shortNames, all metrics are included.
func (points Points) TableForMetrics(shortNames ...string) string {
	if len(shortNames) == 0 {
		shortNames = points.ShortNames()
	}
	table := commandline.NewTable(append([]string{"Step"}, shortNames...)...)
	for _, step := range points.Steps() {
		row := []string{fmt.Sprintf("%.0f", step)}
		for _, short := range shortNames {
			cell := ""
			if value, found := points.Value(step, short); found {
				cell = fmt.Sprintf("%.4f", value)
			}
			row = append(row, cell)
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
