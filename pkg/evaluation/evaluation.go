// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluation accumulates a confusion matrix over predicted label maps and derives the
// usual semantic segmentation metrics: pixel accuracy, per-class intersection over union (IoU)
// and its mean (mIoU).
package evaluation

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/semseg/pkg/masks"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ConfusionMatrix counts pixels by (true label, predicted label).
// Pixels whose true label is outside [0, numClasses), the ignore index included, are not counted.
//
// It is safe for concurrent use.
type ConfusionMatrix struct {
	mu         sync.Mutex
	numClasses int
	counts     *mat.Dense // rows: true label, columns: predicted label.
}

// NewConfusionMatrix creates an empty confusion matrix for numClasses classes.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	return &ConfusionMatrix{numClasses: numClasses, counts: mat.NewDense(numClasses, numClasses, nil)}
}

// NumClasses returns the number of classes of the matrix.
func (cm *ConfusionMatrix) NumClasses() int { return cm.numClasses }

// Add the pixels of one prediction. truth and pred must have the same size.
// Predictions outside [0, numClasses) are an error.
func (cm *ConfusionMatrix) Add(truth, pred masks.LabelMap) error {
	if truth.Width != pred.Width || truth.Height != pred.Height {
		return stages.Errorf(stages.StagePostprocessing, "evaluate prediction",
			"truth is %dx%d but prediction is %dx%d", truth.Width, truth.Height, pred.Width, pred.Height)
	}
	local := make([]float64, cm.numClasses*cm.numClasses)
	for ii, t := range truth.Labels {
		if !masks.IsValidLabel(t, cm.numClasses) {
			continue
		}
		p := pred.Labels[ii]
		if !masks.IsValidLabel(p, cm.numClasses) {
			return stages.Errorf(stages.StagePostprocessing, "evaluate prediction",
				"predicted label %d out of range [0, %d)", p, cm.numClasses)
		}
		local[int(t)*cm.numClasses+int(p)]++
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.counts.Add(cm.counts, mat.NewDense(cm.numClasses, cm.numClasses, local))
	return nil
}

// Merge adds the counts of other into cm.
func (cm *ConfusionMatrix) Merge(other *ConfusionMatrix) error {
	if other.numClasses != cm.numClasses {
		return errors.Errorf("cannot merge confusion matrices of %d and %d classes", cm.numClasses, other.numClasses)
	}
	other.mu.Lock()
	otherCounts := mat.DenseCopyOf(other.counts)
	other.mu.Unlock()
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.counts.Add(cm.counts, otherCounts)
	return nil
}

// Count returns the number of pixels with the given true and predicted labels.
func (cm *ConfusionMatrix) Count(truth, pred int) float64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.counts.At(truth, pred)
}

// Total returns the number of pixels counted.
func (cm *ConfusionMatrix) Total() float64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return mat.Sum(cm.counts)
}

// PixelAccuracy returns the fraction of counted pixels predicted correctly, or NaN if no pixel was counted.
func (cm *ConfusionMatrix) PixelAccuracy() float64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return ratio(mat.Trace(cm.counts), mat.Sum(cm.counts))
}

// IoU returns the intersection over union of each class. Classes that appear neither in the truth
// nor in the predictions have an undefined IoU, returned as NaN.
func (cm *ConfusionMatrix) IoU() []float64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	iou := make([]float64, cm.numClasses)
	for c := range cm.numClasses {
		intersection := cm.counts.At(c, c)
		union := floats.Sum(mat.Row(nil, c, cm.counts)) + floats.Sum(mat.Col(nil, c, cm.counts)) - intersection
		iou[c] = ratio(intersection, union)
	}
	return iou
}

// ClassAccuracy returns, for each class, the fraction of its pixels predicted correctly (recall), NaN for absent classes.
func (cm *ConfusionMatrix) ClassAccuracy() []float64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	acc := make([]float64, cm.numClasses)
	for c := range cm.numClasses {
		acc[c] = ratio(cm.counts.At(c, c), floats.Sum(mat.Row(nil, c, cm.counts)))
	}
	return acc
}

// MeanIoU returns the mean IoU over the classes with a defined IoU, or NaN if there is none.
func (cm *ConfusionMatrix) MeanIoU() float64 {
	return nanMean(cm.IoU())
}

// Report returns a table with one row per class: "class", "name", "pixels", "accuracy" and "iou".
// labels are the class names; missing names are replaced by the class index.
func (cm *ConfusionMatrix) Report(labels []string) dataframe.DataFrame {
	iou := cm.IoU()
	acc := cm.ClassAccuracy()
	ids := make([]int, cm.numClasses)
	names := make([]string, cm.numClasses)
	pixels := make([]int, cm.numClasses)
	cm.mu.Lock()
	for c := range cm.numClasses {
		ids[c] = c
		if c < len(labels) {
			names[c] = labels[c]
		} else {
			names[c] = fmt.Sprintf("class_%d", c)
		}
		pixels[c] = int(floats.Sum(mat.Row(nil, c, cm.counts)))
	}
	cm.mu.Unlock()
	return dataframe.New(
		series.New(ids, series.Int, "class"),
		series.New(names, series.String, "name"),
		series.New(pixels, series.Int, "pixels"),
		series.New(acc, series.Float, "accuracy"),
		series.New(iou, series.Float, "iou"),
	)
}

// WriteCSV writes the Report as CSV.
func (cm *ConfusionMatrix) WriteCSV(w io.Writer, labels []string) error {
	df := cm.Report(labels)
	if err := df.WriteCSV(w); err != nil {
		return errors.Wrap(err, "failed to write evaluation report")
	}
	return nil
}

func ratio[T constraints.Float](num, den T) T {
	if den == 0 {
		return T(math.NaN())
	}
	return num / den
}

func nanMean[T constraints.Float](values []T) T {
	var sum T
	var count int
	for _, v := range values {
		if !math.IsNaN(float64(v)) {
			sum += v
			count++
		}
	}
	if count == 0 {
		return T(math.NaN())
	}
	return sum / T(count)
}
