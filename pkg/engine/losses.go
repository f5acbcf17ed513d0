// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
)

// IoUMetricType is the type of the mean intersection-over-union metrics.
const IoUMetricType = "iou"

// ResizeLogits resizes the logits `[batch, h, w, classes]` to `[batch, height, width, classes]` using
// nearest-neighbor. It's a no-op if they already have the target size.
func ResizeLogits(logits *Node, height, width int) *Node {
	logits.AssertRank(4)
	dims := logits.Shape().Dimensions
	if dims[1] == height && dims[2] == width {
		return logits
	}
	return Interpolate(logits, -1, height, width, -1).Nearest().Done()
}

// labelsAndMask returns the logits resized to the labels, the labels with the ignored pixels replaced
// by 0 (so they can be one-hot encoded) and the mask of valid pixels, shaped `[batch, height, width]`.
//
// Labels are shaped `[batch, height, width, 1]`, and any label outside of `[0, numClasses)` is ignored.
func labelsAndMask(labels, logits *Node) (resized, safeLabels, mask *Node) {
	labels.AssertRank(4)
	g := labels.Graph()
	dims := labels.Shape().Dimensions
	resized = ResizeLogits(logits, dims[1], dims[2])
	numClasses := resized.Shape().Dimensions[3]
	labelsDType := labels.DType()
	valid := LogicalAnd(
		GreaterOrEqual(labels, ScalarZero(g, labelsDType)),
		LessThan(labels, Scalar(g, labelsDType, float64(numClasses))))
	safeLabels = Where(valid, labels, ZerosLike(labels))
	mask = Reshape(valid, dims[0], dims[1], dims[2])
	return
}

// MaskedCrossEntropy is the pixel-wise cross-entropy of the logits, resized (nearest-neighbor) to
// the labels size, averaged over the pixels with a valid label. Pixels labeled with the ignore
// index (any value outside `[0, numClasses)`) don't contribute.
//
// It implements train.LossFn: labels[0] is `[batch, height, width, 1]` (Int32) and
// predictions[0] the logits `[batch, h, w, numClasses]`.
func MaskedCrossEntropy(labels, predictions []*Node) *Node {
	resized, safeLabels, mask := labelsAndMask(labels[0], predictions[0])
	dtype := resized.DType()
	perPixel := losses.SparseCategoricalCrossEntropyLogits([]*Node{safeLabels, mask}, []*Node{resized})
	perPixel = Where(mask, perPixel, ZerosLike(perPixel))
	count := ReduceAllSum(ConvertDType(mask, dtype))
	return Div(ReduceAllSum(perPixel), MaxScalar(count, 1.0))
}

// PixelAccuracyGraph returns the fraction of valid pixels whose arg-max class is the label.
// It implements metrics.BaseMetricGraph.
func PixelAccuracyGraph(_ *context.Context, labels, predictions []*Node) *Node {
	resized, safeLabels, mask := labelsAndMask(labels[0], predictions[0])
	dtype := resized.DType()
	predicted := ArgMax(resized, -1, safeLabels.DType())
	correct := LogicalAnd(Equal(predicted, Squeeze(safeLabels, -1)), mask)
	count := ReduceAllSum(ConvertDType(mask, dtype))
	return Div(ReduceAllSum(ConvertDType(correct, dtype)), MaxScalar(count, 1.0))
}

// MeanIoUGraph returns the intersection-over-union averaged over the classes present in the batch,
// either in the labels or in the predictions. Ignored pixels don't count.
// It implements metrics.BaseMetricGraph.
func MeanIoUGraph(_ *context.Context, labels, predictions []*Node) *Node {
	resized, safeLabels, mask := labelsAndMask(labels[0], predictions[0])
	g := resized.Graph()
	dtype := resized.DType()
	numClasses := resized.Shape().Dimensions[3]
	validPixels := InsertAxes(ConvertDType(mask, dtype), -1)
	predicted := OneHot(ArgMax(resized, -1, dtypes.Int32), numClasses, dtype)
	predicted = Mul(predicted, validPixels)
	truth := OneHot(Squeeze(safeLabels, -1), numClasses, dtype)
	truth = Mul(truth, validPixels)

	intersection := ReduceSum(Mul(predicted, truth), 0, 1, 2)
	union := Sub(Add(ReduceSum(predicted, 0, 1, 2), ReduceSum(truth, 0, 1, 2)), intersection)
	present := GreaterThan(union, ScalarZero(g, dtype))
	iou := Div(intersection, MaxScalar(union, 1.0))
	iou = Where(present, iou, ZerosLike(iou))
	numPresent := ReduceAllSum(ConvertDType(present, dtype))
	return Div(ReduceAllSum(iou), MaxScalar(numPresent, 1.0))
}

func percentagePPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", shapes.ConvertTo[float64](value.Value())*100.0)
}

// NewTrainMetrics returns the moving averages of the pixel accuracy and mean IoU, reported during training.
func NewTrainMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewExponentialMovingAverageMetric("Moving Average Pixel Accuracy", "~acc",
			metrics.AccuracyMetricType, PixelAccuracyGraph, percentagePPrint, 0.05),
		metrics.NewExponentialMovingAverageMetric("Moving Average Mean IoU", "~miou",
			IoUMetricType, MeanIoUGraph, percentagePPrint, 0.05),
	}
}

// NewEvalMetrics returns the means over a dataset of the pixel accuracy and mean IoU of each batch.
func NewEvalMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewMeanMetric("Mean Pixel Accuracy", "acc", metrics.AccuracyMetricType, PixelAccuracyGraph, percentagePPrint),
		metrics.NewMeanMetric("Mean IoU", "miou", IoUMetricType, MeanIoUGraph, percentagePPrint),
	}
}
