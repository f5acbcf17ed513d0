// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transforms prepares (image, mask) training examples: the image goes through the
// model's image processor, and the mask is remapped to labels and resized with nearest-neighbor
// to exactly the processed image size.
package transforms

import (
	"image"

	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/masks"
	"github.com/gomlx/semseg/pkg/stages"
)

// Example is one transformed training example. Pixels and Labels have the same spatial size.
type Example struct {
	Pixels *imageproc.Pixels
	Labels masks.LabelMap
}

// Transform holds the image processor of the model and the mask conventions.
// It is immutable and safe for concurrent use.
type Transform struct {
	processor   *imageproc.Processor
	ignoreIndex int32
}

// New creates a Transform. Unlabeled mask pixels (raw value 0) are mapped to ignoreIndex.
func New(processor *imageproc.Processor, ignoreIndex int32) *Transform {
	return &Transform{processor: processor, ignoreIndex: ignoreIndex}
}

// Processor returns the image processor used by the Transform.
func (t *Transform) Processor() *imageproc.Processor { return t.processor }

// IgnoreIndex returns the label assigned to unlabeled pixels.
func (t *Transform) IgnoreIndex() int32 { return t.ignoreIndex }

// ApplyImage runs only the image path of the transform, as used for inference.
func (t *Transform) ApplyImage(img image.Image) (*imageproc.Pixels, error) {
	return t.processor.Preprocess(img)
}

// ApplyMask reads the raw mask values, subtracts 1 (unlabeled becomes the ignore index) and
// resizes them with nearest-neighbor to width x height.
func (t *Transform) ApplyMask(mask image.Image, width, height int) (masks.LabelMap, error) {
	raw, err := masks.FromImage(mask)
	if err != nil {
		return masks.LabelMap{}, stages.New(stages.StagePreprocessing, "read mask", err)
	}
	if width <= 0 || height <= 0 {
		return masks.LabelMap{}, stages.Errorf(stages.StagePreprocessing, "resize mask",
			"invalid target size %dx%d", width, height)
	}
	return masks.RemapRaw(raw, t.ignoreIndex).ResizeNearest(width, height), nil
}

// Apply transforms an image and its mask. The mask must have the same size as the image.
func (t *Transform) Apply(img, mask image.Image) (Example, error) {
	if img == nil || mask == nil {
		return Example{}, stages.Errorf(stages.StagePreprocessing, "transform example", "missing image or mask")
	}
	imgSize, maskSize := img.Bounds().Size(), mask.Bounds().Size()
	if imgSize != maskSize {
		return Example{}, stages.Errorf(stages.StagePreprocessing, "transform example",
			"mask size %s doesn't match image size %s", maskSize, imgSize)
	}
	pixels, err := t.ApplyImage(img)
	if err != nil {
		return Example{}, err
	}
	labels, err := t.ApplyMask(mask, pixels.Width, pixels.Height)
	if err != nil {
		return Example{}, err
	}
	return Example{Pixels: pixels, Labels: labels}, nil
}
