// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imageproc

import (
	"image"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/x448/float16"
)

// NumChannels of the images fed to the models (RGB).
const NumChannels = 3

// Pixels is a preprocessed image: normalized float32 values in channels-first layout
// ([channels, height, width]), the layout of exported ONNX models.
type Pixels struct {
	Width, Height int

	// Data holds NumChannels*Height*Width values, channels-first.
	Data []float32

	// Source is the size of the image before preprocessing. Predictions are resized back to it.
	Source image.Point
}

// NewPixels allocates zeroed Pixels of the given size.
func NewPixels(width, height int) *Pixels {
	return &Pixels{
		Width:  width,
		Height: height,
		Data:   make([]float32, NumChannels*width*height),
		Source: image.Pt(width, height),
	}
}

// At returns the value of channel c at (x, y).
func (p *Pixels) At(c, x, y int) float32 {
	return p.Data[(c*p.Height+y)*p.Width+x]
}

// Dims returns the channels-first dimensions [NumChannels, height, width].
func (p *Pixels) Dims() []int64 {
	return []int64{NumChannels, int64(p.Height), int64(p.Width)}
}

// ToTensor converts the pixels to a channels-last tensor shaped [height, width, NumChannels],
// the image layout used by GoMLX models, with the given float dtype.
func (p *Pixels) ToTensor(dtype dtypes.DType) (*tensors.Tensor, error) {
	return BatchToTensor(dtype, []*Pixels{p}, false)
}

// BatchToTensor converts a batch of same-sized pixels to a channels-last tensor. If
// createLeadingAxis is true the tensor is shaped [batch_size, height, width, NumChannels],
// otherwise there must be only one element in the batch and it is shaped [height, width, NumChannels].
//
// Supported dtypes are Float32, Float64, Float16 and BFloat16.
func BatchToTensor(dtype dtypes.DType, batch []*Pixels, createLeadingAxis bool) (*tensors.Tensor, error) {
	if len(batch) == 0 {
		return nil, stages.Errorf(stages.StagePreprocessing, "convert pixels to tensor", "empty batch")
	}
	if !createLeadingAxis && len(batch) != 1 {
		return nil, stages.Errorf(stages.StagePreprocessing, "convert pixels to tensor",
			"%d images given, but no leading batch axis requested", len(batch))
	}
	width, height := batch[0].Width, batch[0].Height
	for ii, p := range batch {
		if p.Width != width || p.Height != height {
			return nil, stages.Errorf(stages.StagePreprocessing, "convert pixels to tensor",
				"pixels[%d] has size %dx%d, but pixels[0] has size %dx%d -- they must all be the same",
				ii, p.Width, p.Height, width, height)
		}
	}
	dims := []int{height, width, NumChannels}
	if createLeadingAxis {
		dims = append([]int{len(batch)}, dims...)
	}
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(toChannelsLast(batch, func(v float32) float32 { return v }), dims...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(toChannelsLast(batch, func(v float32) float64 { return float64(v) }), dims...), nil
	case dtypes.Float16:
		return tensors.FromFlatDataAndDimensions(toChannelsLast(batch, float16.Fromfloat32), dims...), nil
	case dtypes.BFloat16:
		return tensors.FromFlatDataAndDimensions(toChannelsLast(batch, bfloat16.FromFloat32), dims...), nil
	default:
		return nil, stages.Errorf(stages.StagePreprocessing, "convert pixels to tensor",
			"dtype %s not supported, use a float dtype", dtype)
	}
}

// toChannelsLast transposes the channels-first pixels of the batch to one flat channels-last
// slice, converting the values with convert.
func toChannelsLast[T any](batch []*Pixels, convert func(float32) T) []T {
	width, height := batch[0].Width, batch[0].Height
	planeSize := width * height
	flat := make([]T, 0, len(batch)*NumChannels*planeSize)
	for _, p := range batch {
		for pos := 0; pos < planeSize; pos++ {
			for c := 0; c < NumChannels; c++ {
				flat = append(flat, convert(p.Data[c*planeSize+pos]))
			}
		}
	}
	return flat
}
