// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"image"
	"testing"

	"github.com/gomlx/semseg/internal/imgtest"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/masks"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransform(t *testing.T, width, height int) *Transform {
	cfg := imageproc.DefaultConfig()
	cfg.Size = imageproc.Size{Height: height, Width: width}
	proc, err := imageproc.New(cfg)
	require.NoError(t, err)
	return New(proc, masks.DefaultIgnoreIndex)
}

func TestApply(t *testing.T) {
	transform := newTransform(t, 128, 128)
	img := imgtest.RGB(256, 256, 1)
	// Raw values {1, 2, 3} by column bands, plus unlabeled (0) in the first row.
	mask := imgtest.Mask(256, 256, func(x, y int) uint8 {
		if y == 0 {
			return 0
		}
		return uint8(1 + x*3/256)
	})

	example, err := transform.Apply(img, mask)
	require.NoError(t, err)
	assert.Equal(t, 128, example.Pixels.Width)
	assert.Equal(t, 128, example.Pixels.Height)
	assert.Equal(t, 128, example.Labels.Width)
	assert.Equal(t, 128, example.Labels.Height)
	assert.Equal(t, []int32{0, 1, 2, masks.DefaultIgnoreIndex}, example.Labels.Unique(),
		"labels are shifted by one and the unlabeled first row becomes the ignore index")
	assert.Equal(t, int32(masks.DefaultIgnoreIndex), example.Labels.At(64, 0))
	assert.Equal(t, int32(0), example.Labels.At(0, 1))

	// Nearest resize never introduces new values.
	example, err = transform.Apply(imgtest.RGB(10, 7, 0), imgtest.Mask(10, 7, func(x, y int) uint8 {
		return uint8(x % 3)
	}))
	require.NoError(t, err)
	for _, label := range example.Labels.Unique() {
		assert.Contains(t, []int32{masks.DefaultIgnoreIndex, 0, 1}, label)
	}
}

func TestApplyMaskAlignment(t *testing.T) {
	transform := newTransform(t, 2, 1)
	// Downscaling picks source pixel floor(dst*srcSize/dstSize): columns 0 and 2.
	labels, err := transform.ApplyMask(imgtest.Mask(4, 1, func(x, _ int) uint8 { return uint8(x + 1) }), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2}, labels.Labels)

	labels, err = transform.ApplyMask(imgtest.Mask(6, 3, func(x, y int) uint8 { return uint8(1 + x + 6*y) }), 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []int32{
		0, 1, 3, 4,
		6, 7, 9, 10,
	}, labels.Labels)
}

func TestApplyErrors(t *testing.T) {
	transform := newTransform(t, 32, 32)
	_, err := transform.Apply(imgtest.RGB(10, 10, 0), imgtest.Mask(10, 9, func(x, y int) uint8 { return 1 }))
	require.Error(t, err)
	assert.True(t, stages.Is(err, stages.StagePreprocessing))

	_, err = transform.Apply(imgtest.RGB(10, 10, 0), imgtest.RGB(10, 10, 0))
	require.Error(t, err, "RGB masks are not supported")
	assert.True(t, stages.Is(err, stages.StagePreprocessing))

	_, err = transform.Apply(nil, image.NewGray(image.Rect(0, 0, 1, 1)))
	require.Error(t, err)

	_, err = transform.ApplyMask(imgtest.Mask(4, 4, func(x, y int) uint8 { return 1 }), 0, 4)
	require.Error(t, err)
}

func TestApplyImage(t *testing.T) {
	transform := newTransform(t, 16, 24)
	pixels, err := transform.ApplyImage(imgtest.RGB(100, 50, 2))
	require.NoError(t, err)
	assert.Equal(t, 16, pixels.Width)
	assert.Equal(t, 24, pixels.Height)
	assert.Equal(t, image.Pt(100, 50), pixels.Source)
	assert.Equal(t, int32(masks.DefaultIgnoreIndex), transform.IgnoreIndex())
	assert.NotNil(t, transform.Processor())
}
