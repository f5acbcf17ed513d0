// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package masks

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayMask(width, height int, value func(x, y int) uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: value(x, y)})
		}
	}
	return img
}

func TestRemapRaw(t *testing.T) {
	raw, err := FromImage(grayMask(3, 2, func(x, y int) uint8 { return uint8(x + 1) }))
	require.NoError(t, err)
	labels := RemapRaw(raw, DefaultIgnoreIndex)
	assert.Equal(t, []int32{0, 1, 2}, labels.Unique())
	assert.Equal(t, []int32{1, 2, 3}, raw.Unique(), "input must not be modified")

	raw, err = FromSlice([][]int32{{0, 1}, {5, 0}})
	require.NoError(t, err)
	labels = RemapRaw(raw, -1)
	assert.Equal(t, []int32{-1, 0, 4, -1}, labels.Labels)
}

func TestFromImage(t *testing.T) {
	// Sub-image with a non-zero origin.
	full := grayMask(4, 4, func(x, y int) uint8 { return uint8(10*y + x) })
	sub := full.SubImage(image.Rect(1, 1, 3, 3))
	m, err := FromImage(sub)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Width)
	assert.Equal(t, []int32{11, 12, 21, 22}, m.Labels)

	paletted := image.NewPaletted(image.Rect(0, 0, 2, 1), color.Palette{color.Black, color.White, color.Gray{Y: 3}})
	paletted.SetColorIndex(1, 0, 2)
	m, err = FromImage(paletted)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2}, m.Labels)

	_, err = FromImage(image.NewRGBA(image.Rect(0, 0, 2, 2)))
	require.Error(t, err)
	_, err = FromImage(nil)
	require.Error(t, err)
}

func TestResizeNearest(t *testing.T) {
	// 256x256 mask with 4 quadrants of labels {0, 1, 2, 3} and a 1-pixel border of label 7.
	raw := New(256, 256)
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			label := int32(2*(y/128) + x/128)
			if x == 0 || y == 0 {
				label = 7
			}
			raw.Set(x, y, label)
		}
	}
	source := make(map[int32]bool)
	for _, l := range raw.Unique() {
		source[l] = true
	}

	for _, size := range [][2]int{{128, 128}, {100, 37}, {300, 511}, {1, 1}} {
		resized := raw.ResizeNearest(size[0], size[1])
		require.NoError(t, resized.Validate())
		for _, l := range resized.Unique() {
			assert.Truef(t, source[l], "label %d not in source for size %v", l, size)
		}
	}

	// Quadrants are preserved at half size.
	half := raw.ResizeNearest(128, 128)
	assert.Equal(t, int32(0), half.At(10, 10))
	assert.Equal(t, int32(1), half.At(100, 10))
	assert.Equal(t, int32(2), half.At(10, 100))
	assert.Equal(t, int32(3), half.At(100, 100))

	// Target pixel dst reads source pixel floor(dst*srcSize/dstSize).
	row, err := FromSlice([][]int32{{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2, 4, 6, 8}, row.ResizeNearest(5, 1).Labels)
	assert.Equal(t, []int32{0, 3, 6}, row.ResizeNearest(3, 1).Labels)
	assert.Equal(t, []int32{0, 0, 1, 2, 2, 3, 4, 4, 5, 6, 6, 7, 8, 8, 9}, row.ResizeNearest(15, 1).Labels)
	assert.Equal(t, int32(7), half.At(0, 0), "the border is kept at the origin")

	// Upscaling by 2 copies each label to a 2x2 block.
	small, err := FromSlice([][]int32{{1, 2}, {3, 4}})
	require.NoError(t, err)
	up := small.ResizeNearest(4, 4)
	assert.Equal(t, []int32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, up.Labels)

	// Same size returns an independent copy.
	same := small.ResizeNearest(2, 2)
	same.Set(0, 0, 9)
	assert.Equal(t, int32(1), small.At(0, 0))
}

func TestValidateAndCounts(t *testing.T) {
	require.Error(t, LabelMap{Width: 2, Height: 2, Labels: []int32{1}}.Validate())
	require.Error(t, LabelMap{}.Validate())
	_, err := FromSlice([][]int32{{1, 2}, {3}})
	require.Error(t, err)

	m, err := FromSlice([][]int32{{1, 1}, {255, 1}})
	require.NoError(t, err)
	assert.Equal(t, map[int32]int{1: 3, 255: 1}, m.Counts())
	assert.True(t, IsValidLabel(1, 150))
	assert.False(t, IsValidLabel(255, 150))
	assert.False(t, IsValidLabel(-1, 150))
}
