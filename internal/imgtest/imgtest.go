// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imgtest creates small images and datasets on disk for tests.
package imgtest

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// RGB returns a gradient image with the given size, varying with seed.
func RGB(width, height, seed int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / max(width-1, 1)),
				G: uint8(y * 255 / max(height-1, 1)),
				B: uint8(seed * 37),
				A: 255,
			})
		}
	}
	return img
}

// Mask returns a gray mask where the raw value of each pixel is given by value.
func Mask(width, height int, value func(x, y int) uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: value(x, y)})
		}
	}
	return img
}

// Save writes img to path, creating the parent directory. The format is chosen from the extension.
func Save(t testing.TB, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	if filepath.Ext(path) == ".png" {
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
		return
	}
	require.NoError(t, imaging.Save(img, path))
}

// Corrupt writes a file with an image extension but invalid contents.
func Corrupt(t testing.TB, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("definitely not an image"), 0644))
}

// Dataset writes numExamples pairs of images ("<root>/images/ex_<i>.jpg") and masks
// ("<root>/masks/ex_<i>.png") of the given size. Mask raw values cycle over 0..numClasses.
func Dataset(t testing.TB, root string, numExamples, width, height, numClasses int) {
	t.Helper()
	for ii := 0; ii < numExamples; ii++ {
		name := "ex_" + string(rune('a'+ii))
		Save(t, filepath.Join(root, "images", name+".jpg"), RGB(width, height, ii))
		Save(t, filepath.Join(root, "masks", name+".png"), Mask(width, height, func(x, y int) uint8 {
			return uint8((x/4 + y/4 + ii) % (numClasses + 1))
		}))
	}
}
