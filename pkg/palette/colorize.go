// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package palette

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/semseg/pkg/masks"
	"github.com/gomlx/semseg/pkg/stages"
)

// Colorize returns a paletted image with the same size as labels, where every pixel has the
// color of its label. Labels outside the palette range are an error. labels is not modified.
func (p Palette) Colorize(labels masks.LabelMap) (*image.Paletted, error) {
	if err := labels.Validate(); err != nil {
		return nil, stages.New(stages.StagePostprocessing, "colorize mask", err)
	}
	numClasses := p.NumClasses()
	img := image.NewPaletted(labels.Bounds(), p.Colors())
	for ii, label := range labels.Labels {
		if !masks.IsValidLabel(label, numClasses) {
			return nil, stages.Errorf(stages.StagePostprocessing, "colorize mask",
				"label %d at pixel (%d, %d) is out of the palette range [0, %d)",
				label, ii%labels.Width, ii/labels.Width, numClasses)
		}
		img.Pix[ii] = uint8(label)
	}
	return img, nil
}

// ColorizeResized colorizes labels and resizes the result to width x height using
// nearest-neighbor, so the output only contains palette colors.
func (p Palette) ColorizeResized(labels masks.LabelMap, width, height int) (*image.NRGBA, error) {
	img, err := p.Colorize(labels)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, stages.Errorf(stages.StagePostprocessing, "resize colorized mask",
			"invalid target size %dx%d", width, height)
	}
	return imaging.Resize(img, width, height, imaging.NearestNeighbor), nil
}

// Overlay blends the colorized mask over the original image with the given opacity (0 to 1).
// The mask is resized (nearest-neighbor) to the original image size if needed.
func Overlay(original, colorized image.Image, opacity float64) *image.NRGBA {
	size := original.Bounds().Size()
	if colorized.Bounds().Size() != size {
		colorized = imaging.Resize(colorized, size.X, size.Y, imaging.NearestNeighbor)
	}
	background := imaging.Clone(original)
	return imaging.Overlay(background, colorized, image.Pt(0, 0), opacity)
}
