// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package palette generates the deterministic class colors used to visualize segmentation
// masks, and colorizes label maps with them.
//
// The color of label L is built by interleaving the bits of L: bit 0 goes to red, bit 1 to
// green and bit 2 to blue, starting at the most significant bit of each channel and moving
// one bit down for every 3 bits of the label. This gives distinct colors to adjacent labels,
// and unique colors for up to 256 labels.
package palette

import (
	"fmt"
	"image/color"

	"github.com/gomlx/semseg/pkg/stages"
	"github.com/lucasb-eyer/go-colorful"
)

// MaxClasses is the largest number of classes a Palette can represent.
const MaxClasses = 256

// Palette is an immutable flat sequence of RGB triples, one per class index.
type Palette []uint8

// Build returns the palette for numClasses classes (1 to MaxClasses), with 3*numClasses bytes.
func Build(numClasses int) (Palette, error) {
	if numClasses < 1 || numClasses > MaxClasses {
		return nil, stages.Errorf(stages.StageConfig, "build palette",
			"number of classes must be between 1 and %d, got %d", MaxClasses, numClasses)
	}
	p := make(Palette, 3*numClasses)
	for label := 0; label < numClasses; label++ {
		var r, g, b uint8
		for lab, i := label, 0; lab != 0; lab, i = lab>>3, i+1 {
			r |= uint8((lab>>0)&1) << (7 - i)
			g |= uint8((lab>>1)&1) << (7 - i)
			b |= uint8((lab>>2)&1) << (7 - i)
		}
		p[3*label], p[3*label+1], p[3*label+2] = r, g, b
	}
	return p, nil
}

// NumClasses returns the number of colors in the palette.
func (p Palette) NumClasses() int { return len(p) / 3 }

// RGB returns the color components of the label. It panics if label is out of range.
func (p Palette) RGB(label int) (r, g, b uint8) {
	return p[3*label], p[3*label+1], p[3*label+2]
}

// Color returns the opaque color of the label.
func (p Palette) Color(label int) color.RGBA {
	r, g, b := p.RGB(label)
	return color.RGBA{R: r, G: g, B: b, A: 0xFF}
}

// Hex returns the color of the label formatted as "#rrggbb".
func (p Palette) Hex(label int) string {
	c, _ := colorful.MakeColor(p.Color(label))
	return c.Hex()
}

// Colors returns the palette as a color.Palette, indexed by label.
func (p Palette) Colors() color.Palette {
	colors := make(color.Palette, p.NumClasses())
	for label := range colors {
		colors[label] = p.Color(label)
	}
	return colors
}

// FromColors builds a Palette from arbitrary colors (alpha is dropped).
func FromColors(colors []color.Color) (Palette, error) {
	if len(colors) < 1 || len(colors) > MaxClasses {
		return nil, stages.Errorf(stages.StageConfig, "build palette",
			"number of colors must be between 1 and %d, got %d", MaxClasses, len(colors))
	}
	p := make(Palette, 3*len(colors))
	for label, c := range colors {
		nrgba := color.NRGBAModel.Convert(c).(color.NRGBA)
		p[3*label], p[3*label+1], p[3*label+2] = nrgba.R, nrgba.G, nrgba.B
	}
	return p, nil
}

// String implements fmt.Stringer.
func (p Palette) String() string {
	return fmt.Sprintf("Palette(%d classes)", p.NumClasses())
}
