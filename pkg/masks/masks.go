// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package masks holds LabelMap, the per-pixel class-index array used for segmentation
// masks and predictions, and the label operations that must never blend values:
// remapping raw on-disk masks and nearest-neighbor resizing.
package masks

import (
	"image"
	"slices"

	"github.com/pkg/errors"
)

// DefaultIgnoreIndex is the label given to unlabeled pixels: raw value 0 minus 1 wrapped
// around as an 8-bit value.
const DefaultIgnoreIndex = 255

// LabelMap is a 2D array of class indices, stored row-major.
type LabelMap struct {
	Width, Height int
	Labels        []int32
}

// New creates a LabelMap of the given size filled with zeros.
func New(width, height int) LabelMap {
	return LabelMap{Width: width, Height: height, Labels: make([]int32, width*height)}
}

// FromSlice creates a LabelMap from rows of labels. All rows must have the same length.
func FromSlice(rows [][]int32) (LabelMap, error) {
	if len(rows) == 0 {
		return LabelMap{}, errors.New("masks.FromSlice: no rows given")
	}
	m := New(len(rows[0]), len(rows))
	for y, row := range rows {
		if len(row) != m.Width {
			return LabelMap{}, errors.Errorf("masks.FromSlice: row %d has %d labels, row 0 has %d", y, len(row), m.Width)
		}
		copy(m.Labels[y*m.Width:], row)
	}
	return m, nil
}

// Bounds returns the LabelMap as an image rectangle, for convenience.
func (m LabelMap) Bounds() image.Rectangle { return image.Rect(0, 0, m.Width, m.Height) }

// At returns the label at position (x, y).
func (m LabelMap) At(x, y int) int32 { return m.Labels[y*m.Width+x] }

// Set the label at position (x, y).
func (m LabelMap) Set(x, y int, label int32) { m.Labels[y*m.Width+x] = label }

// Validate checks the dimensions are consistent with the labels slice.
func (m LabelMap) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return errors.Errorf("invalid label map size %dx%d", m.Width, m.Height)
	}
	if len(m.Labels) != m.Width*m.Height {
		return errors.Errorf("label map %dx%d should have %d labels, got %d",
			m.Width, m.Height, m.Width*m.Height, len(m.Labels))
	}
	return nil
}

// Clone returns a deep copy.
func (m LabelMap) Clone() LabelMap {
	return LabelMap{Width: m.Width, Height: m.Height, Labels: slices.Clone(m.Labels)}
}

// Unique returns the sorted distinct labels present in the map.
func (m LabelMap) Unique() []int32 {
	counts := m.Counts()
	unique := make([]int32, 0, len(counts))
	for label := range counts {
		unique = append(unique, label)
	}
	slices.Sort(unique)
	return unique
}

// Counts returns the number of pixels of each label present in the map.
func (m LabelMap) Counts() map[int32]int {
	counts := make(map[int32]int)
	for _, label := range m.Labels {
		counts[label]++
	}
	return counts
}

// ResizeNearest returns a new LabelMap with the given size, where the target pixel dst copies the
// label of the source pixel floor(dst*srcSize/dstSize) on each axis, the same as PyTorch's
// "nearest" interpolation. No new label values are ever introduced.
func (m LabelMap) ResizeNearest(width, height int) LabelMap {
	if width == m.Width && height == m.Height {
		return m.Clone()
	}
	resized := New(width, height)
	srcX := make([]int, width)
	for x := range srcX {
		srcX[x] = nearestSource(x, width, m.Width)
	}
	for y := 0; y < height; y++ {
		srcRow := m.Labels[nearestSource(y, height, m.Height)*m.Width:]
		dstRow := resized.Labels[y*width : (y+1)*width]
		for x, sx := range srcX {
			dstRow[x] = srcRow[sx]
		}
	}
	return resized
}

// nearestSource maps the target coordinate dst (in a dimension of size dstSize) to the source coordinate.
func nearestSource(dst, dstSize, srcSize int) int {
	src := dst * srcSize / dstSize
	if src >= srcSize {
		src = srcSize - 1
	}
	return src
}

// FromImage reads the raw values of a single-channel mask image.
//
// Supported images are *image.Gray, *image.Gray16 and *image.Paletted (where the palette
// index is the raw value). Any other color model is rejected, since converting colors to
// gray levels would change the stored labels.
func FromImage(img image.Image) (LabelMap, error) {
	if img == nil {
		return LabelMap{}, errors.New("nil mask image")
	}
	bounds := img.Bounds()
	m := New(bounds.Dx(), bounds.Dy())
	switch mask := img.(type) {
	case *image.Gray:
		for y := 0; y < m.Height; y++ {
			row := mask.Pix[y*mask.Stride : y*mask.Stride+m.Width]
			for x, v := range row {
				m.Labels[y*m.Width+x] = int32(v)
			}
		}
	case *image.Gray16:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				m.Set(x-bounds.Min.X, y-bounds.Min.Y, int32(mask.Gray16At(x, y).Y))
			}
		}
	case *image.Paletted:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				m.Set(x-bounds.Min.X, y-bounds.Min.Y, int32(mask.ColorIndexAt(x, y)))
			}
		}
	default:
		return LabelMap{}, errors.Errorf("unsupported mask image type %T: masks must be single-channel (gray or paletted)", img)
	}
	return m, nil
}

// RemapRaw converts raw on-disk mask values to labels: raw values store label+1, so every
// value is shifted down by one, and the reserved raw value 0 ("unlabeled") becomes ignoreIndex.
func RemapRaw(raw LabelMap, ignoreIndex int32) LabelMap {
	labels := raw.Clone()
	for ii, v := range labels.Labels {
		if v == 0 {
			labels.Labels[ii] = ignoreIndex
		} else {
			labels.Labels[ii] = v - 1
		}
	}
	return labels
}

// IsValidLabel returns whether label is a class index for numClasses classes, as opposed to an
// ignore index or an out-of-range value.
func IsValidLabel(label int32, numClasses int) bool {
	return label >= 0 && int(label) < numClasses
}
