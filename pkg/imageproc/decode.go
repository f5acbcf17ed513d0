// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imageproc

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// LoadFile decodes the image (JPEG, PNG, GIF, TIFF or BMP) at path, keeping its original
// color model, so gray masks are returned as *image.Gray.
func LoadFile(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return img, nil
}

// Decode reads an image from r, see LoadFile.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return img, nil
}
