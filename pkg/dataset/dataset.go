// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset reads segmentation examples stored as two parallel directories of images
// and masks under a dataset root (e.g. ADE20K's "images/training" and "annotations/training").
//
// Images and masks are listed and sorted independently by file name and paired by position.
// By default, the pairing is also validated: the i-th image and the i-th mask must have the
// same file stem. Examples are loaded and transformed on demand, one per Get call; nothing is
// cached.
package dataset

import (
	"path/filepath"

	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/gomlx/semseg/pkg/support/fsutil"
	"github.com/gomlx/semseg/pkg/transforms"
)

// ImageExtensions accepted by default when listing the image and mask directories.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".gif"}

// Dataset of paired images and masks. It is safe for concurrent use.
type Dataset struct {
	root                string
	imagesDir, masksDir string
	images, masks       []string
	transform           *transforms.Transform

	checkStems bool
	extensions []string
}

// Option configures a Dataset during New.
type Option func(ds *Dataset)

// WithStemCheck enables or disables the validation that paired image and mask files have the
// same stem. It is enabled by default.
func WithStemCheck(check bool) Option {
	return func(ds *Dataset) { ds.checkStems = check }
}

// WithExtensions sets the file extensions (with the dot) listed as images and masks.
func WithExtensions(extensions ...string) Option {
	return func(ds *Dataset) { ds.extensions = extensions }
}

// New lists the images in root/imagesDir and the masks in root/masksDir. It fails if either
// directory can't be listed, if the number of images and masks differ or, with stem checking,
// if any pair doesn't share the same stem.
func New(root, imagesDir, masksDir string, transform *transforms.Transform, options ...Option) (*Dataset, error) {
	ds := &Dataset{
		root:       root,
		imagesDir:  filepath.Join(root, imagesDir),
		masksDir:   filepath.Join(root, masksDir),
		transform:  transform,
		checkStems: true,
		extensions: ImageExtensions,
	}
	for _, option := range options {
		option(ds)
	}
	if transform == nil {
		return nil, stages.Errorf(stages.StageConfig, "create dataset", "no transform given")
	}
	var err error
	ds.images, err = fsutil.ListFiles(ds.imagesDir, fsutil.HasExt(ds.extensions...))
	if err != nil {
		return nil, stages.New(stages.StageDataLoad, "list images", err).At(ds.imagesDir)
	}
	ds.masks, err = fsutil.ListFiles(ds.masksDir, fsutil.HasExt(ds.extensions...))
	if err != nil {
		return nil, stages.New(stages.StageDataLoad, "list masks", err).At(ds.masksDir)
	}
	if len(ds.images) != len(ds.masks) {
		return nil, stages.Errorf(stages.StageDataLoad, "pair images and masks",
			"%d images in %q but %d masks in %q", len(ds.images), ds.imagesDir, len(ds.masks), ds.masksDir)
	}
	if ds.checkStems {
		for ii, imagePath := range ds.images {
			if fsutil.Stem(imagePath) != fsutil.Stem(ds.masks[ii]) {
				return nil, stages.Errorf(stages.StageDataLoad, "pair images and masks",
					"image %q and mask %q at the same sorted position have different names",
					filepath.Base(imagePath), filepath.Base(ds.masks[ii])).WithIndex(ii)
			}
		}
	}
	return ds, nil
}

// Len returns the number of examples, that is, the number of images.
func (ds *Dataset) Len() int { return len(ds.images) }

// Root directory of the dataset.
func (ds *Dataset) Root() string { return ds.root }

// Transform used to prepare the examples.
func (ds *Dataset) Transform() *transforms.Transform { return ds.transform }

// Paths returns the image and mask paths of the example at index.
func (ds *Dataset) Paths(index int) (imagePath, maskPath string, err error) {
	if index < 0 || index >= len(ds.images) {
		return "", "", stages.Errorf(stages.StageDataLoad, "get example",
			"index out of range [0, %d)", len(ds.images)).WithIndex(index)
	}
	return ds.images[index], ds.masks[index], nil
}

// Get loads and transforms the example at index. Errors are data-load errors with the index
// and the offending path.
func (ds *Dataset) Get(index int) (transforms.Example, error) {
	imagePath, maskPath, err := ds.Paths(index)
	if err != nil {
		return transforms.Example{}, err
	}
	img, err := imageproc.LoadFile(imagePath)
	if err != nil {
		return transforms.Example{}, stages.New(stages.StageDataLoad, "load image", err).WithIndex(index).At(imagePath)
	}
	mask, err := imageproc.LoadFile(maskPath)
	if err != nil {
		return transforms.Example{}, stages.New(stages.StageDataLoad, "load mask", err).WithIndex(index).At(maskPath)
	}
	example, err := ds.transform.Apply(img, mask)
	if err != nil {
		return transforms.Example{}, stages.New(stages.StageDataLoad, "transform example", err).WithIndex(index).At(imagePath)
	}
	return example, nil
}
