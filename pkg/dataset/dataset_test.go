// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/semseg/internal/imgtest"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/masks"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/gomlx/semseg/pkg/transforms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

const numClasses = 5

func newTransform(t *testing.T) *transforms.Transform {
	cfg := imageproc.DefaultConfig()
	cfg.Size = imageproc.Size{Height: 16, Width: 16}
	proc, err := imageproc.New(cfg)
	require.NoError(t, err)
	return transforms.New(proc, masks.DefaultIgnoreIndex)
}

func TestNew(t *testing.T) {
	root := t.TempDir()
	imgtest.Dataset(t, root, 3, 24, 20, numClasses)
	// Non-image files are not listed.
	require.NoError(t, os.WriteFile(filepath.Join(root, "images", "README.txt"), []byte("x"), 0644))

	ds, err := New(root, "images", "masks", newTransform(t))
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	imagePath, maskPath, err := ds.Paths(1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "images", "ex_b.jpg"), imagePath)
	assert.Equal(t, filepath.Join(root, "masks", "ex_b.png"), maskPath)

	example, err := ds.Get(2)
	require.NoError(t, err)
	assert.Equal(t, 16, example.Pixels.Width)
	assert.Equal(t, 16, example.Labels.Height)
	for _, label := range example.Labels.Unique() {
		assert.True(t, masks.IsValidLabel(label, numClasses) || label == masks.DefaultIgnoreIndex)
	}
}

func TestNewSymlinkedFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symbolic links require privileges on windows")
	}
	source := t.TempDir()
	imgtest.Dataset(t, source, 2, 8, 8, numClasses)
	root := t.TempDir()
	for _, sub := range []string{"images", "masks"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, sub), 0755))
		files, err := os.ReadDir(filepath.Join(source, sub))
		require.NoError(t, err)
		for _, f := range files {
			require.NoError(t, os.Symlink(filepath.Join(source, sub, f.Name()), filepath.Join(root, sub, f.Name())))
		}
	}
	ds, err := New(root, "images", "masks", newTransform(t))
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	_, err = ds.Get(1)
	require.NoError(t, err)
}

func TestNewErrors(t *testing.T) {
	root := t.TempDir()
	imgtest.Dataset(t, root, 2, 8, 8, numClasses)

	// Missing mask directory fails at construction.
	_, err := New(root, "images", "annotations", newTransform(t))
	require.Error(t, err)
	assert.True(t, stages.Is(err, stages.StageDataLoad))

	// Different counts.
	imgtest.Save(t, filepath.Join(root, "images", "ex_c.jpg"), imgtest.RGB(8, 8, 3))
	_, err = New(root, "images", "masks", newTransform(t))
	require.Error(t, err)

	// Same count, different stems.
	imgtest.Save(t, filepath.Join(root, "masks", "ex_z.png"), imgtest.Mask(8, 8, func(x, y int) uint8 { return 1 }))
	_, err = New(root, "images", "masks", newTransform(t))
	require.Error(t, err)
	stageErr, ok := stages.As(err)
	require.True(t, ok)
	assert.Equal(t, 2, stageErr.Index)

	// Unless stem checking is disabled.
	ds, err := New(root, "images", "masks", newTransform(t), WithStemCheck(false))
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
}

func TestGetErrors(t *testing.T) {
	root := t.TempDir()
	imgtest.Dataset(t, root, 2, 8, 8, numClasses)
	imgtest.Corrupt(t, filepath.Join(root, "images", "ex_b.jpg"))
	ds, err := New(root, "images", "masks", newTransform(t))
	require.NoError(t, err)

	for _, index := range []int{-1, 2, 100} {
		_, err = ds.Get(index)
		require.Error(t, err)
		assert.True(t, stages.Is(err, stages.StageDataLoad))
	}

	_, err = ds.Get(0)
	require.NoError(t, err)
	_, err = ds.Get(1)
	require.Error(t, err)
	stageErr, ok := stages.As(err)
	require.True(t, ok)
	assert.Equal(t, stages.StageDataLoad, stageErr.Stage)
	assert.Equal(t, 1, stageErr.Index)
	assert.Equal(t, filepath.Join(root, "images", "ex_b.jpg"), stageErr.Path)
}

func TestTrainDataset(t *testing.T) {
	root := t.TempDir()
	imgtest.Dataset(t, root, 4, 8, 8, numClasses)
	ds, err := New(root, "images", "masks", newTransform(t))
	require.NoError(t, err)

	td := NewTrainDataset(ds, "train", "tr", dtypes.Float32, rand.New(rand.NewSource(1)))
	assert.Equal(t, "train", td.Name())
	assert.Equal(t, "tr", td.ShortName())
	for epoch := 0; epoch < 2; epoch++ {
		count := 0
		for {
			_, inputs, labels, err := td.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.Len(t, inputs, 1)
			require.Len(t, labels, 1)
			assert.Equal(t, []int{16, 16, 3}, inputs[0].Shape().Dimensions)
			assert.Equal(t, dtypes.Int32, labels[0].DType())
			assert.Equal(t, []int{16, 16, 1}, labels[0].Shape().Dimensions)
			count++
		}
		assert.Equal(t, 4, count)
		td.Reset()
	}
}

func TestLoader(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test requiring a backend in short mode")
	}
	backend := graphtest.BuildTestBackend()
	root := t.TempDir()
	imgtest.Dataset(t, root, 5, 8, 8, numClasses)
	ds, err := New(root, "images", "masks", newTransform(t))
	require.NoError(t, err)

	_, err = NewLoader(backend, ds, "train", "tr", LoaderConfig{BatchSize: 0}, dtypes.Float32)
	require.Error(t, err)

	for _, cfg := range []LoaderConfig{
		{BatchSize: 2, DropLast: true},
		{BatchSize: 2, Shuffle: true, Seed: 7, NumWorkers: 3},
	} {
		loader, err := NewLoader(backend, ds, "train", "tr", cfg, dtypes.Float32)
		require.NoError(t, err)
		assert.Equal(t, "train", loader.Name())
		numExamples := 0
		for {
			_, inputs, labels, err := loader.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			batchSize := inputs[0].Shape().Dimensions[0]
			assert.Equal(t, []int{batchSize, 16, 16, 3}, inputs[0].Shape().Dimensions)
			assert.Equal(t, []int{batchSize, 16, 16, 1}, labels[0].Shape().Dimensions)
			flat := tensors.CopyFlatData[int32](labels[0])
			assert.Len(t, flat, batchSize*16*16)
			numExamples += batchSize
		}
		if cfg.DropLast {
			assert.Equal(t, 4, numExamples)
		} else {
			assert.Equal(t, 5, numExamples)
		}
	}
	require.NoError(t, AssertImageSize(ds.Transform().Processor()))
}
