// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/stages"
)

// TrainDataset implements train.Dataset over a Dataset: each Yield returns one example, with
// inputs `[pixels]` shaped `[height, width, 3]` and labels `[labels]` shaped `[height, width, 1]`
// (Int32). It returns io.EOF at the end of each epoch; call Reset to start the next one.
//
// Yield can be called concurrently (e.g. by datasets.Parallel): only the selection of the
// next index is serialized.
type TrainDataset struct {
	ds              *Dataset
	name, shortName string
	dtype           dtypes.DType

	mu      sync.Mutex
	shuffle *rand.Rand
	order   []int
	next    int
}

var (
	_ train.Dataset      = (*TrainDataset)(nil)
	_ train.HasShortName = (*TrainDataset)(nil)
)

// NewTrainDataset creates a train.Dataset yielding the examples of ds with pixels of the given
// float dtype. If shuffle is not nil, the order of examples is reshuffled at every epoch.
func NewTrainDataset(ds *Dataset, name, shortName string, dtype dtypes.DType, shuffle *rand.Rand) *TrainDataset {
	td := &TrainDataset{
		ds:        ds,
		name:      name,
		shortName: shortName,
		dtype:     dtype,
		shuffle:   shuffle,
	}
	td.Reset()
	return td
}

// Name implements train.Dataset.
func (td *TrainDataset) Name() string { return td.name }

// ShortName implements train.HasShortName.
func (td *TrainDataset) ShortName() string { return td.shortName }

// Reset implements train.Dataset. It restarts the epoch, with a new order if shuffling.
func (td *TrainDataset) Reset() {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.next = 0
	if td.order == nil {
		td.order = make([]int, td.ds.Len())
		for ii := range td.order {
			td.order[ii] = ii
		}
	}
	if td.shuffle != nil {
		td.shuffle.Shuffle(len(td.order), func(i, j int) {
			td.order[i], td.order[j] = td.order[j], td.order[i]
		})
	}
}

// nextIndex returns the index of the next example, or -1 at the end of the epoch.
func (td *TrainDataset) nextIndex() int {
	td.mu.Lock()
	defer td.mu.Unlock()
	if td.next >= len(td.order) {
		return -1
	}
	index := td.order[td.next]
	td.next++
	return index
}

// Yield implements train.Dataset.
func (td *TrainDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	index := td.nextIndex()
	if index < 0 {
		err = io.EOF
		return
	}
	example, err := td.ds.Get(index)
	if err != nil {
		return
	}
	pixels, err := example.Pixels.ToTensor(td.dtype)
	if err != nil {
		err = stages.New(stages.StageDataLoad, "convert example to tensor", err).WithIndex(index)
		return
	}
	labelsTensor := tensors.FromFlatDataAndDimensions(example.Labels.Labels, example.Labels.Height, example.Labels.Width, 1)
	inputs = []*tensors.Tensor{pixels}
	labels = []*tensors.Tensor{labelsTensor}
	return
}

// LoaderConfig configures how examples are batched and read.
type LoaderConfig struct {
	// BatchSize is the number of examples per batch; it must be > 0.
	BatchSize int

	// Shuffle the examples at every epoch, using Seed.
	Shuffle bool
	Seed    int64

	// NumWorkers reading examples in parallel. 0 or 1 reads them sequentially.
	NumWorkers int

	// DropLast drops the last incomplete batch of each epoch.
	DropLast bool
}

// NewLoader returns a batched train.Dataset over ds: batches are shaped `[batch_size, height, width, 3]`
// for the pixels and `[batch_size, height, width, 1]` for the labels.
//
// All images are resized by the image processor to the same size, so batches can be stacked.
func NewLoader(backend backends.Backend, ds *Dataset, name, shortName string, cfg LoaderConfig, dtype dtypes.DType) (train.Dataset, error) {
	if cfg.BatchSize <= 0 {
		return nil, stages.Errorf(stages.StageConfig, "create data loader",
			"dataset %q: batch size must be > 0, got %d", name, cfg.BatchSize)
	}
	if ds.Len() == 0 {
		return nil, stages.Errorf(stages.StageDataLoad, "create data loader", "dataset %q has no examples", name).At(ds.Root())
	}
	var shuffle *rand.Rand
	if cfg.Shuffle {
		shuffle = rand.New(rand.NewSource(cfg.Seed))
	}
	var source train.Dataset = NewTrainDataset(ds, name, shortName, dtype, shuffle)
	if cfg.NumWorkers > 1 {
		source = datasets.CustomParallel(source).
			Parallelism(cfg.NumWorkers).
			Buffer(2*cfg.NumWorkers).
			WithName(name, shortName).
			Start()
	}
	return &namedDataset{
		Dataset:   datasets.Batch(backend, source, cfg.BatchSize, true, cfg.DropLast),
		name:      name,
		shortName: shortName,
	}, nil
}

// namedDataset overrides the name of a wrapped dataset, so metrics are reported with the
// dataset names (e.g. "val") instead of the composed "[Batch]" names.
type namedDataset struct {
	train.Dataset
	name, shortName string
}

func (nd *namedDataset) Name() string      { return nd.name }
func (nd *namedDataset) ShortName() string { return nd.shortName }

// AssertImageSize checks that the processor resizes images, which is required to batch examples.
func AssertImageSize(proc *imageproc.Processor) error {
	if !proc.Config().DoResize {
		return stages.Errorf(stages.StageConfig, "create data loader",
			"image processor must resize images (do_resize) so examples can be batched")
	}
	return nil
}
