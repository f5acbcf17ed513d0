// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package modelstest provides a deterministic models.Model for tests of the packages that consume models.
package modelstest

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/models"
	"github.com/gomlx/semseg/pkg/stages"
)

// Fake is a models.Model whose predicted label at output pixel (x, y) is given by LabelFn.
type Fake struct {
	NumClasses int

	// Stride is the ratio between the input and output sizes. Defaults to 1.
	Stride int

	// LabelFn returns the predicted label for an output pixel. Defaults to (x+y) % NumClasses.
	LabelFn func(x, y int) int

	// Err, if set, is returned by every Forward call.
	Err error

	Proc *imageproc.Processor

	calls  atomic.Int32
	closed atomic.Bool
}

var _ models.Model = (*Fake)(nil)

// New returns a Fake with numClasses classes and a processor that resizes to size x size.
func New(numClasses, size int) *Fake {
	cfg := imageproc.DefaultConfig()
	cfg.Size = imageproc.Size{Height: size, Width: size}
	proc, err := imageproc.New(cfg)
	if err != nil {
		panic(err)
	}
	return &Fake{NumClasses: numClasses, Stride: 1, Proc: proc}
}

// Forward implements models.Model.
func (f *Fake) Forward(ctx context.Context, pixels *imageproc.Pixels) (*models.Logits, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, stages.New(stages.StageInference, "forward", err)
	}
	if f.Err != nil {
		return nil, f.Err
	}
	stride := max(f.Stride, 1)
	height, width := (pixels.Height+stride-1)/stride, (pixels.Width+stride-1)/stride
	logits := models.NewLogits(f.NumClasses, height, width)
	for y := range height {
		for x := range width {
			label := (x + y) % f.NumClasses
			if f.LabelFn != nil {
				label = f.LabelFn(x, y)
			}
			logits.Data[(label*height+y)*width+x] = 1
		}
	}
	return logits, nil
}

// NumLabels implements models.Model.
func (f *Fake) NumLabels() int { return f.NumClasses }

// Labels implements models.Model.
func (f *Fake) Labels() []string {
	labels := make([]string, f.NumClasses)
	for ii := range labels {
		labels[ii] = fmt.Sprintf("label_%d", ii)
	}
	return labels
}

// Processor implements models.Model.
func (f *Fake) Processor() *imageproc.Processor { return f.Proc }

// Close implements models.Model.
func (f *Fake) Close() error {
	f.closed.Store(true)
	return nil
}

// Calls returns the number of calls to Forward so far.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

// Closed returns whether Close was called.
func (f *Fake) Closed() bool { return f.closed.Load() }
