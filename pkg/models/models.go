// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models defines the interface of a semantic segmentation model and a registry of the
// runtimes able to execute one.
//
// Runtimes register themselves when their package is imported, the same way GoMLX backends do:
//
//	import _ "github.com/gomlx/semseg/pkg/models/onnx"   // Pretrained models exported to ONNX.
//	import _ "github.com/gomlx/semseg/pkg/models/segnet" // Models trained with semseg_train.
//
// Or import both with:
//
//	import _ "github.com/gomlx/semseg/pkg/models/default"
package models

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/semseg/pkg/config"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/masks"
	"github.com/gomlx/semseg/pkg/stages"
	"k8s.io/klog/v2"
)

// Model is a semantic segmentation model.
//
// Implementations must be safe for concurrent calls to Forward.
type Model interface {
	// Forward runs the model on one preprocessed image and returns the per-class logits.
	Forward(ctx context.Context, pixels *imageproc.Pixels) (*Logits, error)

	// NumLabels returns the number of classes predicted by the model.
	NumLabels() int

	// Labels returns the name of each class, indexed by label.
	Labels() []string

	// Processor returns the image processor matching the model inputs.
	Processor() *imageproc.Processor

	// Close frees the resources held by the model.
	Close() error
}

// Logits are the scores of each class, for each pixel, as returned by a forward pass.
type Logits struct {
	NumClasses, Height, Width int

	// Data is laid out as [NumClasses, Height, Width].
	Data []float32
}

// NewLogits returns zero-initialized logits.
func NewLogits(numClasses, height, width int) *Logits {
	return &Logits{NumClasses: numClasses, Height: height, Width: width, Data: make([]float32, numClasses*height*width)}
}

// At returns the score of class c at pixel (x, y).
func (l *Logits) At(c, x, y int) float32 {
	return l.Data[(c*l.Height+y)*l.Width+x]
}

// ArgMax returns the label with the highest score for each pixel. Ties are resolved to the lowest label.
func (l *Logits) ArgMax() masks.LabelMap {
	out := masks.New(l.Width, l.Height)
	plane := l.Height * l.Width
	for pos := range plane {
		best := l.Data[pos]
		var bestLabel int32
		for c := 1; c < l.NumClasses; c++ {
			if v := l.Data[c*plane+pos]; v > best {
				best, bestLabel = v, int32(c)
			}
		}
		out.Labels[pos] = bestLabel
	}
	return out
}

// Constructor of a Model, given the configuration of the model variant.
type Constructor func(ctx context.Context, cfg config.Model, hub config.Hub, logger klog.Logger) (Model, error)

var (
	registryMu   sync.Mutex
	constructors = make(map[string]Constructor)
)

// Register a runtime with the given name.
func Register(runtime string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	constructors[runtime] = constructor
}

// Runtimes returns the names of the registered runtimes, sorted.
func Runtimes() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	return slices.Sorted(maps.Keys(constructors))
}

// Open creates the model described by cfg with the runtime it names, config.RuntimeONNX if empty.
func Open(ctx context.Context, cfg config.Model, hub config.Hub, logger klog.Logger) (Model, error) {
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = config.RuntimeONNX
	}
	registryMu.Lock()
	constructor, found := constructors[runtime]
	registryMu.Unlock()
	if !found {
		return nil, stages.Errorf(stages.StageDependency, "open model",
			"runtime %q not available, registered runtimes are %q: maybe import _ \"github.com/gomlx/semseg/pkg/models/default\"?",
			runtime, Runtimes())
	}
	m, err := constructor(ctx, cfg, hub, logger)
	if err != nil {
		if _, ok := stages.As(err); ok {
			return nil, err
		}
		return nil, stages.New(stages.StageModelLoad, "open model", err).At(cfg.HuggingFaceName)
	}
	return m, nil
}
