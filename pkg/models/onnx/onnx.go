// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnx runs pretrained segmentation models exported to ONNX, using ONNX Runtime.
//
// The model must take an input "pixel_values" shaped [1, 3, height, width] and return "logits" shaped
// [1, num_labels, ceil(height/4), ceil(width/4)], the layout of the SegFormer exports found in the
// HuggingFace hub.
//
// ONNX Runtime is loaded from the shared library given by the environment variable
// ONNXRUNTIME_SHARED_LIBRARY_PATH, or from the system default location if not set.
//
// Importing this package registers the runtime "onnx" in package models.
package onnx

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/gomlx/semseg/pkg/config"
	"github.com/gomlx/semseg/pkg/hub"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/models"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

const (
	// InputName of the model input tensor.
	InputName = "pixel_values"

	// OutputName of the model output tensor.
	OutputName = "logits"

	// OutputStride is the ratio between the input and the output spatial sizes.
	OutputStride = 4

	// SharedLibraryEnv is the environment variable with the path to the ONNX Runtime shared library.
	SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"
)

func init() {
	models.Register(config.RuntimeONNX, func(ctx context.Context, cfg config.Model, hubCfg config.Hub, logger klog.Logger) (models.Model, error) {
		return Open(ctx, cfg, hubCfg, logger)
	})
}

var (
	envMu       sync.Mutex
	envRefCount int
)

// acquireEnvironment initializes ONNX Runtime on first use. Each call must be paired with releaseEnvironment.
func acquireEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefCount == 0 {
		if libPath := os.Getenv(SharedLibraryEnv); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return stages.New(stages.StageDependency, "initialize ONNX Runtime",
				errors.Wrapf(err, "failed to initialize ONNX environment, set %s to the onnxruntime shared library", SharedLibraryEnv))
		}
	}
	envRefCount++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefCount--
	if envRefCount == 0 {
		_ = ort.DestroyEnvironment()
	}
}

// Runner executes an ONNX segmentation model. It implements models.Model.
//
// Sessions have fixed input shapes, so one session is created for each input size seen.
// With a processor that resizes images (the usual case) there is only one.
// Calls to Forward are serialized.
type Runner struct {
	modelPath string
	labels    []string
	processor *imageproc.Processor
	logger    klog.Logger

	mu       sync.Mutex
	sessions map[image.Point]*session
	closed   bool
}

var _ models.Model = (*Runner)(nil)

type session struct {
	s                   *ort.AdvancedSession
	input, output       *ort.Tensor[float32]
	outHeight, outWidth int
}

func (s *session) destroy() {
	if s.s != nil {
		_ = s.s.Destroy()
	}
	if s.input != nil {
		_ = s.input.Destroy()
	}
	if s.output != nil {
		_ = s.output.Destroy()
	}
}

// Open resolves the model (downloading it if needed) and creates a Runner for it.
func Open(ctx context.Context, cfg config.Model, hubCfg config.Hub, logger klog.Logger) (*Runner, error) {
	onnxFile := cfg.ONNXFile
	if onnxFile == "" {
		onnxFile = hub.DefaultONNXFile
	}
	m, err := hub.Resolve(ctx, cfg.HuggingFaceName, hub.Options{
		CacheDir:  hubCfg.CacheDir,
		AuthToken: hubCfg.AuthToken,
		Revision:  hubCfg.Revision,
		Endpoint:  hubCfg.Endpoint,
		Files:     []string{hub.ConfigFile, imageproc.ConfigFile, onnxFile},
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	modelCfg, err := m.Config()
	if err != nil {
		return nil, err
	}
	proc, err := imageproc.Load(m.Path(imageproc.ConfigFile))
	if err != nil {
		return nil, err
	}
	return New(m.Path(onnxFile), modelCfg.Labels(), proc, logger)
}

// New creates a Runner for the ONNX model in modelPath, predicting the given labels.
// Sessions are created lazily, on the first call to Forward with each input size.
func New(modelPath string, labels []string, proc *imageproc.Processor, logger klog.Logger) (*Runner, error) {
	if len(labels) == 0 {
		return nil, stages.Errorf(stages.StageConfig, "create ONNX runner", "model must have at least one label").At(modelPath)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, stages.New(stages.StageModelLoad, "create ONNX runner", err).At(modelPath)
	}
	if err := acquireEnvironment(); err != nil {
		return nil, err
	}
	logger.V(1).Info("ONNX model loaded", "path", modelPath, "num_labels", len(labels))
	return &Runner{
		modelPath: modelPath,
		labels:    labels,
		processor: proc,
		logger:    logger,
		sessions:  make(map[image.Point]*session),
	}, nil
}

// NumLabels implements models.Model.
func (r *Runner) NumLabels() int { return len(r.labels) }

// Labels implements models.Model.
func (r *Runner) Labels() []string { return r.labels }

// Processor implements models.Model.
func (r *Runner) Processor() *imageproc.Processor { return r.processor }

// sessionFor returns the session for the given input size, creating it if needed. r.mu must be held.
func (r *Runner) sessionFor(width, height int) (*session, error) {
	key := image.Pt(width, height)
	if s, found := r.sessions[key]; found {
		return s, nil
	}
	s := &session{
		outHeight: (height + OutputStride - 1) / OutputStride,
		outWidth:  (width + OutputStride - 1) / OutputStride,
	}
	var err error
	s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, imageproc.NumChannels, int64(height), int64(width)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(r.labels)), int64(s.outHeight), int64(s.outWidth)))
	if err != nil {
		s.destroy()
		return nil, errors.Wrap(err, "failed to create output tensor")
	}
	s.s, err = ort.NewAdvancedSession(r.modelPath,
		[]string{InputName}, []string{OutputName},
		[]ort.ArbitraryTensor{s.input}, []ort.ArbitraryTensor{s.output},
		nil)
	if err != nil {
		s.destroy()
		return nil, errors.Wrap(err, "failed to create ONNX session")
	}
	r.logger.V(1).Info("ONNX session created", "input", key, "output", image.Pt(s.outWidth, s.outHeight))
	r.sessions[key] = s
	return s, nil
}

// Forward implements models.Model.
func (r *Runner) Forward(ctx context.Context, pixels *imageproc.Pixels) (*models.Logits, error) {
	if err := ctx.Err(); err != nil {
		return nil, stages.New(stages.StageInference, "forward", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, stages.Errorf(stages.StageInference, "forward", "ONNX runner already closed").At(r.modelPath)
	}
	s, err := r.sessionFor(pixels.Width, pixels.Height)
	if err != nil {
		return nil, stages.New(stages.StageModelLoad, "create ONNX session", err).At(r.modelPath)
	}
	copy(s.input.GetData(), pixels.Data)
	if err = s.s.Run(); err != nil {
		return nil, stages.New(stages.StageInference, "forward", errors.Wrap(err, "inference failed"))
	}
	logits := models.NewLogits(len(r.labels), s.outHeight, s.outWidth)
	copy(logits.Data, s.output.GetData())
	return logits, nil
}

// Close implements models.Model. It destroys the sessions and releases ONNX Runtime.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	for _, s := range r.sessions {
		s.destroy()
	}
	r.sessions = nil
	r.closed = true
	releaseEnvironment()
	return nil
}
