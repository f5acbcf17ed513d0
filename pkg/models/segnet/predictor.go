// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segnet

import (
	"context"
	"fmt"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/semseg/pkg/config"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/models"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/gomlx/semseg/pkg/support/fsutil"
	"k8s.io/klog/v2"
)

// Context parameters saved with the checkpoint by the training engine, so the Predictor can
// rebuild the preprocessing and the label names.
const (
	// ParamLabels holds the name of each class.
	ParamLabels = "segnet_labels"

	// ParamPreprocessor holds the JSON of the image processor configuration.
	ParamPreprocessor = "segnet_preprocessor"

	// ParamPrecision of the input pixels, in the format of the trainer "precision" configuration.
	ParamPrecision = "segnet_precision"
)

func init() {
	models.Register(config.RuntimeGoMLX, func(_ context.Context, cfg config.Model, _ config.Hub, logger klog.Logger) (models.Model, error) {
		return Open(cfg, logger)
	})
}

// Predictor runs a network trained with semseg_train, loaded from its checkpoint directory.
// It implements models.Model.
type Predictor struct {
	backend    backends.Backend
	ctx        *mlctx.Context
	exec       *mlctx.Exec
	dtype      dtypes.DType
	labels     []string
	processor  *imageproc.Processor
	ownBackend bool
}

var _ models.Model = (*Predictor)(nil)

// Open the checkpoint named by cfg.Checkpoint, using a backend configured from the environment
// (GOMLX_BACKEND) or the default one.
func Open(cfg config.Model, logger klog.Logger) (*Predictor, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, stages.New(stages.StageDevice, "create backend", err)
	}
	p, err := New(backend, cfg.Checkpoint, logger)
	if err != nil {
		backend.Finalize()
		return nil, err
	}
	p.ownBackend = true
	return p, nil
}

// New loads the checkpoint in checkpointDir and compiles the network on the given backend.
func New(backend backends.Backend, checkpointDir string, logger klog.Logger) (*Predictor, error) {
	dir, err := fsutil.ResolveDir(checkpointDir)
	if err != nil {
		return nil, stages.New(stages.StageCheckpoint, "load checkpoint", err).At(checkpointDir)
	}
	if isDir, _ := fsutil.IsDir(dir); !isDir {
		return nil, stages.Errorf(stages.StageCheckpoint, "load checkpoint", "checkpoint directory not found").At(dir)
	}
	p := &Predictor{backend: backend, ctx: mlctx.New()}

	// All hyperparameters are read from the checkpoint as well, so it builds the same network.
	// We don't need to keep the checkpoint handler around, since we are not going to use it to save.
	if _, err = checkpoints.Load(p.ctx).Dir(dir).Done(); err != nil {
		return nil, stages.New(stages.StageCheckpoint, "load checkpoint", err).At(dir)
	}
	p.ctx = p.ctx.Reuse() // It will be an error to create a new variable.

	p.labels = mlctx.GetParamOr(p.ctx, ParamLabels, []string(nil))
	numClasses := mlctx.GetParamOr(p.ctx, ParamNumClasses, 0)
	if numClasses <= 0 {
		return nil, stages.Errorf(stages.StageCheckpoint, "load checkpoint",
			"checkpoint has no parameter %q, was it created by semseg_train?", ParamNumClasses).At(dir)
	}
	if len(p.labels) != numClasses {
		p.labels = make([]string, numClasses)
		for ii := range p.labels {
			p.labels[ii] = fmt.Sprintf("class_%d", ii)
		}
	}
	p.processor, err = processorFromParams(p.ctx)
	if err != nil {
		return nil, stages.New(stages.StageCheckpoint, "load checkpoint", err).At(dir)
	}
	p.dtype, err = config.PrecisionDType(mlctx.GetParamOr(p.ctx, ParamPrecision, "32"))
	if err != nil {
		return nil, stages.New(stages.StageCheckpoint, "load checkpoint", err).At(dir)
	}

	p.exec, err = mlctx.NewExec(backend, p.ctx, func(ctx *mlctx.Context, images *Node) *Node {
		logits := ModelGraph(ctx, nil, []*Node{images})[0]
		// [batch, height, width, classes] -> [batch, classes, height, width]
		return ConvertDType(TransposeAllDims(logits, 0, 3, 1, 2), dtypes.Float32)
	})
	if err != nil {
		return nil, stages.New(stages.StageModelLoad, "compile model", err).At(dir)
	}
	logger.V(1).Info("GoMLX model loaded", "checkpoint", dir, "model", Describe(p.ctx), "backend", backend.Name())
	return p, nil
}

func processorFromParams(ctx *mlctx.Context) (*imageproc.Processor, error) {
	cfgJSON := mlctx.GetParamOr(ctx, ParamPreprocessor, "")
	if cfgJSON == "" {
		return imageproc.New(imageproc.DefaultConfig())
	}
	cfg, err := imageproc.ParseConfig([]byte(cfgJSON))
	if err != nil {
		return nil, err
	}
	return imageproc.New(cfg)
}

// NumLabels implements models.Model.
func (p *Predictor) NumLabels() int { return len(p.labels) }

// Labels implements models.Model.
func (p *Predictor) Labels() []string { return p.labels }

// Processor implements models.Model.
func (p *Predictor) Processor() *imageproc.Processor { return p.processor }

// Forward implements models.Model.
func (p *Predictor) Forward(ctx context.Context, pixels *imageproc.Pixels) (*models.Logits, error) {
	if err := ctx.Err(); err != nil {
		return nil, stages.New(stages.StageInference, "forward", err)
	}
	input, err := imageproc.BatchToTensor(p.dtype, []*imageproc.Pixels{pixels}, true)
	if err != nil {
		return nil, stages.New(stages.StagePreprocessing, "convert pixels", err)
	}
	defer input.FinalizeAll()
	var output *tensors.Tensor
	err = stages.Recover(stages.StageInference, "forward", func() error {
		var err error
		output, err = p.exec.Exec1(input)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer output.FinalizeAll()
	dims := output.Shape().Dimensions // [1, classes, height, width]
	logits := models.NewLogits(dims[1], dims[2], dims[3])
	err = stages.Recover(stages.StageInference, "read logits", func() error {
		tensors.ConstFlatData[float32](output, func(flat []float32) {
			copy(logits.Data, flat)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logits, nil
}

// Close implements models.Model.
func (p *Predictor) Close() error {
	if p.exec != nil {
		p.exec.Finalize()
		p.exec = nil
	}
	if p.ownBackend {
		p.backend.Finalize()
	}
	return nil
}
