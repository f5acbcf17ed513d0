// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine trains the segmentation network on a dataset of images and masks.
//
// Engine.Run goes through a fixed sequence of phases: build configs, build datasets, build model,
// build trainer and fit. A failure in any of them is reported as a training error naming the phase,
// wrapping the underlying cause (itself usually a stage error, e.g. a data-load or checkpoint error).
//
// The fit loop itself is GoMLX's train.Loop: the Engine only configures it (loss, metrics,
// optimizer, checkpoints, logging) and runs it one epoch at a time, evaluating on the validation
// dataset after each epoch.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/semseg/pkg/config"
	"github.com/gomlx/semseg/pkg/dataset"
	"github.com/gomlx/semseg/pkg/evaluation"
	"github.com/gomlx/semseg/pkg/hub"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/masks"
	"github.com/gomlx/semseg/pkg/models/segnet"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/gomlx/semseg/pkg/support/fsutil"
	"github.com/gomlx/semseg/pkg/transforms"
	"github.com/gomlx/semseg/ui/commandline"
	"github.com/gomlx/semseg/ui/plots"
	"k8s.io/klog/v2"
)

// Names of the phases of Engine.Run, used as the operation of the errors they return.
const (
	PhaseConfig   = "build configs"
	PhaseDatasets = "build datasets"
	PhaseModel    = "build model"
	PhaseTrainer  = "build trainer"
	PhaseFit      = "fit"
)

// Files written in the run directory.
const (
	HistoryCSVFile = "history.csv"
	IoUReportFile  = "iou_report.csv"
)

// Engine trains the segmentation network configured by a config.Train.
// An Engine runs only once: create a new one for each run.
type Engine struct {
	cfg    config.Train
	logger klog.Logger
	out    io.Writer

	backend    backends.Backend
	ownBackend bool

	variant   string
	labels    []string
	processor *imageproc.Processor
	dtype     dtypes.DType
	ctx       *mlctx.Context
	paramsSet []string
	runDir    string

	trainSet, valSet *dataset.Dataset
	trainDS, valDS   train.Dataset
	stepsPerEpoch    int

	trainer    *train.Trainer
	loop       *train.Loop
	checkpoint *checkpoints.Handler
	history    *plots.History
	evaluation *evaluation.ConfusionMatrix
	epoch      int
}

// New creates an Engine for the given configuration. Nothing is done until Run is called.
func New(cfg config.Train, logger klog.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger, out: os.Stdout}
}

// WithBackend sets the backend used for training. By default, one is created from
// the "trainer.backend" configuration, and finalized at the end of Run.
func (e *Engine) WithBackend(backend backends.Backend) *Engine {
	e.backend = backend
	return e
}

// WithOutput sets where the evaluation reports are printed. Default is os.Stdout.
func (e *Engine) WithOutput(w io.Writer) *Engine {
	e.out = w
	return e
}

// RunDir returns the directory where checkpoints, metrics history and reports are written.
// It is only known after the "build configs" phase.
func (e *Engine) RunDir() string { return e.runDir }

// Labels returns the names of the classes.
func (e *Engine) Labels() []string { return e.labels }

// History returns the metrics collected after each epoch, including the ones of previous runs when resuming.
func (e *Engine) History() *plots.History { return e.history }

// Evaluation returns the confusion matrix over the validation dataset at the end of training.
func (e *Engine) Evaluation() *evaluation.ConfusionMatrix { return e.evaluation }

// Run all the phases of training. It returns a stage error for the training stage, whose
// operation is the name of the phase that failed.
//
// Cancelling ctx stops the training at the next step.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer func() {
		if closeErr := e.close(); err == nil {
			err = closeErr
		}
	}()
	phases := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{PhaseConfig, e.buildConfigs},
		{PhaseDatasets, e.buildDatasets},
		{PhaseModel, e.buildModel},
		{PhaseTrainer, e.buildTrainer},
		{PhaseFit, e.fit},
	}
	for _, phase := range phases {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stages.New(stages.StageTraining, phase.name, ctxErr)
		}
		e.logger.V(1).Info("training phase", "phase", phase.name)
		err = stages.Recover(stages.StageTraining, phase.name, func() error { return phase.fn(ctx) })
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) close() error {
	var err error
	if e.history != nil {
		err = stages.Wrapf(stages.StageTraining, e.history.Close(), "save metrics history")
	}
	if e.ownBackend && e.backend != nil {
		e.backend.Finalize()
		e.backend = nil
	}
	return err
}

// buildConfigs reads the pretrained model configuration (labels, encoder sizes and image processor)
// and sets the hyperparameters of the network in a new GoMLX context.
func (e *Engine) buildConfigs(ctx context.Context) error {
	variant, modelCfg, err := e.cfg.Models.Selected()
	if err != nil {
		return stages.New(stages.StageConfig, "select model variant", err)
	}
	e.variant = variant
	e.dtype, err = config.PrecisionDType(e.cfg.Trainer.Precision)
	if err != nil {
		return stages.New(stages.StageConfig, "parse precision", err)
	}

	numClasses := e.cfg.Dataset.NumClasses
	hiddenSizes := modelCfg.HiddenSizes
	procCfg := imageproc.DefaultConfig()
	if modelCfg.HuggingFaceName != "" {
		pretrained, err := hub.Resolve(ctx, modelCfg.HuggingFaceName, hub.Options{
			CacheDir:  e.cfg.Hub.CacheDir,
			AuthToken: e.cfg.Hub.AuthToken,
			Revision:  e.cfg.Hub.Revision,
			Endpoint:  e.cfg.Hub.Endpoint,
			Files:     []string{hub.ConfigFile, imageproc.ConfigFile},
			Logger:    e.logger,
		})
		if err != nil {
			return err
		}
		pretrainedCfg, err := pretrained.Config()
		if err != nil {
			return err
		}
		if len(pretrainedCfg.HiddenSizes) > 0 {
			hiddenSizes = pretrainedCfg.HiddenSizes
		}
		if pretrainedCfg.NumLabels() == numClasses {
			e.labels = pretrainedCfg.Labels()
		}
		procCfg, err = imageproc.LoadConfig(pretrained.Path(imageproc.ConfigFile))
		if err != nil {
			return err
		}
	}
	if e.labels == nil {
		e.labels = make([]string, numClasses)
		for ii := range e.labels {
			e.labels[ii] = fmt.Sprintf("class_%d", ii)
		}
	}
	e.processor, err = imageproc.New(procCfg)
	if err != nil {
		return stages.New(stages.StageConfig, "create image processor", err)
	}
	if err = dataset.AssertImageSize(e.processor); err != nil {
		return err
	}
	procJSON, err := json.Marshal(procCfg)
	if err != nil {
		return stages.New(stages.StageConfig, "serialize image processor configuration", err)
	}

	// Hyperparameters are saved with the checkpoints: the predictor rebuilds the same network
	// and preprocessing from them.
	e.ctx = mlctx.New()
	segnet.SetDefaultParams(e.ctx, numClasses, hiddenSizes)
	e.ctx.SetParams(map[string]any{
		segnet.ParamLabels:       e.labels,
		segnet.ParamPreprocessor: string(procJSON),
		segnet.ParamPrecision:    e.cfg.Trainer.Precision,
	})
	e.paramsSet, err = commandline.ParseContextSettings(e.ctx, e.cfg.Trainer.Hyperparameters)
	if err != nil {
		return stages.New(stages.StageConfig, "parse trainer.hyperparameters", err)
	}

	checkpointDir, err := fsutil.ResolveDir(e.cfg.Paths.CheckpointDir)
	if err != nil {
		return stages.New(stages.StageConfig, "resolve checkpoint directory", err).At(e.cfg.Paths.CheckpointDir)
	}
	e.runDir = filepath.Join(checkpointDir, variant)
	if err = fsutil.EnsureDir(e.runDir); err != nil {
		return stages.New(stages.StageCheckpoint, "create run directory", err).At(e.runDir)
	}
	size := e.processor.Config().Size
	e.logger.Info("configuration", "variant", variant, "model", modelCfg.HuggingFaceName,
		"num_classes", numClasses, "hidden_sizes", hiddenSizes, "image_size", fmt.Sprintf("%dx%d", size.Width, size.Height),
		"precision", e.dtype, "run_dir", e.runDir)
	if len(e.paramsSet) > 0 {
		e.logger.Info("hyperparameters set", "values", "\n"+commandline.SprintModifiedContextSettings(e.ctx, e.paramsSet))
	}
	return nil
}

// buildDatasets lists the train and validation datasets, sharing one transform, and creates their loaders.
func (e *Engine) buildDatasets(_ context.Context) error {
	transform := transforms.New(e.processor, int32(e.cfg.Dataset.IgnoreIndex))
	root, err := fsutil.ResolveDir(e.cfg.Paths.DatasetRoot)
	if err != nil {
		return stages.New(stages.StageConfig, "resolve dataset root", err).At(e.cfg.Paths.DatasetRoot)
	}
	paths := e.cfg.Paths
	stemCheck := dataset.WithStemCheck(e.cfg.Dataset.CheckStems)
	e.trainSet, err = dataset.New(root, paths.TrainImages, paths.TrainMasks, transform, stemCheck)
	if err != nil {
		return err
	}
	e.valSet, err = dataset.New(root, paths.ValImages, paths.ValMasks, transform, stemCheck)
	if err != nil {
		return err
	}

	if err = e.ensureBackend(); err != nil {
		return err
	}
	trainCfg, valCfg := e.cfg.DataLoader.Train, e.cfg.DataLoader.Val
	e.trainDS, err = dataset.NewLoader(e.backend, e.trainSet, "train", "train", loaderConfig(trainCfg), e.dtype)
	if err != nil {
		return err
	}
	e.valDS, err = dataset.NewLoader(e.backend, e.valSet, "val", "val", loaderConfig(valCfg), e.dtype)
	if err != nil {
		return err
	}
	e.stepsPerEpoch = e.trainSet.Len() / trainCfg.BatchSize
	if !trainCfg.DropLast && e.trainSet.Len()%trainCfg.BatchSize != 0 {
		e.stepsPerEpoch++
	}
	if e.stepsPerEpoch == 0 {
		return stages.Errorf(stages.StageDataLoad, "create data loader",
			"%d training examples are fewer than one batch of %d, with drop_last set", e.trainSet.Len(), trainCfg.BatchSize).
			At(e.trainSet.Root())
	}
	e.logger.Info("datasets", "train_examples", e.trainSet.Len(), "val_examples", e.valSet.Len(),
		"steps_per_epoch", e.stepsPerEpoch)
	return nil
}

func loaderConfig(cfg config.DataLoader) dataset.LoaderConfig {
	return dataset.LoaderConfig{
		BatchSize:  cfg.BatchSize,
		Shuffle:    cfg.Shuffle,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
		DropLast:   cfg.DropLast,
	}
}

func (e *Engine) ensureBackend() error {
	if e.backend != nil {
		return nil
	}
	var err error
	if e.cfg.Trainer.Backend != "" {
		e.backend, err = backends.NewWithConfig(e.cfg.Trainer.Backend)
	} else {
		e.backend, err = backends.New()
	}
	if err != nil {
		return stages.New(stages.StageDevice, "create backend", err)
	}
	e.ownBackend = true
	e.logger.Info("backend", "name", e.backend.Name())
	return nil
}

// buildModel attaches the checkpoint handler to the context: when resuming, the variables of the
// network are loaded from the latest checkpoint as they are created.
func (e *Engine) buildModel(_ context.Context) error {
	if e.cfg.Trainer.EnableCheckpointing {
		if !e.cfg.Trainer.Resume {
			found, err := hasCheckpoints(e.runDir)
			if err != nil {
				return stages.New(stages.StageCheckpoint, "list checkpoints", err).At(e.runDir)
			}
			if found {
				return stages.Errorf(stages.StageCheckpoint, "create checkpoint handler",
					"directory already has checkpoints: enable trainer.resume or remove them").At(e.runDir)
			}
		}
		keep := e.cfg.Trainer.KeepCheckpoints
		if keep <= 0 {
			keep = -1 // Keep all.
		}
		var err error
		e.checkpoint, err = checkpoints.Build(e.ctx).
			Dir(e.runDir).
			Keep(keep).
			ExcludeParams(e.paramsSet...).
			Done()
		if err != nil {
			return stages.New(stages.StageCheckpoint, "load checkpoint", err).At(e.runDir)
		}
	}
	if e.cfg.Trainer.EnableModelSummary {
		e.logger.Info("model", "network", segnet.Describe(e.ctx), "labels", len(e.labels))
	}
	return nil
}

// hasCheckpoints returns whether dir holds checkpoints saved by GoMLX.
func hasCheckpoints(dir string) (bool, error) {
	files, err := fsutil.ListFiles(dir, func(name string) bool {
		return strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".json")
	})
	return len(files) > 0, err
}

// buildTrainer creates the optimizer, the trainer and the training loop with its hooks.
func (e *Engine) buildTrainer(ctx context.Context) error {
	opt := e.cfg.LitWrapper.SegFormer
	if len(opt.Betas) != 2 {
		return stages.Errorf(stages.StageConfig, "create optimizer", "betas must have 2 values, got %v", opt.Betas)
	}
	optimizer := optimizers.Adam().
		LearningRate(opt.LearningRate).
		Betas(opt.Betas[0], opt.Betas[1]).
		WeightDecay(opt.WeightDecay).
		Done()
	e.trainer = train.NewTrainer(e.backend, e.ctx, segnet.ModelGraph, MaskedCrossEntropy, optimizer,
		NewTrainMetrics(), NewEvalMetrics())
	e.loop = train.NewLoop(e.trainer)

	e.loop.OnStep("semseg.cancel", -1, func(_ *train.Loop, _ []*tensors.Tensor) error {
		return ctx.Err()
	})
	if n := e.cfg.Trainer.LogEveryNSteps; n > 0 {
		train.EveryNSteps(e.loop, n, "semseg.log", 0, e.logStep)
	}
	if e.cfg.Trainer.EnableModelSummary {
		var logged bool
		e.loop.OnStep("semseg.summary", 0, func(_ *train.Loop, _ []*tensors.Tensor) error {
			if !logged {
				logged = true
				e.logVariables()
			}
			return nil
		})
	}
	if e.cfg.Trainer.EnableProgressBar {
		commandline.AttachProgressBar(e.loop, func() (name, value string) {
			return "Epoch", fmt.Sprintf("%d of %d", e.epoch+1, e.cfg.Trainer.MaxEpochs)
		})
	}

	historyDir := ""
	if e.cfg.Trainer.EnableCheckpointing {
		historyDir = e.runDir // Saved along the checkpoints, so it continues when resuming.
	}
	var err error
	e.history, err = plots.NewHistory(historyDir)
	if err != nil {
		return stages.New(stages.StageCheckpoint, "load metrics history", err).At(historyDir)
	}
	return nil
}

func (e *Engine) logStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	keysAndValues := []any{"epoch", e.epoch + 1, "step", loop.LoopStep}
	for ii, metric := range loop.Trainer.TrainMetrics() {
		if metric.Name() == "Batch Loss" {
			continue
		}
		keysAndValues = append(keysAndValues, plots.ShortName("train", metric.ShortName()), metric.PrettyPrint(metrics[ii]))
	}
	e.logger.Info("train", keysAndValues...)
	return nil
}

func (e *Engine) logVariables() {
	var numVariables, numValues int
	for v := range e.ctx.IterVariables() {
		numVariables++
		numValues += v.Shape().Size()
	}
	e.logger.Info("model variables", "count", numVariables, "values", humanize.Comma(int64(numValues)))
}

// fit runs the remaining epochs, evaluating and saving a checkpoint after each one, and then
// reports the evaluation on the validation dataset.
func (e *Engine) fit(ctx context.Context) error {
	maxEpochs := e.cfg.Trainer.MaxEpochs
	globalStep := int(optimizers.GetGlobalStep(e.ctx))
	if globalStep > 0 {
		e.trainer.SetContext(e.ctx.Reuse())
	}
	startEpoch := globalStep / e.stepsPerEpoch
	if globalStep > 0 {
		e.logger.Info("resuming training", "global_step", globalStep, "epoch", startEpoch+1, "max_epochs", maxEpochs)
	}
	if startEpoch >= maxEpochs {
		e.logger.Info("trainer.max_epochs already reached, to train further increase it", "max_epochs", maxEpochs)
	}

	for e.epoch = startEpoch; e.epoch < maxEpochs; e.epoch++ {
		trainMetrics, err := e.loop.RunEpochs(e.trainDS, 1)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		evalMetrics, err := plots.AddTrainAndEvalMetrics(e.history, e.loop, trainMetrics, []train.Dataset{e.valDS}, nil)
		if err != nil {
			return err
		}
		keysAndValues := []any{"epoch", e.epoch + 1, "step", e.loop.LoopStep}
		for ii, metric := range e.trainer.EvalMetrics() {
			keysAndValues = append(keysAndValues, plots.ShortName("val", metric.ShortName()), metric.PrettyPrint(evalMetrics[0][ii]))
		}
		e.logger.Info("epoch finished", keysAndValues...)
		if err = e.saveCheckpoint(); err != nil {
			return err
		}
	}

	if batchnorm.UpdateAverages(e.trainer, e.trainDS) {
		e.logger.Info("updated batch normalization mean/variances averages")
		if err := e.saveCheckpoint(); err != nil {
			return err
		}
	}
	return e.report(ctx)
}

func (e *Engine) saveCheckpoint() error {
	if e.checkpoint == nil {
		return nil
	}
	if err := e.checkpoint.Save(); err != nil {
		return stages.New(stages.StageCheckpoint, "save checkpoint", err).At(e.checkpoint.Dir())
	}
	return nil
}

// report prints the evaluation metrics and the per-class IoU on the validation dataset, and writes
// the per-class report and the metrics history in the run directory.
func (e *Engine) report(ctx context.Context) error {
	if _, err := commandline.ReportEval(e.out, e.trainer, e.valDS); err != nil {
		return err
	}
	cm, err := e.evaluate(ctx)
	if err != nil {
		return err
	}
	e.evaluation = cm
	df := cm.Report(e.labels)
	if df.Err != nil {
		return stages.New(stages.StagePostprocessing, "build IoU report", df.Err)
	}
	records := df.Records()
	table := commandline.NewTable(records[0]...)
	for _, row := range records[1:] {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(e.out, table.String())
	_, _ = fmt.Fprintf(e.out, "Validation: pixel accuracy %.2f%%, mIoU %.2f%%\n", 100*cm.PixelAccuracy(), 100*cm.MeanIoU())

	reportPath := filepath.Join(e.runDir, IoUReportFile)
	if err = writeFile(reportPath, func(w io.Writer) error { return cm.WriteCSV(w, e.labels) }); err != nil {
		return stages.New(stages.StagePostprocessing, "write IoU report", err).At(reportPath)
	}
	e.logger.Info("validation", "pixel_accuracy", cm.PixelAccuracy(), "miou", cm.MeanIoU(), "report", reportPath)

	if !e.cfg.Trainer.PlotHistory {
		return nil
	}
	historyPath := filepath.Join(e.runDir, HistoryCSVFile)
	if err = e.history.WriteCSV(historyPath); err != nil {
		return stages.New(stages.StagePostprocessing, "write metrics history", err).At(historyPath)
	}
	plotFiles, err := e.history.SavePNGs(e.runDir)
	if err != nil {
		return stages.New(stages.StagePostprocessing, "plot metrics history", err).At(e.runDir)
	}
	e.logger.Info("metrics history", "csv", historyPath, "plots", plotFiles)
	return nil
}

func writeFile(filePath string, fn func(w io.Writer) error) error {
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	if err = fn(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// evaluate predicts every validation example at the resolution of its labels and accumulates the
// confusion matrix.
func (e *Engine) evaluate(ctx context.Context) (*evaluation.ConfusionMatrix, error) {
	exec, err := mlctx.NewExec(e.backend, e.ctx.Reuse(), func(ctx *mlctx.Context, images *Node) *Node {
		logits := segnet.ModelGraph(ctx, nil, []*Node{images})[0]
		dims := images.Shape().Dimensions
		return ArgMax(ResizeLogits(logits, dims[1], dims[2]), -1, dtypes.Int32)
	})
	if err != nil {
		return nil, stages.New(stages.StageInference, "compile evaluation", err)
	}
	defer exec.Finalize()

	cm := evaluation.NewConfusionMatrix(len(e.labels))
	for ii := range e.valSet.Len() {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		example, err := e.valSet.Get(ii)
		if err != nil {
			return nil, err
		}
		input, err := imageproc.BatchToTensor(e.dtype, []*imageproc.Pixels{example.Pixels}, true)
		if err != nil {
			return nil, stages.New(stages.StagePreprocessing, "convert pixels", err).WithIndex(ii)
		}
		var output *tensors.Tensor
		err = stages.Recover(stages.StageInference, "predict validation example", func() error {
			var err error
			output, err = exec.Exec1(input)
			return err
		})
		input.FinalizeAll()
		if err != nil {
			return nil, err
		}
		pred := masks.New(example.Labels.Width, example.Labels.Height)
		err = stages.Recover(stages.StageInference, "read predictions", func() error {
			tensors.ConstFlatData[int32](output, func(flat []int32) {
				copy(pred.Labels, flat)
			})
			return nil
		})
		output.FinalizeAll()
		if err != nil {
			return nil, stages.New(stages.StageInference, "read predictions", err).WithIndex(ii)
		}
		if err = cm.Add(example.Labels, pred); err != nil {
			return nil, err
		}
	}
	return cm, nil
}
