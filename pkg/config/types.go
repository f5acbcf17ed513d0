// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"maps"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Runtimes supported to execute a segmentation model.
const (
	RuntimeONNX  = "onnx"
	RuntimeGoMLX = "gomlx"
)

// Model describes one variant of a pretrained segmentation model.
type Model struct {
	// HuggingFaceName is the hub identifier of the model, or a local directory.
	HuggingFaceName string `yaml:"huggingface_name"`

	// Runtime used to execute the model: "onnx" (default) or "gomlx".
	Runtime string `yaml:"runtime"`

	// ONNXFile is the path of the ONNX model within the model directory.
	ONNXFile string `yaml:"onnx_file"`

	// Checkpoint directory of a model trained with semseg_train, used with the "gomlx" runtime.
	Checkpoint string `yaml:"checkpoint,omitempty"`

	// HiddenSizes of the encoder blocks, used to size the trainable network when the pretrained
	// configuration can't be read.
	HiddenSizes []int `yaml:"hidden_sizes,omitempty"`

	// Descriptive fields, listed by the HTTP server.
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Speed       string `yaml:"speed,omitempty"`
	Accuracy    string `yaml:"accuracy,omitempty"`
}

// SegFormer lists the model variants and which one is selected.
type SegFormer struct {
	Selected string           `yaml:"selected"`
	Variant  map[string]Model `yaml:"variant"`
}

// Models section of the configuration.
type Models struct {
	SegFormer SegFormer `yaml:"segformer"`
}

// Selected returns the name and configuration of the selected variant.
func (m Models) Selected() (string, Model, error) {
	return m.Get(m.SegFormer.Selected)
}

// Get returns the configuration of the named variant.
func (m Models) Get(name string) (string, Model, error) {
	variant, found := m.SegFormer.Variant[name]
	if !found {
		names := slices.Sorted(maps.Keys(m.SegFormer.Variant))
		return name, Model{}, errors.Errorf("model variant %q not configured, valid values are %q", name, names)
	}
	return name, variant, nil
}

// Hub configures where pretrained models are downloaded from and cached.
type Hub struct {
	CacheDir  string `yaml:"cache_dir"`
	AuthToken string `yaml:"auth_token,omitempty"`
	Revision  string `yaml:"revision"`
	Endpoint  string `yaml:"endpoint"`
}

// SegFormerOptimizer holds the hyperparameters of the optimizer.
type SegFormerOptimizer struct {
	LearningRate float64   `yaml:"learning_rate"`
	WeightDecay  float64   `yaml:"weight_decay"`
	Betas        []float64 `yaml:"betas"`
}

// LitWrapper section, holding the training hyperparameters of each model family.
type LitWrapper struct {
	SegFormer SegFormerOptimizer `yaml:"segformer"`
}

// Dataset section.
type Dataset struct {
	NumClasses  int  `yaml:"num_classes"`
	IgnoreIndex int  `yaml:"ignore_index"`
	CheckStems  bool `yaml:"check_stems"`
}

// Paths section. Relative paths are relative to the working directory.
type Paths struct {
	DatasetRoot      string `yaml:"dataset_root"`
	TrainImages      string `yaml:"train_images"`
	TrainMasks       string `yaml:"train_masks"`
	ValImages        string `yaml:"val_images"`
	ValMasks         string `yaml:"val_masks"`
	InferenceInputs  string `yaml:"inference_inputs"`
	InferenceResults string `yaml:"inference_results"`
	CheckpointDir    string `yaml:"checkpoint_dir"`
}

// DataLoader configures the reading of one split of the dataset.
type DataLoader struct {
	BatchSize  int   `yaml:"batch_size"`
	Shuffle    bool  `yaml:"shuffle"`
	NumWorkers int   `yaml:"num_workers"`
	DropLast   bool  `yaml:"drop_last"`
	Seed       int64 `yaml:"seed"`
}

// DataLoaders for the train and validation splits.
type DataLoaders struct {
	Train DataLoader `yaml:"train"`
	Val   DataLoader `yaml:"val"`
}

// Trainer section.
type Trainer struct {
	MaxEpochs           int    `yaml:"max_epochs"`
	Precision           string `yaml:"precision"`
	LogEveryNSteps      int    `yaml:"log_every_n_steps"`
	EnableCheckpointing bool   `yaml:"enable_checkpointing"`
	EnableProgressBar   bool   `yaml:"enable_progress_bar"`
	EnableModelSummary  bool   `yaml:"enable_model_summary"`
	KeepCheckpoints     int    `yaml:"keep_checkpoints"`

	// Resume from the latest checkpoint in the checkpoint directory, if there is one.
	Resume bool `yaml:"resume"`

	// PlotHistory writes the metrics history as a PNG plot and a CSV file in the checkpoint directory.
	PlotHistory bool `yaml:"plot_history"`

	// Backend configuration passed to GoMLX, e.g. "xla:cpu". Empty uses GoMLX default.
	Backend string `yaml:"backend"`

	// Hyperparameters of the network, as a list of "param=value" separated by ";",
	// e.g. "segnet_dropout_rate=0.2;segnet_normalization=layer".
	Hyperparameters string `yaml:"hyperparameters,omitempty"`
}

// Train is the configuration of semseg_train.
type Train struct {
	Models     Models      `yaml:"models"`
	LitWrapper LitWrapper  `yaml:"lit_wrapper"`
	Dataset    Dataset     `yaml:"dataset"`
	Paths      Paths       `yaml:"paths"`
	DataLoader DataLoaders `yaml:"dataloader"`
	Trainer    Trainer     `yaml:"trainer"`
	Hub        Hub         `yaml:"hub"`
}

// Inference section.
type Inference struct {
	// Parallelism is the number of images processed concurrently. Values <= 1 process images sequentially.
	Parallelism int `yaml:"parallelism"`

	// ContinueOnError records failures of individual images and carries on with the next ones,
	// instead of aborting the run at the first failure.
	ContinueOnError bool `yaml:"continue_on_error"`

	// Backend configuration passed to GoMLX, for the "gomlx" runtime.
	Backend string `yaml:"backend"`
}

// Infer is the configuration of semseg_infer.
type Infer struct {
	Models    Models    `yaml:"models"`
	Paths     Paths     `yaml:"paths"`
	Hub       Hub       `yaml:"hub"`
	Inference Inference `yaml:"inference"`
}

// Server section.
type Server struct {
	Address        string   `yaml:"address"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	OverlayOpacity float64  `yaml:"overlay_opacity"`

	// Models served, by variant name. The first one is the default.
	Models []string `yaml:"models"`
}

// Serve is the configuration of semseg_serve.
type Serve struct {
	Models    Models    `yaml:"models"`
	Hub       Hub       `yaml:"hub"`
	Server    Server    `yaml:"server"`
	Inference Inference `yaml:"inference"`
}

func defaultModels() Models {
	return Models{SegFormer: SegFormer{
		Selected: "b0",
		Variant: map[string]Model{
			"b0": {
				HuggingFaceName: "Xenova/segformer-b0-finetuned-ade-512-512",
				Runtime:         RuntimeONNX,
				ONNXFile:        "onnx/model.onnx",
				HiddenSizes:     []int{32, 64, 160, 256},
				Name:            "Fast",
				Description:     "SegFormer-B0, the lightest variant, for quick results.",
				Speed:           "fast",
				Accuracy:        "good",
			},
		},
	}}
}

func defaultHub() Hub {
	return Hub{CacheDir: "~/.cache/semseg", Revision: "main", Endpoint: "https://huggingface.co"}
}

// DefaultTrain returns the default training configuration.
func DefaultTrain() *Train {
	return &Train{
		Models: defaultModels(),
		LitWrapper: LitWrapper{SegFormer: SegFormerOptimizer{
			LearningRate: 6e-5,
			WeightDecay:  0.01,
			Betas:        []float64{0.9, 0.999},
		}},
		Dataset: Dataset{NumClasses: 150, IgnoreIndex: 255, CheckStems: true},
		Paths: Paths{
			DatasetRoot:   "data/ADEChallengeData2016",
			TrainImages:   "images/training",
			TrainMasks:    "annotations/training",
			ValImages:     "images/validation",
			ValMasks:      "annotations/validation",
			CheckpointDir: "checkpoints",
		},
		DataLoader: DataLoaders{
			Train: DataLoader{BatchSize: 8, Shuffle: true, NumWorkers: 4, DropLast: true, Seed: 42},
			Val:   DataLoader{BatchSize: 8, NumWorkers: 4},
		},
		Trainer: Trainer{
			MaxEpochs:           10,
			Precision:           "32",
			LogEveryNSteps:      50,
			EnableCheckpointing: true,
			EnableProgressBar:   true,
			EnableModelSummary:  true,
			KeepCheckpoints:     3,
			Resume:              true,
			PlotHistory:         true,
		},
		Hub: defaultHub(),
	}
}

// DefaultInfer returns the default inference configuration.
func DefaultInfer() *Infer {
	return &Infer{
		Models: defaultModels(),
		Paths: Paths{
			InferenceInputs:  "inference_inputs",
			InferenceResults: "inference_results",
		},
		Hub: defaultHub(),
	}
}

// DefaultServe returns the default serving configuration.
func DefaultServe() *Serve {
	return &Serve{
		Models: defaultModels(),
		Hub:    defaultHub(),
		Server: Server{
			Address:        ":8000",
			MaxUploadBytes: 10 << 20,
			MaxConcurrent:  2,
			AllowedOrigins: []string{"*"},
			OverlayOpacity: 0.5,
			Models:         []string{"b0"},
		},
	}
}

// Validate implements the check run after decoding a training configuration.
func (c *Train) Validate() error {
	if _, _, err := c.Models.Selected(); err != nil {
		return err
	}
	if c.Dataset.NumClasses < 1 || c.Dataset.NumClasses > 256 {
		return errors.Errorf("dataset.num_classes must be in [1, 256], got %d", c.Dataset.NumClasses)
	}
	if c.Dataset.IgnoreIndex >= 0 && c.Dataset.IgnoreIndex < c.Dataset.NumClasses {
		return errors.Errorf("dataset.ignore_index (%d) must not be a valid class in [0, %d)",
			c.Dataset.IgnoreIndex, c.Dataset.NumClasses)
	}
	if len(c.LitWrapper.SegFormer.Betas) != 2 {
		return errors.Errorf("lit_wrapper.segformer.betas must have 2 values, got %v", c.LitWrapper.SegFormer.Betas)
	}
	if c.LitWrapper.SegFormer.LearningRate <= 0 {
		return errors.Errorf("lit_wrapper.segformer.learning_rate must be > 0, got %g", c.LitWrapper.SegFormer.LearningRate)
	}
	for name, dl := range map[string]DataLoader{"train": c.DataLoader.Train, "val": c.DataLoader.Val} {
		if dl.BatchSize <= 0 {
			return errors.Errorf("dataloader.%s.batch_size must be > 0, got %d", name, dl.BatchSize)
		}
	}
	if c.Trainer.MaxEpochs <= 0 {
		return errors.Errorf("trainer.max_epochs must be > 0, got %d", c.Trainer.MaxEpochs)
	}
	if _, err := PrecisionDType(c.Trainer.Precision); err != nil {
		return err
	}
	return nil
}

// Validate implements the check run after decoding an inference configuration.
func (c *Infer) Validate() error {
	_, model, err := c.Models.Selected()
	if err != nil {
		return err
	}
	if c.Paths.InferenceInputs == "" {
		return errors.New("paths.inference_inputs must be set")
	}
	if c.Paths.InferenceResults == "" {
		return errors.New("paths.inference_results must be set")
	}
	return validateRuntime(model)
}

// Validate implements the check run after decoding a serving configuration.
func (c *Serve) Validate() error {
	if len(c.Server.Models) == 0 {
		return errors.New("server.models must list at least one model variant")
	}
	for _, name := range c.Server.Models {
		_, model, err := c.Models.Get(name)
		if err != nil {
			return err
		}
		if err = validateRuntime(model); err != nil {
			return err
		}
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.Errorf("server.max_upload_bytes must be > 0, got %d", c.Server.MaxUploadBytes)
	}
	if c.Server.OverlayOpacity < 0 || c.Server.OverlayOpacity > 1 {
		return errors.Errorf("server.overlay_opacity must be in [0, 1], got %g", c.Server.OverlayOpacity)
	}
	return nil
}

func validateRuntime(model Model) error {
	switch model.Runtime {
	case RuntimeONNX, "":
		if model.HuggingFaceName == "" {
			return errors.New("huggingface_name must be set for the onnx runtime")
		}
	case RuntimeGoMLX:
		if model.Checkpoint == "" {
			return errors.New("checkpoint must be set for the gomlx runtime")
		}
	default:
		return errors.Errorf("unknown runtime %q, valid values are %q", model.Runtime, []string{RuntimeONNX, RuntimeGoMLX})
	}
	return nil
}

// PrecisionDType converts the trainer precision ("32", "16-mixed", "bf16", ...) to the dtype used
// for the input pixels and the model parameters.
func PrecisionDType(precision string) (dtypes.DType, error) {
	switch precision {
	case "32", "32-true", "":
		return dtypes.Float32, nil
	case "16", "16-mixed", "16-true":
		return dtypes.Float16, nil
	case "bf16", "bf16-mixed", "bf16-true":
		return dtypes.BFloat16, nil
	case "64", "64-true":
		return dtypes.Float64, nil
	}
	return dtypes.InvalidDType, errors.Errorf("trainer.precision %q not supported", precision)
}
