// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(contents), 0644))
	return configPath
}

func TestLoadTrain(t *testing.T) {
	t.Setenv("SEMSEG_DATA", "/data/ade")
	configPath := writeConfig(t, `
models:
  segformer:
    selected: b1
    variant:
      b1:
        huggingface_name: nvidia/mit-b1
        hidden_sizes: [64, 128, 320, 512]
lit_wrapper:
  segformer:
    learning_rate: 1e-4
paths:
  dataset_root: ${SEMSEG_DATA}
dataloader:
  train:
    batch_size: 4
trainer:
  max_epochs: 2
`)
	cfg := DefaultTrain()
	require.NoError(t, Load(configPath, []string{"trainer.precision=bf16", "dataset.num_classes=20"}, cfg))

	name, model, err := cfg.Models.Selected()
	require.NoError(t, err)
	assert.Equal(t, "b1", name)
	assert.Equal(t, []int{64, 128, 320, 512}, model.HiddenSizes)
	assert.Contains(t, cfg.Models.SegFormer.Variant, "b0", "defaults variants should be kept")

	assert.Equal(t, 1e-4, cfg.LitWrapper.SegFormer.LearningRate)
	assert.Equal(t, []float64{0.9, 0.999}, cfg.LitWrapper.SegFormer.Betas)
	assert.Equal(t, "/data/ade", cfg.Paths.DatasetRoot)
	assert.Equal(t, "images/training", cfg.Paths.TrainImages)
	assert.Equal(t, 4, cfg.DataLoader.Train.BatchSize)
	assert.True(t, cfg.DataLoader.Train.Shuffle)
	assert.Equal(t, 2, cfg.Trainer.MaxEpochs)
	assert.Equal(t, 20, cfg.Dataset.NumClasses)
	assert.Equal(t, 255, cfg.Dataset.IgnoreIndex)

	dtype, err := PrecisionDType(cfg.Trainer.Precision)
	require.NoError(t, err)
	assert.Equal(t, dtypes.BFloat16, dtype)
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name, contents string
		overrides      []string
		wantMsg        string
	}{
		{"unknown key", "trainer:\n  max_epoch: 3\n", nil, "trainer.max_epoch"},
		{"bad yaml", "trainer: [\n", nil, "parse config"},
		{"bad override", "", []string{"trainer.max_epochs"}, "key=value"},
		{"override into value", "", []string{"trainer.max_epochs.x=1"}, "not a section"},
		{"invalid num_classes", "", []string{"dataset.num_classes=0"}, "num_classes"},
		{"ignore index in range", "", []string{"dataset.ignore_index=3"}, "ignore_index"},
		{"unknown variant", "", []string{"models.segformer.selected=b9"}, "b9"},
		{"bad precision", "", []string{"trainer.precision=8"}, "precision"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var configPath string
			if tc.contents != "" {
				configPath = writeConfig(t, tc.contents)
			}
			err := Load(configPath, tc.overrides, DefaultTrain())
			require.Error(t, err)
			assert.Equal(t, stages.StageConfig, stages.StageOf(err))
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}

	err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil, DefaultTrain())
	require.Error(t, err)
	assert.Equal(t, stages.StageConfig, stages.StageOf(err))
}

func TestLoadInferAndServe(t *testing.T) {
	infer := DefaultInfer()
	require.NoError(t, Load("", ParseOverrides("paths.inference_inputs=in; inference.parallelism=3;"), infer))
	assert.Equal(t, "in", infer.Paths.InferenceInputs)
	assert.Equal(t, 3, infer.Inference.Parallelism)

	infer = DefaultInfer()
	err := Load("", []string{"models.segformer.variant.b0.runtime=tflite"}, infer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tflite")

	serve := DefaultServe()
	require.NoError(t, Load("", nil, serve))
	assert.Equal(t, int64(10<<20), serve.Server.MaxUploadBytes)
	assert.Equal(t, []string{"b0"}, serve.Server.Models)

	err = Load("", []string{"server.models=[b0, b7]"}, DefaultServe())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b7")
}

func TestMergeAndSet(t *testing.T) {
	tree := Tree{"a": Tree{"b": 1, "c": []any{1, 2}}}
	Merge(tree, Tree{"a": Tree{"c": []any{3}, "d": "x"}, "e": true})
	assert.Equal(t, Tree{"a": Tree{"b": 1, "c": []any{3}, "d": "x"}, "e": true}, tree)

	require.NoError(t, Set(tree, "f.g.h=[0.5, 0.25]"))
	assert.Equal(t, []any{0.5, 0.25}, tree["f"].(Tree)["g"].(Tree)["h"])

	yamlText, err := ToYAML(DefaultInfer())
	require.NoError(t, err)
	assert.Contains(t, yamlText, "inference_inputs: inference_inputs")
}
