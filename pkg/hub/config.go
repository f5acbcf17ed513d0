// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hub

import (
	"encoding/json"
	"fmt"
	"os"
	"maps"
	"slices"
	"strconv"

	"github.com/gomlx/semseg/pkg/stages"
)

// DefaultNumLabels is used when a model configuration doesn't list its labels: it is the number of
// classes of ADE20K, the dataset the pretrained SegFormer checkpoints are fine-tuned on.
const DefaultNumLabels = 150

// ModelConfig holds the fields of a transformers "config.json" used here.
type ModelConfig struct {
	ModelType     string            `json:"model_type"`
	Architectures []string          `json:"architectures"`
	NumLabelsJSON int               `json:"num_labels"`
	ID2Label      map[string]string `json:"id2label"`

	// HiddenSizes of each encoder block, e.g. [32, 64, 160, 256] for SegFormer-b0.
	HiddenSizes []int `json:"hidden_sizes"`

	// NumChannels of the input image.
	NumChannels int `json:"num_channels"`

	// DecoderHiddenSize is the size of the decode head.
	DecoderHiddenSize int `json:"decoder_hidden_size"`
}

// LoadModelConfig reads a "config.json" file.
func LoadModelConfig(filePath string) (*ModelConfig, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, stages.New(stages.StageModelLoad, "read model config", err).At(filePath)
	}
	cfg := &ModelConfig{}
	if err = json.Unmarshal(contents, cfg); err != nil {
		return nil, stages.New(stages.StageModelLoad, "parse model config", err).At(filePath)
	}
	if _, err = cfg.labelIDs(); err != nil {
		return nil, stages.New(stages.StageModelLoad, "parse model config", err).At(filePath)
	}
	return cfg, nil
}

// NumLabels returns the number of classes of the model: "num_labels" if set, otherwise the number of
// entries in "id2label", otherwise DefaultNumLabels.
func (c *ModelConfig) NumLabels() int {
	if c.NumLabelsJSON > 0 {
		return c.NumLabelsJSON
	}
	if len(c.ID2Label) > 0 {
		return len(c.ID2Label)
	}
	return DefaultNumLabels
}

// Labels returns the name of each class, indexed by label. Labels missing from "id2label" are named
// after their index.
func (c *ModelConfig) Labels() []string {
	labels := make([]string, c.NumLabels())
	for ii := range labels {
		labels[ii] = fmt.Sprintf("class_%d", ii)
	}
	ids, _ := c.labelIDs()
	for _, id := range ids {
		if id >= 0 && id < len(labels) {
			labels[id] = c.ID2Label[strconv.Itoa(id)]
		}
	}
	return labels
}

func (c *ModelConfig) labelIDs() ([]int, error) {
	ids := make([]int, 0, len(c.ID2Label))
	for key := range maps.Keys(c.ID2Label) {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid label id %q in id2label", key)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
