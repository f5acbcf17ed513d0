// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration of the training, inference and serving tools.
//
// Loading goes through the following steps:
//
//  1. The built-in defaults (e.g. DefaultTrain) are converted to a tree of values.
//  2. The YAML file, after ${VAR} environment variables are substituted, is merged over the defaults.
//  3. Overrides in the form "a.b.c=value" are applied, the value parsed as YAML.
//  4. The tree is decoded into the typed structure. Unknown keys are reported as errors.
//
// All errors are returned as config-stage errors (see package stages).
package config

import (
	"bytes"
	"slices"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Tree is the generic representation of a configuration, as parsed from YAML.
type Tree = map[string]any

// Load reads the YAML file configPath (if not empty), merges it over the current contents of cfg,
// applies the overrides and decodes the result back into cfg.
//
// cfg must be a pointer to a structure with "yaml" tags, typically pre-filled with its defaults.
func Load(configPath string, overrides []string, cfg any) error {
	tree, err := toTree(cfg)
	if err != nil {
		return stages.New(stages.StageConfig, "encode defaults", err)
	}
	if configPath != "" {
		contents, err := envsubst.ReadFile(configPath)
		if err != nil {
			return stages.New(stages.StageConfig, "read config", err).At(configPath)
		}
		var fileTree Tree
		if err = yaml.Unmarshal(contents, &fileTree); err != nil {
			return stages.New(stages.StageConfig, "parse config", err).At(configPath)
		}
		Merge(tree, fileTree)
	}
	for _, override := range overrides {
		if err = Set(tree, override); err != nil {
			return err
		}
	}
	if err = Decode(tree, cfg); err != nil {
		if configPath != "" {
			if stageErr, ok := stages.As(err); ok && stageErr.Path == "" {
				stageErr.At(configPath)
			}
		}
		return err
	}
	return nil
}

// ParseOverrides splits a list of overrides separated by ";", the same format used by GoMLX
// "-set" flag for context hyperparameters. Empty entries are ignored.
func ParseOverrides(settings string) []string {
	var overrides []string
	for _, part := range strings.Split(settings, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			overrides = append(overrides, part)
		}
	}
	return overrides
}

// Merge recursively copies the values of src into dst. Nested trees are merged, any other value
// (including lists) replaces the previous one.
func Merge(dst, src Tree) {
	for key, value := range src {
		srcTree, srcIsTree := value.(Tree)
		dstTree, dstIsTree := dst[key].(Tree)
		if srcIsTree && dstIsTree {
			Merge(dstTree, srcTree)
			continue
		}
		dst[key] = value
	}
}

// Set applies one override of the form "a.b.c=value" to the tree. The value is parsed as YAML, so
// "3" is an int, "[0.9, 0.99]" a list and "true" a bool. Intermediate trees are created as needed.
func Set(tree Tree, override string) error {
	key, rawValue, found := strings.Cut(override, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return stages.Errorf(stages.StageConfig, "parse override", "invalid override %q, expected \"key=value\"", override)
	}
	var value any
	if err := yaml.Unmarshal([]byte(rawValue), &value); err != nil {
		return stages.New(stages.StageConfig, "parse override",
			errors.Wrapf(err, "invalid value in override %q", override))
	}
	path := strings.Split(key, ".")
	node := tree
	for ii, part := range path[:len(path)-1] {
		next, ok := node[part]
		if !ok || next == nil {
			child := Tree{}
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(Tree)
		if !ok {
			return stages.Errorf(stages.StageConfig, "parse override",
				"override %q: %q is not a section", override, strings.Join(path[:ii+1], "."))
		}
		node = child
	}
	node[path[len(path)-1]] = value
	return nil
}

// Decode the tree into cfg, a pointer to a structure with "yaml" tags.
// Keys in the tree that don't match any field are reported as an error.
func Decode(tree Tree, cfg any) error {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		Result:           cfg,
		Metadata:         &md,
		WeaklyTypedInput: true,
		ZeroFields:       true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return stages.New(stages.StageConfig, "decode config", err)
	}
	if err = decoder.Decode(tree); err != nil {
		return stages.New(stages.StageConfig, "decode config", err)
	}
	if len(md.Unused) > 0 {
		slices.Sort(md.Unused)
		return stages.Errorf(stages.StageConfig, "decode config", "unknown configuration keys %q", md.Unused)
	}
	if v, ok := cfg.(interface{ Validate() error }); ok {
		if err = v.Validate(); err != nil {
			return stages.Wrapf(stages.StageConfig, err, "invalid configuration")
		}
	}
	return nil
}

// ToYAML returns the YAML representation of cfg, used to print the resolved configuration.
func ToYAML(cfg any) (string, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return "", errors.Wrapf(err, "failed to encode configuration")
	}
	if err := encoder.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to encode configuration")
	}
	return buf.String(), nil
}

// toTree converts a structure to its tree representation, through YAML.
func toTree(cfg any) (Tree, error) {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %T", cfg)
	}
	tree := Tree{}
	if err = yaml.Unmarshal(contents, &tree); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %T", cfg)
	}
	return tree, nil
}
