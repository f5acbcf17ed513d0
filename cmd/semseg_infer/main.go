// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// semseg_infer segments all the images in a directory and saves the colorized masks.
//
// Usage:
//
//	semseg_infer -config=configs/infer.yaml [-set="paths.inference_inputs=photos"]
//
// For each image "<stem>.<ext>" in paths.inference_inputs it writes "infer_<stem>.png" in
// paths.inference_results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/semseg/internal/cli"
	"github.com/gomlx/semseg/pkg/config"
	"github.com/gomlx/semseg/pkg/inference"
	"github.com/gomlx/semseg/pkg/models"
	"github.com/gomlx/semseg/pkg/stages"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
	_ "github.com/gomlx/semseg/pkg/models/default"
)

var flagProgress = flag.Bool("progress", true, "Display a progress bar.")

func main() {
	flags := cli.RegisterFlags("configs/infer.yaml")
	flag.Parse()
	flags.Run(func(ctx context.Context) error {
		cfg := config.DefaultInfer()
		if err := flags.LoadConfig(cfg); err != nil {
			return err
		}
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg *config.Infer) (err error) {
	logger := klog.Background()
	paths, err := inference.ListImages(cfg.Paths.InferenceInputs)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return stages.Errorf(stages.StageDataLoad, "list images", "no images found").At(cfg.Paths.InferenceInputs)
	}

	variant, modelCfg, err := cfg.Models.Selected()
	if err != nil {
		return stages.New(stages.StageConfig, "select model variant", err)
	}
	logger.Info("loading model", "variant", variant, "model", modelCfg.HuggingFaceName, "runtime", modelCfg.Runtime)
	model, err := models.Open(ctx, modelCfg, cfg.Hub, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := model.Close(); err == nil && closeErr != nil {
			err = stages.New(stages.StageModelLoad, "close model", closeErr)
		}
	}()

	opts := inference.Options{
		OutputDir:       cfg.Paths.InferenceResults,
		ContinueOnError: cfg.Inference.ContinueOnError,
		Parallelism:     cfg.Inference.Parallelism,
	}
	if *flagProgress {
		opts.Progress = os.Stdout
	}
	pipeline, err := inference.New(model, nil, opts, logger)
	if err != nil {
		return err
	}
	results, err := pipeline.Run(ctx, paths)
	if err != nil {
		return err
	}
	failures := inference.Failures(results)
	fmt.Printf("Segmented %d of %d images into %s\n", len(results)-len(failures), len(paths), cfg.Paths.InferenceResults)
	if len(failures) > 0 {
		for _, failure := range failures {
			fmt.Printf("  failed %s: %v\n", failure.Path, failure.Err)
		}
		return stages.Errorf(stages.StageInference, "run inference", "%d images failed", len(failures)).
			At(cfg.Paths.InferenceInputs)
	}
	return nil
}
