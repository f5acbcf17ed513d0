// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// semseg_train trains a segmentation network on a dataset of images and masks.
//
// Usage:
//
//	semseg_train -config=configs/train.yaml [-set="trainer.max_epochs=5;dataloader.train.batch_size=4"]
//
// Checkpoints, the metrics history and the per-class IoU report are written to
// "<paths.checkpoint_dir>/<variant>". Training resumes from the latest checkpoint there.
package main

import (
	"context"
	"flag"

	"github.com/gomlx/semseg/internal/cli"
	"github.com/gomlx/semseg/pkg/config"
	"github.com/gomlx/semseg/pkg/engine"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

func main() {
	flags := cli.RegisterFlags("configs/train.yaml")
	flag.Parse()
	flags.Run(func(ctx context.Context) error {
		cfg := config.DefaultTrain()
		if err := flags.LoadConfig(cfg); err != nil {
			return err
		}
		return engine.New(*cfg, klog.Background()).Run(ctx)
	})
}
