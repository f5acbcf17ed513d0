// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// semseg_serve serves segmentation models over HTTP, see package server for the API.
//
// Usage:
//
//	semseg_serve -config=configs/serve.yaml [-set="server.address=:8080"]
package main

import (
	"context"
	"flag"

	"github.com/gomlx/semseg/internal/cli"
	"github.com/gomlx/semseg/pkg/config"
	"github.com/gomlx/semseg/pkg/inference"
	"github.com/gomlx/semseg/pkg/models"
	"github.com/gomlx/semseg/pkg/server"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
	_ "github.com/gomlx/semseg/pkg/models/default"
)

func main() {
	flags := cli.RegisterFlags("configs/serve.yaml")
	flag.Parse()
	flags.Run(func(ctx context.Context) error {
		cfg := config.DefaultServe()
		if err := flags.LoadConfig(cfg); err != nil {
			return err
		}
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg *config.Serve) (err error) {
	logger := klog.Background()
	var entries []server.Entry
	defer func() {
		if err == nil {
			return
		}
		for _, entry := range entries {
			_ = entry.Pipeline.Model().Close()
		}
	}()
	for _, name := range cfg.Server.Models {
		_, modelCfg, err := cfg.Models.Get(name)
		if err != nil {
			return err
		}
		logger.Info("loading model", "variant", name, "model", modelCfg.HuggingFaceName, "runtime", modelCfg.Runtime)
		model, err := models.Open(ctx, modelCfg, cfg.Hub, logger)
		if err != nil {
			return err
		}
		pipeline, err := inference.New(model, nil, inference.Options{}, logger)
		if err != nil {
			_ = model.Close()
			return err
		}
		entries = append(entries, server.Entry{
			Info: server.ModelInfo{
				ID:          name,
				Name:        modelCfg.Name,
				Description: modelCfg.Description,
				Speed:       modelCfg.Speed,
				Accuracy:    modelCfg.Accuracy,
			},
			Pipeline: pipeline,
		})
	}

	s, err := server.New(entries, server.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		MaxConcurrent:  cfg.Server.MaxConcurrent,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		OverlayOpacity: cfg.Server.OverlayOpacity,
	}, logger)
	if err != nil {
		return err
	}
	serveErr := s.ListenAndServe(ctx, cfg.Server.Address)
	entries = nil // Closed by the server.
	if closeErr := s.Close(); serveErr == nil {
		serveErr = closeErr
	}
	return serveErr
}
