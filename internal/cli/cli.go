// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cli holds the flags and start-up shared by the semseg command-line tools.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/semseg/pkg/config"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/gomlx/semseg/ui/commandline"
	"k8s.io/klog/v2"
)

// Flags common to all tools.
type Flags struct {
	Config    *string
	Set       *string
	FullTrace *bool
	Print     *bool
}

// RegisterFlags registers the common flags, with defaultConfig as the default "-config" path,
// and klog flags. Call it before flag.Parse.
func RegisterFlags(defaultConfig string) *Flags {
	klog.InitFlags(nil)
	return &Flags{
		Config: flag.String("config", defaultConfig, "YAML configuration file. Environment variables "+
			"in the form ${VAR} are replaced."),
		Set: flag.String("set", "", "Configuration overrides separated by \";\", e.g. "+
			"\"trainer.max_epochs=5;dataloader.train.batch_size=4\". Values are parsed as YAML."),
		FullTrace: flag.Bool("full_trace", false, "Print the full chain of errors, with stack traces, on failure."),
		Print:     flag.Bool("print_config", true, "Print the resolved configuration before starting."),
	}
}

// Validator is implemented by the configuration structures.
type Validator interface {
	Validate() error
}

// LoadConfig loads and validates the configuration into cfg, pre-filled with its defaults.
func (f *Flags) LoadConfig(cfg Validator) error {
	if err := config.Load(*f.Config, config.ParseOverrides(*f.Set), cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return stages.New(stages.StageConfig, "validate config", err).At(*f.Config)
	}
	if *f.Print {
		contents, err := config.ToYAML(cfg)
		if err != nil {
			return stages.New(stages.StageConfig, "print config", err)
		}
		fmt.Printf("Configuration (%s):\n%s\n", *f.Config, contents)
	}
	return nil
}

// Run calls fn with a context cancelled on SIGINT or SIGTERM, and exits with status 1 if it fails,
// after printing the error.
func (f *Flags) Run(fn func(ctx context.Context) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := fn(ctx)
	stop()
	klog.Flush()
	if err != nil {
		commandline.PrintError(os.Stderr, err, *f.FullTrace)
		os.Exit(1)
	}
}
