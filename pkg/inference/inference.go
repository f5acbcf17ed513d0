// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inference segments images with a models.Model and saves the colorized masks.
//
// For each image the Pipeline decodes it, preprocesses it, runs the model forward, takes the
// arg-max over the classes, colorizes the labels at the model output resolution and resizes the
// colorized mask (nearest-neighbor) back to the original image size. Masks are saved as
// "infer_<stem>.png" in the output directory.
//
// By default images are processed sequentially and the run aborts at the first failure, with
// an inference error naming the image. Options.ContinueOnError and Options.Parallelism change that.
package inference

import (
	"context"
	"image"
	"io"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/semseg/internal/workerspool"
	"github.com/gomlx/semseg/pkg/hub"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/masks"
	"github.com/gomlx/semseg/pkg/models"
	"github.com/gomlx/semseg/pkg/palette"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/gomlx/semseg/pkg/support/fsutil"
	"github.com/gomlx/semseg/ui/commandline"
	"k8s.io/klog/v2"
)

// OutputPrefix is prepended to the stem of the input image to name its colorized mask.
const OutputPrefix = "infer_"

// Options of a Pipeline.
type Options struct {
	// OutputDir where the colorized masks are saved. It is created if absent.
	// Only required by Run.
	OutputDir string

	// ContinueOnError records the failure of an image in its Result and carries on with the next ones.
	ContinueOnError bool

	// Parallelism is the number of images processed concurrently. Values <= 1 process them sequentially.
	Parallelism int

	// Progress, if set, is where a progress bar is displayed during Run.
	Progress io.Writer
}

// Result of segmenting one image file.
type Result struct {
	// Index of the image in the list given to Run.
	Index int

	// Path of the input image.
	Path string

	// OutputPath of the colorized mask, if it was saved.
	OutputPath string

	// Width and Height of the original image (and of the saved mask).
	Width, Height int

	// Err is the failure to segment the image, if any. Always an inference stage error.
	Err error
}

// Segmentation of one image.
type Segmentation struct {
	// Labels predicted at the model output resolution.
	Labels masks.LabelMap

	// Mask is the colorized labels resized to the original image size.
	Mask *image.NRGBA
}

// Pipeline segments images with a model. It is safe for concurrent use if the model is.
type Pipeline struct {
	model      models.Model
	proc       *imageproc.Processor
	palette    palette.Palette
	numClasses int
	opts       Options
	logger     klog.Logger
}

// New creates a Pipeline for the model. If proc is nil the model's processor is used.
//
// The palette is built once for the number of classes of the model, or hub.DefaultNumLabels if
// the model doesn't report it.
func New(model models.Model, proc *imageproc.Processor, opts Options, logger klog.Logger) (*Pipeline, error) {
	if model == nil {
		return nil, stages.Errorf(stages.StageConfig, "create inference pipeline", "no model given")
	}
	if proc == nil {
		proc = model.Processor()
	}
	if proc == nil {
		return nil, stages.Errorf(stages.StageConfig, "create inference pipeline", "no image processor given")
	}
	numClasses := model.NumLabels()
	if numClasses <= 0 {
		numClasses = hub.DefaultNumLabels
	}
	p, err := palette.Build(numClasses)
	if err != nil {
		return nil, err
	}
	return &Pipeline{model: model, proc: proc, palette: p, numClasses: numClasses, opts: opts, logger: logger}, nil
}

// NumClasses returns the number of classes of the palette.
func (p *Pipeline) NumClasses() int { return p.numClasses }

// Palette used to colorize the labels.
func (p *Pipeline) Palette() palette.Palette { return p.palette }

// Model used by the pipeline.
func (p *Pipeline) Model() models.Model { return p.model }

// ListImages returns all the files in dir, sorted. Files that are not images fail when segmented.
func ListImages(dir string) ([]string, error) {
	resolved, err := fsutil.ResolveDir(dir)
	if err != nil {
		return nil, stages.New(stages.StageDataLoad, "list images", err).At(dir)
	}
	files, err := fsutil.ListFiles(resolved, nil)
	if err != nil {
		return nil, stages.New(stages.StageDataLoad, "list images", err).At(resolved)
	}
	return files, nil
}

// OutputPath returns the path of the colorized mask of the image in imagePath.
func OutputPath(outputDir, imagePath string) string {
	return filepath.Join(outputDir, OutputPrefix+fsutil.Stem(imagePath)+".png")
}

// Segment runs the model on one decoded image.
func (p *Pipeline) Segment(ctx context.Context, img image.Image) (*Segmentation, error) {
	pixels, err := p.proc.Preprocess(img)
	if err != nil {
		if _, ok := stages.As(err); ok {
			return nil, err
		}
		return nil, stages.New(stages.StagePreprocessing, "preprocess image", err)
	}
	logits, err := p.model.Forward(ctx, pixels)
	if err != nil {
		return nil, err
	}
	labels := logits.ArgMax()
	size := img.Bounds().Size()
	mask, err := p.palette.ColorizeResized(labels, size.X, size.Y)
	if err != nil {
		return nil, err
	}
	return &Segmentation{Labels: labels, Mask: mask}, nil
}

// Run segments the images in paths and saves their colorized masks in Options.OutputDir.
//
// Without ContinueOnError, it stops at the first failure and returns it along with the results
// of the images processed so far. With ContinueOnError, failures are only reported in the results.
// Results are sorted by index.
func (p *Pipeline) Run(ctx context.Context, paths []string) ([]Result, error) {
	if p.opts.OutputDir == "" {
		return nil, stages.Errorf(stages.StageConfig, "run inference", "no output directory configured")
	}
	outputDir, err := fsutil.ResolveDir(p.opts.OutputDir)
	if err != nil {
		return nil, stages.New(stages.StageConfig, "run inference", err).At(p.opts.OutputDir)
	}
	if err = fsutil.EnsureDir(outputDir); err != nil {
		return nil, stages.New(stages.StagePostprocessing, "create output directory", err).At(outputDir)
	}

	var bar interface{ Add(int) error }
	if p.opts.Progress != nil {
		bar = commandline.NewCountBar(p.opts.Progress, len(paths), "segmenting")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := workerspool.New(p.opts.Parallelism)
	results := make([]Result, len(paths))
	started := make([]bool, len(paths))
	var (
		mu       sync.Mutex
		firstErr error
	)
	for ii, path := range paths {
		err := pool.WaitToStart(runCtx, func() {
			result := p.processFile(runCtx, ii, path, outputDir)
			results[ii] = result
			if bar != nil {
				_ = bar.Add(1)
			}
			if result.Err == nil {
				return
			}
			p.logger.Error(result.Err, "failed to segment image", "path", path)
			if !p.opts.ContinueOnError {
				mu.Lock()
				if firstErr == nil {
					firstErr = result.Err
				}
				mu.Unlock()
				cancel()
			}
		})
		if err != nil {
			break
		}
		started[ii] = true
	}
	pool.Wait()

	done := make([]Result, 0, len(paths))
	for ii, result := range results {
		if started[ii] {
			done = append(done, result)
		}
	}
	if firstErr != nil {
		return done, firstErr
	}
	if err := ctx.Err(); err != nil {
		return done, stages.New(stages.StageInference, "run inference", err)
	}
	p.logger.V(1).Info("inference finished", "images", len(done), "failures", len(Failures(done)), "output_dir", outputDir)
	return done, nil
}

// processFile segments the image in path and saves its colorized mask.
func (p *Pipeline) processFile(ctx context.Context, index int, path, outputDir string) Result {
	result := Result{Index: index, Path: path}
	img, err := imageproc.LoadFile(path)
	if err != nil {
		result.Err = imageError(stages.New(stages.StageDataLoad, "decode image", err).At(path), path, index)
		return result
	}
	size := img.Bounds().Size()
	result.Width, result.Height = size.X, size.Y
	seg, err := p.Segment(ctx, img)
	if err != nil {
		result.Err = imageError(err, path, index)
		return result
	}
	outputPath := OutputPath(outputDir, path)
	if err = imaging.Save(seg.Mask, outputPath); err != nil {
		result.Err = imageError(stages.New(stages.StagePostprocessing, "save mask", err).At(outputPath), path, index)
		return result
	}
	result.OutputPath = outputPath
	return result
}

// imageError returns an inference error naming the image that failed, wrapping err.
func imageError(err error, path string, index int) error {
	if stageErr, ok := err.(*stages.Error); ok && stageErr.Stage == stages.StageInference && stageErr.Path == "" {
		return stageErr.At(path).WithIndex(index)
	}
	return stages.New(stages.StageInference, "segment image", err).At(path).WithIndex(index)
}

// Failures returns the results that failed.
func Failures(results []Result) []Result {
	var failures []Result
	for _, result := range results {
		if result.Err != nil {
			failures = append(failures, result)
		}
	}
	return failures
}
