// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/semseg/internal/imgtest"
	"github.com/gomlx/semseg/pkg/config"
	"github.com/gomlx/semseg/pkg/hub"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/models/segnet"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

// Logits `[1, 2, 2, 3]` predicting classes 0, 1, 0 and 2, and labels 0, 1, 2 and ignored.
var (
	testLogits = [][][][]float32{{
		{{10, 0, 0}, {0, 10, 0}},
		{{10, 0, 0}, {0, 0, 10}},
	}}
	testLabels = [][][][]int32{{
		{{0}, {1}},
		{{2}, {255}},
	}}
)

func execMetric(_ *testing.T, fn func(labels, logits *Node) *Node, labels, logits any) float64 {
	backend := graphtest.BuildTestBackend()
	output := must.M1(mlctx.ExecOnce(backend, mlctx.New(), func(_ *mlctx.Context, labels, logits *Node) *Node {
		return fn(labels, logits)
	}, tensors.FromAnyValue(labels), tensors.FromAnyValue(logits)))
	return shapes.ConvertTo[float64](output.Value())
}

func TestLossAndMetrics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping backend test in short mode")
	}
	loss := execMetric(t, func(labels, logits *Node) *Node {
		return MaskedCrossEntropy([]*Node{labels}, []*Node{logits})
	}, testLabels, testLogits)
	correct := math.Log(1 + 2*math.Exp(-10))
	wrong := math.Log(math.Exp(10) + 2)
	assert.InDelta(t, (2*correct+wrong)/3, loss, 1e-3)

	accuracy := execMetric(t, func(labels, logits *Node) *Node {
		return PixelAccuracyGraph(nil, []*Node{labels}, []*Node{logits})
	}, testLabels, testLogits)
	assert.InDelta(t, 2.0/3.0, accuracy, 1e-5)

	// IoU: class 0 = 1/2, class 1 = 1, class 2 = 0.
	miou := execMetric(t, func(labels, logits *Node) *Node {
		return MeanIoUGraph(nil, []*Node{labels}, []*Node{logits})
	}, testLabels, testLogits)
	assert.InDelta(t, 0.5, miou, 1e-5)

	// All pixels ignored: no NaNs.
	allIgnored := [][][][]int32{{{{255}, {255}}, {{255}, {-1}}}}
	loss = execMetric(t, func(labels, logits *Node) *Node {
		return MaskedCrossEntropy([]*Node{labels}, []*Node{logits})
	}, allIgnored, testLogits)
	assert.Equal(t, 0.0, loss)
	accuracy = execMetric(t, func(labels, logits *Node) *Node {
		return PixelAccuracyGraph(nil, []*Node{labels}, []*Node{logits})
	}, allIgnored, testLogits)
	assert.Equal(t, 0.0, accuracy)
}

func TestResizeLogits(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping backend test in short mode")
	}
	// Labels 4x4 with the logits 2x2 upsampled by nearest-neighbor: each logit covers a 2x2 block.
	labels := make([][][][]int32, 1)
	labels[0] = make([][][]int32, 4)
	for y := range 4 {
		labels[0][y] = make([][]int32, 4)
		for x := range 4 {
			label := int32(0)
			if x >= 2 {
				label = 1
			}
			if y >= 2 {
				label = 2
			}
			labels[0][y][x] = []int32{label}
		}
	}
	logits := [][][][]float32{{
		{{10, 0, 0}, {0, 10, 0}},
		{{0, 0, 10}, {0, 0, 10}},
	}}
	accuracy := execMetric(t, func(labels, logits *Node) *Node {
		return PixelAccuracyGraph(nil, []*Node{labels}, []*Node{logits})
	}, labels, logits)
	assert.InDelta(t, 1.0, accuracy, 1e-5)
}

// writeModelDir writes a pretrained model configuration with 3 labels and a tiny encoder.
func writeModelDir(t *testing.T) string {
	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, hub.ConfigFile), []byte(`{
		"model_type": "segformer",
		"num_labels": 3,
		"id2label": {"0": "wall", "1": "floor", "2": "sky"},
		"hidden_sizes": [4, 8]
	}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, imageproc.ConfigFile), []byte(`{
		"do_resize": true,
		"size": {"height": 16, "width": 16},
		"do_rescale": true,
		"rescale_factor": 0.00392156862745098,
		"do_normalize": true,
		"image_mean": [0.485, 0.456, 0.406],
		"image_std": [0.229, 0.224, 0.225]
	}`), 0644))
	return dir
}

func testConfig(t *testing.T) *config.Train {
	root := t.TempDir()
	imgtest.Dataset(t, filepath.Join(root, "data"), 4, 20, 20, 3)
	cfg := config.DefaultTrain()
	cfg.Models.SegFormer.Variant["b0"] = config.Model{
		HuggingFaceName: writeModelDir(t),
		Runtime:         config.RuntimeGoMLX,
		HiddenSizes:     []int{4, 8},
	}
	cfg.Dataset.NumClasses = 3
	cfg.Paths = config.Paths{
		DatasetRoot:   filepath.Join(root, "data"),
		TrainImages:   "images",
		TrainMasks:    "masks",
		ValImages:     "images",
		ValMasks:      "masks",
		CheckpointDir: filepath.Join(root, "checkpoints"),
	}
	cfg.DataLoader.Train = config.DataLoader{BatchSize: 2, Shuffle: true, Seed: 1, DropLast: true}
	cfg.DataLoader.Val = config.DataLoader{BatchSize: 2}
	cfg.LitWrapper.SegFormer.LearningRate = 1e-3
	cfg.Trainer.MaxEpochs = 2
	cfg.Trainer.LogEveryNSteps = 1
	cfg.Trainer.EnableProgressBar = false
	cfg.Trainer.KeepCheckpoints = 2
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)

	var out bytes.Buffer
	e := New(*cfg, klog.Background()).WithBackend(backend).WithOutput(&out)
	require.NoError(t, e.Run(context.Background()))
	runDir := e.RunDir()
	assert.Equal(t, filepath.Join(cfg.Paths.CheckpointDir, "b0"), runDir)
	assert.Equal(t, []string{"wall", "floor", "sky"}, e.Labels())

	// 4 examples in batches of 2: 2 steps per epoch.
	points := e.History().Points()
	assert.Equal(t, []float64{2, 4}, points.Steps())
	_, found := points.Value(4, "val_miou")
	assert.True(t, found)
	assert.Greater(t, e.Evaluation().Total(), 0.0)
	assert.Contains(t, out.String(), "floor")
	assert.Contains(t, out.String(), "mIoU")
	for _, name := range []string{HistoryCSVFile, IoUReportFile, "history_loss.png"} {
		assert.FileExists(t, filepath.Join(runDir, name))
	}
	found, err := hasCheckpoints(runDir)
	require.NoError(t, err)
	assert.True(t, found)

	// The checkpoint can be used for predictions.
	p, err := segnet.New(backend, runDir, klog.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"wall", "floor", "sky"}, p.Labels())
	logits, err := p.Forward(context.Background(), imageproc.NewPixels(16, 16))
	require.NoError(t, err)
	assert.Equal(t, 3, logits.NumClasses)
	require.NoError(t, p.Close())

	// Resuming with one more epoch only trains the last epoch, continuing the history.
	cfg.Trainer.MaxEpochs = 3
	e = New(*cfg, klog.Background()).WithBackend(backend).WithOutput(&out)
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, []float64{2, 4, 6}, e.History().Points().Steps())

	// Without resume, existing checkpoints are an error.
	cfg.Trainer.Resume = false
	err = New(*cfg, klog.Background()).WithBackend(backend).WithOutput(&out).Run(context.Background())
	require.Error(t, err)
	stageErr, ok := stages.As(err)
	require.True(t, ok)
	assert.Equal(t, stages.StageTraining, stageErr.Stage)
	assert.Equal(t, PhaseModel, stageErr.Op)
	assert.True(t, stages.Is(err, stages.StageCheckpoint))
}

func TestRunCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	cfg := testConfig(t)
	cfg.Trainer.EnableCheckpointing = false
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(*cfg, klog.Background()).WithBackend(graphtest.BuildTestBackend()).Run(ctx)
	require.Error(t, err)
	assert.True(t, stages.Is(err, stages.StageTraining))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(cfg *config.Train)
		phase  string
		cause  stages.Stage
	}{
		{"unknown variant", func(cfg *config.Train) { cfg.Models.SegFormer.Selected = "b7" },
			PhaseConfig, stages.StageConfig},
		{"bad hyperparameters", func(cfg *config.Train) { cfg.Trainer.Hyperparameters = "not_a_param=1" },
			PhaseConfig, stages.StageConfig},
		{"missing model", func(cfg *config.Train) {
			cfg.Models.SegFormer.Variant["b0"] = config.Model{HuggingFaceName: filepath.Join(t.TempDir(), "missing")}
		}, PhaseConfig, stages.StageModelLoad},
		{"missing dataset", func(cfg *config.Train) { cfg.Paths.TrainImages = "missing" },
			PhaseDatasets, stages.StageDataLoad},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.modify(cfg)
			err := New(*cfg, klog.Background()).Run(context.Background())
			require.Error(t, err)
			stageErr, ok := stages.As(err)
			require.True(t, ok)
			assert.Equal(t, stages.StageTraining, stageErr.Stage)
			assert.Equal(t, tc.phase, stageErr.Op)
			assert.True(t, stages.Is(err, tc.cause), "expected a %s error in %v", tc.cause, err)
		})
	}
}
