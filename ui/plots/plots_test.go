// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addEpoch(h *History, step, loss, acc float64) {
	h.AddPoint(Point{MetricName: "Train: Moving Average Loss", Short: "train_loss", MetricType: "loss", Step: step, Value: loss})
	h.AddPoint(Point{MetricName: "Mean Loss on val", Short: "val_loss", MetricType: "loss", Step: step, Value: loss * 1.1})
	h.AddPoint(Point{MetricName: "Mean Pixel Accuracy on val", Short: "val_acc", MetricType: "accuracy", Step: step, Value: acc})
	h.DynamicSampleDone(false)
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "train_loss", ShortName("train", "~loss"))
	assert.Equal(t, "val_loss", ShortName("val", "#loss"))
	assert.Equal(t, "val_miou", ShortName("val", "miou"))
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHistory(dir)
	require.NoError(t, err)
	addEpoch(h, 10, 2.0, 0.25)
	addEpoch(h, 20, 1.0, 0.5)
	require.NoError(t, h.Close())

	// A new History on the same directory continues from the saved points.
	h, err = NewHistory(dir)
	require.NoError(t, err)
	assert.Len(t, h.Points().Extract(), 6)
	addEpoch(h, 30, 0.5, 0.75)
	require.NoError(t, h.Close())

	points := h.Points()
	assert.Equal(t, []float64{10, 20, 30}, points.Steps())
	assert.Equal(t, []string{"val_acc", "train_loss", "val_loss"}, points.ShortNames())
	value, found := points.Value(30, "val_acc")
	require.True(t, found)
	assert.Equal(t, 0.75, value)
	_, found = points.Value(30, "val_miou")
	assert.False(t, found)
	assert.Contains(t, points.String(), "train_loss")

	df := h.DataFrame()
	require.NoError(t, df.Err)
	assert.Equal(t, 3, df.Nrow())
	assert.Equal(t, []string{"step", "val_acc", "train_loss", "val_loss"}, df.Names())
	assert.Equal(t, []string{"10", "20", "30"}, df.Col("step").Records())

	csvPath := filepath.Join(dir, "history.csv")
	require.NoError(t, h.WriteCSV(csvPath))
	contents, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "step,val_acc,train_loss,val_loss")

	files, err := h.SavePNGs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "history_accuracy.png"), filepath.Join(dir, "history_loss.png")}, files)
	for _, file := range files {
		info, err := os.Stat(file)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestHistoryInMemory(t *testing.T) {
	h, err := NewHistory("")
	require.NoError(t, err)
	addEpoch(h, 1, 1.0, 0.1)
	require.NoError(t, h.Close())
	assert.Len(t, h.Points()[1], 3)
}

func TestLoadPointsErrors(t *testing.T) {
	points, err := LoadPointsFromCheckpoint(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, points)

	filePath := filepath.Join(t.TempDir(), TrainingPlotFileName)
	require.NoError(t, os.WriteFile(filePath, []byte("{not json"), 0644))
	_, err = LoadPoints(filePath)
	require.Error(t, err)
}
