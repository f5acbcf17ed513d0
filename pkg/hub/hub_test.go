// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModelID = "owner/segformer-test"

var testFiles = map[string]string{
	ConfigFile:           `{"model_type": "segformer", "num_labels": 3, "id2label": {"0": "wall", "1": "floor", "2": "sky"}, "hidden_sizes": [32, 64, 160, 256]}`,
	imageproc.ConfigFile: `{"do_resize": true, "size": {"height": 64, "width": 64}}`,
	DefaultONNXFile:      "not really onnx",
}

func newHubServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/"+testModelID+"/revision/main", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		info := Info{ID: testModelID, SHA: "abc"}
		for name := range testFiles {
			info.Siblings = append(info.Siblings, &FileInfo{Name: name})
		}
		_ = json.NewEncoder(w).Encode(info)
	})
	mux.HandleFunc("/"+testModelID+"/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/"+testModelID+"/resolve/main/")
		contents, found := testFiles[name]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(contents))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestResolveDownload(t *testing.T) {
	var requests atomic.Int32
	server := newHubServer(t, &requests)
	opts := Options{CacheDir: t.TempDir(), AuthToken: "secret", Endpoint: server.URL}
	m, err := Resolve(context.Background(), testModelID, opts)
	require.NoError(t, err)
	assert.False(t, m.Local)
	assert.Equal(t, filepath.Join(opts.CacheDir, "owner_segformer-test"), m.Dir)
	for name, want := range testFiles {
		got, err := os.ReadFile(m.Path(name))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	assert.FileExists(t, filepath.Join(m.Dir, InfoFile))
	assert.Equal(t, int32(1+len(testFiles)), requests.Load())

	cfg, err := m.Config()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NumLabels())
	assert.Equal(t, []string{"wall", "floor", "sky"}, cfg.Labels())
	assert.Equal(t, []int{32, 64, 160, 256}, cfg.HiddenSizes)

	// Second time everything is cached.
	_, err = Resolve(context.Background(), testModelID, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(1+len(testFiles)), requests.Load())
}

func TestResolveErrors(t *testing.T) {
	var requests atomic.Int32
	server := newHubServer(t, &requests)

	// Bad token: downloads fail and no partial files are left.
	opts := Options{CacheDir: t.TempDir(), AuthToken: "wrong", Endpoint: server.URL}
	m, err := Resolve(context.Background(), testModelID, opts)
	require.Error(t, err)
	assert.Nil(t, m)
	assert.True(t, stages.Is(err, stages.StageModelLoad))
	matches, _ := filepath.Glob(filepath.Join(opts.CacheDir, "owner_segformer-test", "*.downloading"))
	assert.Empty(t, matches)

	// File not listed by the model.
	opts = Options{CacheDir: t.TempDir(), AuthToken: "secret", Endpoint: server.URL, Files: []string{"missing.onnx"}}
	_, err = Resolve(context.Background(), testModelID, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.onnx")

	// No cache dir.
	_, err = New(testModelID, Options{})
	require.Error(t, err)
	assert.Equal(t, stages.StageConfig, stages.StageOf(err))

	// Absolute path that doesn't exist.
	_, err = New(filepath.Join(t.TempDir(), "nope"), Options{CacheDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, stages.StageModelLoad, stages.StageOf(err))
}

func TestResolveLocal(t *testing.T) {
	dir := t.TempDir()
	for name, contents := range testFiles {
		filePath := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0755))
		require.NoError(t, os.WriteFile(filePath, []byte(contents), 0644))
	}
	m, err := Resolve(context.Background(), dir, Options{})
	require.NoError(t, err)
	assert.True(t, m.Local)
	assert.Equal(t, dir, m.Dir)

	require.NoError(t, os.Remove(m.Path(DefaultONNXFile)))
	_, err = Resolve(context.Background(), dir, Options{})
	require.Error(t, err)
	assert.True(t, stages.Is(err, stages.StageModelLoad))
}

func TestModelConfigDefaults(t *testing.T) {
	cfg := &ModelConfig{}
	assert.Equal(t, DefaultNumLabels, cfg.NumLabels())
	labels := cfg.Labels()
	require.Len(t, labels, DefaultNumLabels)
	assert.Equal(t, "class_149", labels[149])

	cfg = &ModelConfig{ID2Label: map[string]string{"1": "b", "0": "a"}}
	assert.Equal(t, []string{"a", "b"}, cfg.Labels())

	filePath := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, os.WriteFile(filePath, []byte(`{"id2label": {"x": "bad"}}`), 0644))
	_, err := LoadModelConfig(filePath)
	require.Error(t, err)
	assert.Equal(t, stages.StageModelLoad, stages.StageOf(err))
}
