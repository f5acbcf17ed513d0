// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hub resolves pretrained segmentation model identifiers to a local directory,
// downloading the files from the HuggingFace (HF) 🤗 hub when needed.
//
// Example: resolve (downloading only the first time) a SegFormer variant exported to ONNX:
//
//	m, err := hub.Resolve(ctx, "Xenova/segformer-b0-finetuned-ade-512-512", hub.Options{
//		CacheDir:  "~/.cache/semseg",
//		AuthToken: os.Getenv(hub.AuthTokenEnv),
//		Logger:    logger,
//	})
//	if err != nil { ... }
//	cfg, err := m.Config()
//	onnxPath := m.Path(hub.DefaultONNXFile)
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/gomlx/semseg/pkg/support/fsutil"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// DefaultEndpoint of the HuggingFace hub.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultRevision is the branch used when none is given.
	DefaultRevision = "main"

	// AuthTokenEnv is the environment variable read by the entry points for the authentication token.
	AuthTokenEnv = "HF_TOKEN"

	// ConfigFile holds the model configuration (labels, sizes).
	ConfigFile = "config.json"

	// DefaultONNXFile is where the ONNX exports of transformers models are usually stored.
	DefaultONNXFile = "onnx/model.onnx"

	// InfoFile is the file with the information about the model.
	// The info about a model is fetched once and cached on this file, to prevent going to the network.
	InfoFile = "_info_.json"
)

// DefaultFiles are the files required to run a pretrained model.
var DefaultFiles = []string{ConfigFile, imageproc.ConfigFile, DefaultONNXFile}

// Options for Resolve.
type Options struct {
	// CacheDir where downloaded models are stored, one subdirectory per model id.
	CacheDir string

	// AuthToken is the HuggingFace authentication token to be used when downloading the files.
	// Leave empty if not using one.
	AuthToken string

	// Revision (branch, tag or commit) to download. Defaults to DefaultRevision.
	Revision string

	// Endpoint of the hub. Defaults to DefaultEndpoint.
	Endpoint string

	// Files to make available locally. Defaults to DefaultFiles.
	Files []string

	// MaxParallelDownload indicates how many files to download at the same time. Default is 4.
	MaxParallelDownload int

	// Logger used to report download progress.
	Logger klog.Logger
}

// Model is a reference to a model stored in a local directory.
type Model struct {
	// ID may include owner/model. E.g.: nvidia/segformer-b0-finetuned-ade-512-512
	ID string

	// Dir is where the local copy of the model is stored.
	Dir string

	// Local is true if the ID was an existing directory, in which case nothing is downloaded.
	Local bool

	// Info downloaded from the hub. It is only available after DownloadInfo is called.
	Info *Info

	opts       Options
	downloader *Downloader
}

// Info holds information about a HuggingFace model, it is the json served when hitting the URL
// https://huggingface.co/api/models/<model_id>/revision/<revision>
type Info struct {
	ID       string      `json:"id"`
	SHA      string      `json:"sha"`
	Tags     []string    `json:"tags"`
	Siblings []*FileInfo `json:"siblings"`
}

// FileInfo represents one of the model files, in the Info structure.
type FileInfo struct {
	Name string `json:"rfilename"`
}

// HasFile returns whether the model info lists the given file.
func (info *Info) HasFile(name string) bool {
	for _, si := range info.Siblings {
		if si.Name == name {
			return true
		}
	}
	return false
}

// New creates a reference to a model given its id, without downloading anything.
//
// If id is an existing directory, it is used as is. Otherwise, the id is taken as a hub identifier
// (owner/model) and the local copy is stored in opts.CacheDir, suffixed with the id (after
// converting "/" to "_"), so the same CacheDir can be used to hold different models.
func New(id string, opts Options) (*Model, error) {
	if id == "" {
		return nil, stages.Errorf(stages.StageConfig, "resolve model", "empty model identifier")
	}
	if opts.Revision == "" {
		opts.Revision = DefaultRevision
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	opts.Endpoint = strings.TrimSuffix(opts.Endpoint, "/")
	if len(opts.Files) == 0 {
		opts.Files = DefaultFiles
	}
	if opts.MaxParallelDownload <= 0 {
		opts.MaxParallelDownload = 4
	}

	localDir, err := fsutil.ResolveDir(id)
	if err != nil {
		return nil, stages.New(stages.StageModelLoad, "resolve model", err).At(id)
	}
	isDir, err := fsutil.IsDir(localDir)
	if err != nil {
		return nil, stages.New(stages.StageModelLoad, "resolve model", err).At(id)
	}
	if isDir {
		return &Model{ID: id, Dir: localDir, Local: true, opts: opts}, nil
	}
	if path.IsAbs(id) || strings.HasPrefix(id, ".") || strings.Contains(id, "..") {
		return nil, stages.Errorf(stages.StageModelLoad, "resolve model",
			"model directory %q not found", id).At(id)
	}
	if opts.CacheDir == "" {
		return nil, stages.Errorf(stages.StageConfig, "resolve model",
			"model %q is not a local directory and no cache directory was configured", id)
	}
	cacheDir, err := fsutil.ResolveDir(opts.CacheDir)
	if err != nil {
		return nil, stages.New(stages.StageConfig, "resolve model", err).At(opts.CacheDir)
	}
	return &Model{
		ID:         id,
		Dir:        filepath.Join(cacheDir, strings.ReplaceAll(id, "/", "_")),
		opts:       opts,
		downloader: NewDownloader(nil).WithAuthToken(opts.AuthToken),
	}, nil
}

// Resolve creates the model reference (see New) and makes sure all the requested files are available
// locally, downloading the missing ones.
func Resolve(ctx context.Context, id string, opts Options) (*Model, error) {
	m, err := New(id, opts)
	if err != nil {
		return nil, err
	}
	if err = m.Download(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the local path of one of the model files.
func (m *Model) Path(fileName string) string {
	return filepath.Join(m.Dir, filepath.FromSlash(fileName))
}

// Missing returns the requested files not yet available locally.
func (m *Model) Missing() ([]string, error) {
	var missing []string
	for _, name := range m.opts.Files {
		exists, err := fsutil.FileExists(m.Path(name))
		if err != nil {
			return nil, stages.New(stages.StageModelLoad, "resolve model", err).At(m.Path(name))
		}
		if !exists {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// DownloadInfo structure about the model, or read it from disk if it is cached locally already.
// It sets Model.Info with the downloaded information if successful.
func (m *Model) DownloadInfo(ctx context.Context) error {
	if m.Info != nil {
		return nil
	}
	if m.Local {
		return stages.Errorf(stages.StageModelLoad, "download model info", "model %q is a local directory", m.ID)
	}
	infoFilePath := filepath.Join(m.Dir, InfoFile)
	if exists, _ := fsutil.FileExists(infoFilePath); !exists {
		if err := m.downloader.Download(ctx, m.infoURL(), infoFilePath, nil); err != nil {
			return stages.Wrapf(stages.StageModelLoad, err, "failed to download info for model %q", m.ID)
		}
	}
	infoJson, err := os.ReadFile(infoFilePath)
	if err != nil {
		return stages.Wrapf(stages.StageModelLoad, err,
			"failed to read info for model from disk in %q, remove the file if you want to have it re-downloaded",
			infoFilePath)
	}
	var info Info
	if err = json.Unmarshal(infoJson, &info); err != nil {
		return stages.Wrapf(stages.StageModelLoad, err, "failed to parse info for model in %q (downloaded from %q)",
			infoFilePath, m.infoURL())
	}
	m.Info = &info
	return nil
}

// Download any of the requested files not available locally yet.
// Files are downloaded in parallel, and the first failure cancels the remaining downloads.
func (m *Model) Download(ctx context.Context) error {
	missing, err := m.Missing()
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	if m.Local {
		return stages.Errorf(stages.StageModelLoad, "resolve model",
			"local model directory is missing files %q", missing).At(m.Dir)
	}
	if err = fsutil.EnsureDir(m.Dir); err != nil {
		return stages.Wrapf(stages.StageModelLoad, err, "failed to create directory for model %q", m.ID)
	}
	if err = m.DownloadInfo(ctx); err != nil {
		return err
	}
	for _, name := range missing {
		if !m.Info.HasFile(name) {
			return stages.Errorf(stages.StageModelLoad, "resolve model",
				"model %q (revision %q) has no file %q", m.ID, m.opts.Revision, name)
		}
	}

	logger := m.opts.Logger
	var mu sync.Mutex
	var allFilesBytes uint64
	perFile := make(map[string]int64, len(missing))
	numDownloaded := 0
	lastPrintTime := time.Now()
	report := func(force bool) {
		if force || time.Since(lastPrintTime) > time.Second {
			logger.Info("downloading model", "model", m.ID, "files", fmt.Sprintf("%d/%d", numDownloaded, len(missing)),
				"downloaded", humanize.Bytes(allFilesBytes))
			lastPrintTime = time.Now()
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxParallelDownload)
	for _, name := range missing {
		g.Go(func() error {
			err := m.downloader.Download(gCtx, m.urlForFile(name), m.Path(name), func(downloadedBytes, _ int64) {
				mu.Lock()
				defer mu.Unlock()
				allFilesBytes += uint64(downloadedBytes - perFile[name])
				perFile[name] = downloadedBytes
				report(false)
			})
			if err != nil {
				return stages.Wrapf(stages.StageModelLoad, err, "failed to download %q for model %q", name, m.ID)
			}
			mu.Lock()
			numDownloaded++
			report(true)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Config reads the model configuration file.
func (m *Model) Config() (*ModelConfig, error) {
	return LoadModelConfig(m.Path(ConfigFile))
}

func (m *Model) infoURL() string {
	return fmt.Sprintf("%s/api/models/%s/revision/%s", m.opts.Endpoint, m.ID, m.opts.Revision)
}

func (m *Model) urlForFile(fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", m.opts.Endpoint, m.ID, m.opts.Revision, fileName)
}
