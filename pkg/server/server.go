// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package server serves segmentation models over HTTP.
//
// Routes:
//
//   - POST /api/segment: multipart form with the image in the field "image". Query parameters:
//     "model" (model id, defaults to the first model), "mask_format" (only "png"),
//     "overlay" and "return_original" (booleans). Returns a SegmentResponse.
//   - GET /api/models: lists the models served, as a list of ModelInfo.
//   - GET /health: returns {"status": "healthy", "models": [...]}.
//
// Failures are returned as an ErrorResponse, with the HTTP status given by the stage of the error.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/semseg/pkg/imageproc"
	"github.com/gomlx/semseg/pkg/inference"
	"github.com/gomlx/semseg/pkg/palette"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"
)

// DefaultMaxUploadBytes is the largest image accepted if Options.MaxUploadBytes is not set.
const DefaultMaxUploadBytes = 10 << 20

// ModelInfo describes a model served.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Speed       string `json:"speed"`
	Accuracy    string `json:"accuracy"`
}

// Entry is a model served: its description and the pipeline running it.
type Entry struct {
	Info     ModelInfo
	Pipeline *inference.Pipeline
}

// Options of the Server.
type Options struct {
	// MaxUploadBytes is the largest image accepted. Default is DefaultMaxUploadBytes.
	MaxUploadBytes int64

	// MaxConcurrent is the number of segmentations running at a time. Default is 1.
	MaxConcurrent int

	// AllowedOrigins for CORS requests. Empty allows all origins.
	AllowedOrigins []string

	// OverlayOpacity of the colorized mask blended over the original image.
	OverlayOpacity float64
}

// Class present in a segmentation.
type Class struct {
	ID   int    `json:"id"`
	Name string `json:"name"`

	// Confidence is the share of the pixels predicted with the class.
	Confidence float64 `json:"confidence"`

	// Color of the class in the mask, as "#rrggbb".
	Color string `json:"color"`
}

// SegmentResponse is returned by POST /api/segment. Images are base64 encoded PNGs.
type SegmentResponse struct {
	Success   bool    `json:"success"`
	RequestID string  `json:"request_id"`
	Model     string  `json:"model"`
	Mask      string  `json:"mask"`
	Overlay   string  `json:"overlay,omitempty"`
	Original  string  `json:"original,omitempty"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Classes   []Class `json:"classes"`
}

// ErrorResponse is returned on failures.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Stage     string `json:"stage"`
	RequestID string `json:"request_id"`
}

// Server handles the segmentation requests.
type Server struct {
	entries []Entry
	opts    Options
	logger  klog.Logger
	sem     *semaphore.Weighted
	handler http.Handler
}

// New creates a Server for the given models. The first one is the default.
func New(entries []Entry, opts Options, logger klog.Logger) (*Server, error) {
	if len(entries) == 0 {
		return nil, stages.Errorf(stages.StageConfig, "create server", "no models to serve")
	}
	for ii, entry := range entries {
		if entry.Pipeline == nil {
			return nil, stages.Errorf(stages.StageConfig, "create server", "model %q has no pipeline", entry.Info.ID)
		}
		for _, previous := range entries[:ii] {
			if previous.Info.ID == entry.Info.ID {
				return nil, stages.Errorf(stages.StageConfig, "create server", "model %q listed twice", entry.Info.ID)
			}
		}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	opts.MaxConcurrent = max(opts.MaxConcurrent, 1)
	s := &Server{
		entries: entries,
		opts:    opts,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/segment", s.handleSegment)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	corsOpts := cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
	}
	if len(corsOpts.AllowedOrigins) == 0 {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	s.handler = cors.New(corsOpts).Handler(s.logRequests(mux))
	return s, nil
}

// Handler returns the http.Handler with all the routes.
func (s *Server) Handler() http.Handler { return s.handler }

// Models returns the description of the models served.
func (s *Server) Models() []ModelInfo {
	infos := make([]ModelInfo, len(s.entries))
	for ii, entry := range s.entries {
		infos[ii] = entry.Info
	}
	return infos
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("serving", "address", addr, "models", s.Models())
		errChan <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errChan:
		return stages.New(stages.StageDependency, "serve HTTP", err).At(addr)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return stages.New(stages.StageDependency, "shutdown HTTP server", err).At(addr)
	}
	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return stages.New(stages.StageDependency, "serve HTTP", err).At(addr)
	}
	return nil
}

// Close the models served.
func (s *Server) Close() error {
	var firstErr error
	for _, entry := range s.entries {
		if err := entry.Pipeline.Model().Close(); err != nil && firstErr == nil {
			firstErr = stages.New(stages.StageModelLoad, "close model", err).At(entry.Info.ID)
		}
	}
	return firstErr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.V(1).Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"elapsed", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ids := make([]string, len(s.entries))
	for ii, entry := range s.entries {
		ids[ii] = entry.Info.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "models": ids})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Models())
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set("X-Request-Id", requestID)
	resp, err := s.segment(w, r)
	if err != nil {
		status := stages.HTTPStatus(err)
		s.logger.Error(err, "segmentation request failed", "request_id", requestID, "status", status)
		writeJSON(w, status, ErrorResponse{
			Error:     err.Error(),
			Stage:     stages.StageOf(err).String(),
			RequestID: requestID,
		})
		return
	}
	resp.Success = true
	resp.RequestID = requestID
	writeJSON(w, http.StatusOK, resp)
}

func requestError(status int, format string, args ...any) error {
	return stages.Errorf(stages.StageAPIRequest, "parse request", format, args...).WithStatus(status)
}

// lookup returns the entry with the given id, matched also against the lowercase name of the model.
func (s *Server) lookup(id string) (*Entry, bool) {
	if id == "" {
		return &s.entries[0], true
	}
	for ii, entry := range s.entries {
		if entry.Info.ID == id || strings.ToLower(entry.Info.Name) == strings.ToLower(id) {
			return &s.entries[ii], true
		}
	}
	return nil, false
}

func parseBool(query map[string][]string, name string) (bool, error) {
	values := query[name]
	if len(values) == 0 || values[0] == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(values[0])
	if err != nil {
		return false, requestError(http.StatusBadRequest, "invalid value %q for %q, expected a boolean", values[0], name)
	}
	return value, nil
}

// readImage reads the "image" field of the multipart form, limited to MaxUploadBytes.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	maxBytes := s.opts.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20) // Room for the rest of the form.
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, requestError(http.StatusRequestEntityTooLarge, "upload larger than %d bytes", maxBytes)
		}
		return nil, requestError(http.StatusBadRequest, "failed to parse multipart form: %v", err)
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, requestError(http.StatusBadRequest, "no image file provided, use \"image\" as the form field name")
	}
	defer func() { _ = file.Close() }()
	if header.Size > maxBytes {
		return nil, requestError(http.StatusRequestEntityTooLarge, "image has %d bytes, the limit is %d", header.Size, maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, requestError(http.StatusBadRequest, "failed to read image: %v", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, requestError(http.StatusRequestEntityTooLarge, "image larger than %d bytes", maxBytes)
	}
	contentType := http.DetectContentType(data)
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if contentType != "image/jpeg" && contentType != "image/png" && !slices.Contains([]string{".jpg", ".jpeg", ".png"}, ext) {
		return nil, requestError(http.StatusUnsupportedMediaType, "unsupported image format %q, only JPEG and PNG are supported", contentType)
	}
	return data, nil
}

func (s *Server) segment(w http.ResponseWriter, r *http.Request) (*SegmentResponse, error) {
	query := r.URL.Query()
	entry, found := s.lookup(query.Get("model"))
	if !found {
		return nil, requestError(http.StatusBadRequest, "unknown model %q", query.Get("model"))
	}
	if format := query.Get("mask_format"); format != "" && format != "png" {
		return nil, requestError(http.StatusBadRequest, "unsupported mask_format %q, only \"png\" is supported", format)
	}
	withOverlay, err := parseBool(query, "overlay")
	if err != nil {
		return nil, err
	}
	withOriginal, err := parseBool(query, "return_original")
	if err != nil {
		return nil, err
	}
	data, err := s.readImage(w, r)
	if err != nil {
		return nil, err
	}
	img, err := imageproc.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, stages.New(stages.StagePreprocessing, "decode image", err)
	}

	ctx := r.Context()
	if err = s.sem.Acquire(ctx, 1); err != nil {
		return nil, stages.New(stages.StageAPIRequest, "wait for a free worker", err).WithStatus(http.StatusServiceUnavailable)
	}
	seg, err := entry.Pipeline.Segment(ctx, img)
	s.sem.Release(1)
	if err != nil {
		return nil, err
	}

	size := img.Bounds().Size()
	resp := &SegmentResponse{
		Model:   entry.Info.ID,
		Width:   size.X,
		Height:  size.Y,
		Classes: classes(seg.Labels.Counts(), len(seg.Labels.Labels), entry.Pipeline.Model().Labels(), entry.Pipeline.Palette()),
	}
	if resp.Mask, err = encodePNG(seg.Mask); err != nil {
		return nil, err
	}
	if withOverlay {
		if resp.Overlay, err = encodePNG(palette.Overlay(img, seg.Mask, s.opts.OverlayOpacity)); err != nil {
			return nil, err
		}
	}
	if withOriginal {
		if resp.Original, err = encodePNG(img); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// classes returns the classes present, sorted by their share of the pixels.
func classes(counts map[int32]int, total int, labels []string, pal palette.Palette) []Class {
	result := make([]Class, 0, len(counts))
	for label, count := range counts {
		name := strconv.Itoa(int(label))
		if int(label) < len(labels) {
			name = labels[label]
		}
		result = append(result, Class{
			ID:         int(label),
			Name:       name,
			Confidence: float64(count) / float64(max(total, 1)),
			Color:      pal.Hex(int(label)),
		})
	}
	slices.SortFunc(result, func(a, b Class) int {
		if a.Confidence != b.Confidence {
			if a.Confidence > b.Confidence {
				return -1
			}
			return 1
		}
		return a.ID - b.ID
	})
	return result
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", stages.New(stages.StagePostprocessing, "encode PNG", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
