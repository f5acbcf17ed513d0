// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gomlx/semseg/internal/imgtest"
	"github.com/gomlx/semseg/pkg/inference"
	"github.com/gomlx/semseg/pkg/models/modelstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func newTestServer(t *testing.T, opts Options) (*Server, *modelstest.Fake) {
	model := modelstest.New(4, 8)
	// Left half is label 1, right half label 2, at the model output resolution.
	model.LabelFn = func(x, _ int) int {
		if x < 4 {
			return 1
		}
		return 2
	}
	pipeline, err := inference.New(model, nil, inference.Options{}, klog.Background())
	require.NoError(t, err)
	s, err := New([]Entry{
		{Info: ModelInfo{ID: "b0", Name: "Fast", Description: "test model", Speed: "fast", Accuracy: "good"}, Pipeline: pipeline},
	}, opts, klog.Background())
	require.NoError(t, err)
	return s, model
}

func pngBytes(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, url, field, fileName string, contents []byte) *http.Request {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, fileName)
	require.NoError(t, err)
	_, err = part.Write(contents)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBase64PNG(t *testing.T, encoded string) image.Image {
	data, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestSegment(t *testing.T) {
	s, model := newTestServer(t, Options{OverlayOpacity: 0.5})
	req := multipartRequest(t, "/api/segment?overlay=true&return_original=true&mask_format=png",
		"image", "photo.png", pngBytes(t, imgtest.RGB(40, 20, 1)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, model.Calls())

	var resp SegmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "b0", resp.Model)
	assert.Equal(t, 40, resp.Width)
	assert.Equal(t, 20, resp.Height)
	assert.Equal(t, image.Pt(40, 20), decodeBase64PNG(t, resp.Mask).Bounds().Size())
	assert.Equal(t, image.Pt(40, 20), decodeBase64PNG(t, resp.Overlay).Bounds().Size())
	assert.Equal(t, image.Pt(40, 20), decodeBase64PNG(t, resp.Original).Bounds().Size())

	require.Len(t, resp.Classes, 2)
	for ii, class := range resp.Classes {
		assert.Equal(t, ii+1, class.ID)
		assert.Equal(t, model.Labels()[ii+1], class.Name)
		assert.InDelta(t, 0.5, class.Confidence, 1e-9)
		assert.Regexp(t, `^#[0-9a-f]{6}$`, class.Color)
	}
}

func TestSegmentOptionalImages(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	// Model can also be selected by its lowercase name.
	req := multipartRequest(t, "/api/segment?model=fast", "image", "photo.png", pngBytes(t, imgtest.RGB(16, 16, 2)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotContains(t, resp, "overlay")
	assert.NotContains(t, resp, "original")
	assert.Contains(t, resp, "mask")
}

func TestSegmentErrors(t *testing.T) {
	s, model := newTestServer(t, Options{MaxUploadBytes: 1 << 10})
	small := pngBytes(t, imgtest.RGB(8, 8, 0))
	large := append(pngBytes(t, imgtest.RGB(8, 8, 0)), make([]byte, 4<<10)...)
	for _, tc := range []struct {
		name   string
		req    *http.Request
		status int
		stage  string
	}{
		{"unknown model", multipartRequest(t, "/api/segment?model=huge", "image", "a.png", small),
			http.StatusBadRequest, "api_request"},
		{"bad mask format", multipartRequest(t, "/api/segment?mask_format=jpeg", "image", "a.png", small),
			http.StatusBadRequest, "api_request"},
		{"bad overlay flag", multipartRequest(t, "/api/segment?overlay=maybe", "image", "a.png", small),
			http.StatusBadRequest, "api_request"},
		{"missing field", multipartRequest(t, "/api/segment", "file", "a.png", small),
			http.StatusBadRequest, "api_request"},
		{"too large", multipartRequest(t, "/api/segment", "image", "a.png", large),
			http.StatusRequestEntityTooLarge, "api_request"},
		{"unsupported format", multipartRequest(t, "/api/segment", "image", "a.txt", []byte("hello world")),
			http.StatusUnsupportedMediaType, "api_request"},
		{"corrupt image", multipartRequest(t, "/api/segment", "image", "a.png", []byte("\x89PNG\r\n\x1a\nbroken")),
			http.StatusBadRequest, "preprocessing"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, tc.req)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.Equal(t, tc.stage, resp.Stage)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, rec.Header().Get("X-Request-Id"), resp.RequestID)
		})
	}
	assert.Equal(t, 0, model.Calls())
}

func TestSegmentModelFailure(t *testing.T) {
	s, model := newTestServer(t, Options{})
	model.Err = assert.AnError
	req := multipartRequest(t, "/api/segment", "image", "a.png", pngBytes(t, imgtest.RGB(8, 8, 0)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, assert.AnError.Error())
}

func TestModelsAndHealth(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []ModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	assert.Equal(t, []ModelInfo{{ID: "b0", Name: "Fast", Description: "test model", Speed: "fast", Accuracy: "good"}}, infos)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "healthy", "models": ["b0"]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/segment", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, Options{AllowedOrigins: []string{"http://localhost:5173"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/segment", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil, Options{}, klog.Background())
	require.Error(t, err)
	model := modelstest.New(3, 8)
	pipeline, err := inference.New(model, nil, inference.Options{}, klog.Background())
	require.NoError(t, err)
	entry := Entry{Info: ModelInfo{ID: "b0"}, Pipeline: pipeline}
	_, err = New([]Entry{entry, entry}, Options{}, klog.Background())
	require.Error(t, err)
	s, err := New([]Entry{entry}, Options{}, klog.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.True(t, model.Closed())
}
