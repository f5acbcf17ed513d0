// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ProgressCallback is called as a download progresses, with the number of bytes downloaded
// so far and the total size (0 if not known yet).
type ProgressCallback func(downloadedBytes, totalBytes int64)

// Downloader fetches URLs to local files, with optional authentication.
type Downloader struct {
	client               *http.Client
	authToken, userAgent string
}

// NewDownloader creates a Downloader using the given HTTP client (http.DefaultClient if nil).
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{client: client, userAgent: "semseg"}
}

// WithAuthToken sets the authentication token to use in the requests.
// It is passed in the header "Authorization" and prefixed with "Bearer ".
func (d *Downloader) WithAuthToken(authToken string) *Downloader {
	d.authToken = authToken
	return d
}

// WithUserAgent sets the user agent to use.
func (d *Downloader) WithUserAgent(userAgent string) *Downloader {
	d.userAgent = userAgent
	return d
}

// Download url to filePath. The contents are first written to filePath+".downloading" and
// renamed once complete, so an interrupted download never leaves a truncated file behind.
// The download is aborted if ctx is cancelled.
func (d *Downloader) Download(ctx context.Context, url, filePath string, callback ProgressCallback) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "failed creating request for %q", url)
	}
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed downloading %q: bad status code %d %q", url, resp.StatusCode,
			resp.Header.Get("X-Error-Message"))
	}

	tmpPath := filePath + ".downloading"
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	written, err := io.Copy(file, &progressReader{r: resp.Body, total: resp.ContentLength, callback: callback})
	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed closing file %q", tmpPath)
	}
	if err == nil && resp.ContentLength > 0 && written != resp.ContentLength {
		err = errors.Errorf("downloaded %d bytes, expected %d", written, resp.ContentLength)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.WithMessagef(err, "failed downloading %q to %q", url, filePath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to rename file %q", tmpPath)
	}
	return nil
}

type progressReader struct {
	r          io.Reader
	downloaded int64
	total      int64
	callback   ProgressCallback
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.r.Read(p)
	pr.downloaded += int64(n)
	if pr.callback != nil && n > 0 {
		pr.callback(pr.downloaded, max(pr.total, 0))
	}
	return
}

// String implements fmt.Stringer.
func (d *Downloader) String() string {
	return fmt.Sprintf("Downloader(auth=%v)", d.authToken != "")
}
