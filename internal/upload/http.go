package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gustycube/sensorwatch/internal/metrics"
	"github.com/gustycube/sensorwatch/internal/report"
	"go.uber.org/zap"
)

// Doer is satisfied by *http.Client and httpclient.ResilientClient.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPUploader POSTs each report file to an ingest endpoint. Files that cannot be delivered
// are copied to a spool directory and retried by Drain.
type HTTPUploader struct {
	endpoint   string
	client     Doer
	spoolDir   string
	maxElapsed time.Duration
	log        *zap.SugaredLogger
}

func NewHTTPUploader(endpoint string, client Doer, spoolDir string, maxElapsed time.Duration, log *zap.SugaredLogger) *HTTPUploader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return &HTTPUploader{endpoint: endpoint, client: client, spoolDir: spoolDir, maxElapsed: maxElapsed, log: log}
}

func (u *HTTPUploader) Upload(ctx context.Context, loc report.Location) bool {
	run := filepath.Base(loc.Dir)
	ok := true
	for _, path := range loc.Files {
		body, err := os.ReadFile(path)
		if err != nil {
			u.log.Warnw("upload: read failed", "file", path, "err", err)
			ok = false
			continue
		}
		if err := u.post(ctx, run, filepath.Base(path), body); err != nil {
			u.log.Warnw("upload failed, spooling", "file", path, "err", err)
			u.spool(run, filepath.Base(path), body)
			ok = false
		}
	}
	if ok {
		metrics.Uploads.WithLabelValues("ok").Inc()
	} else {
		metrics.Uploads.WithLabelValues("failed").Inc()
	}
	return ok
}

func (u *HTTPUploader) post(ctx context.Context, run, name string, body []byte) error {
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Report-Run", run)
		req.Header.Set("X-Report-File", name)
		resp, err := u.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("bad status: %d", resp.StatusCode))
		default:
			return fmt.Errorf("bad status: %d", resp.StatusCode)
		}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = u.maxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (u *HTTPUploader) spool(run, name string, body []byte) {
	if u.spoolDir == "" {
		return
	}
	dir := filepath.Join(u.spoolDir, run)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		u.log.Errorw("spool mkdir", "err", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
		u.log.Errorw("spool write", "err", err)
	}
}

// Drain resends spooled files, removing each one that is accepted. It returns how many were sent.
func (u *HTTPUploader) Drain(ctx context.Context) (int, error) {
	if u.spoolDir == "" {
		return 0, nil
	}
	runs, err := os.ReadDir(u.spoolDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, r := range runs {
		if !r.IsDir() {
			continue
		}
		dir := filepath.Join(u.spoolDir, r.Name())
		files, _ := os.ReadDir(dir)
		for _, f := range files {
			p := filepath.Join(dir, f.Name())
			body, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			if err := u.post(ctx, r.Name(), f.Name(), body); err != nil {
				u.log.Warnw("spooled upload still failing", "file", p, "err", err)
				continue
			}
			_ = os.Remove(p)
			sent++
		}
		_ = os.Remove(dir) // only succeeds once empty
	}
	return sent, nil
}
