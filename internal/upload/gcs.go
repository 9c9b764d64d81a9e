package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/gustycube/sensorwatch/internal/metrics"
	"github.com/gustycube/sensorwatch/internal/report"
	"go.uber.org/zap"
)

// GCSUploader copies report files to gs://bucket/prefix/<run>/<file>.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
	log    *zap.SugaredLogger
}

func NewGCSUploader(client *storage.Client, bucket, prefix string, log *zap.SugaredLogger) *GCSUploader {
	if prefix == "" {
		prefix = "reports"
	}
	return &GCSUploader{client: client, bucket: bucket, prefix: prefix, log: log}
}

func (g *GCSUploader) Upload(ctx context.Context, loc report.Location) bool {
	run := filepath.Base(loc.Dir)
	for _, p := range loc.Files {
		name := ObjectName(g.prefix, run, filepath.Base(p))
		if err := g.uploadFile(ctx, p, name); err != nil {
			g.log.Warnw("gcs upload failed", "file", p, "object", name, "err", err)
			metrics.Uploads.WithLabelValues("failed").Inc()
			return false
		}
	}
	g.log.Infow("report uploaded", "bucket", g.bucket, "run", run, "files", len(loc.Files))
	metrics.Uploads.WithLabelValues("ok").Inc()
	return true
}

func (g *GCSUploader) uploadFile(ctx context.Context, localPath, object string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("copy to gs://%s/%s: %w", g.bucket, object, err)
	}
	return w.Close()
}

// ObjectName joins the object path with forward slashes regardless of OS.
func ObjectName(prefix, run, file string) string {
	return path.Join(prefix, run, file)
}
