// Package prompt supplies the analysis instructions sent to the model.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// Default is used when no configured source can be read.
const Default = `Analyze the provided network sensor traffic and provide insights on:

1. SECURITY ANALYSIS:
   - Identify potential security threats or suspicious activities
   - Analyze traffic patterns for anomalies
   - Detect unusual geographic access patterns
   - Identify potential DDoS or brute force attacks

2. TRAFFIC ANALYSIS:
   - Analyze traffic volume and patterns
   - Identify geographic distribution
   - Sensor usage analysis

3. OPERATIONAL INSIGHTS:
   - Error rates and failure patterns
   - Capacity planning recommendations

4. RECOMMENDATIONS:
   - Security improvements
   - Monitoring and alerting suggestions
`

var errEmpty = errors.New("prompt is empty")

// Source returns the current analysis instructions.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

// Static always returns the same text.
type Static string

func (s Static) Fetch(context.Context) (string, error) { return string(s), nil }

// FileSource reads the prompt from a local file on every fetch.
type FileSource struct{ Path string }

func (f FileSource) Fetch(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return nonEmpty(string(b))
}

// GCSSource reads the prompt from an object in a bucket.
type GCSSource struct {
	client *storage.Client
	bucket string
	object string
}

func NewGCSSource(client *storage.Client, bucket, object string) *GCSSource {
	return &GCSSource{client: client, bucket: bucket, object: object}
}

func (g *GCSSource) Fetch(ctx context.Context) (string, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("open gs://%s/%s: %w", g.bucket, g.object, err)
	}
	defer r.Close()
	b, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read gs://%s/%s: %w", g.bucket, g.object, err)
	}
	return nonEmpty(string(b))
}

func nonEmpty(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", errEmpty
	}
	return s, nil
}

const cacheKey = "prompt"

// Cached remembers a successful fetch for ttl. Failures are not cached.
type Cached struct {
	src Source
	lru *expirable.LRU[string, string]
}

func NewCached(src Source, ttl time.Duration) *Cached {
	return &Cached{src: src, lru: expirable.NewLRU[string, string](1, nil, ttl)}
}

func (c *Cached) Fetch(ctx context.Context) (string, error) {
	if v, ok := c.lru.Get(cacheKey); ok {
		return v, nil
	}
	v, err := c.src.Fetch(ctx)
	if err != nil {
		return "", err
	}
	c.lru.Add(cacheKey, v)
	return v, nil
}

// Invalidate forces the next Fetch to hit the underlying source.
func (c *Cached) Invalidate() { c.lru.Purge() }

// WithDefault falls back to fallback when src fails. It never returns an error.
type WithDefault struct {
	src      Source
	fallback string
	log      *zap.SugaredLogger
}

func NewWithDefault(src Source, fallback string, log *zap.SugaredLogger) *WithDefault {
	if fallback == "" {
		fallback = Default
	}
	return &WithDefault{src: src, fallback: fallback, log: log}
}

func (w *WithDefault) Fetch(ctx context.Context) (string, error) {
	if w.src == nil {
		return w.fallback, nil
	}
	v, err := w.src.Fetch(ctx)
	if err != nil {
		w.log.Warnw("prompt source failed, using built-in prompt", "err", err)
		return w.fallback, nil
	}
	return v, nil
}
