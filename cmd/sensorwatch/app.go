package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gustycube/sensorwatch/internal/analytics"
	"github.com/gustycube/sensorwatch/internal/assess"
	"github.com/gustycube/sensorwatch/internal/circuitbreaker"
	"github.com/gustycube/sensorwatch/internal/config"
	"github.com/gustycube/sensorwatch/internal/dedup"
	"github.com/gustycube/sensorwatch/internal/httpclient"
	"github.com/gustycube/sensorwatch/internal/llm"
	"github.com/gustycube/sensorwatch/internal/logging"
	"github.com/gustycube/sensorwatch/internal/pipeline"
	"github.com/gustycube/sensorwatch/internal/prompt"
	"github.com/gustycube/sensorwatch/internal/report"
	"github.com/gustycube/sensorwatch/internal/rpc"
	"github.com/gustycube/sensorwatch/internal/telemetry"
	"github.com/gustycube/sensorwatch/internal/upload"
	"google.golang.org/api/option"
)

// app holds everything a command may need. Only what the command touches is built.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	window  analytics.Window
	client  *rpc.Client
	backend *analytics.RPCBackend

	redis    *dedup.Redis
	breakers *httpclient.ResilientClient
	gcs      *storage.Client
	uploader upload.Uploader
	orch     *pipeline.Orchestrator
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logging.New(cfg.LogLevel)
	w, err := analytics.ParseWindow(cfg.Analytics.Window)
	if err != nil {
		return nil, err
	}
	client := rpc.New(rpc.Config{
		Command:         cfg.Backend.Command,
		Env:             cfg.Backend.Env,
		Dir:             cfg.Backend.Dir,
		QueryTimeout:    cfg.Backend.QueryTimeout.D(),
		BulkTimeout:     cfg.Backend.BulkTimeout.D(),
		SpawnsPerSecond: cfg.Backend.SpawnsPerSecond,
		ClientVersion:   version,
	}, log)
	a := &app{cfg: cfg, log: log, window: w, client: client, backend: analytics.NewRPCBackend(client)}
	a.closers = append(a.closers, func() { _ = log.Sync() })
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) initTelemetry(ctx context.Context) {
	shutdown, err := telemetry.Init(ctx, a.cfg.OTELEndpoint, a.cfg.OTELService, a.cfg.OTELInsecure)
	if err != nil {
		a.log.Warnw("otel init failed", "err", err)
		return
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	})
}

func (a *app) storageClient(ctx context.Context) (*storage.Client, error) {
	if a.gcs != nil {
		return a.gcs, nil
	}
	var opts []option.ClientOption
	if a.cfg.GCSCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(a.cfg.GCSCredentialsFile))
	}
	c, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	a.gcs = c
	a.closers = append(a.closers, func() { _ = c.Close() })
	return c, nil
}

func (a *app) dedup() dedup.Interface {
	if a.cfg.RedisAddr == "" {
		a.log.Infow("memory dedup enabled")
		return dedup.NewMemory()
	}
	rd, err := dedup.NewRedis(a.cfg.RedisAddr, a.cfg.Analytics.DedupTTL.D(), a.log)
	if err != nil {
		a.log.Warnw("redis dedup unavailable, using memory", "addr", a.cfg.RedisAddr, "err", err)
		return dedup.NewMemory()
	}
	a.redis = rd
	a.closers = append(a.closers, func() { _ = rd.Close() })
	a.log.Infow("redis dedup enabled", "addr", a.cfg.RedisAddr)
	return rd
}

func (a *app) prompts(ctx context.Context) prompt.Source {
	var src prompt.Source
	switch p := a.cfg.Prompt; {
	case p.GCSBucket != "":
		gcs, err := a.storageClient(ctx)
		if err != nil {
			a.log.Warnw("prompt bucket unavailable, using built-in prompt", "err", err)
			break
		}
		src = prompt.NewCached(prompt.NewGCSSource(gcs, p.GCSBucket, p.GCSObject), p.CacheTTL.D())
	case p.File != "":
		src = prompt.NewCached(prompt.FileSource{Path: p.File}, p.CacheTTL.D())
	}
	return prompt.NewWithDefault(src, prompt.Default, a.log)
}

func (a *app) model() llm.ChatModel {
	m := a.cfg.Model
	if len(m.Endpoints) == 0 {
		a.log.Infow("no model endpoints configured, assessments are rule-derived")
		return nil
	}
	breaker := circuitbreaker.DefaultConfig()
	breaker.Timeout = m.BreakerTimeout.D()
	doer := httpclient.NewResilientClient(httpclient.Default(m.Timeout.D()), breaker, a.log)
	a.breakers = doer
	chat, err := llm.NewOpenAIChat(m.Endpoints, doer, llm.Options{
		Temperature:    m.Temperature,
		MaxTokens:      m.MaxTokens,
		AttemptTimeout: m.AttemptTimeout.D(),
	}, a.log)
	if err != nil {
		a.log.Warnw("model unavailable, assessments are rule-derived", "err", err)
		return nil
	}
	return chat
}

func (a *app) assessor(ctx context.Context) (*assess.Assessor, error) {
	opts := assess.Options{
		DenyFormat:     a.cfg.Model.DenyFormat,
		DenyFormat6:    a.cfg.Model.DenyFormat6,
		VerifyCommands: a.cfg.Model.VerifyCommands,
		Timeout:        a.cfg.Model.Timeout.D(),
		TopN:           a.cfg.Report.TopN,
	}
	if a.cfg.Model.TemplateFile != "" {
		b, err := os.ReadFile(a.cfg.Model.TemplateFile)
		if err != nil {
			return nil, fmt.Errorf("prompt template: %w", err)
		}
		opts.Template = string(b)
	}
	return assess.New(a.model(), a.prompts(ctx), opts, a.log), nil
}

func (a *app) buildUploader(ctx context.Context) upload.Uploader {
	u := a.cfg.Upload
	switch {
	case u.Endpoint != "":
		a.log.Infow("http upload enabled", "endpoint", u.Endpoint)
		a.uploader = upload.NewHTTPUploader(u.Endpoint, httpclient.Default(30*time.Second), u.SpoolDir, u.MaxElapsed.D(), a.log)
	case u.GCSBucket != "":
		gcs, err := a.storageClient(ctx)
		if err != nil {
			a.log.Warnw("upload bucket unavailable, uploads disabled", "err", err)
			a.uploader = upload.Noop{}
			break
		}
		a.log.Infow("gcs upload enabled", "bucket", u.GCSBucket, "prefix", u.GCSPrefix)
		a.uploader = upload.NewGCSUploader(gcs, u.GCSBucket, u.GCSPrefix, a.log)
	default:
		a.uploader = upload.Noop{}
	}
	return a.uploader
}

// orchestrator wires the whole pipeline.
func (a *app) orchestrator(ctx context.Context) (*pipeline.Orchestrator, error) {
	an := a.cfg.Analytics
	agg := analytics.NewAggregator(a.backend, an.Rules, analytics.Options{
		GroupLimit:   an.GroupLimit,
		AddressRange: an.AddressRange,
		AddressLimit: an.AddressLimit,
		Concurrency:  an.Concurrency,
	}, a.dedup(), a.log)
	as, err := a.assessor(ctx)
	if err != nil {
		return nil, err
	}
	a.orch = pipeline.New(pipeline.Deps{
		Aggregator: agg,
		Assessor:   as,
		Assembler:  report.NewAssembler(report.Options{Root: a.cfg.Report.Root, TopN: a.cfg.Report.TopN, Addresses: a.cfg.Report.Addresses}, a.log),
		Uploader:   a.buildUploader(ctx),
	}, pipeline.Options{Window: a.window, RunTimeout: a.cfg.Schedule.RunTimeout.D()}, a.log)
	return a.orch, nil
}
