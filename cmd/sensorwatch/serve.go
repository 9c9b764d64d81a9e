package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gustycube/sensorwatch/internal/health"
	"github.com/gustycube/sensorwatch/internal/metrics"
	"github.com/gustycube/sensorwatch/internal/pipeline"
	"github.com/gustycube/sensorwatch/internal/queue"
	"github.com/gustycube/sensorwatch/internal/scheduler"
	"github.com/gustycube/sensorwatch/internal/upload"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run analyses on a schedule and serve metrics, health and status",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Duration("interval", 0, "time between scheduled runs (default from config, 1h)")
	serveCmd.Flags().Duration("initial-delay", 0, "delay before the first run (default from config, 30s)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	extra := map[string]any{}
	if d, ok := durationFlag(cmd, "interval"); ok {
		extra["interval"] = d
	}
	if d, ok := durationFlag(cmd, "initial-delay"); ok {
		extra["initial_delay"] = d
	}
	cfg, err := loadConfig(cmd, extra)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log
	a.initTelemetry(ctx)

	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	sched := scheduler.New(orch, cfg.Schedule.Interval.D(), cfg.Schedule.InitialDelay.D(), log)

	if hu, ok := a.uploader.(*upload.HTTPUploader); ok {
		go func() {
			if n, err := hu.Drain(ctx); err != nil {
				log.Warnw("spool drain incomplete", "sent", n, "err", err)
			} else if n > 0 {
				log.Infow("spooled reports delivered", "sent", n)
			}
		}()
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("version", version)
	healthHandler.SetMetadata("window", a.window.String())
	maxAge := 2*cfg.Schedule.Interval.D() + cfg.Schedule.InitialDelay.D()
	healthHandler.RegisterChecker("last_run", health.NewLastRunChecker(func() (health.RunReport, bool) {
		run := orch.LastRun()
		if run == nil {
			return health.RunReport{}, false
		}
		return health.RunReport{Failed: run.Status == pipeline.RunFailed, Degraded: run.Degraded(), Error: run.Error, Finished: run.End}, true
	}, maxAge))

	if cfg.RedisAddr != "" {
		var ping func(context.Context) error
		if a.redis != nil {
			ping = a.redis.Ping
		}
		healthHandler.RegisterChecker("redis", health.NewPingChecker("redis", ping))
	}

	if a.breakers != nil {
		healthHandler.RegisterChecker("model_endpoints", health.NewBreakerChecker(a.breakers.Stats))
	}

	if cfg.RemoteTriggers {
		q, err := queue.NewRedis(cfg.RedisAddr, cfg.RedisTriggerKey, 5*time.Second)
		if err != nil {
			return err
		}
		defer q.Close()
		if n, err := q.Recover(ctx); err != nil {
			log.Warnw("trigger recovery failed", "err", err)
		} else if n > 0 {
			log.Infow("recovered unacked triggers", "count", n)
		}
		sched.WithRemote(q)
		healthHandler.RegisterChecker("trigger_queue", health.NewPingChecker("trigger queue", q.Ping))
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = &http.Server{
			Addr: cfg.MetricsAddr,
			Handler: metrics.Mux(healthHandler, map[string]http.Handler{
				"/status": statusHandler(sched),
				"/run":    runHandler(sched),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go metrics.Serve(srv, log)
		log.Infow("metrics, health and status server started", "addr", cfg.MetricsAddr)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	healthHandler.SetReady(true)
	log.Infow("sensorwatch serving", "interval", cfg.Schedule.Interval, "window", a.window.String(), "remote_triggers", cfg.RemoteTriggers)

	<-ctx.Done()
	log.Infow("shutting down")
	healthHandler.SetReady(false)
	sched.Stop()
	select {
	case <-sched.Done():
	case <-time.After(cfg.Model.Timeout.D() + cfg.Backend.BulkTimeout.D()):
		log.Warnw("in-flight run did not finish before shutdown")
	}
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}
	log.Infow("shutdown complete")
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusHandler(s *scheduler.Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.Status())
	})
}

func runHandler(s *scheduler.Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		err := s.TriggerNow()
		switch {
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			writeJSON(w, http.StatusConflict, map[string]string{"message": "analysis already running"})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "trigger failed", "error": err.Error()})
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"message": "analysis started"})
		}
	})
}
