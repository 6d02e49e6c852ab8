// Package callscribe assembles the server from configuration: providers,
// persistence, the session orchestrator, the browser transport and the
// lifecycle runner.
package callscribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callscribe/pkg/audio"
	"github.com/harunnryd/callscribe/pkg/config"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/redact"
	"github.com/harunnryd/callscribe/pkg/registry"
	"github.com/harunnryd/callscribe/pkg/runner"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/store"
	"github.com/harunnryd/callscribe/pkg/transcription"
	"github.com/harunnryd/callscribe/pkg/transports/browser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type EngineOptions struct {
	Config    config.Config
	Providers *ProviderRegistry
	// Metrics receives every collector; nil means a fresh registry.
	Metrics *prometheus.Registry
}

type Engine struct {
	cfg         config.Config
	store       store.Store
	transcriber *transcription.Adapter
	orch        *session.Orchestrator
	transport   *browser.Transport
	runner      *runner.LifecycleRunner
	logger      *slog.Logger
}

type purger interface {
	Purge(maxAge time.Duration) (int, error)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Providers == nil {
		return nil, errors.New("provider registry required")
	}
	cfg := opts.Config
	logger := logging.NewComponentLogger(slog.Default(), "engine")
	redact.SetEnabled(cfg.Privacy.RedactPII)

	reg := opts.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(reg)

	provider, enabled, err := opts.Providers.BuildSTT(cfg.Transcription)
	if err != nil {
		return nil, fmt.Errorf("build stt provider: %w", err)
	}
	if !enabled {
		logger.Warn("stt_disabled",
			slog.String("provider", cfg.Transcription.Provider),
			slog.String("reason_code", string(errorsx.ReasonSTTDisabled)))
	}
	transcriber := transcription.New(provider, enabled, transcription.Options{
		Retries:          cfg.Transcription.Retries,
		RetryBackoff:     millis(cfg.Transcription.RetryBackoffMS),
		CircuitThreshold: cfg.Transcription.CircuitThreshold,
		CircuitCooldown:  millis(cfg.Transcription.CircuitCooldownMS),
		StopTimeout:      millis(cfg.Session.StopTimeoutMS),
	})

	st, err := opts.Providers.BuildStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	if st == nil {
		logger.Warn("persistence_disabled", slog.String("provider", cfg.Store.Provider))
	} else if p, ok := st.(purger); ok && cfg.Store.RetentionDays > 0 {
		maxAge := time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour
		if n, err := p.Purge(maxAge); err != nil {
			logger.Warn("store_purge_failed", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("store_purged", slog.Int("removed", n), slog.Int("retention_days", cfg.Store.RetentionDays))
		}
	}

	orch := session.New(session.Deps{
		Registry:    registry.New(millis(cfg.Server.WriteTimeoutMS)),
		Audio:       audio.NewStore(),
		Transcriber: transcriber,
		Store:       st,
		Metrics:     m,
	}, session.Config{
		AckEvery:    cfg.Session.AckEvery,
		StatsEvery:  cfg.Session.StatsEvery,
		EventBuffer: cfg.Session.EventBuffer,
	})

	tr := browser.New(browser.Config{
		Addr:           cfg.Server.Addr,
		WebsocketPath:  cfg.Server.WebsocketPath,
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadLimitBytes: cfg.Server.ReadLimitBytes,
		HistoryLimit:   cfg.Store.HistoryLimit,
		Version:        runner.Version,
	}, orch, st, reg)

	e := &Engine{
		cfg:         cfg,
		store:       st,
		transcriber: transcriber,
		orch:        orch,
		transport:   tr,
		logger:      logger,
	}
	e.runner = runner.NewLifecycleRunner(tr, runner.Hooks{
		OnStart: e.start,
		OnStop:  e.closeStore,
	}, millis(cfg.Server.DrainTimeoutMS))
	return e, nil
}

// Run serves until ctx is cancelled, then drains.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Transport() *browser.Transport { return e.transport }

func (e *Engine) State() runner.State { return e.runner.State() }

func (e *Engine) start(ctx context.Context) error {
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	storeName := "none"
	if e.store != nil {
		storeName = e.store.Name()
	}
	e.logger.Info("engine_started",
		slog.String("environment", e.cfg.Environment),
		slog.String("stt_provider", e.transcriber.ProviderName()),
		slog.Bool("transcription_enabled", e.transcriber.Enabled()),
		slog.String("store", storeName))
	return nil
}

func (e *Engine) closeStore() {
	if e.store == nil {
		return
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("store_close_failed", slog.String("error", err.Error()))
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
