package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"gorm.io/gorm"

	"github.com/memtensor/dynabot/pkg/analytics"
	"github.com/memtensor/dynabot/pkg/config"
	"github.com/memtensor/dynabot/pkg/database"
	"github.com/memtensor/dynabot/pkg/engine"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/learning"
	"github.com/memtensor/dynabot/pkg/llm"
	"github.com/memtensor/dynabot/pkg/logger"
	"github.com/memtensor/dynabot/pkg/memory"
	"github.com/memtensor/dynabot/pkg/metrics"
	"github.com/memtensor/dynabot/pkg/nlp"
	"github.com/memtensor/dynabot/pkg/responder"
	"github.com/memtensor/dynabot/pkg/session"
)

// app owns every long-lived component built from one configuration
type app struct {
	cfg      *config.Config
	logger   interfaces.Logger
	metrics  interfaces.Metrics
	db       *gorm.DB
	engine   *engine.Engine
	sessions session.Store

	closers []func() error
}

// sweeper is implemented by session stores that hold expiring contexts in memory
type sweeper interface {
	Sweep() int
}

func loadConfig(path, envFile string) (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func initializeLogger(cfg config.LogConfig) (interfaces.Logger, error) {
	return logger.New(logger.Options{Level: cfg.Level, Format: cfg.Format, File: cfg.File})
}

// openDatabase is replaced in tests to observe the connection the app owns
var openDatabase = database.Open

// newApp wires storage, learning, generation, sessions and analytics into an engine.
// Everything opened before a failure is released before the error is returned.
func newApp(ctx context.Context, cfg *config.Config, log interfaces.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log, metrics: metrics.NewNoOpMetrics()}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	if cfg.Metrics.Enabled {
		provider, perr := metrics.NewMeterProvider(ctx, cfg.Metrics, Version)
		if perr != nil {
			log.Warn("metrics export disabled", map[string]interface{}{"error": perr.Error()})
		} else {
			otel.SetMeterProvider(provider)
			a.metrics = metrics.NewOTelMetrics(provider, log)
			a.onClose(func() error { return shutdownProvider(provider) })
		}
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db
	a.onClose(func() error { return database.Close(a.db) })

	conversations := memory.NewStore(a.db, memory.WithLogger(log), memory.WithMetrics(a.metrics))
	if err := conversations.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate conversation store: %w", err)
	}

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(a.metrics),
	}

	if cfg.Learning.Enabled {
		learner, lerr := learning.NewStore(a.db, cfg.Learning, learning.WithLogger(log), learning.WithMetrics(a.metrics))
		if lerr != nil {
			return fmt.Errorf("failed to create learning store: %w", lerr)
		}
		a.onClose(learner.Close)
		if err := learner.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate learning store: %w", err)
		}
		opts = append(opts, engine.WithLearning(learner))
	}

	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create llm backend: %w", err)
	}
	if generator != nil {
		a.onClose(generator.Close)
		log.Info("llm generation enabled", map[string]interface{}{"backend": cfg.LLM.Backend, "model": cfg.LLM.Model})
	}
	opts = append(opts, engine.WithResponder(responder.New(
		responder.WithName(cfg.Chatbot.Name),
		responder.WithLLM(generator),
		responder.WithLogger(log),
	)))

	analyzerOpts := []nlp.Option{nlp.WithLogger(log), nlp.WithFeatures(cfg.NLP)}
	embedder, err := llm.NewEmbedder(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	if embedder != nil {
		analyzerOpts = append(analyzerOpts, nlp.WithEmbedder(embedder))
	}
	opts = append(opts, engine.WithAnalyzer(nlp.NewAnalyzer(analyzerOpts...)))

	a.sessions = session.NewStore(cfg.Session, time.Now, log)
	if c, ok := a.sessions.(io.Closer); ok {
		a.onClose(c.Close)
	}
	opts = append(opts, engine.WithSessionStore(a.sessions))

	collector, drain := analytics.NewFromConfig(cfg.Analytics, log)
	a.onClose(func() error { drain(); return nil })
	opts = append(opts, engine.WithAnalytics(collector))

	a.engine = engine.New(cfg.Chatbot, conversations, opts...)
	return nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// sweepSessions drops expired in-memory sessions
func (a *app) sweepSessions() int {
	s, ok := a.sessions.(sweeper)
	if !ok {
		return 0
	}
	removed := s.Sweep()
	if removed > 0 {
		a.logger.Debug("expired sessions removed", map[string]interface{}{"count": removed})
	}
	return removed
}

// Close releases resources in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to release resource", map[string]interface{}{"error": err.Error()})
		}
	}
	a.closers = nil
}

func shutdownProvider(p *sdkmetric.MeterProvider) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Shutdown(ctx)
}
