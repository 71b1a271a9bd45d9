// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracker assembles the pipeline execution tracker service: the
// record store, the definition registry, the event processor, the side
// effect dispatcher, the timeout sweeper and the HTTP API.
//
// # Usage
//
//	cfg, err := tracker.LoadConfigFile(path, tracker.ConfigFromEnv())
//	svc, err := tracker.New(cfg)
//	err = svc.Run(ctx)
//
// # Thread Safety
//
// New and Run are called once. Everything behind the router is safe for
// concurrent requests.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCD/pkg/extensions"
	"github.com/AleutianAI/AleutianCD/services/tracker/definitions"
	"github.com/AleutianAI/AleutianCD/services/tracker/handlers"
	"github.com/AleutianAI/AleutianCD/services/tracker/journal"
	"github.com/AleutianAI/AleutianCD/services/tracker/middleware"
	"github.com/AleutianAI/AleutianCD/services/tracker/notify"
	"github.com/AleutianAI/AleutianCD/services/tracker/observability"
	"github.com/AleutianAI/AleutianCD/services/tracker/processor"
	"github.com/AleutianAI/AleutianCD/services/tracker/routes"
	"github.com/AleutianAI/AleutianCD/services/tracker/scrub"
	"github.com/AleutianAI/AleutianCD/services/tracker/store"
	"github.com/AleutianAI/AleutianCD/services/tracker/sweep"
	"github.com/AleutianAI/AleutianCD/services/tracker/telemetry"
)

// Service is the runnable tracker.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts everything down.
	//
	// # Outputs
	//
	//   - error: Listener failures. A clean shutdown returns nil.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine for tests.
	Router() *gin.Engine

	// Close releases every resource. Safe to call after Run.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the service configuration. Zero values are replaced by
// applyConfigDefaults.
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int `yaml:"port"`

	// DataDir is the BadgerDB directory. Default: ./data/tracker
	DataDir string `yaml:"data_dir"`
	// InMemory keeps records in RAM only.
	InMemory bool `yaml:"in_memory"`

	// DefinitionsPath is the pipeline definitions YAML. Required.
	DefinitionsPath string `yaml:"definitions_path"`
	// WatchDefinitions reloads the definitions file on change. Default: true
	WatchDefinitions *bool `yaml:"watch_definitions"`

	// JournalPath is the transition journal. Empty disables the journal.
	JournalPath string `yaml:"journal_path"`

	// TokenFile enables bearer token auth. Empty means every caller is
	// the local admin.
	TokenFile string `yaml:"token_file"`
	// CallbackSecret is the X-Callback-Token runners must present.
	CallbackSecret string `yaml:"callback_secret"`
	// AuthzRules maps actions to the roles allowed to perform them.
	// Default: trigger and stop need the operator role.
	AuthzRules map[string][]string `yaml:"authz_rules"`

	// InFlightPolicy is "reject" or "supersede". Default: reject
	InFlightPolicy string `yaml:"in_flight_policy"`

	// Scrub redacts secrets from results, comments and stop reasons.
	// Default: true
	Scrub *bool `yaml:"scrub"`
	// ScrubPatternsPath replaces the built-in redaction patterns.
	ScrubPatternsPath string `yaml:"scrub_patterns_path"`

	// NotifyWebhookURL receives stage notifications. Empty logs them.
	NotifyWebhookURL string `yaml:"notify_webhook_url"`
	// OutcomeWebhookURL receives terminal outcomes. Empty logs them.
	OutcomeWebhookURL string `yaml:"outcome_webhook_url"`
	// WebhookSecret is sent as X-Webhook-Token.
	WebhookSecret string `yaml:"webhook_secret"`
	// DeliveryRatePerSecond limits webhook deliveries. 0 disables.
	DeliveryRatePerSecond float64 `yaml:"delivery_rate_per_second"`

	// SweepInterval between timeout sweeps. Default: 1m
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// RunningDeadline bounds RUNNING stages. Default: 24h
	RunningDeadline time.Duration `yaml:"running_deadline"`
	// AuditDeadline bounds open gates. Default: 72h
	AuditDeadline time.Duration `yaml:"audit_deadline"`
	// Retention deletes terminal executions older than this. 0 keeps all.
	Retention time.Duration `yaml:"retention"`

	// TraceExporter is "otlp", "stdout" or "none". Default: none
	TraceExporter string `yaml:"trace_exporter"`
	// OTelEndpoint is the OTLP gRPC collector. Default: localhost:4317
	OTelEndpoint string `yaml:"otel_endpoint"`
	// Environment is reported as deployment.environment.
	Environment string `yaml:"environment"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/tracker"
	}
	if cfg.WatchDefinitions == nil {
		watch := true
		cfg.WatchDefinitions = &watch
	}
	if cfg.AuthzRules == nil {
		cfg.AuthzRules = map[string][]string{
			handlers.ActionTrigger: {extensions.RoleOperator},
			handlers.ActionStop:    {extensions.RoleOperator},
		}
	}
	if cfg.InFlightPolicy == "" {
		cfg.InFlightPolicy = "reject"
	}
	if cfg.Scrub == nil {
		enabled := true
		cfg.Scrub = &enabled
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RunningDeadline == 0 {
		cfg.RunningDeadline = 24 * time.Hour
	}
	if cfg.AuditDeadline == 0 {
		cfg.AuditDeadline = 72 * time.Hour
	}
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = "none"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "localhost:4317"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return cfg
}

// LoadConfigFile overlays the YAML file at path onto base. Keys absent from
// the file keep base's values. An empty path returns base unchanged.
func LoadConfigFile(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// =============================================================================
// Service
// =============================================================================

type service struct {
	config Config
	logger *slog.Logger

	registry    *prometheus.Registry
	metrics     *observability.Metrics
	telShutdown func(context.Context) error

	store      store.RecordStore
	defs       *definitions.Registry
	watcher    *definitions.Watcher
	journal    journal.Journal
	dispatcher *notify.Dispatcher
	processor  *processor.Processor
	sweeper    *sweep.Sweeper

	router *gin.Engine
	cancel context.CancelFunc
}

// New builds the service from cfg.
//
// # Description
//
// Opens the store, loads definitions, starts the dispatcher, the processor
// redelivery worker, the definitions watcher and the sweeper, and builds
// the router. Anything started is torn down again if a later step fails.
//
// # Inputs
//
//   - cfg: Configuration. Zero values take defaults.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if any collaborator could not be created.
func New(cfg Config) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if cfg.DefinitionsPath == "" {
		return nil, errors.New("definitions path is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &service{
		config: cfg,
		logger: slog.Default(),
		cancel: cancel,
	}

	s.initMetrics()
	if err := s.initTelemetry(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := s.initStore(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	if err := s.initDefinitions(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load pipeline definitions: %w", err)
	}
	if err := s.initJournal(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	s.initDispatcher()
	if err := s.initProcessor(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}
	if err := s.initSweeper(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start sweeper: %w", err)
	}
	opts, err := s.serviceOptions()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to configure auth: %w", err)
	}
	s.initRouter(opts)
	return s, nil
}

func (s *service) initMetrics() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)
}

func (s *service) initTelemetry(ctx context.Context) error {
	tcfg := telemetry.DefaultConfig()
	tcfg.TraceExporter = s.config.TraceExporter
	tcfg.MetricExporter = "prometheus"
	tcfg.OTLPEndpoint = s.config.OTelEndpoint
	tcfg.Environment = s.config.Environment
	tcfg.Registerer = s.registry
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	s.telShutdown = shutdown
	return nil
}

func (s *service) initStore() error {
	scfg := store.DefaultConfig(s.config.DataDir)
	if s.config.InMemory {
		scfg = store.InMemoryConfig()
	}
	scfg.Logger = s.logger.With("component", "badger")
	st, err := store.Open(scfg)
	if err != nil {
		return err
	}
	s.store = st
	s.logger.Info("record store opened", "path", s.config.DataDir, "in_memory", s.config.InMemory)
	return nil
}

func (s *service) initDefinitions(ctx context.Context) error {
	defs, err := definitions.Load(s.config.DefinitionsPath)
	if err != nil {
		return err
	}
	s.defs = defs
	s.logger.Info("pipeline definitions loaded",
		"path", s.config.DefinitionsPath,
		"count", len(defs.List()))

	if !*s.config.WatchDefinitions {
		return nil
	}
	w, err := definitions.NewWatcher(defs, nil)
	if err != nil {
		s.logger.Warn("definitions hot reload disabled", "error", err)
		return nil
	}
	s.watcher = w
	go w.Run(ctx)
	return nil
}

func (s *service) initJournal() error {
	if s.config.JournalPath == "" {
		s.journal = journal.NopJournal{}
		return nil
	}
	j, err := journal.Open(s.config.JournalPath)
	if err != nil {
		return err
	}
	s.journal = j
	s.logger.Info("transition journal opened", "path", j.Path(), "sequence", j.Sequence())
	return nil
}

func (s *service) initDispatcher() {
	var notifier notify.Notifier = notify.LogNotifier{Logger: s.logger}
	if s.config.NotifyWebhookURL != "" {
		notifier = &notify.WebhookNotifier{Client: notify.NewWebhookClient(s.config.NotifyWebhookURL, s.config.WebhookSecret)}
	}
	var emitter notify.Emitter = notify.LogEmitter{Logger: s.logger}
	if s.config.OutcomeWebhookURL != "" {
		emitter = &notify.WebhookEmitter{Client: notify.NewWebhookClient(s.config.OutcomeWebhookURL, s.config.WebhookSecret)}
	}
	s.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
		RatePerSecond: s.config.DeliveryRatePerSecond,
	}, notifier, emitter, s.logger)
	s.dispatcher.SetHook(s.metrics.RecordDelivery)
	s.dispatcher.Start()
}

func (s *service) initProcessor() error {
	policy, err := processor.PolicyByName(s.config.InFlightPolicy)
	if err != nil {
		return err
	}
	var scrubber *scrub.Scrubber
	if *s.config.Scrub {
		if s.config.ScrubPatternsPath != "" {
			scrubber, err = scrub.Load(s.config.ScrubPatternsPath)
		} else {
			scrubber, err = scrub.New()
		}
		if err != nil {
			return err
		}
	}
	p, err := processor.New(processor.Config{InFlightPolicy: policy}, processor.Deps{
		Store:       s.store,
		Definitions: s.defs,
		Effects:     s.dispatcher,
		Journal:     s.journal,
		Metrics:     s.metrics,
		Instruments: telemetry.DefaultInstruments(),
		Logger:      s.logger,
		Scrubber:    scrubber,
	})
	if err != nil {
		return err
	}
	p.Start()
	s.processor = p
	return nil
}

func (s *service) initSweeper(ctx context.Context) error {
	scfg := sweep.DefaultConfig()
	scfg.Interval = s.config.SweepInterval
	scfg.RunningDeadline = s.config.RunningDeadline
	scfg.AuditDeadline = s.config.AuditDeadline
	scfg.Retention = s.config.Retention
	s.sweeper = sweep.New(scfg, s.store, s.processor, s.metrics, s.logger)
	if err := s.sweeper.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("timeout sweeper started",
		"interval", scfg.Interval.String(),
		"running_deadline", scfg.RunningDeadline.String(),
		"audit_deadline", scfg.AuditDeadline.String(),
		"retention", scfg.Retention.String())
	return nil
}

func (s *service) serviceOptions() (extensions.ServiceOptions, error) {
	opts := extensions.DefaultOptions().
		WithAudit(extensions.NewSlogAuditLogger(s.logger)).
		WithAuthz(extensions.NewRoleAuthzProvider(s.config.AuthzRules))
	if s.config.TokenFile == "" {
		s.logger.Warn("no token file configured, every caller is treated as the local admin")
		return opts, nil
	}
	tokens, err := extensions.LoadTokenFile(s.config.TokenFile)
	if err != nil {
		return opts, err
	}
	return opts.WithAuth(tokens), nil
}

func (s *service) initRouter(opts extensions.ServiceOptions) {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("cd-tracker"))
	s.router.Use(middleware.RequestLogger(s.logger))
	routes.SetupRoutes(s.router, routes.Deps{
		Service:        s.processor,
		Definitions:    s.defs,
		Options:        opts,
		CallbackSecret: s.config.CallbackSecret,
		Gatherer:       s.registry,
		Health: map[string]handlers.HealthChecker{
			"store": func(ctx context.Context) error {
				_, err := s.store.ListPipelines(ctx, store.Filter{Limit: 1})
				return err
			},
		},
	})
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting tracker server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down tracker server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown error", "error", err)
	}
	return nil
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close implements Service. Components stop in reverse start order so no
// committed effect is lost.
func (s *service) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	} else {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.sweeper != nil {
		if err := s.sweeper.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("sweeper: %w", err))
		}
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("definitions watcher: %w", err))
		}
	}
	if s.processor != nil {
		if err := s.processor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("processor: %w", err))
		}
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if s.telShutdown != nil {
		if err := s.telShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

var _ Service = (*service)(nil)
