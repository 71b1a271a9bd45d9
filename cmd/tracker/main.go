// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tracker runs the pipeline execution tracker.
//
// Configuration comes from environment variables, optionally overlaid by the
// YAML file named in TRACKER_CONFIG.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianCD/pkg/logging"
	"github.com/AleutianAI/AleutianCD/services/tracker"
)

func main() {
	level, ok := logging.ParseLevel(os.Getenv("LOG_LEVEL"))
	logger := logging.New(logging.Config{
		Level:   level,
		Service: "cd-tracker",
		JSON:    true,
		LogDir:  os.Getenv("TRACKER_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())
	if !ok {
		slog.Warn("unknown LOG_LEVEL, using info", "value", os.Getenv("LOG_LEVEL"))
	}

	cfg, err := tracker.LoadConfigFile(os.Getenv("TRACKER_CONFIG"), configFromEnv())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slog.Info("Starting tracker",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"in_memory", cfg.InMemory,
		"definitions", cfg.DefinitionsPath,
		"in_flight_policy", cfg.InFlightPolicy,
	)

	svc, err := tracker.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create tracker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		slog.Error("Tracker error", "error", err)
		logger.Close()
		os.Exit(1)
	}
	slog.Info("Tracker stopped")
}

func configFromEnv() tracker.Config {
	return tracker.Config{
		Port:                  getEnvInt("TRACKER_PORT", 12310),
		DataDir:               getEnvString("TRACKER_DATA_DIR", "./data/tracker"),
		InMemory:              getEnvBool("TRACKER_IN_MEMORY", false),
		DefinitionsPath:       getEnvString("TRACKER_DEFINITIONS", "./pipelines.yaml"),
		JournalPath:           os.Getenv("TRACKER_JOURNAL"),
		TokenFile:             os.Getenv("TRACKER_TOKEN_FILE"),
		CallbackSecret:        os.Getenv("TRACKER_CALLBACK_SECRET"),
		InFlightPolicy:        getEnvString("TRACKER_IN_FLIGHT_POLICY", "reject"),
		ScrubPatternsPath:     os.Getenv("TRACKER_SCRUB_PATTERNS"),
		NotifyWebhookURL:      os.Getenv("TRACKER_NOTIFY_WEBHOOK_URL"),
		OutcomeWebhookURL:     os.Getenv("TRACKER_OUTCOME_WEBHOOK_URL"),
		WebhookSecret:         os.Getenv("TRACKER_WEBHOOK_SECRET"),
		DeliveryRatePerSecond: getEnvFloat("TRACKER_DELIVERY_RATE", 0),
		SweepInterval:         getEnvDuration("TRACKER_SWEEP_INTERVAL", time.Minute),
		RunningDeadline:       getEnvDuration("TRACKER_RUNNING_DEADLINE", 24*time.Hour),
		AuditDeadline:         getEnvDuration("TRACKER_AUDIT_DEADLINE", 72*time.Hour),
		Retention:             getEnvDuration("TRACKER_RETENTION", 0),
		TraceExporter:         getEnvString("TRACKER_TRACE_EXPORTER", "none"),
		OTelEndpoint:          getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:           getEnvString("TRACKER_ENVIRONMENT", "development"),
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
