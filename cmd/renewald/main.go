// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command renewald serves the renewal brief HTTP API.
//
// Configuration comes from a YAML file (-config or RENEWAL_CONFIG), a .env
// file in the working directory and environment variables, in increasing
// precedence. See package config for the variable list.
//
// # Usage
//
//	go build -o renewald ./cmd/renewald
//	./renewald -config renewal.yaml
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/logging"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("RENEWAL_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, closer := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Service: "renewald",
		JSON:    true,
		Output:  os.Stdout,
		LogDir:  cfg.Logging.LogDir,
	})
	defer closer.Close()
	slog.SetDefault(logger)

	slog.Info("Starting renewald",
		"port", cfg.Server.Port,
		"reasoner", cfg.Reasoner.Backend,
		"llm_backend", cfg.Reasoner.LLM.Backend,
		"weaviate_url", cfg.Storage.WeaviateURL,
		"auth", cfg.Auth.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := renewal.New(ctx, cfg, nil)
	if err != nil {
		slog.Error("Failed to create service", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server stopped", "error", err)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}
