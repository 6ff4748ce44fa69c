// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command composerd starts the Cadenza composition API server.
//
// Cadenza iterates on musical compositions: it generates a score from a
// project spec, renders it, analyzes the result, and revises it from
// interpreted feedback, recording every version in an append-only ledger.
//
// Usage:
//
//	go run ./cmd/composerd
//	go run ./cmd/composerd -config composer.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8642/healthz
//
//	# Create a project
//	curl -X POST http://localhost:8642/api/v1/projects \
//	  -H "Content-Type: application/json" \
//	  -d '{"name":"quartet","spec":{"title":"Quartet in C","tempo":96,"instrumentation":["violin I","violin II","viola","cello"],"form":[{"label":"A","measures":4}]}}'
//
//	# Generate the first version
//	curl -X POST http://localhost:8642/api/v1/projects/<id>/generate
//
//	# Revise from feedback
//	curl -X POST http://localhost:8642/api/v1/projects/<id>/revise \
//	  -H "Content-Type: application/json" \
//	  -d '{"feedback":"add drama to measures 2-3"}'
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cadenzalab/cadenza/pkg/logging"
	"github.com/cadenzalab/cadenza/services/composer"
	"github.com/cadenzalab/cadenza/services/composer/config"
	"github.com/cadenzalab/cadenza/services/composer/extern"
	"github.com/cadenzalab/cadenza/services/composer/handlers"
	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "composerd",
		JSON:    cfg.Log.JSON,
	})
	if err != nil {
		slog.Error("failed to initialize logging", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := buildService(cfg, logger.Slog())
	if err != nil {
		logger.Error("failed to build service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer svc.Close()

	router := gin.New()
	router.Use(gin.Recovery())
	if *debug {
		router.Use(gin.Logger())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.New(svc, logger.Slog()).Register(router)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting composer server", slog.String("address", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down composer server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", slog.String("error", err.Error()))
	}
}

// buildService assembles the composer service from configuration.
func buildService(cfg config.Config, logger *slog.Logger) (*composer.Service, error) {
	dbCfg := badgerdb.DefaultConfig(cfg.DataDir)
	if cfg.InMemory {
		dbCfg = badgerdb.InMemoryConfig()
	}
	dbCfg.Logger = logger
	db, err := badgerdb.Open(dbCfg)
	if err != nil {
		return nil, err
	}

	var bridge extern.NotationBridge
	if cfg.Renderer.Binary != "" {
		bridge = extern.NewProcessBridge(cfg.Renderer.Binary, cfg.Renderer.Args,
			extern.WithRenderTimeout(cfg.Renderer.Timeout),
			extern.WithRenderRate(cfg.Renderer.RatePerSecond),
		)
		logger.Info("using external renderer", slog.String("binary", cfg.Renderer.Binary))
	}

	var interpreter extern.FeedbackInterpreter
	if cfg.Interpreter.Provider == "openai" {
		interpreter = extern.NewOpenAIInterpreter(cfg.Interpreter.APIKey, cfg.Interpreter.Model)
		logger.Info("using OpenAI feedback interpreter")
	}

	return composer.New(composer.Options{
		DB:                db,
		Bridge:            bridge,
		Interpreter:       interpreter,
		MaxRenderAttempts: cfg.MaxRenderAttempts,
		Logger:            logger,
	})
}
