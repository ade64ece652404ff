// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianChat/services/chatengine/config"
	"github.com/AleutianAI/AleutianChat/services/chatengine/engine"
	"github.com/AleutianAI/AleutianChat/services/chatengine/observability"
	"github.com/AleutianAI/AleutianChat/services/chatengine/routes"
	"github.com/AleutianAI/AleutianChat/services/chatengine/store"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

func initTracer(otelEndpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chatengine-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := os.Getenv("CHATENGINE_CONFIG")
	if configPath == "" {
		configPath = "chatengine.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("FATAL: could not load configuration: %v", err)
	}

	// --- Init the tracer ---
	cleanup, err := initTracer(cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	notifier := store.NewNotifier()
	sessions := store.NewSessionStore(notifier)

	apiConf := engine.APIConfig{
		BaseURL:   cfg.Backend.BaseURL,
		CSRFToken: cfg.Backend.CSRFToken,
	}
	controller := engine.NewController(sessions, engine.Config{
		API:             apiConf,
		Sessions:        engine.NewHTTPSessionAPI(apiConf),
		Uploader:        engine.NewHTTPAttachmentUploader(apiConf),
		DebugMessageTTL: cfg.Chat.DebugMessageTTL,
	})
	controller.SwitchSession("", cfg.Chat.DefaultAgent)

	router := gin.Default()
	router.Use(otelgin.Middleware("chatengine-service"))
	routes.SetupRoutes(router, controller)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("Starting the chat engine server", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		// Reloads only log the new values. The live controller keeps its
		// startup wiring; a restart picks the rest up.
		return config.Watch(groupCtx, configPath, func(updated config.Config) {
			slog.Info("Configuration reloaded",
				"listen_addr", updated.Server.ListenAddr,
				"backend_url", updated.Backend.BaseURL,
				"default_agent", updated.Chat.DefaultAgent)
		})
	})

	group.Go(func() error {
		<-groupCtx.Done()

		slog.Info("Shutting down the chat engine")
		controller.DisposeAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Failed to run server: %v", err)
	}
}
