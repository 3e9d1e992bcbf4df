// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bot is the composition root: it wires the storage, vault,
// cache, session, pipeline, conversation and ingest layers into one
// runnable service.
//
// # Description
//
// New builds the full object graph from a validated Config. Run starts
// the websocket ingest loop and the HTTP sidecar (health, metrics,
// chart files) and blocks until the context is cancelled, then drains
// the lanes and closes the store.
//
//	svc, err := bot.New(cfg)
//	if err != nil { ... }
//	err = svc.Run(ctx)
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/onebit-support/askbot/pkg/config"
	"github.com/onebit-support/askbot/services/bot/cache"
	"github.com/onebit-support/askbot/services/bot/conversation"
	"github.com/onebit-support/askbot/services/bot/ingest"
	"github.com/onebit-support/askbot/services/bot/mappings"
	"github.com/onebit-support/askbot/services/bot/observability"
	"github.com/onebit-support/askbot/services/bot/pipeline"
	"github.com/onebit-support/askbot/services/bot/session"
	"github.com/onebit-support/askbot/services/bot/storage"
	"github.com/onebit-support/askbot/services/bot/vault"
	"github.com/onebit-support/askbot/services/chart"
	"github.com/onebit-support/askbot/services/jira"
	"github.com/onebit-support/askbot/services/llm"
	"github.com/onebit-support/askbot/services/mattermost"
)

// Service runs the assembled bot.
type Service struct {
	cfg     *config.Config
	db      databaseCloser
	channel *ingest.Channel
	lanes   *conversation.Lanes
	router  *gin.Engine
	metrics *observability.Metrics

	renderer *chart.FileRenderer
	stopGC   chan struct{}

	traceCleanup func(context.Context)
}

type databaseCloser interface {
	Close() error
}

// New wires the full service from a validated configuration.
func New(cfg *config.Config) (*Service, error) {
	svc := &Service{cfg: cfg, stopGC: make(chan struct{})}

	reg := prometheus.NewRegistry()
	svc.metrics = observability.NewMetrics(reg)

	storeCfg := storage.DefaultConfig(cfg.CacheDir)
	db, err := storage.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("bot: open store: %w", err)
	}
	svc.db = db
	go storage.RunGC(db, storeCfg, svc.stopGC)

	credVault, err := vault.New(db, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("bot: init vault: %w", err)
	}
	gateway, err := cache.New(db, cfg.CacheTTL, cfg.CacheMaxEntries)
	if err != nil {
		return nil, fmt.Errorf("bot: init cache: %w", err)
	}
	sessions, err := session.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("bot: init sessions: %w", err)
	}
	mapStore := mappings.NewStore(db)

	llmClient, err := llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	if err != nil {
		return nil, fmt.Errorf("bot: init llm client: %w", err)
	}
	translator := llm.NewJQLTranslator(llmClient)
	tracker := jira.NewRESTClient(cfg.JiraURL, 0)
	mmClient := mattermost.NewClient(cfg.MattermostURL, cfg.MattermostToken, 10*time.Second)

	svc.renderer, err = chart.NewFileRenderer(cfg.ChartDir, cfg.ChartURLPrefix)
	if err != nil {
		return nil, fmt.Errorf("bot: init chart renderer: %w", err)
	}

	runner, err := pipeline.New(pipeline.Options{
		Translator:  translator,
		Searcher:    tracker,
		Credentials: credVault,
		Cache:       gateway,
		Renderer:    svc.renderer,
		Lookup:      mapStore,
		Sessions:    sessions,
		Metrics:     svc.metrics,
		CacheTTL:    cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := conversation.NewDispatcher(conversation.Options{
		Sessions:        sessions,
		Vault:           credVault,
		Credentials:     credVault,
		Tracker:         tracker,
		Runner:          runner,
		Cache:           gateway,
		Mappings:        mapStore,
		Replier:         mmClient,
		MaxAuthAttempts: cfg.AuthMaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	svc.lanes, err = conversation.NewLanes(conversation.LaneOptions{
		Handler:       dispatcher.Handle,
		Metrics:       svc.metrics,
		MaxConcurrent: cfg.MaxConcurrentPipelines,
		QueueSize:     cfg.LaneQueueSize,
		ShutdownGrace: cfg.ShutdownGrace,
	})
	if err != nil {
		return nil, err
	}

	me, err := mmClient.Me(context.Background())
	if err != nil {
		return nil, fmt.Errorf("bot: resolve bot account: %w", err)
	}
	wsURL, err := mmClient.WebSocketURL()
	if err != nil {
		return nil, fmt.Errorf("bot: websocket url: %w", err)
	}
	svc.channel, err = ingest.New(ingest.Options{
		URL:       wsURL,
		Token:     mmClient.Token(),
		BotUserID: me.ID,
		Metrics:   svc.metrics,
		Sink: func(ctx context.Context, msg ingest.Message) error {
			return svc.lanes.Submit(msg)
		},
	})
	if err != nil {
		return nil, err
	}

	svc.initRouter(reg)
	return svc, nil
}

// Run starts tracing, ingest and the HTTP sidecar, then blocks until
// ctx is cancelled and the service has shut down.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.OTLPEndpoint != "" {
		cleanup, err := s.initTracer(s.cfg.OTLPEndpoint)
		if err != nil {
			slog.Warn("Tracing disabled, collector unreachable", "error", err)
		} else {
			s.traceCleanup = cleanup
		}
	}

	httpSrv := &http.Server{
		Addr:    ":" + s.cfg.HTTPPort,
		Handler: s.router,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	go s.renderer.RunSweeper(s.cfg.ChartTTL, time.Hour, s.stopGC)

	s.channel.Start(ctx)
	slog.Info("askbot is running",
		"bot", s.cfg.BotName,
		"http_port", s.cfg.HTTPPort)

	<-ctx.Done()
	slog.Info("Shutting down")
	return s.shutdown(httpSrv)
}

func (s *Service) shutdown(httpSrv *http.Server) error {
	s.channel.Stop()
	s.lanes.Close()
	close(s.stopGC)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if s.traceCleanup != nil {
		s.traceCleanup(ctx)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("bot: close store: %w", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

// Router exposes the configured HTTP engine for integration testing.
func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) initRouter(reg *prometheus.Registry) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("askbot"))

	router.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok", "websocket": s.channel.Live()}
		if !s.channel.Live() {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.Static("/charts", s.cfg.ChartDir)

	s.router = router
}

// initTracer sets up the OTLP span exporter against the collector.
// The connection is insecure gRPC, for collectors on the same network.
func (s *Service) initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("bot: grpc connection: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("bot: trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("askbot")))
	if err != nil {
		return nil, fmt.Errorf("bot: trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down OTLP exporter", "error", err)
		}
	}, nil
}
