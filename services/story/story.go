// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package story assembles the rebirth narrative backend.
//
// # Description
//
// The story service coordinates every component of the game loop: the
// SQL story store, the model client chain, the image pipeline, the
// speculative expansion scheduler, the priming cache, and the HTTP
// routing that ties them together.
//
// # Integration
//
// The service supports dependency injection via extensions.ServiceOptions.
// Deployments supply a custom AuthProvider there; when opts is nil the
// service picks one from its own configuration (a fixed local identity
// when auth is disabled, HS256 JWT validation otherwise).
//
// # Usage
//
//	cfg := config.FromEnv()
//	svc, err := story.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package story

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/SamsaraWorks/RebirthBackend/pkg/extensions"
	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/engine"
	"github.com/SamsaraWorks/RebirthBackend/services/story/handlers"
	"github.com/SamsaraWorks/RebirthBackend/services/story/images"
	"github.com/SamsaraWorks/RebirthBackend/services/story/llm"
	"github.com/SamsaraWorks/RebirthBackend/services/story/moderation"
	"github.com/SamsaraWorks/RebirthBackend/services/story/observability"
	"github.com/SamsaraWorks/RebirthBackend/services/story/priming"
	"github.com/SamsaraWorks/RebirthBackend/services/story/routes"
	"github.com/SamsaraWorks/RebirthBackend/services/story/speculation"
	"github.com/SamsaraWorks/RebirthBackend/services/story/store"
)

// shutdownGrace bounds how long Run waits for speculation workers to
// drain after the server stops.
const shutdownGrace = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the story backend lifecycle. Run blocks until the server
// stops; Router exposes the configured engine for integration tests.
type Service interface {
	Run() error
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

// service wires the components together. All fields are read-only after
// New returns.
type service struct {
	config        config.Config
	opts          extensions.ServiceOptions
	router        *gin.Engine
	store         store.Store
	imageDB       *badger.DB
	imageSvc      *images.Service
	imageWatch    context.CancelFunc
	scheduler     *speculation.Scheduler
	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// New builds a ready-to-run story service.
//
// Initialization order matters: metrics first so every later component
// can record, then the store, the image pipeline, the model chain, and
// finally the router. Tracing is optional; an empty OTelEndpoint or an
// unreachable collector logs a warning and the service runs untraced.
//
// If opts is nil the auth provider is derived from cfg: a fixed local
// identity when AuthDisabled is set, JWT validation against the user
// table's token versions otherwise.
func New(cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &service{config: cfg}

	observability.InitMetrics()

	if cleanup, err := s.initTracer(); err != nil {
		slog.Warn("Tracing disabled", "error", err)
	} else {
		s.tracerCleanup = cleanup
	}

	if err := s.initStore(); err != nil {
		return nil, err
	}
	if err := s.initImages(); err != nil {
		s.cleanup()
		return nil, err
	}

	client, err := llm.New(cfg)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize model client: %w", err)
	}
	resilient := llm.NewResilient(client, cfg)

	eng := engine.New(resilient, s.imageSvc, cfg)
	s.scheduler = speculation.NewScheduler(s.store, eng, cfg)
	cache := priming.NewCache(cfg.FirstStoryCacheMaxEntries)
	checker := moderation.NewChecker(resilient)

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions().WithAuth(s.defaultAuthProvider())
	}

	h := handlers.New(s.store, eng, s.scheduler, cache, checker, resilient, cfg)
	s.initRouter(h)

	return s, nil
}

// Run starts the HTTP server and blocks until it stops. Resources are
// released on return.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	slog.Info("Starting story server",
		"addr", addr,
		"db_driver", s.config.DBDriver,
		"llm_backend", s.config.LLMBackend,
		"speculation_enabled", s.config.SpeculationEnabled,
	)
	return s.router.Run(addr)
}

// Router returns the configured Gin engine for integration tests.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Initialization
// =============================================================================

func (s *service) initStore() error {
	db, dialect, err := store.Open(s.config.DBDriver, s.config.DBDSN)
	if err != nil {
		return err
	}
	st, err := store.NewSQLStoryStore(db, dialect)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize story store: %w", err)
	}
	s.store = st
	slog.Info("Story store ready", "dialect", dialect)
	return nil
}

// initImages opens the badger index that deduplicates generated
// artifacts and starts the asset watcher that picks up externally added
// library images.
func (s *service) initImages() error {
	indexPath := filepath.Join(s.config.AssetsDir, "index")
	db, err := badger.Open(badger.DefaultOptions(indexPath).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("failed to open image index at %s: %w", indexPath, err)
	}
	s.imageDB = db

	svc, err := images.NewService(s.config, db)
	if err != nil {
		return fmt.Errorf("failed to initialize image service: %w", err)
	}
	s.imageSvc = svc

	watchCtx, cancel := context.WithCancel(context.Background())
	s.imageWatch = cancel
	if err := svc.Watch(watchCtx); err != nil {
		slog.Warn("Asset watcher unavailable, library additions require restart", "error", err)
	}
	return nil
}

// defaultAuthProvider picks the provider for deployments that do not
// inject one. The version lookup keys token revocation off the user
// row, so BumpTokenVersion invalidates outstanding tokens immediately.
func (s *service) defaultAuthProvider() extensions.AuthProvider {
	if s.config.AuthDisabled {
		slog.Warn("Authentication disabled, all requests run as the local user")
		return &extensions.NopAuthProvider{}
	}
	lookup := func(ctx context.Context, userID string) (int, error) {
		user, err := s.store.GetUserByID(ctx, userID)
		if err != nil {
			return 0, err
		}
		return user.TokenVersion, nil
	}
	return extensions.NewJWTAuthProvider(s.config.JWTSecret.Reveal(), lookup)
}

func (s *service) initRouter(h *handlers.Handlers) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("story-service"))

	routes.SetupRoutes(s.router, routes.Deps{
		Handlers:     h,
		AuthProvider: s.opts.AuthProvider,
		AssetsDir:    s.config.AssetsDir,
	})
}

// initTracer sets up the OTLP trace exporter. An empty endpoint means
// tracing is off; connection problems surface later and are non-fatal.
func (s *service) initTracer() (func(context.Context), error) {
	if s.config.OTelEndpoint == "" {
		return nil, fmt.Errorf("no collector endpoint configured")
	}
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("story-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// cleanup releases resources in reverse initialization order. Safe to
// call with partially initialized state.
func (s *service) cleanup() {
	if s.scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := s.scheduler.Shutdown(ctx); err != nil {
			slog.Warn("Speculation scheduler drain incomplete", "error", err)
		}
		cancel()
	}
	if s.imageWatch != nil {
		s.imageWatch()
	}
	if s.imageSvc != nil {
		s.imageSvc.Stop()
	}
	if s.imageDB != nil {
		if err := s.imageDB.Close(); err != nil {
			slog.Warn("Image index close error", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
