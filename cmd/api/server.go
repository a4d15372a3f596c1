package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/tool-gateway/internal/config"
	"github.com/capitalize-ai/tool-gateway/internal/conversation"
	"github.com/capitalize-ai/tool-gateway/internal/handler"
	"github.com/capitalize-ai/tool-gateway/internal/llm"
	"github.com/capitalize-ai/tool-gateway/internal/middleware"
	natsclient "github.com/capitalize-ai/tool-gateway/internal/nats"
	"github.com/capitalize-ai/tool-gateway/internal/providers"
	"github.com/capitalize-ai/tool-gateway/internal/ratelimit"
	"github.com/capitalize-ai/tool-gateway/internal/runtime"
	"github.com/capitalize-ai/tool-gateway/internal/tools"
	"github.com/capitalize-ai/tool-gateway/pkg/logger"
	"github.com/capitalize-ai/tool-gateway/pkg/tracing"
)

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.FromEnv(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return err
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", zap.Error(err))
		return err
	}

	log.Info("starting gateway", zap.String("llm_provider", cfg.LLMProvider))

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(ctx, tracing.Config{
			ServiceName: "tool-gateway",
			Endpoint:    cfg.TracingEndpoint,
			Insecure:    true,
			SampleRatio: cfg.TracingSampleRatio,
		})
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				shutdown(shutdownCtx)
			}()
		}
	}

	// Tools and their upstream providers
	providerOpts := providers.Options{
		HTTPClient: &http.Client{Timeout: cfg.ProviderHTTPTimeout},
		CacheTTL:   cfg.ProviderCacheTTL,
	}
	registry := tools.NewRegistry(
		tools.WithTimeout(cfg.ToolTimeout),
		tools.WithLogger(log.Named("tools")),
	)
	err = tools.RegisterCatalog(registry, tools.Sources{
		Weather: providers.NewOpenWeather(cfg.OpenWeatherAPIKey, cfg.OpenWeatherBaseURL, providerOpts),
		F1:      providers.NewOpenF1(cfg.OpenF1BaseURL, providerOpts),
		Stocks:  providers.NewAlphaVantage(cfg.AlphaVantageAPIKey, cfg.AlphaVantageBaseURL, providerOpts),
	})
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	// Model runtime
	var llmClient llm.Client
	if c, err := llm.NewClient(llm.Provider(cfg.LLMProvider), cfg.LLMAPIKey()); err != nil {
		log.Warn("LLM client unavailable, chat disabled", zap.Error(err))
	} else {
		llmClient = c
	}
	rt := runtime.New(llmClient, registry, runtime.Config{
		Model:            cfg.LLMModel,
		MaxTokens:        cfg.LLMMaxTokens,
		MaxSteps:         cfg.LLMMaxSteps,
		MaxParallelTools: cfg.MaxParallelTools,
	}, log.Named("runtime"))

	// Per-identity admission
	limiter := ratelimit.New(ratelimit.Config{
		Limit:         cfg.RateLimitRequests,
		Window:        cfg.RateLimitWindow,
		MaxIdentities: cfg.RateLimitMaxIdentities,
	})
	go limiter.Run(ctx, cfg.RateLimitSweepInterval)

	// Optional turn events
	var recorder handler.TurnRecorder = natsclient.NoopRecorder{}
	checks := []handler.ReadinessCheck{
		func() (bool, string) {
			if !rt.Ready() {
				return false, "LLM client not configured"
			}
			return true, ""
		},
	}
	if cfg.TurnEventsEnabled {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log.Named("nats"))
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			return err
		}
		defer natsClient.Close()

		if err := natsclient.EnsureStream(ctx, natsClient); err != nil {
			log.Error("failed to ensure stream", zap.Error(err))
			return err
		}
		recorder = natsclient.NewTurnPublisher(natsClient, log.Named("turns"))
		checks = append(checks, func() (bool, string) {
			if !natsClient.IsConnected() {
				return false, "NATS not connected"
			}
			return true, ""
		})
	}

	chat := handler.NewChatHandler(handler.ChatDeps{
		Authorizer: middleware.NewJWTAuthorizer(cfg.JWTSecret),
		Limiter:    limiter,
		Adapter:    conversation.NewAdapter(registry.Declarations()),
		Runner:     rt,
		Classifier: registry,
		Recorder:   recorder,
		Logger:     log.Named("chat"),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newRouter(cfg, log, chat, handler.NewHealthHandler(checks...)),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort), zap.Int("tools", registry.Len()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server error", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	log.Info("server stopped")
	return nil
}

func newRouter(cfg *config.Config, log *logger.Logger, chat *handler.ChatHandler, health *handler.HealthHandler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log.Named("http")))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(middleware.IPRateLimit(cfg.IPRateLimitRequests, cfg.IPRateLimitWindow))
		r.Post("/", chat.Chat)
		r.Options("/", chat.Preflight)
	})

	return r
}
