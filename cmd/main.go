package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"

	"model-gateway/handler"
	"model-gateway/internal/auth"
	"model-gateway/internal/integrations/anthropic"
	"model-gateway/internal/integrations/gemini"
	"model-gateway/internal/integrations/ollama"
	"model-gateway/internal/integrations/openai"
	"model-gateway/internal/integrations/paramstore"
	"model-gateway/internal/pricing"
	"model-gateway/internal/provider"
	"model-gateway/internal/repository"
	"model-gateway/internal/usecase"
)

type ledger interface {
	usecase.TurnStore
	usecase.ConversationStore
}

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	backend := envString("LEDGER_BACKEND", "dynamodb")
	paramPrefix := os.Getenv("PARAM_PREFIX")
	listenAddr := envString("LISTEN_ADDR", ":8080")
	pricingFile := os.Getenv("PRICING_FILE")
	turnCfg := usecase.TurnConfig{
		MaxMessageLength:  envInt("MAX_MESSAGE_LENGTH", 32000),
		HistoryWindow:     envInt("HISTORY_WINDOW", 50),
		GenerationTimeout: envDuration("GENERATION_TIMEOUT", 5*time.Minute),
	}
	defaultMaxTokens := envInt("DEFAULT_MAX_TOKENS", 4096)
	turnsPerMinute := envInt("TURN_RATE_PER_MINUTE", 20)

	// ---- AWS SDK config ----
	var awsCfg aws.Config
	if backend == "dynamodb" || paramPrefix != "" {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			fatal("failed to load AWS config", err)
		}
	}

	// ---- Secrets ----
	var params *paramstore.Client
	if paramPrefix != "" {
		var err error
		params, err = paramstore.New(awsssm.NewFromConfig(awsCfg), paramPrefix)
		if err != nil {
			fatal("failed to create SSM client", err)
		}
	}
	secrets := secretLookup(ctx, params)

	// ---- Ledger ----
	var store ledger
	switch backend {
	case "dynamodb":
		c, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), mustEnv("STATE_TABLE"))
		if err != nil {
			fatal("failed to create dynamodb ledger", err)
		}
		store = c
	case "postgres":
		pool, err := pgxpool.New(ctx, mustEnv("DATABASE_URL"))
		if err != nil {
			fatal("failed to create postgres pool", err)
		}
		defer pool.Close()
		pg, err := repository.NewPostgres(pool)
		if err != nil {
			fatal("failed to create postgres ledger", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			fatal("failed to apply postgres schema", err)
		}
		store = pg
	default:
		fatal("unsupported ledger backend", fmt.Errorf("LEDGER_BACKEND=%q", backend))
	}

	// ---- Providers ----
	adapters, err := buildAdapters(secrets, streamingHTTPClient(), defaultMaxTokens)
	if err != nil {
		fatal("failed to build provider adapters", err)
	}
	registry, err := provider.NewRegistry(adapters...)
	if err != nil {
		fatal("failed to build provider registry", err)
	}
	slog.Info("providers configured", "providers", registry.Configured())

	prices := pricing.Default()
	if pricingFile != "" {
		if err := prices.LoadOverrides(pricingFile); err != nil {
			fatal("failed to load pricing overrides", err)
		}
	}

	// ---- Use cases ----
	turns, err := usecase.NewTurnService(store, registry, prices, turnCfg, logger)
	if err != nil {
		fatal("failed to create turn service", err)
	}
	convs, err := usecase.NewConversationService(store)
	if err != nil {
		fatal("failed to create conversation service", err)
	}

	jwtSecret := secrets("JWT_SECRET", "jwt")
	if jwtSecret == "" {
		fatal("JWT secret is not configured", errors.New("set JWT_SECRET or <PARAM_PREFIX>/jwt-token"))
	}
	verifier, err := auth.NewVerifier(jwtSecret)
	if err != nil {
		fatal("failed to create token verifier", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(handler.Deps{
		Turns:          turns,
		Conversations:  convs,
		Verifier:       verifier,
		Providers:      registry,
		Logger:         logger,
		TurnsPerMinute: turnsPerMinute,
	})
	if err != nil {
		fatal("failed to create handler", err)
	}

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		fn, err := handler.NewFunctionURLHandler(h)
		if err != nil {
			fatal("failed to create function url handler", err)
		}
		lambda.Start(fn.Handle)
		return
	}
	serve(listenAddr, h)
}

// serve runs the HTTP server until SIGINT or SIGTERM. No write timeout is set
// because turns stream for as long as generation runs.
func serve(addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "err", err)
		}
	}
}

// secretLookup resolves a secret from the environment first and then, when a
// parameter store is configured, from <prefix>/<key>-token.
func secretLookup(ctx context.Context, params *paramstore.Client) func(envKey, paramKey string) string {
	return func(envKey, paramKey string) string {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
		if params == nil {
			return ""
		}
		tok, err := params.Token(ctx, paramKey)
		if err != nil {
			if !errors.Is(err, paramstore.ErrNotFound) {
				slog.Warn("failed to read secret from parameter store", "key", paramKey, "err", err)
			}
			return ""
		}
		return tok
	}
}

// buildAdapters returns one adapter per provider that has credentials.
// Ollama needs no key and is enabled by OLLAMA_BASE_URL alone.
func buildAdapters(secret func(envKey, paramKey string) string, hc *http.Client, maxTokens int) ([]provider.Adapter, error) {
	var out []provider.Adapter

	if key := secret("ANTHROPIC_API_KEY", provider.Anthropic); key != "" {
		opts := []anthropic.Option{anthropic.WithHTTPClient(hc), anthropic.WithDefaultMaxTokens(maxTokens)}
		if base := os.Getenv("ANTHROPIC_BASE_URL"); base != "" {
			opts = append(opts, anthropic.WithBaseURL(base))
		}
		c, err := anthropic.NewClient(key, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	if key := secret("OPENAI_API_KEY", provider.OpenAI); key != "" {
		opts := []openai.Option{openai.WithHTTPClient(hc), openai.WithDefaultMaxTokens(maxTokens)}
		if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
			opts = append(opts, openai.WithBaseURL(base))
		}
		c, err := openai.NewClient(key, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	if key := secret("GOOGLE_GENERATIVE_AI_API_KEY", provider.Google); key != "" {
		opts := []gemini.Option{gemini.WithHTTPClient(hc), gemini.WithDefaultMaxTokens(maxTokens)}
		if base := os.Getenv("GEMINI_BASE_URL"); base != "" {
			opts = append(opts, gemini.WithBaseURL(base))
		}
		c, err := gemini.NewClient(key, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	if base := os.Getenv("OLLAMA_BASE_URL"); base != "" {
		c, err := ollama.NewClient(base, ollama.WithHTTPClient(hc))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// streamingHTTPClient bounds connection setup and time to first byte but not
// the body, which is read for the whole generation.
func streamingHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = 60 * time.Second
	return &http.Client{Transport: tr}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// parseLogLevel accepts DEBUG, INFO, WARN, WARNING and ERROR in any case and
// falls back to INFO.
func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
