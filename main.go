package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/macromate/server/internal/agent/graph"
	"github.com/macromate/server/internal/agent/graph/conversations"
	"github.com/macromate/server/internal/agent/model"
	"github.com/macromate/server/internal/agent/nutrition"
	"github.com/macromate/server/internal/agent/repo"
	"github.com/macromate/server/internal/agent/stream"
	"github.com/macromate/server/internal/core"
	logx "github.com/macromate/server/pkg/logger"
	pkgredis "github.com/macromate/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the pipeline,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	// Infrastructure
	Redis       pkgredis.Config
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Pipeline configs
	Models       model.ModelsConfig `split_words:"true"`
	Conversation model.ConversationConfig
	Nutrition    model.NutritionConfig
	Checkpoint   model.CheckpointConfig
	Stream       model.StreamConfig
}

func main() {
	threadID := flag.String("thread", "", "conversation thread id (a new one is assigned when empty)")
	query := flag.String("query", "", "user question")
	image := flag.String("image", "", "meal photo: http(s) URL, data URI or local file path")
	var profile model.UserProfile
	flag.IntVar(&profile.Age, "age", 0, "profile: age in years")
	flag.Float64Var(&profile.WeightKg, "weight", 0, "profile: weight in kg")
	flag.Float64Var(&profile.HeightCm, "height", 0, "profile: height in cm")
	flag.StringVar(&profile.Gender, "gender", "", "profile: gender")
	flag.StringVar(&profile.BodyShape, "body-shape", "", "profile: body shape")
	conditions := flag.String("conditions", "", "profile: comma separated health conditions")
	goals := flag.String("goals", "", "profile: comma separated goals")
	flag.StringVar(&profile.Description, "notes", "", "profile: free-text notes")
	flag.Parse()
	profile.HealthConditions = splitList(*conditions)
	profile.Goals = splitList(*goals)

	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load .env file: %v\n", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to process environment config: %v\n", err)
		os.Exit(1)
	}
	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(cfg.Environment), Level: cfg.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *threadID, *query, *image, profile); err != nil {
		logx.Fatal().Err(err).Msg("pipeline run failed")
	}
}

func run(ctx context.Context, cfg AppConfig, threadID, query, imageArg string, profile model.UserProfile) error {
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		c, err := cfg.Redis.New(ctx)
		if err != nil {
			logx.Warn().Err(err).Msg("Redis unavailable, continuing with in-memory cache and checkpoints")
		} else {
			rdb = c
			defer rdb.Close()
			logx.Info().Msg("Connected to Redis successfully")
		}
	}

	// ====================================================
	// Nutrition lookup
	var cache nutrition.Cache = nutrition.NewMemoryCache(cfg.Nutrition.CacheSize, cfg.Nutrition.CacheTTL)
	if rdb != nil {
		cache = nutrition.NewRedisCache(rdb, cfg.Nutrition.CacheTTL)
	}
	usda := nutrition.NewUSDAClient(cfg.Nutrition.BaseURL, cfg.Nutrition.APIKey, cfg.Nutrition.PageSize, cfg.Nutrition.Timeout, nil)
	lookup := nutrition.NewService(usda, cache, cfg.Nutrition)

	// ====================================================
	// Checkpoints. A nil *redis.Client must not reach Open as a non-nil interface.
	var cmd redis.Cmdable
	if rdb != nil {
		cmd = rdb
	}
	store, resumable, err := repo.Open(ctx, cfg.Checkpoint, cmd)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	engine, err := graph.BuildEngine(ctx, graph.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Models:       cfg.Models.WithDefaults(),
		Conversation: cfg.Conversation,
		Nutrition:    lookup,
		Resumable:    resumable,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	locks := stream.NewLockRegistry(cfg.Stream.LockWaitTimeout, cfg.Stream.LockIdleTTL)
	defer locks.Close()
	orch, err := stream.NewOrchestrator(engine, store, conversations.NewMessagesManager(cfg.Conversation), locks, cfg.Stream)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	img, err := imageRef(imageArg)
	if err != nil {
		return err
	}
	if query == "" && img == nil {
		query = "Gợi ý cho tôi một bữa tối lành mạnh."
	}

	req := stream.Request{ThreadID: threadID, Image: img, UserQuery: query, Profile: profile}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := stream.WriteSSE(os.Stdout, orch.Stream(runCtx, req)); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logx.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}

// imageRef accepts a URL or data URI as-is and reads anything else from disk.
func imageRef(arg string) (*model.ImageRef, error) {
	arg = strings.TrimSpace(arg)
	switch {
	case arg == "":
		return nil, nil
	case strings.HasPrefix(arg, "http://"), strings.HasPrefix(arg, "https://"), strings.HasPrefix(arg, "data:"):
		return &model.ImageRef{URL: arg}, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return &model.ImageRef{Data: data, MIMEType: http.DetectContentType(data)}, nil
}

// splitList splits a comma separated flag value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
