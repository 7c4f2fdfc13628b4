package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avelins/paperscout/llm"
	"github.com/avelins/paperscout/notify"
	"github.com/avelins/paperscout/pipeline"
	"github.com/avelins/paperscout/scheduler"
	"github.com/avelins/paperscout/sources"
	"github.com/avelins/paperscout/store"
)

func main() {
	cfg := LoadConfig()
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg)
	defer st.Close()

	registry := sources.NewRegistry(sources.DefaultRegistryConfig(),
		sources.NewArxiv(),
		sources.NewScholar(),
		sources.NewPubMed(),
		sources.NewGitHub(cfg.GitHubToken),
	)

	gateway := buildGateway(cfg)
	pipe := pipeline.New(registry, gateway, pipeline.Config{
		UseAgentStrategy:      cfg.UseAgentStrategy,
		UseAgentAnalyze:       cfg.UseAgentAnalyze,
		UseAgentDecision:      cfg.UseAgentStrategy,
		MaxConcurrentAnalysis: cfg.MaxConcurrentAnalysis,
	})

	notifier := notify.New(st, cfg.TestUserOverride)
	workerCfg := scheduler.DefaultConfig()
	workerCfg.WorkerID = cfg.WorkerID
	workerCfg.PollInterval = cfg.PollInterval
	workerCfg.DryRun = cfg.DryRun
	worker := scheduler.NewWorker(st, pipe, notifier, workerCfg)

	go func() {
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			log.WithField("err", err).Error("worker loop exited")
		}
	}()

	api := NewAPI(st, pipe)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Router()}
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithField("err", err).Warn("http shutdown failed")
	}
}

// openStore picks Postgres when DATABASE_URL is set and falls back to the
// in-memory store for local runs.
func openStore(ctx context.Context, cfg Config) store.Store {
	if cfg.DatabaseURL == "" {
		log.Info("no DATABASE_URL, using in-memory store")
		return store.NewMemoryStore()
	}
	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithField("err", err).Fatal("postgres connection failed")
	}
	log.Info("connected to postgres")
	return st
}

func buildGateway(cfg Config) *llm.Gateway {
	if cfg.OpenAIAPIKey == "" {
		log.Info("no OPENAI_API_KEY, agent stages run heuristics only")
		return nil
	}
	primary := llm.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	var fallback *llm.Client
	if cfg.OpenAIFallbackModel != "" {
		fallback = llm.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIFallbackModel)
	}
	gwCfg := llm.DefaultGatewayConfig()
	gwCfg.MaxConcurrent = cfg.MaxConcurrentAnalysis
	return llm.NewGateway(primary, fallback, gwCfg)
}
