package main

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/avelins/paperscout/scheduler"
)

// Config is the full environment-driven configuration of the agent process.
type Config struct {
	ListenAddr  string
	DatabaseURL string
	LogLevel    string

	PollInterval     time.Duration
	DryRun           bool
	WorkerID         string
	TestUserOverride int64

	UseAgentStrategy      bool
	UseAgentAnalyze       bool
	MaxConcurrentAnalysis int64

	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIModel         string
	OpenAIFallbackModel string

	GitHubToken string
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() Config {
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env")
	}
	return Config{
		ListenAddr:  envStr("LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    envStr("LOG_LEVEL", "info"),

		PollInterval:     time.Duration(envInt("POLL_SECONDS", 10)) * time.Second,
		DryRun:           envBool("DRY_RUN", false),
		WorkerID:         envStr("WORKER_ID", scheduler.DefaultWorkerID()),
		TestUserOverride: envInt64("TEST_USER_OVERRIDE", 0),

		UseAgentStrategy:      envBool("USE_AGENT_STRATEGY", true),
		UseAgentAnalyze:       envBool("USE_AGENT_ANALYZE", false),
		MaxConcurrentAnalysis: envInt64("MAX_CONCURRENT_ANALYSIS", 5),

		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:       envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:         envStr("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIFallbackModel: os.Getenv("OPENAI_FALLBACK_MODEL"),

		GitHubToken: os.Getenv("GITHUB_TOKEN"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
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
		log.WithFields(log.Fields{"key": key, "value": v}).Warn("invalid integer env value")
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "value": v}).Warn("invalid integer env value")
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "value": v}).Warn("invalid boolean env value")
		return def
	}
	return b
}
