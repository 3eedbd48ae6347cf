// Package config loads process configuration from the environment for the
// worker and control-plane entrypoints. Load optionally reads a .env file
// first via github.com/joho/godotenv so local development doesn't require
// exporting vars by hand; production deployments that set real environment
// variables are unaffected since godotenv never overrides an already-set
// variable.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the environment-derived settings shared by the worker and
// control-plane entrypoints.
type Config struct {
	// MongoURI is the connection string for the event store's backing
	// MongoDB deployment.
	MongoURI string
	// MongoDatabase is the database name enginestore/mongostore uses.
	MongoDatabase string
	// RedisAddr is the address of the Redis instance backing the lease
	// index (taskqueue/redisq).
	RedisAddr     string
	RedisPassword string

	// WorkerID identifies this process in worker registrations and task
	// claims.
	WorkerID       string
	WorkerGroup    string
	MaxConcurrency int

	// HTTPAddr is the control-plane HTTP listen address.
	HTTPAddr string

	// AnthropicAPIKey, OpenAIAPIKey configure the respective llmadapter
	// clients when non-empty. Bedrock uses ambient AWS credentials instead
	// of a single key, per the AWS SDK's own conventions; BedrockRegion
	// enables the Bedrock adapter when non-empty.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	BedrockRegion   string
	DefaultModel    string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
}

// Load reads a .env file if present (errors from a missing file are
// ignored; a malformed one is not) and returns a Config populated from the
// environment, applying defaults for anything unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, err
	}

	return Config{
		MongoURI:      envOr("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: envOr("MONGO_DATABASE", "durable"),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		WorkerID:       envOr("WORKER_ID", "worker-1"),
		WorkerGroup:    os.Getenv("WORKER_GROUP"),
		MaxConcurrency: envIntOr("MAX_CONCURRENCY", 10),

		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		BedrockRegion:   os.Getenv("BEDROCK_REGION"),
		DefaultModel:    envOr("DEFAULT_MODEL", "claude-sonnet-4-5"),

		PollInterval:      envDurationOr("POLL_INTERVAL", time.Second),
		HeartbeatInterval: envDurationOr("HEARTBEAT_INTERVAL", 5*time.Second),
		ShutdownTimeout:   envDurationOr("SHUTDOWN_TIMEOUT", 30*time.Second),
	}, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
