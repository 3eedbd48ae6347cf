// Command worker runs a durable execution worker: it polls the task queue
// for agent-turn activity invocations, dispatches them to
// llmadapter-backed handlers, and drives the owning workflow forward via
// the executor as each task completes or fails. Configuration is entirely
// environment-driven.
//
// Environment variables:
//
//	MONGO_URI, MONGO_DATABASE  - event store backend (default mongodb://localhost:27017, durable)
//	REDIS_ADDR, REDIS_PASSWORD - lease index backend
//	WORKER_ID, WORKER_GROUP    - worker registry identity
//	MAX_CONCURRENCY            - bounded-concurrency ceiling
//	ANTHROPIC_API_KEY, OPENAI_API_KEY, DEFAULT_MODEL - llmadapter providers
//	POLL_INTERVAL, HEARTBEAT_INTERVAL, SHUTDOWN_TIMEOUT
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/durable/activityhandlers"
	"goa.design/durable/agentturn"
	"goa.design/durable/config"
	"goa.design/durable/enginestore/mongostore"
	"goa.design/durable/executor"
	"goa.design/durable/llmadapter"
	"goa.design/durable/llmadapter/anthropic"
	"goa.design/durable/llmadapter/bedrock"
	"goa.design/durable/llmadapter/openai"
	"goa.design/durable/registry"
	"goa.design/durable/reliability"
	"goa.design/durable/taskqueue"
	"goa.design/durable/taskqueue/redisq"
	"goa.design/durable/telemetry"
	"goa.design/durable/workerpool"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := run(ctx); err != nil {
		log.Fatalf(ctx, err, "worker exited")
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	store, client, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return err
	}
	defer func() { _ = client.Disconnect(ctx) }()

	reg := registry.New()
	if err := reg.Register("agent_turn_workflow", agentturn.NewTurnWorkflow); err != nil {
		return err
	}
	if err := reg.Register("agent_session_workflow", agentturn.NewSessionWorkflow); err != nil {
		return err
	}

	exec := executor.New(store, reg, logger, metrics, telemetry.NewClueTracer())

	queue := taskqueue.New(store, taskqueue.DefaultConfig(), logger, metrics)

	poolCfg := workerpool.DefaultConfig(cfg.WorkerID)
	poolCfg.WorkerGroup = cfg.WorkerGroup
	if cfg.MaxConcurrency > 0 {
		poolCfg.MaxConcurrency = cfg.MaxConcurrency
		poolCfg.Backpressure.MaxConcurrency = cfg.MaxConcurrency
	}
	poolCfg.PollInterval = cfg.PollInterval
	poolCfg.HeartbeatInterval = cfg.HeartbeatInterval
	poolCfg.ShutdownTimeout = cfg.ShutdownTimeout

	pool := workerpool.New(store, queue, poolCfg, logger, metrics)
	pool.WithFinalFailureFunc(func(ctx context.Context, workflowID, activityID, errMsg string) error {
		_, err := exec.OnActivityFailed(ctx, workflowID, activityID, errMsg, false)
		return err
	})

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		pool.WithLeaseIndex(redisq.New(rdb, ""))
	}

	llmRegistry := llmadapter.NewRegistry()
	if cfg.AnthropicAPIKey != "" {
		anthropicClient, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.DefaultModel, 4096)
		if err != nil {
			return err
		}
		llmRegistry.Register("anthropic", anthropicClient)
	}
	if cfg.OpenAIAPIKey != "" {
		openaiClient, err := openai.NewFromAPIKey(cfg.OpenAIAPIKey, cfg.DefaultModel)
		if err != nil {
			return err
		}
		llmRegistry.Register("openai", openaiClient)
	}
	if cfg.BedrockRegion != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BedrockRegion))
		if err != nil {
			return err
		}
		bedrockClient, err := bedrock.New(bedrockruntime.NewFromConfig(awsCfg), cfg.DefaultModel)
		if err != nil {
			return err
		}
		llmRegistry.Register("bedrock", bedrockClient)
	}

	handlers := &activityhandlers.Handlers{
		Agents:   activityhandlers.NewInMemoryAgentStore(nil),
		Messages: activityhandlers.NewInMemoryMessageStore(),
		Sessions: activityhandlers.NewInMemorySessionStore(),
		Tools:    activityhandlers.NewToolRegistry(),
		LLM:      llmRegistry,
		Breaker:  reliability.NewBreaker(store, reliability.DefaultBreakerConfig()),
	}
	if err := handlers.RegisterWithExecutor(pool, func(h workerpool.Handler) workerpool.Handler {
		return executor.WrapHandler(exec, h)
	}); err != nil {
		return err
	}

	if err := pool.Start(ctx); err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "msg", V: "worker started"},
		log.KV{K: "worker_id", V: cfg.WorkerID},
		log.KV{K: "worker_group", V: cfg.WorkerGroup},
		log.KV{K: "max_concurrency", V: poolCfg.MaxConcurrency})

	<-ctx.Done()
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil && !errors.Is(err, workerpool.ErrShutdownTimeout) {
		return err
	}
	return nil
}
