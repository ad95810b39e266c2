package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ToolRelay-Chain/internal/agent"
	"ToolRelay-Chain/internal/api"
	"ToolRelay-Chain/internal/config"
	"ToolRelay-Chain/internal/observability/metrics"
	"ToolRelay-Chain/internal/protocol"
	"ToolRelay-Chain/internal/task"
	"ToolRelay-Chain/pkg/logger"
)

// main 是 ToolRelay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("toolrelayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join("configs", "toolrelay.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	policy, err := protocol.ParsePolicy(cfg.Protocols.CachePolicy)
	if err != nil {
		return err
	}
	connectors := protocol.NewCache(protocol.WithPolicy(policy))
	defer connectors.Close()

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder()
		if err := recorder.TrackConnectors(connectors); err != nil {
			return err
		}
		if cfg.Metrics.Address != "" {
			go func() {
				if err := metrics.StartServer(ctx, cfg.Metrics.Address, recorder.Handler()); err != nil && !errors.Is(err, context.Canceled) {
					logger.L().Error("指标服务异常退出", slog.Any("error", err))
				}
			}()
		}
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	chat, err := buildChatClient(cfg)
	if err != nil {
		return err
	}
	composerOpts, err := composerOptions(cfg)
	if err != nil {
		return err
	}

	journal, err := buildJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer journal.Close()

	executor := agent.NewExecutor(registry, agent.NewComposer(chat, composerOpts...),
		agent.WithConnectors(connectors),
		agent.WithHandlerTimeout(cfg.Agent.HandlerTimeout()),
		agent.WithLLMTimeout(cfg.Agent.LLMTimeout()),
		agent.WithJournal(journal),
		agent.WithMetrics(recorder),
	)

	taskStore, err := buildTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	taskQueue, err := buildTaskQueue(ctx, cfg)
	if err != nil {
		_ = taskStore.Close()
		return err
	}
	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskStore.Retries, task.WithRedactor(registry))
	defer func() {
		if err := taskService.Close(); err != nil {
			logger.L().Error("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	processor := task.NewProcessor(executor, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithRecoveryHandler(task.NormalizeRecovery),
		task.WithArgsRedactor(registry),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	authService, err := buildAuth(cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address,
		api.WithExecutor(executor),
		api.WithRegistry(registry),
		api.WithTaskService(taskService),
		api.WithAuth(authService),
		api.WithMetrics(recorder, cfg.Metrics.Address == ""),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	)

	logger.L().Info("toolrelayd 已启动",
		slog.String("config", configPath),
		slog.Int("tools", registry.Len()),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("auth_mode", cfg.Auth.Mode),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
