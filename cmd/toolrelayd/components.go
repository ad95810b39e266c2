package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"ToolRelay-Chain/internal/agent"
	"ToolRelay-Chain/internal/auth"
	"ToolRelay-Chain/internal/config"
	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/llm"
	"ToolRelay-Chain/internal/llm/openai"
	"ToolRelay-Chain/internal/protocol/evm"
	"ToolRelay-Chain/internal/protocol/exchange"
	"ToolRelay-Chain/internal/protocol/lending"
	"ToolRelay-Chain/internal/storage/mysql"
	"ToolRelay-Chain/internal/task"
	"ToolRelay-Chain/internal/tools"
)

// buildRegistry 按配置注册 EVM、借贷与交易所工具。
func buildRegistry(cfg *config.Config) (*tools.Registry, error) {
	registry := tools.NewRegistry()

	if cfg.Protocols.ChainsFile != "" {
		defs, err := evm.LoadChainDefinitions(cfg.Protocols.ChainsFile)
		if err != nil {
			return nil, err
		}
		if err := evm.RegisterTools(registry, evm.NewFactory(defs)); err != nil {
			return nil, err
		}
	}

	if gw := cfg.Protocols.Lending; gw.Enabled {
		factory := lending.NewGatewayFactory(lending.GatewayConfig{
			Endpoints: gw.Endpoints,
			MarketID:  gw.MarketID,
			Timeout:   gw.Timeout(),
			RetryMax:  gw.Retries(),
		})
		if err := lending.RegisterTools(registry, factory); err != nil {
			return nil, err
		}
	}

	if gw := cfg.Protocols.Exchange; gw.Enabled {
		factory := exchange.NewGatewayFactory(exchange.GatewayConfig{
			Endpoints: gw.Endpoints,
			Timeout:   gw.Timeout(),
			RetryMax:  gw.Retries(),
		})
		if err := exchange.RegisterTools(registry, factory); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildChatClient(cfg *config.Config) (llm.ChatClient, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := cfg.LLM.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Timeout:     cfg.LLM.OpenAI.Timeout(),
			MaxRetries:  cfg.LLM.OpenAI.MaxRetries,
			Temperature: cfg.LLM.OpenAI.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的大模型 provider: %s", cfg.LLM.Provider))
	}
}

// composerOptions 在配置了模板文件时替换默认提示词。
func composerOptions(cfg *config.Config) ([]agent.ComposerOption, error) {
	if cfg.Agent.TemplatePath == "" {
		return nil, nil
	}
	content, err := os.ReadFile(cfg.Agent.TemplatePath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取提示词模板失败")
	}
	return []agent.ComposerOption{agent.WithTemplate(string(content))}, nil
}

func storageConfig(db config.DatabaseConfig) mysql.Config {
	return mysql.Config{
		DSN:             db.DSN,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime(),
		ConnMaxIdleTime: db.ConnMaxIdleTime(),
	}
}

func buildJournal(ctx context.Context, cfg *config.Config) (mysql.Journal, error) {
	switch cfg.Storage.Journal.Driver {
	case "", "memory":
		journal, err := mysql.NewMemoryJournal(cfg.Runtime.DataDir)
		if err != nil {
			return nil, err
		}
		return journal, nil
	case "mysql":
		journal, err := mysql.NewSQLJournal(ctx, storageConfig(cfg.Storage.Journal))
		if err != nil {
			return nil, err
		}
		return journal, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的日志存储驱动: %s", cfg.Storage.Journal.Driver))
	}
}

func buildTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		store, err := task.NewMySQLStore(ctx, storageConfig(cfg.Storage.TaskStore.DatabaseConfig))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver))
	}
}

func buildTaskQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.TaskQueue.Buffer), nil
	case "redis":
		redisCfg := cfg.TaskQueue.Redis
		queue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   redisCfg.Address,
			Password:  redisCfg.Password,
			DB:        redisCfg.DB,
			Queue:     redisCfg.Queue,
			BlockWait: time.Duration(redisCfg.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		mqCfg := cfg.TaskQueue.RabbitMQ
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        mqCfg.URL,
			Queue:      mqCfg.Queue,
			Prefetch:   mqCfg.Prefetch,
			Durable:    mqCfg.Durable,
			AutoDelete: mqCfg.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.TaskQueue.Driver))
	}
}

func buildAuth(cfg *config.Config) (*auth.Service, error) {
	tokens := make([]auth.Token, 0, len(cfg.Auth.Tokens))
	for _, token := range cfg.Auth.Tokens {
		tokens = append(tokens, auth.Token{
			Name:        token.Name,
			Value:       token.Token,
			Permissions: token.Permissions,
			Disabled:    token.Disabled,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Auth.Mode), Tokens: tokens})
}
