package openai

import (
	"context"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/llm"
)

const (
	defaultModelName   = "gpt-4o-mini"
	defaultTimeout     = 60 * time.Second
	defaultTemperature = 0.2
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	// Temperature 为 nil 时使用 0.2；显式的 0 会原样发送。
	Temperature *float64
	// HTTPClient 主要用于测试注入。
	HTTPClient *http.Client
}

// Client 通过官方 SDK 调用 OpenAI 兼容的模型服务。
type Client struct {
	model       string
	temperature float64
	api         sdk.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temperature := defaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Client{
		model:       model,
		temperature: temperature,
		api:         sdk.NewClient(opts...),
	}, nil
}

// Model 返回使用的模型名。
func (c *Client) Model() string { return c.model }

// Chat 按顺序发送对话轮次，返回模型的候选回复。
func (c *Client) Chat(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error) {
	if len(messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "对话内容为空")
	}
	params := sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(c.model),
		Messages:    make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages)),
		Temperature: sdk.Float(c.temperature),
	}
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			params.Messages = append(params.Messages, sdk.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, sdk.AssistantMessage(msg.Content))
		case llm.RoleUser:
			params.Messages = append(params.Messages, sdk.UserMessage(msg.Content))
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的对话角色: "+msg.Role)
		}
	}

	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求 OpenAI 超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, "请求 OpenAI 失败")
	}
	if len(completion.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeLLMFailure, "OpenAI 响应中没有有效的 choices")
	}

	out := &llm.ChatResponse{Model: completion.Model, Choices: make([]llm.Choice, 0, len(completion.Choices))}
	for _, choice := range completion.Choices {
		out.Choices = append(out.Choices, llm.Choice{Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: choice.Message.Content,
		}})
	}
	return out, nil
}
