package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/llm"
	"ToolRelay-Chain/internal/result"
)

const (
	CodeHandlerFailure  xerrors.Code = "HANDLER_FAILURE"
	CodeComposerFailure xerrors.Code = "COMPOSER_FAILURE"
)

func init() {
	xerrors.Register(CodeHandlerFailure, xerrors.Attributes{
		Message:   "tool handler failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeComposerFailure, xerrors.Attributes{
		Message:   "final answer composition failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// 模板占位符，按 query → response → tools 的顺序原样替换，不做转义。
// 用户数据中出现的占位符字面量会被后续替换改写，这是已知限制。
const (
	PlaceholderQuery    = "${query}"
	PlaceholderResponse = "${response}"
	PlaceholderTools    = "${tools}"
)

// noToolsUsed 填充没有工具参与时的 ${tools}。
const noToolsUsed = "none"

// DefaultTemplate 是内置的最终答案提示词。
const DefaultTemplate = `You are the final step of an on-chain assistant. A user asked a question, a tool may have been run on their behalf, and you must turn the raw outcome into a reply for the user.

User query: ${query}
Raw tool response: ${response}
Tools used: ${tools}

Answer with exactly one JSON object and nothing else:
{"reasoning": "<why this outcome occurred>", "response": "<the answer for the user>", "status": "success" or "failure", "query": "<the query being answered>", "errors": ["<error message>", ...]}

Use status "failure" only when the raw response describes an error, and in that case list every error in "errors". On success "errors" must be an empty array.`

// Input 是一次最终答案合成的输入。
type Input struct {
	Query    string
	Response string
	Tools    string
}

// ParseFailure 表示大模型的回复无法解析为合法的结构化结果。
type ParseFailure struct {
	Raw   string
	cause error
}

func (p *ParseFailure) Error() string {
	if p.cause == nil {
		return "empty reply"
	}
	return p.cause.Error()
}

func (p *ParseFailure) Unwrap() error { return p.cause }

// Composer 调用大模型，把原始工具输出整理成结构化结果。
type Composer struct {
	client   llm.ChatClient
	template string
}

// ComposerOption 定义可选的 Composer 配置。
type ComposerOption func(*Composer)

// WithTemplate 替换默认提示词模板，空模板会被忽略。
func WithTemplate(template string) ComposerOption {
	return func(c *Composer) {
		if strings.TrimSpace(template) != "" {
			c.template = template
		}
	}
}

// NewComposer 创建一个 Composer。
func NewComposer(client llm.ChatClient, opts ...ComposerOption) *Composer {
	c := &Composer{client: client, template: DefaultTemplate}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Template 返回当前使用的模板。
func (c *Composer) Template() string { return c.template }

// Prompt 用输入替换模板中的占位符。
func (c *Composer) Prompt(in Input) string {
	tools := in.Tools
	if tools == "" {
		tools = noToolsUsed
	}
	prompt := strings.ReplaceAll(c.template, PlaceholderQuery, in.Query)
	prompt = strings.ReplaceAll(prompt, PlaceholderResponse, in.Response)
	return strings.ReplaceAll(prompt, PlaceholderTools, tools)
}

// Compose 发送 [assistant: prompt, user: query] 两轮对话，并解析第一个候选回复。
func (c *Composer) Compose(ctx context.Context, in Input) (result.StructuredResult, error) {
	if c == nil || c.client == nil {
		return result.StructuredResult{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}

	resp, err := c.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleAssistant, Content: c.Prompt(in)},
		{Role: llm.RoleUser, Content: in.Query},
	})
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return result.StructuredResult{}, err
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return result.StructuredResult{}, xerrors.Wrap(xerrors.CodeTimeout, err, "final answer request timed out")
		}
		return result.StructuredResult{}, xerrors.Wrap(xerrors.CodeLLMFailure, err, "final answer request failed")
	}

	parsed, err := ParseReply(resp.Content())
	if err != nil {
		return result.StructuredResult{}, err
	}
	return parsed, nil
}

// ParseReply 把回复文本解析为结构化结果。
// 支持单个对象或单元素数组，允许外层包裹 Markdown 代码块。
func ParseReply(raw string) (result.StructuredResult, error) {
	text := stripFences(raw)
	if text == "" {
		return result.StructuredResult{}, composeError(&ParseFailure{Raw: raw})
	}

	var parsed result.StructuredResult
	if strings.HasPrefix(text, "[") {
		var list []result.StructuredResult
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return result.StructuredResult{}, composeError(&ParseFailure{Raw: raw, cause: err})
		}
		if len(list) != 1 {
			return result.StructuredResult{}, composeError(&ParseFailure{
				Raw:   raw,
				cause: stdErrors.New("expected exactly one structured result"),
			})
		}
		parsed = list[0]
	} else if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return result.StructuredResult{}, composeError(&ParseFailure{Raw: raw, cause: err})
	}

	if parsed.Errors == nil {
		parsed.Errors = []string{}
	}
	if err := parsed.Validate(); err != nil {
		return result.StructuredResult{}, composeError(&ParseFailure{Raw: raw, cause: stdErrors.New(xerrors.MessageOf(err))})
	}
	return parsed, nil
}

func composeError(failure *ParseFailure) error {
	return xerrors.Wrap(CodeComposerFailure, failure, "final answer is not a structured result")
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		// 跳过 ```json 这样的语言标记。
		text = text[nl+1:]
	} else {
		text = ""
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
