package llm

import "context"

// 对话角色。
const (
	RoleSystem    = "system"
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// Message 是一轮对话。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse 只保留调用方需要的 choices[].message.content。
type ChatResponse struct {
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
}

// Choice 是一个候选回复。
type Choice struct {
	Message Message `json:"message"`
}

// Content 返回第一个候选回复的内容，没有候选时返回空串。
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ChatClient 定义调用大模型的统一接口。
type ChatClient interface {
	Chat(ctx context.Context, messages []Message) (*ChatResponse, error)
}

// ChatFunc 允许普通函数充当 ChatClient，主要用于测试桩。
type ChatFunc func(ctx context.Context, messages []Message) (*ChatResponse, error)

// Chat 实现 ChatClient。
func (f ChatFunc) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	return f(ctx, messages)
}

// Reply 构造只有一个候选回复的响应。
func Reply(content string) *ChatResponse {
	return &ChatResponse{Choices: []Choice{{Message: Message{Role: RoleAssistant, Content: content}}}}
}
