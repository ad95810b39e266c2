package task

import (
	"context"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/result"
	"ToolRelay-Chain/internal/tools"
)

// Redactor 屏蔽任务参数中的敏感值，*tools.Registry 满足该接口。
type Redactor interface {
	Redact(tool string, args []tools.Value) []tools.Value
}

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, res result.StructuredResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// ReplaceArgs 覆盖任务参数，用于任务结束后抹去敏感值。
	ReplaceArgs(ctx context.Context, id string, args []tools.Value) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
