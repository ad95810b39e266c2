package task

import (
	"context"

	"ToolRelay-Chain/internal/result"
)

// RecoveryHandler 定义了在任务重试耗尽时的补偿策略。
type RecoveryHandler interface {
	// Recover 根据失败原因给出降级结果，返回 nil 时按失败流程处理。
	Recover(ctx context.Context, task *Task, cause error) (*result.StructuredResult, error)
}

// RecoveryFunc 允许普通函数充当 RecoveryHandler。
type RecoveryFunc func(ctx context.Context, task *Task, cause error) (*result.StructuredResult, error)

// Recover 实现 RecoveryHandler。
func (f RecoveryFunc) Recover(ctx context.Context, task *Task, cause error) (*result.StructuredResult, error) {
	return f(ctx, task, cause)
}

// NormalizeRecovery 把最终的失败原因归一化为失败结果写回任务，
// 这样调用方总能从任务中取到结构化结果。
var NormalizeRecovery = RecoveryFunc(func(_ context.Context, task *Task, cause error) (*result.StructuredResult, error) {
	res := result.Normalize(cause, result.Context{
		Reasoning: "The query could not be completed after all retries",
		Query:     task.Query,
	})
	return &res, nil
})
