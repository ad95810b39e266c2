package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"ToolRelay-Chain/internal/agent"
	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/result"
	"ToolRelay-Chain/pkg/logger"
)

// Executor 定义了处理器所需的查询执行能力，*agent.Executor 满足该接口。
type Executor interface {
	Run(ctx context.Context, q agent.Query) agent.Report
}

// Processor 负责从队列消费任务并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	redactor    Redactor
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置重试耗尽后的补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithArgsRedactor 在任务结束后用屏蔽后的参数覆盖存储中的参数。
func WithArgsRedactor(redactor Redactor) ProcessorOption {
	return func(p *Processor) {
		p.redactor = redactor
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个任务 ID，供队列消费者回调。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	report := p.executor.Run(ctx, agent.Query{
		ID:   fmt.Sprintf("%s-%d", task.ID, task.Attempts),
		Text: task.Query,
		Tool: task.Tool,
		Args: task.Args,
	})
	if report.Err != nil && xerrors.RetryableError(report.Err) {
		if !report.Executed {
			return p.handleRetryable(ctx, task, report.Err)
		}
		// 工具已执行，不得重试。
		logger.L().Warn("工具已执行但最终答案合成失败，不再重试",
			slog.String("task_id", task.ID),
			slog.String("tool", task.Tool),
			xerrors.LogAttr(report.Err),
		)
	}
	return p.complete(ctx, task, report.Result)
}

// complete 写入最终结果。失败结果同样意味着查询已经完成。
func (p *Processor) complete(ctx context.Context, task *Task, res result.StructuredResult) error {
	if err := p.store.MarkSucceeded(ctx, task.ID, res); err != nil {
		logger.L().Error("写入任务结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return p.handleRetryable(ctx, task, err)
	}
	p.scrub(ctx, task)
	logger.Audit().Info("任务执行完成",
		slog.String("task_id", task.ID),
		slog.String("tool", task.Tool),
		slog.String("status", string(res.Status)),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func (p *Processor) handleRetryable(ctx context.Context, task *Task, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	terminal := task.Attempts >= task.MaxRetries

	if terminal && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, task, cause)
		if recErr != nil {
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")),
				slog.String("task_id", task.ID))
		} else if fallback != nil {
			err := p.store.MarkSucceeded(ctx, task.ID, *fallback)
			if err == nil {
				p.scrub(ctx, task)
				logger.Audit().Warn("任务降级完成",
					slog.String("task_id", task.ID),
					slog.String("error", cause.Error()),
					slog.String("error_code", string(code)),
				)
				return nil
			}
			logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, cause.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		xerrors.LogAttr(cause),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
	if terminal {
		p.scrub(ctx, task)
		return nil
	}
	if p.producer == nil {
		return xerrors.New(CodeTaskPublish, fmt.Sprintf("任务 %s 无法重投：未配置生产者", task.ID))
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

// scrub 在任务不再执行后抹去存储中的敏感参数，失败只记录日志。
func (p *Processor) scrub(ctx context.Context, task *Task) {
	if p.redactor == nil || len(task.Args) == 0 {
		return
	}
	redacted := p.redactor.Redact(task.Tool, task.Args)
	if err := p.store.ReplaceArgs(context.WithoutCancel(ctx), task.ID, redacted); err != nil {
		logger.L().Warn("屏蔽任务参数失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}
