package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/pkg/logger"
)

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	redactor   Redactor
}

// ServiceOption 定义任务服务的可选配置。
type ServiceOption func(*Service)

// WithRedactor 让 Service 返回的任务视图屏蔽敏感参数。
func WithRedactor(redactor Redactor) ServiceOption {
	return func(s *Service) {
		s.redactor = redactor
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// view 返回可以对外展示的任务副本。
func (s *Service) view(task *Task) *Task {
	if task == nil || s.redactor == nil || len(task.Args) == 0 {
		return task
	}
	out := *task
	out.Args = s.redactor.Redact(task.Tool, task.Args)
	return &out
}

// Submit 创建一个新的查询任务并推送到队列。
// 携带已存在的 ID 重复提交时直接返回已有任务。
func (s *Service) Submit(ctx context.Context, req QueryRequest) (*Task, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, xerrors.New(CodeTaskValidation, "查询内容不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return s.view(task), nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:         taskID,
		Query:      req.Query,
		Tool:       strings.TrimSpace(req.Tool),
		Args:       req.Args,
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return s.view(existing), nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("tool", task.Tool),
		slog.Int("max_retries", task.MaxRetries),
	)
	return s.view(task), nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(task), nil
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	items, err := s.store.List(ctx, buildListOptions(opts))
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		items[i] = s.view(item)
	}
	return items, nil
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务状态，直到任务结束或 ctx 超时。
// 仍可重试的失败任务会继续等待。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || (task.Status == StatusFailed && task.Attempts >= task.MaxRetries) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
