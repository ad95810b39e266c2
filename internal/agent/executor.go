package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/observability/metrics"
	"ToolRelay-Chain/internal/protocol"
	"ToolRelay-Chain/internal/result"
	"ToolRelay-Chain/internal/storage/mysql"
	"ToolRelay-Chain/internal/tools"
	"ToolRelay-Chain/pkg/logger"
)

// NoToolResponse 是未选择工具时交给合成步骤的原始响应。
const NoToolResponse = "No tool selected for the query"

// ComposeFailureReasoning 是最终答案合成失败时失败结果的 reasoning。
const ComposeFailureReasoning = "Final answer composition failed"

// Query 描述一次工具调用请求。Tool 为空表示没有选择工具。
type Query struct {
	ID   string
	Text string
	Tool string
	Args []tools.Value
	// Env 为空时使用 Executor 自身的连接器缓存。
	Env tools.Env
}

// Report 汇总一次查询的结果以及导致失败的底层错误。
type Report struct {
	QueryID string
	Tool    string
	Result  result.StructuredResult
	Err     error
	// Executed 表示工具处理函数已成功返回，其副作用（转账、下单等）已经发生。
	Executed bool
	// Raw 是处理函数返回的原始结果，仅在 Executed 为 true 时有值。
	Raw      string
	Duration time.Duration
}

// Results 返回工具调用边界上的单元素结果序列。
func (r Report) Results() []result.StructuredResult {
	return r.Result.List()
}

// Executor 负责查找工具、校验参数、执行处理函数并合成最终答案。
// Executor 本身无状态，可被多个查询并发使用。
type Executor struct {
	registry       *tools.Registry
	composer       *Composer
	connectors     *protocol.Cache
	journal        mysql.Journal
	metrics        *metrics.Recorder
	handlerTimeout time.Duration
	llmTimeout     time.Duration
	now            func() time.Time
}

// Option 定义可选的 Executor 配置。
type Option func(*Executor)

// WithHandlerTimeout 设置单个工具处理函数的超时时间。
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout < 0 {
			timeout = 0
		}
		e.handlerTimeout = timeout
	}
}

// WithLLMTimeout 设置最终答案合成时调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout < 0 {
			timeout = 0
		}
		e.llmTimeout = timeout
	}
}

// WithJournal 配置查询日志，每个查询结束后追加一条记录。
func WithJournal(journal mysql.Journal) Option {
	return func(e *Executor) {
		e.journal = journal
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(e *Executor) {
		e.metrics = recorder
	}
}

// WithConnectors 指定默认的协议连接器缓存。
func WithConnectors(cache *protocol.Cache) Option {
	return func(e *Executor) {
		if cache != nil {
			e.connectors = cache
		}
	}
}

// NewExecutor 创建一个 Executor。
func NewExecutor(registry *tools.Registry, composer *Composer, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		composer: composer,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.connectors == nil {
		e.connectors = protocol.NewCache()
	}
	return e
}

// Registry 返回执行器使用的工具注册表。
func (e *Executor) Registry() *tools.Registry { return e.registry }

// Connectors 返回默认的协议连接器缓存。
func (e *Executor) Connectors() *protocol.Cache { return e.connectors }

// ProcessQuery 执行查询并返回长度恒为 1 的结果序列，不会向调用方抛出错误。
func (e *Executor) ProcessQuery(ctx context.Context, q Query) []result.StructuredResult {
	return e.Run(ctx, q).Results()
}

// Run 与 ProcessQuery 相同，但额外返回底层错误，供异步任务决定是否重试。
func (e *Executor) Run(ctx context.Context, q Query) Report {
	if strings.TrimSpace(q.ID) == "" {
		q.ID = uuid.NewString()
	}
	q.Tool = strings.TrimSpace(q.Tool)

	start := e.now()
	report := e.run(ctx, q)
	report.QueryID = q.ID
	report.Tool = q.Tool
	report.Duration = e.now().Sub(start)
	if report.Result.Errors == nil {
		report.Result.Errors = []string{}
	}

	e.metrics.ObserveQuery(q.Tool, string(report.Result.Status))
	e.record(ctx, q, report)
	return report
}

// History 返回最近的查询记录。
func (e *Executor) History(ctx context.Context, limit int) ([]mysql.QueryRecord, error) {
	if e.journal == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置查询日志")
	}
	records, err := e.journal.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询历史记录失败")
	}
	return records, nil
}

func (e *Executor) run(ctx context.Context, q Query) Report {
	if q.Tool == "" {
		return e.compose(ctx, q, Input{Query: q.Text, Response: NoToolResponse})
	}

	if e.registry == nil {
		err := xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
		return Report{Result: result.Normalize(err, result.Context{Reasoning: xerrors.MessageOf(err), Query: q.Text}), Err: err}
	}
	desc, err := e.registry.Lookup(q.Tool)
	if err != nil {
		msg := xerrors.MessageOf(err)
		return Report{Result: result.Normalize(err, result.Context{Reasoning: msg, Query: q.Text}), Err: err}
	}

	args, err := tools.ValidateArgs(desc.Parameters, q.Args)
	if err != nil {
		return Report{
			Result: result.Normalize(err, result.Context{
				Reasoning: fmt.Sprintf("Arguments supplied for tool %s do not match its parameter schema", desc.Name),
				Query:     q.Text,
			}),
			Err: err,
		}
	}

	env := q.Env
	if env.Connectors == nil {
		env.Connectors = e.connectors
	}

	started := e.now()
	raw, err := e.invoke(ctx, desc, env, args)
	e.metrics.ObserveToolDuration(desc.Name, e.now().Sub(started))
	if err != nil {
		failCtx := result.Context{
			Reasoning: fmt.Sprintf("The system encountered an issue while executing the tool %s", desc.Name),
			Query:     fmt.Sprintf("Attempted to execute %s with arguments: %s", desc.Name, encodeArgs(tools.RedactArgs(desc.Parameters, q.Args))),
		}
		var panicked *handlerPanic
		if stdErrors.As(err, &panicked) {
			logger.L().Error("工具处理函数发生 panic", "tool", desc.Name, "panic", fmt.Sprint(panicked.value))
			return Report{Result: result.NormalizeRecovered(panicked.value, failCtx), Err: err}
		}
		logger.L().Warn("工具执行失败", "tool", desc.Name, "error", err)
		return Report{Result: result.Normalize(err, failCtx), Err: err}
	}

	report := e.compose(ctx, q, Input{Query: q.Text, Response: raw, Tools: desc.Name})
	report.Executed = true
	report.Raw = raw
	return report
}

type handlerPanic struct {
	value any
}

func (p *handlerPanic) Error() string {
	return fmt.Sprintf("tool handler panicked: %v", p.value)
}

func (e *Executor) invoke(ctx context.Context, desc tools.Descriptor, env tools.Env, args []tools.Value) (raw string, err error) {
	handlerCtx := ctx
	if e.handlerTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, e.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if v := recover(); v != nil {
			raw = ""
			err = xerrors.Wrap(CodeHandlerFailure, &handlerPanic{value: v}, fmt.Sprintf("tool %s panicked", desc.Name))
		}
	}()

	raw, err = desc.Handler(handlerCtx, env, args...)
	if err == nil {
		return raw, nil
	}
	if _, ok := xerrors.From(err); ok {
		return "", err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return "", xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("tool %s timed out", desc.Name))
	}
	// 普通错误原样返回，失败结果中的错误信息与处理函数抛出的保持一致。
	return "", err
}

func (e *Executor) compose(ctx context.Context, q Query, in Input) Report {
	composeCtx := ctx
	if e.llmTimeout > 0 {
		var cancel context.CancelFunc
		composeCtx, cancel = context.WithTimeout(ctx, e.llmTimeout)
		defer cancel()
	}

	composed, err := e.composer.Compose(composeCtx, in)
	if err != nil {
		e.metrics.ObserveComposerFailure()
		var parse *ParseFailure
		if stdErrors.As(err, &parse) {
			logger.L().Warn("最终答案解析失败", "query_id", q.ID, "raw", parse.Raw)
		} else {
			logger.L().Warn("最终答案合成失败", "query_id", q.ID, "error", err)
		}
		return Report{
			Result: result.Normalize(err, result.Context{Reasoning: ComposeFailureReasoning, Query: q.Text}),
			Err:    err,
		}
	}
	return Report{Result: composed}
}

func (e *Executor) record(ctx context.Context, q Query, report Report) {
	attrs := []any{
		"query_id", q.ID,
		"tool", q.Tool,
		"status", string(report.Result.Status),
		"duration_ms", report.Duration.Milliseconds(),
	}
	if report.Err != nil {
		attrs = append(attrs, "error_code", string(xerrors.CodeOf(report.Err)))
	}
	logger.Audit().Info("query processed", attrs...)

	if e.journal == nil {
		return
	}
	rec := mysql.QueryRecord{
		ID:        q.ID,
		Tool:      q.Tool,
		Args:      encodeArgs(e.registry.Redact(q.Tool, q.Args)),
		Query:     q.Text,
		Status:    string(report.Result.Status),
		Reasoning: report.Result.Reasoning,
		Response:  report.Result.Response,
		Errors:    report.Result.Errors,
		CreatedAt: e.now().Unix(),
	}
	if err := e.journal.Append(context.WithoutCancel(ctx), rec); err != nil {
		logger.L().Warn("写入查询日志失败", "query_id", q.ID, "error", err)
	}
}

func encodeArgs(args []tools.Value) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "null"
	}
	return string(data)
}
