package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ToolRelay-Chain/internal/agent"
	"ToolRelay-Chain/internal/auth"
	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/observability/metrics"
	"ToolRelay-Chain/internal/result"
	"ToolRelay-Chain/internal/storage/mysql"
	"ToolRelay-Chain/internal/task"
	"ToolRelay-Chain/internal/tools"
	"ToolRelay-Chain/pkg/logger"
)

// QueryExecutor 是同步查询接口依赖的执行能力，*agent.Executor 满足该接口。
type QueryExecutor interface {
	ProcessQuery(ctx context.Context, q agent.Query) []result.StructuredResult
	History(ctx context.Context, limit int) ([]mysql.QueryRecord, error)
}

// Server 负责暴露 REST 接口，供外部列出工具、执行查询与管理异步任务。
type Server struct {
	addr            string
	executor        QueryExecutor
	registry        *tools.Registry
	tasks           *task.Service
	auth            *auth.Service
	metrics         *metrics.Recorder
	serveMetrics    bool
	shutdownTimeout time.Duration
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithExecutor 配置同步查询使用的执行器。
func WithExecutor(executor QueryExecutor) Option {
	return func(s *Server) { s.executor = executor }
}

// WithRegistry 配置工具目录的来源。
func WithRegistry(registry *tools.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithTaskService 启用异步任务接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithAuth 为 /api/v1 路由启用令牌鉴权。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 记录 HTTP 指标。serve 为 true 时同时在 /metrics 暴露指标。
func WithMetrics(recorder *metrics.Recorder, serve bool) Option {
	return func(s *Server) {
		s.metrics = recorder
		s.serveMetrics = serve
	}
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr, shutdownTimeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 构建完整的路由树。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.serveMetrics && s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.require(auth.PermissionToolsRead)).Get("/tools", s.handleListTools)
		r.With(s.require(auth.PermissionQueryExecute)).Post("/queries", s.handleQuery)
		r.With(s.require(auth.PermissionHistoryRead)).Get("/queries/history", s.handleHistory)
		r.Route("/tasks", func(r chi.Router) {
			r.With(s.require(auth.PermissionTasksWrite)).Post("/", s.handleCreateTask)
			r.With(s.require(auth.PermissionTasksRead)).Get("/", s.handleListTasks)
			r.With(s.require(auth.PermissionTasksRead)).Get("/{id}", s.handleTaskDetail)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (s *Server) require(perms ...string) func(http.Handler) http.Handler {
	return s.auth.Middleware(perms...)
}

// observe 记录每个请求的状态码与耗时，标签使用路由模板而非原始路径。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "工具注册表未初始化")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.Catalogue()})
}

// queryRequest 是同步查询与异步任务共用的请求体。
type queryRequest struct {
	ID       string          `json:"id"`
	Query    string          `json:"query"`
	Tool     string          `json:"tool"`
	Args     json.RawMessage `json:"args"`
	Metadata map[string]any  `json:"metadata"`
}

func decodeQueryRequest(r *http.Request) (queryRequest, []tools.Value, error) {
	var req queryRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		return req, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	if strings.TrimSpace(req.Query) == "" {
		return req, nil, xerrors.New(xerrors.CodeInvalidArgument, "query 不能为空")
	}
	args, err := tools.DecodeArgs(req.Args)
	if err != nil {
		return req, nil, err
	}
	return req, args, nil
}

// handleQuery 同步执行一次查询，响应体恒为长度为 1 的结果数组。
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "执行器未初始化")
		return
	}
	req, args, err := decodeQueryRequest(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	results := s.executor.ProcessQuery(r.Context(), agent.Query{
		ID:   strings.TrimSpace(req.ID),
		Text: req.Query,
		Tool: req.Tool,
		Args: args,
	})
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "执行器未初始化")
		return
	}
	limit, err := intParam(r, "limit", task.DefaultListLimit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	records, err := s.executor.History(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": records})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未启用")
		return
	}
	req, args, err := decodeQueryRequest(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), task.QueryRequest{
		ID:       req.ID,
		Query:    req.Query,
		Tool:     req.Tool,
		Args:     args,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未启用")
		return
	}
	opts, err := listOptionsFromRequest(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": items, "stats": stats})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未启用")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "缺少任务 ID")
		return
	}
	item, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func listOptionsFromRequest(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", task.DefaultListLimit)
	if err != nil {
		return nil, err
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	opts := []task.ListOption{task.WithLimit(limit), task.WithOffset(offset)}

	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("tool"); raw != "" {
		opts = append(opts, task.WithTools(strings.Split(raw, ",")...))
	}
	if raw := q.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	for key, apply := range map[string]func(time.Time) task.ListOption{
		"updated_since": task.WithUpdatedSince,
		"updated_until": task.WithUpdatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, key+" 必须为 RFC3339 时间")
		}
		opts = append(opts, apply(ts))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.OldestFirst))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	return opts, nil
}

func intParam(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须为非负整数")
	}
	return value, nil
}

// errorBody 是所有错误响应的统一结构。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Error("写入响应失败", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorBody{Code: string(code), Message: message})
}

// writeServiceError 根据错误码选择 HTTP 状态码。
func writeServiceError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation, tools.CodeArgumentValidation:
		status = http.StatusBadRequest
	case task.CodeTaskNotFound:
		status = http.StatusNotFound
	case task.CodeTaskConflict:
		status = http.StatusConflict
	case xerrors.CodeInitializationFailure, xerrors.CodeNotInitialized:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求处理失败", xerrors.LogAttr(err))
	}
	writeError(w, status, code, err.Error())
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
