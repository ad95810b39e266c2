package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/result"
	storage "ToolRelay-Chain/internal/storage/mysql"
	"ToolRelay-Chain/internal/tools"
)

const taskColumns = `id, tool, args, query_text, metadata, status, attempts, max_retries, last_error, error_code,
        result, created_at, updated_at`

// MySQLStore 使用 MySQL 的 query_tasks 表记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接池、执行迁移并返回 MySQLStore。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// NewMySQLStoreWithDB 复用已迁移的连接池。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	metadataValue, err := marshalNullable(task.Metadata, len(task.Metadata) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}
	argsValue, err := marshalNullable(task.Args, len(task.Args) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务参数失败")
	}

	const stmt = `INSERT INTO query_tasks
        (id, tool, args, query_text, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Tool,
		argsValue,
		task.Query,
		metadataValue,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM query_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
		}
		return nil, ErrTaskNotFound
	}
	return scanTask(rows)
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE query_tasks SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		time.Now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return task, nil
	}
	switch task.Status {
	case StatusSucceeded:
		return task, ErrTaskCompleted
	case StatusRunning:
		return task, ErrTaskConflict
	default:
		if task.Attempts >= task.MaxRetries {
			return task, ErrTaskExhausted
		}
		return task, ErrTaskConflict
	}
}

// MarkSucceeded 写入最终结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, res result.StructuredResult) error {
	if res.Errors == nil {
		res.Errors = []string{}
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
	}

	const stmt = `UPDATE query_tasks SET status = ?, result = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	out, err := s.db.ExecContext(ctx, stmt,
		string(StatusSucceeded),
		string(encoded),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := out.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败。terminal 为 true 时把 max_retries 收紧到当前尝试次数。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE query_tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	if terminal {
		stmt = `UPDATE query_tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        max_retries = LEAST(max_retries, attempts) WHERE id = ?`
	}

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		lastError,
		string(code),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM query_tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == OldestFirst {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM query_tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// ReplaceArgs 覆盖任务参数。MySQL 在值未变化时报告 0 行受影响，因此不据此判断任务是否存在。
func (s *MySQLStore) ReplaceArgs(ctx context.Context, id string, args []tools.Value) error {
	argsValue, err := marshalNullable(args, len(args) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务参数失败")
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE query_tasks SET args = ? WHERE id = ?`, argsValue, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务参数失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanTask(rows *sql.Rows) (*Task, error) {
	var (
		task      Task
		status    string
		args      sql.NullString
		metadata  sql.NullString
		lastError sql.NullString
		encoded   sql.NullString
	)
	if err := rows.Scan(
		&task.ID,
		&task.Tool,
		&args,
		&task.Query,
		&metadata,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&encoded,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	task.Status = Status(status)
	task.LastError = lastError.String

	if raw := strings.TrimSpace(args.String); raw != "" {
		decoded, err := tools.DecodeArgs([]byte(raw))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务参数失败")
		}
		task.Args = decoded
	}
	if raw := strings.TrimSpace(metadata.String); raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 metadata 失败")
		}
	}
	if raw := strings.TrimSpace(encoded.String); raw != "" {
		var res result.StructuredResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务结果失败")
		}
		if res.Errors == nil {
			res.Errors = []string{}
		}
		task.Result = &res
	}
	return &task, nil
}

func marshalNullable(value any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(opts.Tools) > 0 {
		placeholders := make([]string, 0, len(opts.Tools))
		for _, name := range opts.Tools {
			placeholders = append(placeholders, "?")
			args = append(args, name)
		}
		conditions = append(conditions, fmt.Sprintf("LOWER(tool) IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedFrom > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedFrom)
	}
	if opts.UpdatedTo > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedTo)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR query_text LIKE ? OR tool LIKE ? OR last_error LIKE ? OR result LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
