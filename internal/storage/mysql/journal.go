package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "ToolRelay-Chain/internal/errors"
)

// memoryJournalCapacity 是内存日志保留的最大记录数。
const memoryJournalCapacity = 512

// QueryRecord 表示一次已处理查询的落库结构。
type QueryRecord struct {
	ID        string   `json:"id"`
	Tool      string   `json:"tool"`
	Args      string   `json:"args"`
	Query     string   `json:"query"`
	Status    string   `json:"status"`
	Reasoning string   `json:"reasoning"`
	Response  string   `json:"response"`
	Errors    []string `json:"errors"`
	CreatedAt int64    `json:"created_at"`
}

// Journal 抽象查询日志的持久化接口。
type Journal interface {
	Append(ctx context.Context, record QueryRecord) error
	ListLatest(ctx context.Context, limit int) ([]QueryRecord, error)
	Close() error
}

// MemoryJournal 使用本地 JSONL 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryJournal struct {
	mu       sync.RWMutex
	dataFile string
	records  []QueryRecord
}

// NewMemoryJournal 创建一个文件日志，并从已有文件中恢复最近的记录。
func NewMemoryJournal(dataDir string) (*MemoryJournal, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	journal := &MemoryJournal{dataFile: filepath.Join(dataDir, "queries.log")}
	if err := journal.loadFromDisk(); err != nil {
		return nil, err
	}
	return journal, nil
}

// Append 以追加写的方式记录查询结果。
func (m *MemoryJournal) Append(_ context.Context, record QueryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开查询日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化查询记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入查询日志失败")
	}

	m.records = append([]QueryRecord{record}, m.records...)
	if len(m.records) > memoryJournalCapacity {
		m.records = m.records[:memoryJournalCapacity]
	}
	return nil
}

// ListLatest 返回最近的查询记录，按写入时间倒序排列。
func (m *MemoryJournal) ListLatest(_ context.Context, limit int) ([]QueryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]QueryRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 对文件日志无需释放资源。
func (m *MemoryJournal) Close() error { return nil }

func (m *MemoryJournal) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取查询日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []QueryRecord
	for scanner.Scan() {
		var record QueryRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]QueryRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析查询日志失败")
	}

	if len(restored) > memoryJournalCapacity {
		restored = restored[:memoryJournalCapacity]
	}
	m.records = restored
	return nil
}

// SQLJournal 使用 MySQL 存储查询日志。
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal 创建连接池并执行迁移。
func NewSQLJournal(ctx context.Context, cfg Config) (*SQLJournal, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLJournal{db: db}, nil
}

// NewSQLJournalWithDB 复用已有连接池，调用方负责迁移与关闭。
func NewSQLJournalWithDB(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

// Append 将查询记录写入 MySQL。
func (s *SQLJournal) Append(ctx context.Context, record QueryRecord) error {
	const stmt = `INSERT INTO query_journal
        (id, tool, args, query_text, status, reasoning, response, errors, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	errs, err := json.Marshal(nonNilErrors(record.Errors))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化错误列表失败")
	}
	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Tool,
		record.Args,
		record.Query,
		record.Status,
		record.Reasoning,
		record.Response,
		string(errs),
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入查询日志失败")
	}
	return nil
}

// ListLatest 查询最近的若干条查询记录。
func (s *SQLJournal) ListLatest(ctx context.Context, limit int) ([]QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, tool, args, query_text, status, reasoning, response, errors, created_at
        FROM query_journal ORDER BY created_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询日志记录失败")
	}
	defer rows.Close()

	var records []QueryRecord
	for rows.Next() {
		var (
			record QueryRecord
			args   sql.NullString
			errs   sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.Tool, &args, &record.Query, &record.Status,
			&record.Reasoning, &record.Response, &errs, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析查询记录失败")
		}
		record.Args = args.String
		record.Errors = []string{}
		if raw := strings.TrimSpace(errs.String); raw != "" {
			if err := json.Unmarshal([]byte(raw), &record.Errors); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析错误列表失败")
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历查询记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLJournal) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nonNilErrors(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}

var (
	_ Journal = (*MemoryJournal)(nil)
	_ Journal = (*SQLJournal)(nil)
)
