package migrations

import "embed"

// Files 暴露查询日志与异步任务两张表的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
