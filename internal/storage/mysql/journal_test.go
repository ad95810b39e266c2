package mysql

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/storage/mysql/mysqltest"
)

func TestMemoryJournalAppendAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	journal, err := NewMemoryJournal(dir)
	if err != nil {
		t.Fatalf("failed to create memory journal: %v", err)
	}

	ctx := context.Background()
	first := QueryRecord{ID: "q-1", Tool: "get_balance", Args: `["mainnet","0x01"]`, Query: "balance?", Status: "success", Response: "1", Errors: []string{}, CreatedAt: 10}
	second := QueryRecord{ID: "q-2", Tool: "missing", Query: "hi", Status: "failure", Reasoning: "Tool missing not found", Response: "Tool missing not found", Errors: []string{"Tool missing not found"}, CreatedAt: 20}
	for _, rec := range []QueryRecord{first, second} {
		if err := journal.Append(ctx, rec); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	list, err := journal.ListLatest(ctx, 1)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "q-2" {
		t.Fatalf("unexpected list: %+v", list)
	}

	reopened, err := NewMemoryJournal(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	restored, err := reopened.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list after reopen failed: %v", err)
	}
	if diff := cmp.Diff([]QueryRecord{second, first}, restored); diff != "" {
		t.Fatalf("restored records mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryJournalCapacity(t *testing.T) {
	t.Parallel()

	journal, err := NewMemoryJournal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create memory journal: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < memoryJournalCapacity+8; i++ {
		if err := journal.Append(ctx, QueryRecord{ID: fmt.Sprintf("q-%d", i), CreatedAt: int64(i)}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	list, _ := journal.ListLatest(ctx, 0)
	if len(list) != memoryJournalCapacity {
		t.Fatalf("expected %d records, got %d", memoryJournalCapacity, len(list))
	}
	if list[0].ID != fmt.Sprintf("q-%d", memoryJournalCapacity+7) {
		t.Fatalf("newest record should come first, got %s", list[0].ID)
	}
}

func TestSQLJournalAppend(t *testing.T) {
	t.Parallel()

	db, driver := mysqltest.Open(t,
		mysqltest.Exec(insertJournalSQL(), mysqltest.Result{LastInsertID: 1, Affected: 1}),
	)
	defer driver.AssertConsumed(t)
	defer db.Close()

	journal := NewSQLJournalWithDB(db)
	rec := QueryRecord{ID: "q-1", Tool: "get_lending_rates", Query: "rates", Status: "success", CreatedAt: 1}
	if err := journal.Append(context.Background(), rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestSQLJournalAppendWrapsStorageFailure(t *testing.T) {
	t.Parallel()

	op := mysqltest.Exec(insertJournalSQL(), mysqltest.Result{}).WithErr(fmt.Errorf("connection reset"))
	db, driver := mysqltest.Open(t, op)
	defer driver.AssertConsumed(t)
	defer db.Close()

	err := NewSQLJournalWithDB(db).Append(context.Background(), QueryRecord{ID: "q-1"})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestSQLJournalListLatest(t *testing.T) {
	t.Parallel()

	rows := mysqltest.Rows{
		Columns: []string{"id", "tool", "args", "query_text", "status", "reasoning", "response", "errors", "created_at"},
		Values: [][]driver.Value{
			{"q-2", "missing", nil, "hi", "failure", "Tool missing not found", "Tool missing not found", `["Tool missing not found"]`, int64(20)},
			{"q-1", "get_balance", `["mainnet"]`, "balance?", "success", "ok", "1", `[]`, int64(10)},
		},
	}

	db, driver := mysqltest.Open(t,
		mysqltest.Query(`SELECT id, tool, args, query_text, status, reasoning, response, errors, created_at
    FROM query_journal ORDER BY created_at DESC, seq DESC LIMIT ?`, rows),
	)
	defer driver.AssertConsumed(t)
	defer db.Close()

	list, err := NewSQLJournalWithDB(db).ListLatest(context.Background(), 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	want := []QueryRecord{
		{ID: "q-2", Tool: "missing", Query: "hi", Status: "failure", Reasoning: "Tool missing not found", Response: "Tool missing not found", Errors: []string{"Tool missing not found"}, CreatedAt: 20},
		{ID: "q-1", Tool: "get_balance", Args: `["mainnet"]`, Query: "balance?", Status: "success", Reasoning: "ok", Response: "1", Errors: []string{}, CreatedAt: 10},
	}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migration files: %+v", files)
	}

	ops := []mysqltest.Op{
		mysqltest.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{
			Columns: []string{"version"},
			Values:  [][]driver.Value{{"0001"}},
		}),
		mysqltest.Begin(),
	}
	for _, stmt := range files[1].statements {
		ops = append(ops, mysqltest.Exec(stmt, mysqltest.Result{}))
	}
	ops = append(ops,
		mysqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mysqltest.Result{Affected: 1}),
		mysqltest.Commit(),
	)

	db, driver := mysqltest.Open(t, ops...)
	defer driver.AssertConsumed(t)
	defer db.Close()

	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	failing := mysqltest.Exec(files[0].statements[0], mysqltest.Result{}).WithErr(fmt.Errorf("syntax error"))

	db, driver := mysqltest.Open(t,
		mysqltest.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{Columns: []string{"version"}}),
		mysqltest.Begin(),
		failing,
		mysqltest.Rollback(),
	)
	defer driver.AssertConsumed(t)
	defer db.Close()

	err = RunMigrations(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_create_query_journal.sql") {
		t.Fatalf("expected migration failure naming the file, got %v", err)
	}
}

func TestSplitSQLStatementsAndVersion(t *testing.T) {
	t.Parallel()

	stmts := splitSQLStatements("CREATE TABLE a (id INT);\n\n ;CREATE TABLE b (id INT);")
	if len(stmts) != 2 || stmts[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements: %q", stmts)
	}
	if v := parseMigrationVersion("0003_add_index.sql"); v != "0003" {
		t.Fatalf("unexpected version %q", v)
	}
	if v := parseMigrationVersion("0004.sql"); v != "0004" {
		t.Fatalf("unexpected version %q", v)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{DSN: "  "}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func insertJournalSQL() string {
	return `INSERT INTO query_journal
    (id, tool, args, query_text, status, reasoning, response, errors, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
}
