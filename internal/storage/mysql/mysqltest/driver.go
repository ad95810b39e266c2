// Package mysqltest provides a scripted database/sql driver for exercising
// SQL repositories without a running MySQL server. Each test declares the
// exact sequence of statements it expects; any deviation fails the call.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
)

// Kind identifies the kind of an expected driver operation.
type Kind int

const (
	KindExec Kind = iota
	KindQuery
	KindBegin
	KindCommit
	KindRollback
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindQuery:
		return "query"
	case KindBegin:
		return "begin"
	case KindCommit:
		return "commit"
	case KindRollback:
		return "rollback"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Op is one expected operation.
type Op struct {
	Kind   Kind
	SQL    string
	Result Result
	Rows   Rows
	Err    error
	// Args, when non-nil, must equal the bound arguments.
	Args []driver.Value
}

// Result is returned from Exec operations.
type Result struct {
	LastInsertID int64
	Affected     int64
}

func (r Result) LastInsertId() (int64, error) { return r.LastInsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows is returned from Query operations.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec expects a statement and returns result.
func Exec(query string, result Result) Op {
	return Op{Kind: KindExec, SQL: query, Result: result}
}

// Query expects a query and returns rows.
func Query(query string, rows Rows) Op {
	return Op{Kind: KindQuery, SQL: query, Rows: rows}
}

// Begin expects a transaction to start.
func Begin() Op { return Op{Kind: KindBegin} }

// Commit expects the current transaction to commit.
func Commit() Op { return Op{Kind: KindCommit} }

// Rollback expects the current transaction to roll back.
func Rollback() Op { return Op{Kind: KindRollback} }

// WithErr makes the operation fail with err.
func (o Op) WithErr(err error) Op {
	o.Err = err
	return o
}

// WithArgs pins the bound arguments of the operation.
func (o Op) WithArgs(args ...driver.Value) Op {
	o.Args = args
	return o
}

// Driver replays a script of operations.
type Driver struct {
	ops []Op
	idx atomic.Int32
}

var driverSeq atomic.Int32

// Open registers a fresh scripted driver and returns a single-connection pool.
func Open(t *testing.T, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("scripted-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

// AssertConsumed fails the test when part of the script was not replayed.
func (d *Driver) AssertConsumed(t *testing.T) {
	t.Helper()

	if got := int(d.idx.Load()); got != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", got, len(d.ops))
	}
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected Kind, query string, args []driver.NamedValue) (*Op, error) {
	idx := int(d.idx.Load())
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s operation: %s", expected, Normalize(query))
	}
	op := &d.ops[idx]
	if op.Kind != expected {
		return nil, fmt.Errorf("expected %s operation, got %s", op.Kind, expected)
	}
	d.idx.Add(1)
	if op.SQL != "" {
		want, got := Normalize(op.SQL), Normalize(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if op.Args != nil {
		if len(op.Args) != len(args) {
			return nil, fmt.Errorf("expected %d args, got %d", len(op.Args), len(args))
		}
		for i, arg := range args {
			if fmt.Sprint(arg.Value) != fmt.Sprint(op.Args[i]) {
				return nil, fmt.Errorf("arg %d: want %v got %v", i+1, op.Args[i], arg.Value)
			}
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(KindBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(KindExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return op.Result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(KindQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &rows{columns: op.Rows.Columns, values: op.Rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(KindCommit, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(KindRollback, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize collapses whitespace so formatting differences do not matter.
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
