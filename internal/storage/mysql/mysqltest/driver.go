// Package mysqltest 提供按脚本回放的 database/sql 驱动，用于在没有 MySQL 实例时
// 校验仓库层发出的 SQL 顺序与内容。
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opType int

const (
	opExec opType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (t opType) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[t]
}

// Op 是一条预期的数据库操作。
type Op struct {
	typ          opType
	query        string
	lastInsertID int64
	rowsAffected int64
	columns      []string
	values       [][]driver.Value
	err          error
}

// Exec 预期一次 Exec 调用。
func Exec(query string, lastInsertID, rowsAffected int64) Op {
	return Op{typ: opExec, query: query, lastInsertID: lastInsertID, rowsAffected: rowsAffected}
}

// Query 预期一次 Query 调用并返回给定的行。
func Query(query string, columns []string, values ...[]driver.Value) Op {
	return Op{typ: opQuery, query: query, columns: columns, values: values}
}

// Begin 预期开启事务。
func Begin() Op { return Op{typ: opBegin} }

// Commit 预期提交事务。
func Commit() Op { return Op{typ: opCommit} }

// Rollback 预期回滚事务。
func Rollback() Op { return Op{typ: opRollback} }

// WithErr 让该操作返回指定错误。
func (o Op) WithErr(err error) Op {
	o.err = err
	return o
}

// Driver 按顺序回放预期操作，任何偏离都会以错误返回给调用方。
type Driver struct {
	mu   sync.Mutex
	ops  []Op
	idx  int
	args [][]driver.NamedValue
}

var seq atomic.Int32

// Open 注册一个新的驱动实例并返回单连接的 *sql.DB。
func Open(t testing.TB, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", seq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, drv
}

// AssertConsumed 校验所有预期操作都已执行。
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

// Args 返回第 i 次 Exec 或 Query 调用携带的参数。
func (d *Driver) Args(i int) []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.args) {
		return nil
	}
	values := make([]any, len(d.args[i]))
	for j, arg := range d.args[i] {
		values[j] = arg.Value
	}
	return values
}

// Open 实现 driver.Driver。
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected opType, query string, args []driver.NamedValue) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", expected, Normalize(query))
	}
	op := &d.ops[d.idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected %s, got %s", op.typ, expected)
	}
	d.idx++
	if op.query != "" {
		if want, got := Normalize(op.query), Normalize(query); want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if expected == opExec || expected == opQuery {
		d.args = append(d.args, args)
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
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return result{lastInsertID: op.lastInsertID, rowsAffected: op.rowsAffected}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.columns, values: op.values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type result struct {
	lastInsertID int64
	rowsAffected int64
}

func (r result) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r result) RowsAffected() (int64, error) { return r.rowsAffected, nil }

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

// Normalize 折叠 SQL 中的空白，便于比较。
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
