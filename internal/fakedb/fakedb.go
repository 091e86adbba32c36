// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb provides an in-memory SQL driver serving canned rows.
package fakedb // import "github.com/go-lpc/xpad/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
)

// Name is the name under which the driver is registered.
const Name = "fakedb"

// Query is a statement executed against the fake database.
type Query struct {
	SQL  string
	Args []driver.Value
}

var state struct {
	mu      sync.Mutex
	results []Rows
	queries []Query
}

// Run runs f while the fake database serves results.
// The n-th query executed by f gets results[n]. Queries beyond the
// provided results get an empty result set.
func Run(ctx context.Context, results []Rows, f func(ctx context.Context) error) error {
	state.mu.Lock()
	defer state.mu.Unlock()

	state.results = append([]Rows(nil), results...)
	state.queries = state.queries[:0]
	defer func() {
		state.results = nil
	}()

	return f(ctx)
}

// Queries returns the queries executed during the current Run.
func Queries() []Query {
	return append([]Query(nil), state.queries...)
}

func next(query string, args []driver.Value) *Rows {
	state.queries = append(state.queries, Query{SQL: query, Args: args})
	if len(state.results) == 0 {
		return &Rows{}
	}
	rows := state.results[0]
	state.results = state.results[1:]
	return &rows
}

func init() {
	sql.Register(Name, &Driver{})
}

// Driver is the fake database driver.
type Driver struct{}

func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{query: query}, nil
}

func (c *Conn) Close() error { return nil }

func (c *Conn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("fakedb: transactions not supported")
}

type Stmt struct {
	query string
}

func (stmt *Stmt) Close() error  { return nil }
func (stmt *Stmt) NumInput() int { return -1 }

func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return nil, fmt.Errorf("fakedb: exec not supported")
}

func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return next(stmt.query, args), nil
}

func (stmt *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vs := make([]driver.Value, len(args))
	for i, arg := range args {
		vs[i] = arg.Value
	}
	return next(stmt.query, vs), nil
}

// Rows is a canned result set.
type Rows struct {
	Names  []string
	Values [][]driver.Value
}

func (rows *Rows) Columns() []string { return rows.Names }
func (rows *Rows) Close() error      { return nil }

func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver           = (*Driver)(nil)
	_ driver.Conn             = (*Conn)(nil)
	_ driver.Stmt             = (*Stmt)(nil)
	_ driver.StmtQueryContext = (*Stmt)(nil)
	_ driver.Rows             = (*Rows)(nil)
)
