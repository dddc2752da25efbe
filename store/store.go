// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package store is the relational persistence layer for the data-delivery
// pipeline. It owns the single SQLite connection and the transaction
// discipline on top of it; package catalog builds typed entity accessors on
// top of what this package exposes.
//
// A single goroutine owns the *sqlite.Conn, the same shape the teacher used
// for its bbolt-backed transfer journal (journal/journal.go): every caller
// submits a closure over a channel and blocks on the response. Because that
// goroutine is the only thing touching the connection, two transactions can
// never interleave their reads and writes against the same row — the
// goroutine itself is the row-level exclusive lock the spec describes as
// "SELECT ... FOR UPDATE" in a deployment with a real database server.
package store

import (
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Tx is the handle passed to a submitted transaction function. It wraps the
// single underlying connection; callers never see *sqlite.Conn directly so
// they can't accidentally hold a reference past the transaction's lifetime.
type Tx struct {
	conn *sqlite.Conn
}

// runs query with the given named parameters, calling fn once per result row.
// fn may return an error to abort iteration early.
func (tx *Tx) Query(query string, params map[string]any, fn func(stmt *sqlite.Stmt) error) error {
	return sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
		Named:      params,
		ResultFunc: fn,
	})
}

// runs query with no result rows expected (INSERT/UPDATE/DELETE/DDL)
func (tx *Tx) Exec(query string, params map[string]any) error {
	return sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{Named: params})
}

// returns the rowid of the most recently inserted row on this connection
func (tx *Tx) LastInsertRowID() int64 {
	return tx.conn.LastInsertRowID()
}

// Store is the actor-owned handle to the embedded SQLite database.
type Store struct {
	reqs chan txRequest
	quit chan struct{}
	done chan struct{}
}

type txRequest struct {
	fn     func(tx *Tx) (any, error)
	result chan txResult
}

type txResult struct {
	value any
	err   error
}

// opens (creating if necessary) the SQLite database at path, applies the
// schema migrations, and starts the owning goroutine.
func Open(path string) (*Store, error) {
	s := &Store{
		reqs: make(chan txRequest),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go s.run(path, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return s, nil
}

// shuts the store down, blocking until the owning goroutine has closed the
// underlying connection
func (s *Store) Close() error {
	close(s.quit)
	<-s.done
	return nil
}

// runs fn inside a serializable, single-writer transaction against the
// store, returning whatever fn returns. fn's body is the only place the
// database is ever touched; everything before and after runs outside the
// actor goroutine's critical section.
func (s *Store) InTx(fn func(tx *Tx) (any, error)) (any, error) {
	req := txRequest{fn: fn, result: make(chan txResult, 1)}
	s.reqs <- req
	res := <-req.result
	return res.value, res.err
}

func (s *Store) run(path string, ready chan error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		ready <- fmt.Errorf("opening store at %s: %w", path, err)
		return
	}
	if err := applySchema(conn); err != nil {
		conn.Close()
		ready <- fmt.Errorf("migrating store schema: %w", err)
		return
	}
	ready <- nil

	defer close(s.done)
	defer conn.Close()

	tx := &Tx{conn: conn}
	for {
		select {
		case req := <-s.reqs:
			req.result <- runOne(tx, conn, req.fn)
		case <-s.quit:
			return
		}
	}
}

// wraps fn in a BEGIN IMMEDIATE/COMMIT pair (rolling back on error or panic)
// so that a crash partway through a multi-statement apply can never leave
// the database in a half-written state.
func runOne(tx *Tx, conn *sqlite.Conn, fn func(tx *Tx) (any, error)) (result txResult) {
	if err := sqlitex.Execute(conn, "BEGIN IMMEDIATE", nil); err != nil {
		return txResult{err: fmt.Errorf("beginning transaction: %w", err)}
	}
	committed := false
	defer func() {
		if r := recover(); r != nil {
			sqlitex.Execute(conn, "ROLLBACK", nil)
			result = txResult{err: fmt.Errorf("store: recovered panic: %v", r)}
			return
		}
		if !committed {
			sqlitex.Execute(conn, "ROLLBACK", nil)
		}
	}()

	value, err := fn(tx)
	if err != nil {
		return txResult{err: err}
	}
	if err := sqlitex.Execute(conn, "COMMIT", nil); err != nil {
		return txResult{err: fmt.Errorf("committing transaction: %w", err)}
	}
	committed = true
	return txResult{value: value}
}

// Now returns the current time truncated to second resolution, the
// granularity the schema's timestamp columns store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
