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

package catalog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/kelpstudio/dts/store"
)

// Catalog is the typed entity-accessor layer over Store. Every method opens
// its own serializable transaction unless noted otherwise; callers needing
// several mutations to be atomic use WithTx directly.
type Catalog struct {
	db *store.Store
}

// wraps an already-open store.Store. Use Open to create and migrate a new
// database file.
func New(db *store.Store) *Catalog {
	return &Catalog{db: db}
}

// opens (creating if necessary) a SQLite-backed catalog at path.
func Open(path string) (*Catalog, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// runs fn inside a single transaction, type-asserting its result to T. Used
// by statemachine.Apply, which needs several catalog mutations (transfer
// update, approval update, history insert, notification insert) to commit or
// roll back together.
func WithTx[T any](c *Catalog, fn func(tx *store.Tx) (T, error)) (T, error) {
	var zero T
	v, err := c.db.InTx(func(tx *store.Tx) (any, error) {
		return fn(tx)
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

//-----------
// helpers
//-----------

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func isNull(stmt *sqlite.Stmt, col string) bool {
	idx := stmt.ColumnIndex(col)
	if idx < 0 {
		return true
	}
	return stmt.ColumnType(idx) == sqlite.TypeNull
}

func nullableTime(stmt *sqlite.Stmt, col string) *time.Time {
	if isNull(stmt, col) {
		return nil
	}
	t := parseTime(stmt.GetText(col))
	return &t
}

func nullableBool(stmt *sqlite.Stmt, col string) *bool {
	if isNull(stmt, col) {
		return nil
	}
	b := stmt.GetInt64(col) != 0
	return &b
}

func nullableInt64(stmt *sqlite.Stmt, col string) *int64 {
	if isNull(stmt, col) {
		return nil
	}
	v := stmt.GetInt64(col)
	return &v
}

func boolParam(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func timePtrParam(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolPtrParam(b *bool) any {
	if b == nil {
		return nil
	}
	return boolParam(*b)
}

func int64PtrParam(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalJSONMap(stmt *sqlite.Stmt, col string) map[string]any {
	if isNull(stmt, col) {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal([]byte(stmt.GetText(col)), &m)
	return m
}

func unmarshalTags(stmt *sqlite.Stmt, col string) []string {
	if isNull(stmt, col) {
		return nil
	}
	var tags []string
	_ = json.Unmarshal([]byte(stmt.GetText(col)), &tags)
	return tags
}

// SanitizeFilename exposes sanitizeFilename for package ingest, which must
// pick the same on-disk name InsertFileTx will assign the catalog row before
// that row exists.
func SanitizeFilename(name string) string {
	return sanitizeFilename(name)
}

// sanitizeFilename strips any path component and disallowed characters from
// an uploaded filename, per spec.md §4.8.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" || name == "." || name == ".." {
		name = "file"
	}
	return name
}

// NotFoundError indicates that a requested entity does not exist.
type NotFoundError struct {
	Entity string
	Key    any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Entity, e.Key)
}

// ConflictError indicates a unique-key violation (e.g. duplicate username or
// reference).
type ConflictError struct {
	Entity string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Entity, e.Detail)
}
