// Copyright (c) 2024 The Sluice Project and its Contributors
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

package functions

import (
	"context"
	"fmt"
	"sync"

	"zombiezen.com/go/sqlite"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
)

// A SqlExecutor evaluates SQL-sourced field validations against an in-memory
// SQLite connection. The statement sees the field value as :value and the
// config parameters as :p1, :p2, ... and must select a single scalar: NULL
// rejects the value, anything else becomes the new field value.
type SqlExecutor struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// NewSqlExecutor opens the in-memory connection.
func NewSqlExecutor() (*SqlExecutor, error) {
	conn, err := sqlite.OpenConn(":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening sql function connection: %w", err)
	}
	return &SqlExecutor{conn: conn}, nil
}

// Close releases the connection.
func (e *SqlExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Close()
}

// Eval runs a function's SQL statement against one field value.
func (e *SqlExecutor) Eval(ctx context.Context, fn *entities.Function, value string, params []any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.conn.SetInterrupt(ctx.Done())
	defer e.conn.SetInterrupt(nil)

	stmt, err := e.conn.Prepare(fn.SqlStatement)
	if err != nil {
		return "", fault.NewConfigurationError(
			"function %s has an invalid SQL statement: %s", fn.Id, err.Error())
	}
	defer func() {
		stmt.Reset()
		stmt.ClearBindings()
	}()

	if stmt.BindParamCount() > 0 {
		stmt.SetText(":value", value)
		for i, param := range params {
			name := fmt.Sprintf(":p%d", i+1)
			switch v := param.(type) {
			case string:
				stmt.SetText(name, v)
			case int64:
				stmt.SetInt64(name, v)
			case float64:
				stmt.SetFloat(name, v)
			case bool:
				stmt.SetBool(name, v)
			default:
				return "", fault.NewConfigurationError(
					"function %s: parameter %d has no SQL binding", fn.Id, i+1)
			}
		}
	}

	hasRow, err := stmt.Step()
	if err != nil {
		return "", fault.NewConfigurationError(
			"function %s: SQL execution failed: %s", fn.Id, err.Error())
	}
	if !hasRow || stmt.ColumnType(0) == sqlite.TypeNull {
		return "", fault.NewValidationError("value %q rejected by %s", value, fn.Name)
	}
	return stmt.ColumnText(0), nil
}
