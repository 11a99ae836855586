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

// Package functions holds the function registry and dispatcher: the catalog
// of native handlers workers can run against records, the parameter coercion
// at the dispatch boundary, and the SQL and HTTP executors behind them.
package functions

import (
	"context"
	"fmt"
	"sort"

	"github.com/fileworks/sluice/entities"
)

// A FieldFunc validates or transforms one field value. It returns the
// (possibly rewritten) value.
type FieldFunc func(ctx context.Context, value string, params []any) (string, error)

// A RecordFunc validates or transforms a whole record. It returns fields to
// merge into the record's output fields, or nil for none.
type RecordFunc func(ctx context.Context, record *Record, params []any) (map[string]string, error)

// An UploadFunc uploads one record and returns a confirmation id.
type UploadFunc func(ctx context.Context, record *Record, params []any) (string, error)

// An UploadBatchFunc uploads a batch of records in one call and returns a
// confirmation id shared by the whole batch.
type UploadBatchFunc func(ctx context.Context, records []*Record, params []any) (string, error)

// A Handler is one registered native function: its stable symbol, its calling
// convention, and the metadata published to the function catalog.
type Handler struct {
	Symbol string
	Kind   entities.FunctionKind
	Name   string

	Field       FieldFunc
	Record      RecordFunc
	Upload      UploadFunc
	UploadBatch UploadBatchFunc

	Parameters []entities.Parameter
	FieldsIn   []entities.FunctionField
	FieldsOut  []entities.FunctionField
	Tags       []string
}

// A Registry maps symbols to handlers. Registration happens once at worker
// start, so lookups need no locking.
type Registry struct {
	bySymbol map[string]*Handler
}

func NewRegistry() *Registry {
	return &Registry{bySymbol: make(map[string]*Handler)}
}

// Register adds a handler. The symbol must be unique and the handler must
// carry exactly the callable matching its kind.
func (r *Registry) Register(h Handler) error {
	if h.Symbol == "" {
		return fmt.Errorf("handler has no symbol")
	}
	if _, ok := r.bySymbol[h.Symbol]; ok {
		return fmt.Errorf("duplicate handler symbol %s", h.Symbol)
	}
	var ok bool
	switch h.Kind {
	case entities.FieldValidation:
		ok = h.Field != nil
	case entities.RecordValidation:
		ok = h.Record != nil
	case entities.RecordUpload:
		ok = h.Upload != nil
	case entities.RecordUploadBatch:
		ok = h.UploadBatch != nil
	}
	if !ok {
		return fmt.Errorf("handler %s has no callable for kind %s", h.Symbol, h.Kind)
	}
	registered := h
	r.bySymbol[h.Symbol] = &registered
	return nil
}

// Lookup returns the handler registered under the given symbol, or nil.
func (r *Registry) Lookup(symbol string) *Handler {
	return r.bySymbol[symbol]
}

// Handlers returns every registered handler in symbol order.
func (r *Registry) Handlers() []*Handler {
	handlers := make([]*Handler, 0, len(r.bySymbol))
	for _, h := range r.bySymbol {
		handlers = append(handlers, h)
	}
	sort.Slice(handlers, func(i, j int) bool {
		return handlers[i].Symbol < handlers[j].Symbol
	})
	return handlers
}
