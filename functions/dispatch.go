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
	"encoding/json"
	"strconv"
	"strings"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
)

// A Dispatcher resolves function configs against the catalog and invokes the
// matching handler with coerced parameters. One dispatcher is built per file
// run, over the functions its configuration references.
type Dispatcher struct {
	registry *Registry
	sql      *SqlExecutor
	// function documents referenced by the current file's configuration
	catalog map[string]*entities.Function
}

// NewDispatcher builds a dispatcher over the given catalog slice. sql may be
// nil when no SQL-sourced functions are in play.
func NewDispatcher(registry *Registry, sql *SqlExecutor, catalog map[string]*entities.Function) *Dispatcher {
	return &Dispatcher{registry: registry, sql: sql, catalog: catalog}
}

// Resolve returns the function document a config points at, checking it
// against the expected kind.
func (d *Dispatcher) Resolve(cfg *entities.FunctionConfig, kind entities.FunctionKind) (*entities.Function, error) {
	fn, ok := d.catalog[cfg.FunctionId]
	if !ok {
		return nil, fault.NewConfigurationError(
			"function config %s references unknown function %s", cfg.Id, cfg.FunctionId)
	}
	if fn.Kind != kind {
		return nil, fault.NewConfigurationError(
			"function %s (%s) is %s, expected %s", fn.Name, fn.Id, fn.Kind, kind)
	}
	return fn, nil
}

// CallField runs a field-validation function against one value.
func (d *Dispatcher) CallField(ctx context.Context, cfg *entities.FunctionConfig, value string) (string, error) {
	fn, err := d.Resolve(cfg, entities.FieldValidation)
	if err != nil {
		return "", err
	}
	params, err := CoerceParams(fn, cfg.Parameters)
	if err != nil {
		return "", err
	}
	if fn.SqlStatement != "" {
		if d.sql == nil {
			return "", fault.NewConfigurationError(
				"function %s is SQL-sourced but no SQL executor is available", fn.Id)
		}
		return d.sql.Eval(ctx, fn, value, params)
	}
	handler, err := d.native(fn, entities.FieldValidation)
	if err != nil {
		return "", err
	}
	return handler.Field(ctx, value, params)
}

// CallRecord runs a record-validation function against one record.
func (d *Dispatcher) CallRecord(ctx context.Context, cfg *entities.FunctionConfig, record *Record) (map[string]string, error) {
	fn, err := d.Resolve(cfg, entities.RecordValidation)
	if err != nil {
		return nil, err
	}
	params, err := CoerceParams(fn, cfg.Parameters)
	if err != nil {
		return nil, err
	}
	handler, err := d.native(fn, entities.RecordValidation)
	if err != nil {
		return nil, err
	}
	return handler.Record(ctx, record, params)
}

// CallUpload runs a single-record upload function and returns its
// confirmation id.
func (d *Dispatcher) CallUpload(ctx context.Context, cfg *entities.FunctionConfig, record *Record) (string, error) {
	fn, err := d.Resolve(cfg, entities.RecordUpload)
	if err != nil {
		return "", err
	}
	params, err := CoerceParams(fn, cfg.Parameters)
	if err != nil {
		return "", err
	}
	handler, err := d.native(fn, entities.RecordUpload)
	if err != nil {
		return "", err
	}
	return handler.Upload(ctx, record, params)
}

// CallUploadBatch runs a batch upload function and returns the batch's shared
// confirmation id.
func (d *Dispatcher) CallUploadBatch(ctx context.Context, cfg *entities.FunctionConfig, records []*Record) (string, error) {
	fn, err := d.Resolve(cfg, entities.RecordUploadBatch)
	if err != nil {
		return "", err
	}
	params, err := CoerceParams(fn, cfg.Parameters)
	if err != nil {
		return "", err
	}
	handler, err := d.native(fn, entities.RecordUploadBatch)
	if err != nil {
		return "", err
	}
	return handler.UploadBatch(ctx, records, params)
}

// BatchKind reports whether the record type's upload function is batch-style.
func (d *Dispatcher) BatchKind(cfg *entities.FunctionConfig) (bool, error) {
	fn, ok := d.catalog[cfg.FunctionId]
	if !ok {
		return false, fault.NewConfigurationError(
			"function config %s references unknown function %s", cfg.Id, cfg.FunctionId)
	}
	switch fn.Kind {
	case entities.RecordUpload:
		return false, nil
	case entities.RecordUploadBatch:
		return true, nil
	default:
		return false, fault.NewConfigurationError(
			"function %s (%s) is %s, expected an upload kind", fn.Name, fn.Id, fn.Kind)
	}
}

func (d *Dispatcher) native(fn *entities.Function, kind entities.FunctionKind) (*Handler, error) {
	handler := d.registry.Lookup(fn.NativeFunction)
	if handler == nil {
		return nil, fault.NewConfigurationError(
			"function %s names unregistered handler %s", fn.Id, fn.NativeFunction)
	}
	if handler.Kind != kind {
		return nil, fault.NewConfigurationError(
			"handler %s is %s, expected %s", handler.Symbol, handler.Kind, kind)
	}
	return handler, nil
}

// CoerceParams converts a config's string parameter values into the types the
// function declares. A count mismatch or an unconvertible value is a
// configuration error.
func CoerceParams(fn *entities.Function, values []string) ([]any, error) {
	if len(values) != len(fn.Parameters) {
		return nil, fault.NewConfigurationError(
			"function %s takes %d parameters, config has %d",
			fn.Name, len(fn.Parameters), len(values))
	}
	params := make([]any, len(values))
	for i, raw := range values {
		decl := fn.Parameters[i]
		value, err := coerceParam(decl, raw)
		if err != nil {
			return nil, err
		}
		params[i] = value
	}
	return params, nil
}

func coerceParam(decl entities.Parameter, raw string) (any, error) {
	switch decl.Type {
	case entities.DataTypeString:
		return raw, nil
	case entities.DataTypeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fault.NewConfigurationError(
				"parameter %s: %q is not an integer", decl.Name, raw)
		}
		return n, nil
	case entities.DataTypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fault.NewConfigurationError(
				"parameter %s: %q is not a number", decl.Name, raw)
		}
		return f, nil
	case entities.DataTypeBoolean:
		b, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return nil, fault.NewConfigurationError(
				"parameter %s: %q is not a boolean", decl.Name, raw)
		}
		return b, nil
	case entities.DataTypeEnum:
		upper := strings.ToUpper(raw)
		for _, allowed := range decl.EnumValues {
			if upper == strings.ToUpper(allowed) {
				return upper, nil
			}
		}
		return nil, fault.NewConfigurationError(
			"parameter %s: %q is not one of %s", decl.Name, raw,
			strings.Join(decl.EnumValues, ", "))
	case entities.DataTypeDict:
		var dict map[string]any
		if err := json.Unmarshal([]byte(raw), &dict); err != nil {
			return nil, fault.NewConfigurationError(
				"parameter %s: invalid JSON object: %s", decl.Name, err.Error())
		}
		return dict, nil
	default:
		return nil, fault.NewConfigurationError(
			"parameter %s has unknown type %s", decl.Name, decl.Type)
	}
}
