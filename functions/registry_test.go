package functions

// These tests cover handler registration and the function catalog derived
// from it.

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fileworks/sluice/entities"
)

func fieldHandler(symbol string) Handler {
	return Handler{
		Symbol: symbol,
		Kind:   entities.FieldValidation,
		Field: func(ctx context.Context, value string, params []any) (string, error) {
			return value, nil
		},
	}
}

// tests basic registration and lookup
func TestRegisterAndLookup(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	assert.Nil(r.Register(fieldHandler("test.identity")))
	assert.NotNil(r.Lookup("test.identity"))
	assert.Nil(r.Lookup("test.unknown"))
}

// tests whether duplicate symbols are rejected
func TestRegisterRejectsDuplicateSymbol(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	assert.Nil(r.Register(fieldHandler("test.identity")))
	err := r.Register(fieldHandler("test.identity"))
	assert.NotNil(err, "Duplicate symbol didn't trigger an error.")
}

// tests whether a handler must carry the callable matching its kind
func TestRegisterRejectsKindMismatch(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	err := r.Register(Handler{
		Symbol: "test.broken",
		Kind:   entities.RecordUpload,
		Field: func(ctx context.Context, value string, params []any) (string, error) {
			return value, nil
		},
	})
	assert.NotNil(err, "Upload handler without an upload callable didn't trigger an error.")

	err = r.Register(Handler{Symbol: "test.empty", Kind: entities.FieldValidation})
	assert.NotNil(err, "Handler without any callable didn't trigger an error.")

	err = r.Register(Handler{Field: func(ctx context.Context, value string, params []any) (string, error) {
		return value, nil
	}})
	assert.NotNil(err, "Handler without a symbol didn't trigger an error.")
}

// tests whether Handlers returns registrations in symbol order
func TestHandlersAreSorted(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	assert.Nil(r.Register(fieldHandler("test.b")))
	assert.Nil(r.Register(fieldHandler("test.a")))
	assert.Nil(r.Register(fieldHandler("test.c")))
	handlers := r.Handlers()
	assert.Len(handlers, 3)
	assert.Equal("test.a", handlers[0].Symbol)
	assert.Equal("test.b", handlers[1].Symbol)
	assert.Equal("test.c", handlers[2].Symbol)
}

// tests whether function ids are stable in the signature and nothing else
func TestFunctionIdStability(t *testing.T) {
	assert := assert.New(t)
	params := []entities.DataType{entities.DataTypeString, entities.DataTypeInteger}

	id := FunctionId(entities.FieldValidation, "test.a", params)
	assert.Len(id, 24)
	assert.Equal(id, FunctionId(entities.FieldValidation, "test.a", params),
		"The same signature must always derive the same id.")

	assert.NotEqual(id, FunctionId(entities.RecordValidation, "test.a", params))
	assert.NotEqual(id, FunctionId(entities.FieldValidation, "test.b", params))
	assert.NotEqual(id, FunctionId(entities.FieldValidation, "test.a",
		[]entities.DataType{entities.DataTypeString}))
}

// tests the catalog derived from the registry
func TestCatalog(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	h := fieldHandler("test.identity")
	h.Name = "Identity"
	h.Parameters = []entities.Parameter{{Name: "pattern", Type: entities.DataTypeString}}
	assert.Nil(r.Register(h))
	assert.Nil(r.Register(fieldHandler("test.anonymous")))

	catalog := Catalog(r)
	assert.Len(catalog, 2)
	byId := IndexCatalog(catalog)
	assert.Len(byId, 2)

	for _, fn := range catalog {
		assert.Equal(fn.Id, FunctionId(fn.Kind, fn.NativeFunction, paramTypes(fn)))
		if fn.NativeFunction == "test.anonymous" {
			assert.Equal("test.anonymous", fn.Name, "A nameless handler falls back to its symbol.")
		}
	}
}

func paramTypes(fn *entities.Function) []entities.DataType {
	types := make([]entities.DataType, len(fn.Parameters))
	for i, p := range fn.Parameters {
		types[i] = p.Type
	}
	return types
}

// tests whether the stock handlers register cleanly without an API client
func TestRegisterBuiltins(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	assert.Nil(RegisterBuiltins(r, nil))
	assert.NotNil(r.Lookup("sluice.validate.notEmpty"))
	assert.NotNil(r.Lookup("sluice.upload.httpPostRecord"))

	// uploads without an API client fail as configuration errors when invoked
	handler := r.Lookup("sluice.upload.httpPostRecord")
	_, err := handler.Upload(context.Background(), &Record{}, []any{"http://x", ""})
	assert.NotNil(err, "Upload without an API client didn't trigger an error.")
}
