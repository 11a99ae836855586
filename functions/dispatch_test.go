package functions

// These tests cover parameter coercion at the dispatch boundary and the
// resolution of function configs against the catalog.

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
)

// tests whether each declared parameter type coerces its string value
func TestCoerceParams(t *testing.T) {
	assert := assert.New(t)
	fn := &entities.Function{
		Name: "test",
		Parameters: []entities.Parameter{
			{Name: "s", Type: entities.DataTypeString},
			{Name: "n", Type: entities.DataTypeInteger},
			{Name: "f", Type: entities.DataTypeFloat},
			{Name: "b", Type: entities.DataTypeBoolean},
			{Name: "e", Type: entities.DataTypeEnum, EnumValues: []string{"RED", "Blue"}},
			{Name: "d", Type: entities.DataTypeDict},
		},
	}
	params, err := CoerceParams(fn, []string{"abc", "42", "2.5", "True", "blue", `{"k": 1}`})
	assert.Nil(err)
	assert.Equal("abc", params[0])
	assert.Equal(int64(42), params[1])
	assert.Equal(2.5, params[2])
	assert.Equal(true, params[3])
	assert.Equal("BLUE", params[4], "Enum values normalize to uppercase.")
	assert.Equal(map[string]any{"k": float64(1)}, params[5])
}

// tests whether a parameter count mismatch is a configuration error
func TestCoerceParamsCountMismatch(t *testing.T) {
	assert := assert.New(t)
	fn := &entities.Function{
		Name:       "test",
		Parameters: []entities.Parameter{{Name: "n", Type: entities.DataTypeInteger}},
	}
	_, err := CoerceParams(fn, []string{})
	assert.NotNil(err, "Parameter count mismatch didn't trigger an error.")
	assert.False(fault.IsRecordLevel(err), "Parameter problems must stop the file, not one record.")
}

// tests whether unconvertible values are configuration errors
func TestCoerceParamsBadValues(t *testing.T) {
	assert := assert.New(t)
	cases := []struct {
		declared entities.Parameter
		value    string
	}{
		{entities.Parameter{Name: "n", Type: entities.DataTypeInteger}, "abc"},
		{entities.Parameter{Name: "f", Type: entities.DataTypeFloat}, "abc"},
		{entities.Parameter{Name: "b", Type: entities.DataTypeBoolean}, "maybe"},
		{entities.Parameter{Name: "e", Type: entities.DataTypeEnum, EnumValues: []string{"RED"}}, "green"},
		{entities.Parameter{Name: "d", Type: entities.DataTypeDict}, "not json"},
	}
	for _, c := range cases {
		fn := &entities.Function{Name: "test", Parameters: []entities.Parameter{c.declared}}
		_, err := CoerceParams(fn, []string{c.value})
		assert.NotNil(err, "Bad %s value didn't trigger an error.", c.declared.Type)
		assert.True(fault.IsDomain(err))
		assert.False(fault.IsRecordLevel(err))
	}
}

func testDispatcher(registry *Registry, catalog ...*entities.Function) *Dispatcher {
	return NewDispatcher(registry, nil, IndexCatalog(catalog))
}

// tests dispatching a field function through a config
func TestCallField(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	assert.Nil(RegisterBuiltins(r, nil))

	fn := &entities.Function{
		Id:             "fn-upper",
		Name:           "Uppercase",
		Kind:           entities.FieldValidation,
		NativeFunction: "sluice.validate.uppercase",
	}
	d := testDispatcher(r, fn)
	cfg := &entities.FunctionConfig{Id: "cfg-1", FunctionId: "fn-upper"}
	value, err := d.CallField(context.Background(), cfg, "ada")
	assert.Nil(err)
	assert.Equal("ADA", value)
}

// tests whether unknown functions and kind mismatches are rejected
func TestResolveErrors(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	fn := &entities.Function{
		Id:             "fn-upper",
		Kind:           entities.FieldValidation,
		NativeFunction: "sluice.validate.uppercase",
	}
	d := testDispatcher(r, fn)

	_, err := d.Resolve(&entities.FunctionConfig{Id: "cfg-1", FunctionId: "missing"},
		entities.FieldValidation)
	assert.NotNil(err, "Unknown function id didn't trigger an error.")

	_, err = d.Resolve(&entities.FunctionConfig{Id: "cfg-2", FunctionId: "fn-upper"},
		entities.RecordUpload)
	assert.NotNil(err, "Kind mismatch didn't trigger an error.")
	assert.False(fault.IsRecordLevel(err))
}

// tests whether a function naming an unregistered handler is rejected
func TestCallFieldUnregisteredHandler(t *testing.T) {
	assert := assert.New(t)
	fn := &entities.Function{
		Id:             "fn-ghost",
		Kind:           entities.FieldValidation,
		NativeFunction: "test.ghost",
	}
	d := testDispatcher(NewRegistry(), fn)
	_, err := d.CallField(context.Background(),
		&entities.FunctionConfig{Id: "cfg-1", FunctionId: "fn-ghost"}, "x")
	assert.NotNil(err, "Unregistered handler didn't trigger an error.")
	assert.False(fault.IsRecordLevel(err))
}

// tests the batch-kind check the uploader uses
func TestBatchKind(t *testing.T) {
	assert := assert.New(t)
	single := &entities.Function{Id: "fn-single", Kind: entities.RecordUpload}
	batch := &entities.Function{Id: "fn-batch", Kind: entities.RecordUploadBatch}
	other := &entities.Function{Id: "fn-field", Kind: entities.FieldValidation}
	d := testDispatcher(NewRegistry(), single, batch, other)

	isBatch, err := d.BatchKind(&entities.FunctionConfig{FunctionId: "fn-single"})
	assert.Nil(err)
	assert.False(isBatch)

	isBatch, err = d.BatchKind(&entities.FunctionConfig{FunctionId: "fn-batch"})
	assert.Nil(err)
	assert.True(isBatch)

	_, err = d.BatchKind(&entities.FunctionConfig{FunctionId: "fn-field"})
	assert.NotNil(err, "Non-upload kind didn't trigger an error.")
}

// tests a few of the stock field validators
func TestBuiltinFieldValidators(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	assert.Nil(RegisterBuiltins(r, nil))
	ctx := context.Background()

	_, err := r.Lookup("sluice.validate.notEmpty").Field(ctx, "  ", nil)
	assert.NotNil(err, "Blank value passed notEmpty.")
	assert.True(fault.IsRecordLevel(err))

	value, err := r.Lookup("sluice.validate.parseDate").Field(ctx, "20240131",
		[]any{"20060102", "2006-01-02"})
	assert.Nil(err)
	assert.Equal("2024-01-31", value)

	_, err = r.Lookup("sluice.validate.lengthBetween").Field(ctx, "abcdef",
		[]any{int64(1), int64(3)})
	assert.NotNil(err, "Overlong value passed lengthBetween.")

	value, err = r.Lookup("sluice.validate.isInteger").Field(ctx, " 42 ", nil)
	assert.Nil(err)
	assert.Equal("42", value)
}
