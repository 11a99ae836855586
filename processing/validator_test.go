package processing

// These tests run the validator over records seeded in the parsed state,
// with real function documents and registered handlers.

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/functions"
	"github.com/fileworks/sluice/sluicetest"
)

// seeds a parsed file with the given parsed field sets
func validateFixture(s *sluicetest.Store, rows ...map[string]string) *entities.File {
	file := testFile(1, entities.FileParsed)
	file.ParsedColumns = []string{"name", "email"}
	s.PutFile(file)
	for i, fields := range rows {
		s.PutRecords(&entities.Record{
			Id:           entities.RecordId(1, int64(i+2)),
			RecordType:   1,
			Status:       entities.RecordParsed,
			ParsedFields: fields,
		})
	}
	return file
}

// the member file type with a validation chain on the name field
func validatedFileType() entities.FileType {
	fileType := memberFileType()
	fileType.RecordTypes[0].FieldTypes[0].Validations = []entities.FunctionConfig{
		{Id: "cfg-required", FunctionId: "fn-notempty"},
		{Id: "cfg-upper", FunctionId: "fn-upper"},
	}
	return fileType
}

func validationFunctions() []*entities.Function {
	return []*entities.Function{
		{Id: "fn-notempty", Name: "Not empty", Kind: entities.FieldValidation,
			NativeFunction: "sluice.validate.notEmpty"},
		{Id: "fn-upper", Name: "Uppercase", Kind: entities.FieldValidation,
			NativeFunction: "sluice.validate.uppercase"},
	}
}

// tests whether a field chain transforms values in config order
func TestValidateFieldChain(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	addTestPartner(s, validatedFileType())
	s.AddFunctions(validationFunctions()...)
	env := testEnv(s)
	assert.Nil(functions.RegisterBuiltins(env.Registry, nil))
	validateFixture(s, map[string]string{"name": "ada", "email": "ada@example.com"})

	assert.Nil(Validate(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal(entities.FileValidated, file.Status)
	assert.Equal(int64(1), file.Stats.ValidatedRecordsSuccess)
	assert.Equal([]string{"name", "email"}, file.ValidatedColumns)
	assert.Equal(int64(1), file.Stats.Steps["VALIDATE:1:f-name:cfg-upper"].Success)

	record := s.Record(entities.RecordId(1, 2))
	assert.Equal(entities.RecordValidated, record.Status)
	assert.Equal("ADA", record.ValidatedFields["name"])
	assert.Equal("ada@example.com", record.ValidatedFields["email"])
	assert.Equal("ada", record.ParsedFields["name"], "Parsed fields stay untouched.")
}

// tests whether a failing chain stops and keeps the original parsed value
func TestValidateChainStopsOnError(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	addTestPartner(s, validatedFileType())
	s.AddFunctions(validationFunctions()...)
	env := testEnv(s)
	assert.Nil(functions.RegisterBuiltins(env.Registry, nil))
	validateFixture(s,
		map[string]string{"name": "", "email": "nobody@example.com"},
		map[string]string{"name": "grace", "email": "grace@example.com"})

	assert.Nil(Validate(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal(entities.FileValidated, file.Status,
		"A validation failure fails one record, not the file.")
	assert.Equal(int64(1), file.Stats.ValidatedRecordsSuccess)
	assert.Equal(int64(1), file.Stats.ValidatedRecordsError)
	assert.Equal(int64(1), file.Stats.ValidationErrors)
	assert.Equal(int64(0), file.Stats.ValidationExecutionErrors)
	assert.Equal(int64(1), file.Stats.Steps["VALIDATE:1:f-name:cfg-required"].Failure)

	bad := s.Record(entities.RecordId(1, 2))
	assert.Equal(entities.RecordValidationError, bad.Status)
	assert.Equal("", bad.ValidatedFields["name"],
		"The failed field keeps its original parsed value.")
	assert.Equal("nobody@example.com", bad.ValidatedFields["email"],
		"Validated fields are written even for failed records.")
	assert.Len(bad.RecentErrors, 1)
	assert.Equal("name", bad.RecentErrors[0].Field)
	assert.Equal("fn-notempty", bad.RecentErrors[0].FunctionId)
	assert.Equal(fault.OtherValidationError, bad.RecentErrors[0].ErrorCode)

	good := s.Record(entities.RecordId(1, 3))
	assert.Equal(entities.RecordValidated, good.Status)
	assert.Equal("GRACE", good.ValidatedFields["name"])
}

// tests whether record functions merge output fields and drop ephemeral ones
func TestValidateRecordFunction(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	fileType := memberFileType()
	fileType.RecordTypes[0].Validations = []entities.FunctionConfig{
		{Id: "cfg-flag", FunctionId: "fn-flag"},
	}
	addTestPartner(s, fileType)
	s.AddFunctions(&entities.Function{
		Id:             "fn-flag",
		Name:           "Flag",
		Kind:           entities.RecordValidation,
		NativeFunction: "test.flag",
		FieldsOut: []entities.FunctionField{
			{Key: "flag", Type: entities.DataTypeString},
			{Key: "scratch", Type: entities.DataTypeString, OutEphemeral: true},
		},
	})
	env := testEnv(s)
	assert.Nil(env.Registry.Register(functions.Handler{
		Symbol: "test.flag",
		Kind:   entities.RecordValidation,
		Record: func(ctx context.Context, record *functions.Record, params []any) (map[string]string, error) {
			return map[string]string{"flag": "Y", "scratch": record.Fields["name"]}, nil
		},
	}))
	validateFixture(s, map[string]string{"name": "ada", "email": "ada@example.com"})

	assert.Nil(Validate(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal([]string{"name", "email", "flag"}, file.ValidatedColumns,
		"Ephemeral output fields never become columns.")

	record := s.Record(entities.RecordId(1, 2))
	assert.Equal("Y", record.ValidatedFields["flag"])
	_, ok := record.ValidatedFields["scratch"]
	assert.False(ok, "Ephemeral output fields must not be persisted.")
}

// tests whether declared output types are normalized and bad values rejected
func TestValidateOutputCoercion(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	fileType := memberFileType()
	fileType.RecordTypes[0].Validations = []entities.FunctionConfig{
		{Id: "cfg-count", FunctionId: "fn-count"},
	}
	addTestPartner(s, fileType)
	s.AddFunctions(&entities.Function{
		Id:             "fn-count",
		Name:           "Count",
		Kind:           entities.RecordValidation,
		NativeFunction: "test.count",
		FieldsOut: []entities.FunctionField{
			{Key: "count", Type: entities.DataTypeInteger},
		},
	})
	env := testEnv(s)
	assert.Nil(env.Registry.Register(functions.Handler{
		Symbol: "test.count",
		Kind:   entities.RecordValidation,
		Record: func(ctx context.Context, record *functions.Record, params []any) (map[string]string, error) {
			return map[string]string{"count": record.Fields["name"]}, nil
		},
	}))
	validateFixture(s,
		map[string]string{"name": "0042", "email": "ada@example.com"},
		map[string]string{"name": "many", "email": "grace@example.com"})

	assert.Nil(Validate(context.Background(), env, 1))

	good := s.Record(entities.RecordId(1, 2))
	assert.Equal(entities.RecordValidated, good.Status)
	assert.Equal("42", good.ValidatedFields["count"],
		"Integer outputs are rendered canonically.")

	bad := s.Record(entities.RecordId(1, 3))
	assert.Equal(entities.RecordValidationError, bad.Status)
	assert.Equal("count", bad.RecentErrors[0].Field)
	assert.Equal(fault.OtherValidationError, bad.RecentErrors[0].ErrorCode)
}

// tests whether execution errors are counted apart from validation errors
func TestValidateExecutionError(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	fileType := memberFileType()
	fileType.RecordTypes[0].FieldTypes[1].Validations = []entities.FunctionConfig{
		{Id: "cfg-remote", FunctionId: "fn-remote"},
	}
	addTestPartner(s, fileType)
	s.AddFunctions(&entities.Function{
		Id:             "fn-remote",
		Kind:           entities.FieldValidation,
		NativeFunction: "test.remote",
	})
	env := testEnv(s)
	assert.Nil(env.Registry.Register(functions.Handler{
		Symbol: "test.remote",
		Kind:   entities.FieldValidation,
		Field: func(ctx context.Context, value string, params []any) (string, error) {
			return "", fault.NewExecutionError("remote check unavailable")
		},
	}))
	validateFixture(s, map[string]string{"name": "ada", "email": "ada@example.com"})

	assert.Nil(Validate(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal(entities.FileValidated, file.Status)
	assert.Equal(int64(1), file.Stats.ValidationExecutionErrors)
	assert.Equal(int64(0), file.Stats.ValidationErrors)
	assert.Equal(entities.RecordValidationError, s.Record(entities.RecordId(1, 2)).Status)
}

// tests whether a validation referencing a missing function fails the file
func TestValidateUnknownFunction(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	addTestPartner(s, validatedFileType())
	env := testEnv(s)
	validateFixture(s, map[string]string{"name": "ada", "email": "ada@example.com"})

	assert.Nil(Validate(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal(entities.FileValidateError, file.Status)
	assert.Len(file.RecentErrors, 1)
	assert.Equal(fault.OtherConfigurationError, file.RecentErrors[0].ErrorCode)
}
