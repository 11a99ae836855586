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

package processing

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/functions"
	"github.com/fileworks/sluice/store"
)

// Validate runs each parsed record through its field and record validation
// chains. Field chains stop at the first error and keep the original parsed
// value; record chains only run when every field passed. The validated field
// set is written even for failed records so reports can show partial results.
func Validate(ctx context.Context, env *Env, fileId int64, limitRecords ...int64) error {
	file, err := claim(ctx, env, fileId, []entities.FileStatus{entities.FileParsed}, entities.FileValidating)
	if err != nil {
		return err
	}
	p := &processor{env: env, source: entities.LogSourceValidator, file: file, limit: firstLimit(limitRecords)}
	v := &validator{processor: p}
	if err := v.run(ctx); err != nil {
		if isNotClaimed(err) {
			return err
		}
		return p.failFile(ctx, entities.FileValidateError, err, []string{"validatedColumns"})
	}
	return nil
}

type validator struct {
	*processor
	runner     *chunkRunner
	dispatcher *functions.Dispatcher
	// validatedColumns accumulator, seeded with parsedColumns
	columns     []string
	columnsSeen map[string]bool
	// output field keys declared ephemeral by any record function
	ephemeral map[string]bool
	// output field declarations by key, for datatype coercion
	outSpecs map[string]entities.FunctionField
}

func (v *validator) run(ctx context.Context) error {
	if err := v.begin(ctx, "VALIDATE"); err != nil {
		return err
	}
	file := v.file
	file.Stats.ValidatedRecordsSuccess = 0
	file.Stats.ValidatedRecordsError = 0
	file.Stats.ValidationErrors = 0
	file.Stats.ValidationExecutionErrors = 0
	file.Times.ValidatingStart = time.Now().UTC()
	file.Times.ValidatingEnd = time.Time{}
	file.ValidatedColumns = nil

	if err := v.buildDispatcher(ctx); err != nil {
		return err
	}
	v.columnsSeen = make(map[string]bool)
	for _, column := range file.ParsedColumns {
		v.addColumn(column)
	}

	v.runner = newChunkRunner(v.processor, 1)
	filter := store.RecordRangeStatus(file.Id, entities.RecordParsed)
	if err := v.runner.run(ctx, v, filter, ""); err != nil {
		return err
	}

	file.ValidatedColumns = v.columns
	file.Status = entities.FileValidated
	file.Times.ValidatingEnd = time.Now().UTC()
	v.log("Validated %d records (%d failed)",
		file.Stats.ValidatedRecordsSuccess, file.Stats.ValidatedRecordsError)
	return v.updateFile(ctx,
		[]string{"status", "stats", "times", "validatedColumns", "log", "recentErrors"})
}

// buildDispatcher fetches every function document the file type references
// and checks they all resolve before any record is touched.
func (v *validator) buildDispatcher(ctx context.Context) error {
	var ids []string
	for _, recordType := range v.ents.FileType.RecordTypes {
		for _, field := range recordType.FieldTypes {
			for _, cfg := range field.Validations {
				ids = append(ids, cfg.FunctionId)
			}
		}
		for _, cfg := range recordType.Validations {
			ids = append(ids, cfg.FunctionId)
		}
	}
	catalog, err := v.env.Admin.Functions(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := catalog[id]; !ok {
			return fault.NewConfigurationError("validation references unknown function %s", id)
		}
	}
	v.ephemeral = make(map[string]bool)
	v.outSpecs = make(map[string]entities.FunctionField)
	for _, fn := range catalog {
		for _, out := range fn.FieldsOut {
			if out.OutEphemeral {
				v.ephemeral[out.Key] = true
			}
			v.outSpecs[out.Key] = out
		}
	}
	v.dispatcher = functions.NewDispatcher(v.env.Registry, v.env.Sql, catalog)
	return nil
}

func (v *validator) addColumn(name string) {
	if !v.columnsSeen[name] && !v.ephemeral[name] {
		v.columnsSeen[name] = true
		v.columns = append(v.columns, name)
	}
}

func (v *validator) preprocessChunk(ctx context.Context, chunk []*entities.Record) error {
	return nil
}

func (v *validator) endChunk(ctx context.Context) error {
	return nil
}

func (v *validator) processRecord(ctx context.Context, record *entities.Record) error {
	recordType := v.ents.FileType.RecordType(record.RecordType)
	if recordType == nil {
		return fault.NewConfigurationError(
			"record %d has unknown record type %d", record.Id, record.RecordType)
	}
	statKey := stepKey("VALIDATE", strconv.Itoa(int(record.RecordType)))
	v.file.Stats.Step(statKey).Input++

	out := make(map[string]string, len(record.ParsedFields))
	for key, value := range record.ParsedFields {
		out[key] = value
	}
	record.RecentErrors = nil

	failed, err := v.validateFields(ctx, record, recordType, out)
	if err != nil {
		return err
	}
	if !failed {
		recordFailed, err := v.validateRecord(ctx, record, recordType, out)
		if err != nil {
			return err
		}
		failed = recordFailed
	}

	if v.coerceOutputs(record, out) {
		failed = true
	}
	for key := range out {
		if v.ephemeral[key] {
			delete(out, key)
		}
	}
	record.ValidatedFields = out

	if failed {
		record.Status = entities.RecordValidationError
		v.file.Stats.ValidatedRecordsError++
		v.file.Stats.Step(statKey).Failure++
	} else {
		record.Status = entities.RecordValidated
		v.file.Stats.ValidatedRecordsSuccess++
		v.file.Stats.Step(statKey).Success++
	}
	return v.runner.queueRecord(record,
		[]string{"status", "validatedFields", "recentErrors"}, "log")
}

// validateFields runs each active field's validation chain in field order.
// A chain stops at its first error and the field keeps its original parsed
// value; later fields still run.
func (v *validator) validateFields(ctx context.Context, record *entities.Record, recordType *entities.RecordType, out map[string]string) (bool, error) {
	failed := false
	for i := range recordType.FieldTypes {
		field := &recordType.FieldTypes[i]
		if !field.Active || len(field.Validations) == 0 {
			continue
		}
		value := out[field.Name]
		original := value
		for j := range field.Validations {
			cfg := &field.Validations[j]
			cfgKey := stepKey("VALIDATE", strconv.Itoa(int(recordType.Id)), field.Id, cfg.Id)
			v.file.Stats.Step(cfgKey).Input++
			result, err := v.dispatcher.CallField(ctx, cfg, value)
			if err != nil {
				if !fault.IsRecordLevel(err) {
					return false, err
				}
				v.file.Stats.Step(cfgKey).Failure++
				v.recordFault(record, err, field.Name, cfg.FunctionId)
				out[field.Name] = original
				failed = true
				break
			}
			v.file.Stats.Step(cfgKey).Success++
			value = result
			out[field.Name] = value
		}
	}
	return failed, nil
}

// validateRecord runs the record-level chain, merging any returned fields
// into the output set.
func (v *validator) validateRecord(ctx context.Context, record *entities.Record, recordType *entities.RecordType, out map[string]string) (bool, error) {
	view := &functions.Record{
		Id:         record.Id,
		RecordType: record.RecordType,
		Fields:     out,
		Tags:       v.file.Tags,
		Raw:        record,
	}
	for i := range recordType.Validations {
		cfg := &recordType.Validations[i]
		cfgKey := stepKey("VALIDATE", strconv.Itoa(int(recordType.Id)), cfg.Id)
		v.file.Stats.Step(cfgKey).Input++
		extra, err := v.dispatcher.CallRecord(ctx, cfg, view)
		if err != nil {
			if !fault.IsRecordLevel(err) {
				return false, err
			}
			v.file.Stats.Step(cfgKey).Failure++
			v.recordFault(record, err, "", cfg.FunctionId)
			return true, nil
		}
		v.file.Stats.Step(cfgKey).Success++
		for key, value := range extra {
			out[key] = value
			v.addColumn(key)
		}
	}
	return false, nil
}

// coerceOutputs normalizes values declared by any function's fieldsOut: the
// numeric and boolean kinds must parse and are re-rendered canonically, DICT
// values must be JSON objects and are re-encoded compactly. A value that
// cannot be coerced is a record-level validation error.
func (v *validator) coerceOutputs(record *entities.Record, out map[string]string) bool {
	failed := false
	for key, value := range out {
		spec, ok := v.outSpecs[key]
		if !ok {
			continue
		}
		coerced, err := coerceOutput(spec, value)
		if err != nil {
			v.recordFault(record, err, key, "")
			failed = true
			continue
		}
		out[key] = coerced
	}
	return failed
}

func coerceOutput(spec entities.FunctionField, value string) (string, error) {
	switch spec.Type {
	case entities.DataTypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return "", fault.NewValidationError("field %s: %q is not an integer", spec.Key, value)
		}
		return strconv.FormatInt(n, 10), nil
	case entities.DataTypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return "", fault.NewValidationError("field %s: %q is not a number", spec.Key, value)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case entities.DataTypeBoolean:
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return "", fault.NewValidationError("field %s: %q is not a boolean", spec.Key, value)
		}
		return strconv.FormatBool(b), nil
	case entities.DataTypeDict:
		var dict map[string]any
		if err := json.Unmarshal([]byte(value), &dict); err != nil {
			return "", fault.NewValidationError("field %s: invalid JSON object: %s", spec.Key, err.Error())
		}
		encoded, err := json.Marshal(dict)
		if err != nil {
			return "", fault.NewValidationError("field %s: %s", spec.Key, err.Error())
		}
		return string(encoded), nil
	default:
		return value, nil
	}
}

// recordFault appends a classified error to the record's audit trail and
// bumps the per-kind counters.
func (v *validator) recordFault(record *entities.Record, err error, field, functionId string) {
	entry := faultLog(entities.LogSourceValidator, err)
	entry.Field = field
	entry.FunctionId = functionId
	record.Log = append(record.Log, entry)
	record.RecentErrors = append(record.RecentErrors, entry)
	var execErr *fault.ExecutionError
	if errors.As(err, &execErr) {
		v.file.Stats.ValidationExecutionErrors++
	} else {
		v.file.Stats.ValidationErrors++
	}
}
