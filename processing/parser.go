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
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/store"
)

// sharedKeySeparator joins the shared-key field values of one record.
const sharedKeySeparator = "++"

// Parse turns each loaded record's raw data into named fields according to
// its record type's field layout. Records that cannot be parsed are marked
// individually; only layout configuration that can never work fails the file.
func Parse(ctx context.Context, env *Env, fileId int64, limitRecords ...int64) error {
	file, err := claim(ctx, env, fileId, []entities.FileStatus{entities.FileLoaded}, entities.FileParsing)
	if err != nil {
		return err
	}
	p := &processor{env: env, source: entities.LogSourceParser, file: file, limit: firstLimit(limitRecords)}
	pr := &parser{processor: p}
	if err := pr.run(ctx); err != nil {
		if isNotClaimed(err) {
			return err
		}
		return p.failFile(ctx, entities.FileParseError, err, []string{"parsedColumns"})
	}
	return nil
}

// fieldPlan is one field's extraction strategy, precomputed per record type.
type fieldPlan struct {
	field *entities.FieldType
	// column index for delimited files; -1 for fixed-width
	column int
}

type parser struct {
	*processor
	runner *chunkRunner
	// per record type, active fields in declared order
	plans map[int32][]fieldPlan
}

func (pr *parser) run(ctx context.Context) error {
	if err := pr.begin(ctx, "PARSE"); err != nil {
		return err
	}
	file := pr.file
	file.Stats.ParsedRecordsSuccess = 0
	file.Stats.ParsedRecordsError = 0
	file.Times.ParsingStart = time.Now().UTC()
	file.Times.ParsingEnd = time.Time{}
	file.ParsedColumns = nil

	if err := pr.buildPlans(); err != nil {
		return err
	}

	pr.runner = newChunkRunner(pr.processor, 1)
	filter := store.RecordRangeStatus(file.Id, entities.RecordLoaded)
	filter["recordType"] = bson.M{"$ne": entities.HeaderRecordType}
	if err := pr.runner.run(ctx, pr, filter, ""); err != nil {
		return err
	}

	file.Status = entities.FileParsed
	file.Times.ParsingEnd = time.Now().UTC()
	pr.log("Parsed %d records (%d failed)",
		file.Stats.ParsedRecordsSuccess, file.Stats.ParsedRecordsError)
	return pr.updateFile(ctx,
		[]string{"status", "stats", "times", "parsedColumns", "log", "recentErrors"})
}

// buildPlans resolves each record type's active fields against the file's
// layout: header columns by name, headerless delimited columns by index,
// fixed-width columns by character range. It also derives parsedColumns, the
// union of field names in first-seen order.
func (pr *parser) buildPlans() error {
	fileType := pr.ents.FileType
	headerIndex := make(map[string]int, len(pr.file.HeaderColumns))
	for i, column := range pr.file.HeaderColumns {
		headerIndex[strings.TrimSpace(column)] = i
	}

	seen := make(map[string]bool)
	pr.plans = make(map[int32][]fieldPlan)
	for i := range fileType.RecordTypes {
		recordType := &fileType.RecordTypes[i]
		plans := make([]fieldPlan, 0, len(recordType.FieldTypes))
		for j := range recordType.FieldTypes {
			field := &recordType.FieldTypes[j]
			if !field.Active {
				continue
			}
			plan := fieldPlan{field: field, column: -1}
			switch {
			case fileType.FixedWidth():
				if field.CharRange == nil {
					return fault.NewConfigurationError(
						"field %s has no character range in fixed-width file type %s",
						field.Name, fileType.Id)
				}
			case fileType.HasHeader:
				index, ok := headerIndex[field.HeaderColumn]
				if !ok {
					return fault.NewConfigurationError(
						"field %s references missing header column %q",
						field.Name, field.HeaderColumn)
				}
				plan.column = index
			default:
				plan.column = field.ColumnIndex
			}
			plans = append(plans, plan)
			if !seen[field.Name] {
				seen[field.Name] = true
				pr.file.ParsedColumns = append(pr.file.ParsedColumns, field.Name)
			}
		}
		pr.plans[recordType.Id] = plans
	}
	return nil
}

func (pr *parser) preprocessChunk(ctx context.Context, chunk []*entities.Record) error {
	return nil
}

func (pr *parser) endChunk(ctx context.Context) error {
	return nil
}

func (pr *parser) processRecord(ctx context.Context, record *entities.Record) error {
	plans, ok := pr.plans[record.RecordType]
	if !ok {
		return fault.NewConfigurationError(
			"record %d has unknown record type %d", record.Id, record.RecordType)
	}
	statKey := stepKey("PARSE", strconv.Itoa(int(record.RecordType)))
	pr.file.Stats.Step(statKey).Input++

	fields, parseErr := pr.parseRecord(record, plans)
	if parseErr != nil && !fault.IsRecordLevel(parseErr) {
		return parseErr
	}
	if parseErr != nil {
		record.Status = entities.RecordParseError
		record.RecentErrors = nil
		entry := faultLog(entities.LogSourceParser, parseErr)
		record.Log = append(record.Log, entry)
		record.RecentErrors = append(record.RecentErrors, entry)
		pr.file.Stats.ParsedRecordsError++
		pr.file.Stats.Step(statKey).Failure++
		return pr.runner.queueRecord(record, []string{"status", "recentErrors"}, "log")
	}

	record.Status = entities.RecordParsed
	record.ParsedFields = fields
	record.SharedKey = sharedKey(plans, fields)
	record.RecentErrors = nil
	pr.file.Stats.ParsedRecordsSuccess++
	pr.file.Stats.Step(statKey).Success++
	return pr.runner.queueRecord(record,
		[]string{"status", "parsedFields", "sharedKey", "recentErrors"})
}

// parseRecord extracts the planned fields from one record's raw data. A row
// too short for its layout is a record-level failure with a configuration
// code, since the layout rather than the data is the likely culprit.
func (pr *parser) parseRecord(record *entities.Record, plans []fieldPlan) (map[string]string, error) {
	fields := make(map[string]string, len(plans))
	for _, plan := range plans {
		var value string
		if plan.column >= 0 {
			if plan.column >= len(record.RawColumns) {
				return nil, &fault.ValidationError{
					Message: fmt.Sprintf("row has %d columns, field %s needs column %d",
						len(record.RawColumns), plan.field.Name, plan.column+1),
					Code: fault.OtherConfigurationError,
				}
			}
			value = record.RawColumns[plan.column]
		} else {
			r := plan.field.CharRange
			if r.Start < 1 || r.Start > r.End {
				return nil, fault.NewConfigurationError(
					"field %s has invalid character range %d-%d", plan.field.Name, r.Start, r.End)
			}
			if len(record.RawLine) < r.End {
				return nil, &fault.ValidationError{
					Message: fmt.Sprintf("line has %d characters, field %s needs %d-%d",
						len(record.RawLine), plan.field.Name, r.Start, r.End),
					Code: fault.OtherConfigurationError,
				}
			}
			value = strings.TrimSpace(record.RawLine[r.Start-1 : r.End])
		}
		fields[plan.field.Name] = value
	}
	return fields, nil
}

// sharedKey joins the values of the record's shared-key fields in field
// order.
func sharedKey(plans []fieldPlan, fields map[string]string) string {
	var parts []string
	for _, plan := range plans {
		if plan.field.IsSharedKey {
			parts = append(parts, fields[plan.field.Name])
		}
	}
	return strings.Join(parts, sharedKeySeparator)
}
