package sluicetest

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
)

// This file interprets the small slice of the MongoDB query and update
// languages the pipeline actually emits, so the fakes behave like the real
// collections for the documents under test.

func asInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	ai, aok := asInt64(a)
	bi, bok := asInt64(b)
	if aok && bok {
		return ai == bi
	}
	return reflect.DeepEqual(a, b)
}

func valueIn(value any, list any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(value, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// matchValue evaluates one filter condition against a field value. The
// condition is either a literal or an operator document.
func matchValue(value any, cond any) bool {
	ops, ok := cond.(bson.M)
	if !ok {
		return valuesEqual(value, cond)
	}
	for op, arg := range ops {
		switch op {
		case "$gte":
			vi, vok := asInt64(value)
			ai, aok := asInt64(arg)
			if !vok || !aok || vi < ai {
				return false
			}
		case "$gt":
			vi, vok := asInt64(value)
			ai, aok := asInt64(arg)
			if !vok || !aok || vi <= ai {
				return false
			}
		case "$lte":
			vi, vok := asInt64(value)
			ai, aok := asInt64(arg)
			if !vok || !aok || vi > ai {
				return false
			}
		case "$lt":
			vi, vok := asInt64(value)
			ai, aok := asInt64(arg)
			if !vok || !aok || vi >= ai {
				return false
			}
		case "$ne":
			if valuesEqual(value, arg) {
				return false
			}
		case "$in":
			if !valueIn(value, arg) {
				return false
			}
		case "$not":
			if matchValue(value, arg) {
				return false
			}
		default:
			panic(fmt.Sprintf("sluicetest: unsupported filter operator %q", op))
		}
	}
	return true
}

func matchRecord(r *entities.Record, filter bson.M) bool {
	for key, cond := range filter {
		switch {
		case key == "_id":
			if !matchValue(r.Id, cond) {
				return false
			}
		case key == "status":
			if !matchValue(r.Status, cond) {
				return false
			}
		case key == "recordType":
			if !matchValue(r.RecordType, cond) {
				return false
			}
		case key == "autoRetry":
			if !matchValue(r.AutoRetry, cond) {
				return false
			}
		case key == "retryCount":
			if !matchValue(r.RetryCount, cond) {
				return false
			}
		case key == "hash":
			if !matchValue(r.Hash, cond) {
				return false
			}
		case key == "sharedKey":
			if !matchValue(r.SharedKey, cond) {
				return false
			}
		case key == "recentErrors":
			if !matchElem(r.RecentErrors, cond) {
				return false
			}
		case strings.HasPrefix(key, "parsedFields."):
			if !matchValue(r.ParsedFields[strings.TrimPrefix(key, "parsedFields.")], cond) {
				return false
			}
		case strings.HasPrefix(key, "validatedFields."):
			if !matchValue(r.ValidatedFields[strings.TrimPrefix(key, "validatedFields.")], cond) {
				return false
			}
		default:
			panic(fmt.Sprintf("sluicetest: unsupported record filter key %q", key))
		}
	}
	return true
}

// matchElem handles the $elemMatch condition the reporter uses against a
// record's recentErrors array.
func matchElem(entries []entities.ProcessingLog, cond any) bool {
	ops, ok := cond.(bson.M)
	if !ok {
		panic("sluicetest: recentErrors filter must be an operator document")
	}
	inner, ok := ops["$elemMatch"].(bson.M)
	if !ok {
		panic("sluicetest: recentErrors filter must use $elemMatch")
	}
	for _, entry := range entries {
		matched := true
		for key, c := range inner {
			switch key {
			case "functionId":
				if !matchValue(entry.FunctionId, c) {
					matched = false
				}
			case "errorCode":
				if !matchValue(entry.ErrorCode, c) {
					matched = false
				}
			default:
				panic(fmt.Sprintf("sluicetest: unsupported $elemMatch key %q", key))
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func matchFile(f *entities.File, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "_id":
			if !matchValue(f.Id, cond) {
				return false
			}
		case "status":
			if !matchValue(f.Status, cond) {
				return false
			}
		case "partnerId":
			if !matchValue(f.PartnerId, cond) {
				return false
			}
		case "name":
			if !matchValue(f.Name, cond) {
				return false
			}
		case "outputs.id":
			found := false
			for i := range f.Outputs {
				if matchValue(f.Outputs[i].Id, cond) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			panic(fmt.Sprintf("sluicetest: unsupported file filter key %q", key))
		}
	}
	return true
}

func updateClauses(update bson.M, op string) bson.M {
	clauses, ok := update[op].(bson.M)
	if !ok {
		return nil
	}
	return clauses
}

func applyRecordUpdate(r *entities.Record, update bson.M) {
	for path, value := range updateClauses(update, "$set") {
		setRecordField(r, path, value)
	}
	for path := range updateClauses(update, "$unset") {
		unsetRecordField(r, path)
	}
	for path, value := range updateClauses(update, "$addToSet") {
		for _, item := range eachItems(value) {
			entry, ok := item.(entities.ProcessingLog)
			if !ok {
				panic(fmt.Sprintf("sluicetest: record $addToSet %q expects log entries", path))
			}
			switch path {
			case "log":
				r.Log = addLogEntry(r.Log, entry)
			case "recentErrors":
				r.RecentErrors = addLogEntry(r.RecentErrors, entry)
			default:
				panic(fmt.Sprintf("sluicetest: unsupported record $addToSet path %q", path))
			}
		}
	}
	for path, value := range updateClauses(update, "$inc") {
		delta, ok := asInt64(value)
		if !ok || path != "retryCount" {
			panic(fmt.Sprintf("sluicetest: unsupported record $inc path %q", path))
		}
		r.RetryCount += int32(delta)
	}
}

func setRecordField(r *entities.Record, path string, value any) {
	switch path {
	case "status":
		r.Status = value.(entities.RecordStatus)
	case "recordType":
		r.RecordType = value.(int32)
	case "hash":
		r.Hash = value.([]byte)
	case "parsedFields":
		r.ParsedFields = value.(map[string]string)
	case "validatedFields":
		r.ValidatedFields = value.(map[string]string)
	case "sharedKey":
		r.SharedKey = value.(string)
	case "uploadConfirmationId":
		r.UploadConfirmationId = value.(string)
	case "autoRetry":
		r.AutoRetry = value.(bool)
	case "retryCount":
		n, _ := asInt64(value)
		r.RetryCount = int32(n)
	case "recentErrors":
		r.RecentErrors = value.([]entities.ProcessingLog)
	case "log":
		r.Log = value.([]entities.ProcessingLog)
	default:
		panic(fmt.Sprintf("sluicetest: unsupported record $set path %q", path))
	}
}

func unsetRecordField(r *entities.Record, path string) {
	switch path {
	case "hash":
		r.Hash = nil
	case "parsedFields":
		r.ParsedFields = nil
	case "validatedFields":
		r.ValidatedFields = nil
	case "sharedKey":
		r.SharedKey = ""
	case "uploadConfirmationId":
		r.UploadConfirmationId = ""
	case "autoRetry":
		r.AutoRetry = false
	case "retryCount":
		r.RetryCount = 0
	case "recentErrors":
		r.RecentErrors = nil
	case "log":
		r.Log = nil
	default:
		panic(fmt.Sprintf("sluicetest: unsupported record $unset path %q", path))
	}
}

// applyFileUpdate applies an update to a file document. The filter is needed
// for the positional outputs.$ paths, which address the array element the
// filter's outputs.id condition matched.
func applyFileUpdate(f *entities.File, filter, update bson.M) {
	for path, value := range updateClauses(update, "$set") {
		setFileField(f, filter, path, value)
	}
	for path := range updateClauses(update, "$unset") {
		unsetFileField(f, path)
	}
	for path, value := range updateClauses(update, "$addToSet") {
		for _, item := range eachItems(value) {
			addFileItem(f, path, item)
		}
	}
	if clauses := updateClauses(update, "$inc"); len(clauses) > 0 {
		panic("sluicetest: files have no $inc paths")
	}
}

func setFileField(f *entities.File, filter bson.M, path string, value any) {
	switch {
	case path == "status":
		f.Status = value.(entities.FileStatus)
	case path == "updated":
		f.Updated = value.(time.Time)
	case path == "hash":
		f.Hash = value.(string)
	case path == "headerColumns":
		f.HeaderColumns = value.([]string)
	case path == "parsedColumns":
		f.ParsedColumns = value.([]string)
	case path == "validatedColumns":
		f.ValidatedColumns = value.([]string)
	case path == "stats":
		f.Stats = value.(entities.FileStats)
	case path == "times":
		f.Times = value.(entities.FileTimes)
	case path == "log":
		f.Log = value.([]entities.ProcessingLog)
	case path == "recentErrors":
		f.RecentErrors = value.([]entities.ProcessingLog)
	case path == "outputs":
		f.Outputs = value.([]entities.OutputInstance)
	case path == "tags":
		f.Tags = value.(map[string]string)
	case strings.HasPrefix(path, "stats.steps."):
		key := strings.TrimPrefix(path, "stats.steps.")
		step := value.(*entities.StepStats)
		*f.Stats.Step(key) = *step
	case strings.HasPrefix(path, "outputs.$."):
		instance := positionalOutput(f, filter)
		switch strings.TrimPrefix(path, "outputs.$.") {
		case "status":
			instance.Status = value.(entities.OutputInstanceStatus)
		case "startTime":
			instance.StartTime = value.(time.Time)
		case "endTime":
			instance.EndTime = value.(time.Time)
		case "outputFilename":
			instance.OutputFilename = value.(string)
		default:
			panic(fmt.Sprintf("sluicetest: unsupported positional path %q", path))
		}
	default:
		panic(fmt.Sprintf("sluicetest: unsupported file $set path %q", path))
	}
}

func unsetFileField(f *entities.File, path string) {
	switch path {
	case "hash":
		f.Hash = ""
	case "headerColumns":
		f.HeaderColumns = nil
	case "parsedColumns":
		f.ParsedColumns = nil
	case "validatedColumns":
		f.ValidatedColumns = nil
	case "log":
		f.Log = nil
	case "recentErrors":
		f.RecentErrors = nil
	case "outputs":
		f.Outputs = nil
	case "tags":
		f.Tags = nil
	default:
		panic(fmt.Sprintf("sluicetest: unsupported file $unset path %q", path))
	}
}

func addFileItem(f *entities.File, path string, item any) {
	switch path {
	case "log":
		f.Log = addLogEntry(f.Log, item.(entities.ProcessingLog))
	case "recentErrors":
		f.RecentErrors = addLogEntry(f.RecentErrors, item.(entities.ProcessingLog))
	case "outputs":
		instance := item.(entities.OutputInstance)
		for i := range f.Outputs {
			if reflect.DeepEqual(f.Outputs[i], instance) {
				return
			}
		}
		f.Outputs = append(f.Outputs, instance)
	default:
		panic(fmt.Sprintf("sluicetest: unsupported file $addToSet path %q", path))
	}
}

func positionalOutput(f *entities.File, filter bson.M) *entities.OutputInstance {
	cond, ok := filter["outputs.id"]
	if !ok {
		panic("sluicetest: positional update without an outputs.id filter")
	}
	for i := range f.Outputs {
		if matchValue(f.Outputs[i].Id, cond) {
			return &f.Outputs[i]
		}
	}
	panic("sluicetest: positional update matched no output instance")
}

func eachItems(value any) []any {
	doc, ok := value.(bson.M)
	if !ok {
		return []any{value}
	}
	items, ok := doc["$each"].([]any)
	if !ok {
		panic("sluicetest: $addToSet expects an $each list")
	}
	return items
}

func addLogEntry(entries []entities.ProcessingLog, entry entities.ProcessingLog) []entities.ProcessingLog {
	for i := range entries {
		if reflect.DeepEqual(entries[i], entry) {
			return entries
		}
	}
	return append(entries, entry)
}
