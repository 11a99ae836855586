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

package store

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
)

// An Update accumulates $set, $unset, $addToSet and $inc clauses and renders
// them as a single update document. Setting an empty value under a path that
// was requested sparse turns into an $unset, so re-running a stage clears
// leftovers from the previous run.
type Update struct {
	set   bson.M
	unset bson.M
	add   map[string][]any
	inc   bson.M
}

func NewUpdate() *Update {
	return &Update{}
}

// Set adds a $set clause for the given dot path.
func (u *Update) Set(path string, value any) *Update {
	if u.set == nil {
		u.set = bson.M{}
	}
	u.set[path] = value
	return u
}

// SetOrUnset sets the path when present is true and unsets it otherwise.
func (u *Update) SetOrUnset(path string, value any, present bool) *Update {
	if present {
		return u.Set(path, value)
	}
	return u.Unset(path)
}

// Unset adds an $unset clause for the given dot path.
func (u *Update) Unset(path string) *Update {
	if u.unset == nil {
		u.unset = bson.M{}
	}
	u.unset[path] = ""
	return u
}

// Append adds items to an $addToSet $each clause for the given array path.
func (u *Update) Append(path string, items ...any) *Update {
	if len(items) == 0 {
		return u
	}
	if u.add == nil {
		u.add = make(map[string][]any)
	}
	u.add[path] = append(u.add[path], items...)
	return u
}

// Inc adds an $inc clause for the given path.
func (u *Update) Inc(path string, delta int64) *Update {
	if u.inc == nil {
		u.inc = bson.M{}
	}
	u.inc[path] = delta
	return u
}

// Empty reports whether no clauses have been added.
func (u *Update) Empty() bool {
	return u.set == nil && u.unset == nil && u.add == nil && u.inc == nil
}

// Doc renders the accumulated clauses as an update document.
func (u *Update) Doc() bson.M {
	doc := bson.M{}
	if u.set != nil {
		doc["$set"] = u.set
	}
	if u.unset != nil {
		doc["$unset"] = u.unset
	}
	if u.add != nil {
		add := bson.M{}
		for path, items := range u.add {
			add[path] = bson.M{"$each": items}
		}
		doc["$addToSet"] = add
	}
	if u.inc != nil {
		doc["$inc"] = u.inc
	}
	return doc
}

// FileUpdate builds the update document that writes the named fields of a
// file, taking values from the in-memory copy. Fields whose in-memory value
// is empty are unset instead. appendFields name array fields whose local
// entries are appended rather than replaced.
func FileUpdate(f *entities.File, fields []string, appendFields ...string) (bson.M, error) {
	u := NewUpdate()
	u.Set("updated", time.Now().UTC())
	for _, field := range fields {
		switch field {
		case "status":
			u.Set("status", f.Status)
		case "hash":
			u.SetOrUnset("hash", f.Hash, f.Hash != "")
		case "headerColumns":
			u.SetOrUnset("headerColumns", f.HeaderColumns, len(f.HeaderColumns) > 0)
		case "parsedColumns":
			u.SetOrUnset("parsedColumns", f.ParsedColumns, len(f.ParsedColumns) > 0)
		case "validatedColumns":
			u.SetOrUnset("validatedColumns", f.ValidatedColumns, len(f.ValidatedColumns) > 0)
		case "stats":
			u.Set("stats", f.Stats)
		case "times":
			u.Set("times", f.Times)
		case "log":
			u.SetOrUnset("log", f.Log, len(f.Log) > 0)
		case "recentErrors":
			u.SetOrUnset("recentErrors", f.RecentErrors, len(f.RecentErrors) > 0)
		case "outputs":
			u.SetOrUnset("outputs", f.Outputs, len(f.Outputs) > 0)
		case "tags":
			u.SetOrUnset("tags", f.Tags, len(f.Tags) > 0)
		default:
			return nil, fmt.Errorf("unknown file field %q", field)
		}
	}
	for _, field := range appendFields {
		switch field {
		case "log":
			u.Append("log", toAny(f.Log)...)
		case "recentErrors":
			u.Append("recentErrors", toAny(f.RecentErrors)...)
		default:
			return nil, fmt.Errorf("file field %q cannot be appended", field)
		}
	}
	return u.Doc(), nil
}

// RecordUpdate builds the update document that writes the named fields of a
// record, with the same sparse and append semantics as FileUpdate.
func RecordUpdate(r *entities.Record, fields []string, appendFields ...string) (bson.M, error) {
	u := NewUpdate()
	for _, field := range fields {
		switch field {
		case "status":
			u.Set("status", r.Status)
		case "recordType":
			u.Set("recordType", r.RecordType)
		case "hash":
			u.SetOrUnset("hash", r.Hash, len(r.Hash) > 0)
		case "parsedFields":
			u.SetOrUnset("parsedFields", r.ParsedFields, len(r.ParsedFields) > 0)
		case "validatedFields":
			u.SetOrUnset("validatedFields", r.ValidatedFields, len(r.ValidatedFields) > 0)
		case "sharedKey":
			u.SetOrUnset("sharedKey", r.SharedKey, r.SharedKey != "")
		case "uploadConfirmationId":
			u.SetOrUnset("uploadConfirmationId", r.UploadConfirmationId, r.UploadConfirmationId != "")
		case "autoRetry":
			u.SetOrUnset("autoRetry", r.AutoRetry, r.AutoRetry)
		case "retryCount":
			u.SetOrUnset("retryCount", r.RetryCount, r.RetryCount != 0)
		case "recentErrors":
			u.SetOrUnset("recentErrors", r.RecentErrors, len(r.RecentErrors) > 0)
		default:
			return nil, fmt.Errorf("unknown record field %q", field)
		}
	}
	for _, field := range appendFields {
		switch field {
		case "log":
			u.Append("log", toAny(r.Log)...)
		case "recentErrors":
			u.Append("recentErrors", toAny(r.RecentErrors)...)
		default:
			return nil, fmt.Errorf("record field %q cannot be appended", field)
		}
	}
	return u.Doc(), nil
}

func toAny(logs []entities.ProcessingLog) []any {
	items := make([]any, len(logs))
	for i := range logs {
		items[i] = logs[i]
	}
	return items
}
