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
	"github.com/fileworks/sluice/entities"
)

// A Record is the view of one record handed to record-level and upload
// functions. Fields holds the fields of the current stage (parsed fields
// during validation, validated fields during upload) and never the raw line.
type Record struct {
	Id         int64
	RecordType int32
	Fields     map[string]string
	// file tags, merged from partner and file type configuration
	Tags map[string]string

	// the underlying store document, for handlers that need line numbers or
	// retry state
	Raw *entities.Record
}

// Field returns the named field's value and whether it is present.
func (r *Record) Field(key string) (string, bool) {
	value, ok := r.Fields[key]
	return value, ok
}
