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

// Package store holds the document-store access layer: typed wrappers around
// the files, records, partners, functions, counters, apilog and copylog
// collections, plus the update builder every stage uses to describe its
// writes. The processing stages depend only on the interfaces here, so tests
// can substitute an in-memory store.
package store

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
)

// An UpdateOp is one queued store write, flushed in unordered bulk batches.
type UpdateOp struct {
	Filter bson.M
	Update bson.M
	// true updates every matching document (the uploader's batch fan-out)
	Many bool
}

// A RecordCursor lazily iterates records in ascending _id order. Next returns
// nil when the cursor is exhausted.
type RecordCursor interface {
	Next(ctx context.Context) (*entities.Record, error)
	Close(ctx context.Context) error
}

// Records is the record-collection surface the stages need.
type Records interface {
	// Find returns a cursor over matching records. sortField, when non-empty,
	// is an additional ascending sort applied before the _id sort.
	Find(ctx context.Context, filter bson.M, sortField string) (RecordCursor, error)
	InsertMany(ctx context.Context, records []*entities.Record) error
	DeleteMany(ctx context.Context, filter bson.M) error
	UpdateMany(ctx context.Context, filter bson.M, update bson.M) (int64, error)
	// BulkWrite applies the queued operations unordered.
	BulkWrite(ctx context.Context, ops []UpdateOp) error
	// UploadedHashes returns which of the given hashes belong to any record,
	// in any file, whose status is at or past UPLOADED.
	UploadedHashes(ctx context.Context, hashes [][]byte) (map[string]bool, error)
}

// Files is the file-collection surface.
type Files interface {
	Get(ctx context.Context, id int64) (*entities.File, error)
	Insert(ctx context.Context, file *entities.File) error
	// Update applies one update and returns the matched count, which status
	// compare-and-swaps inspect.
	Update(ctx context.Context, filter bson.M, update bson.M) (int64, error)
	BulkWrite(ctx context.Context, ops []UpdateOp) error
	FindByStatus(ctx context.Context, status entities.FileStatus) ([]*entities.File, error)
	FindByPartnerAndName(ctx context.Context, partnerId, name string) (*entities.File, error)
}

// Partners reads the partner collection. The pipeline never writes partners.
type Partners interface {
	All(ctx context.Context) ([]*entities.Partner, error)
}

// Functions reads and upserts the function collection.
type Functions interface {
	ByIds(ctx context.Context, ids []string) (map[string]*entities.Function, error)
	Upsert(ctx context.Context, functions []*entities.Function) error
}

// Counters allocates monotonic integer ids.
type Counters interface {
	Next(ctx context.Context, name string) (int64, error)
}

// ApiLogs appends outbound API request logs.
type ApiLogs interface {
	Insert(ctx context.Context, log *entities.ApiLog) error
}

// CopyLogs appends copier scan logs.
type CopyLogs interface {
	Insert(ctx context.Context, log *entities.CopyLog) error
}

// DB bundles the collection surfaces a worker needs.
type DB struct {
	Files     Files
	Records   Records
	Partners  Partners
	Functions Functions
	Counters  Counters
	ApiLogs   ApiLogs
	CopyLogs  CopyLogs
}
