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
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
)

// recordIdSpan is the width of the per-file record id range.
const recordIdSpan = int64(1)<<32 - 1

// RecordRange selects every record belonging to the given file via a single
// primary-key range over the packed id space.
func RecordRange(fileId int64) bson.M {
	prefix := fileId << 32
	return bson.M{"_id": bson.M{"$gte": prefix, "$lte": prefix + recordIdSpan}}
}

// RecordRangeStatus narrows RecordRange to records with exactly the given
// status.
func RecordRangeStatus(fileId int64, status entities.RecordStatus) bson.M {
	filter := RecordRange(fileId)
	filter["status"] = status
	return filter
}

// RecordRangeStatusAtLeast narrows RecordRange to records at or past the
// given status.
func RecordRangeStatusAtLeast(fileId int64, status entities.RecordStatus) bson.M {
	filter := RecordRange(fileId)
	filter["status"] = bson.M{"$gte": status}
	return filter
}

// RecordRangeStatusIn narrows RecordRange to records in any of the given
// statuses.
func RecordRangeStatusIn(fileId int64, statuses []entities.RecordStatus) bson.M {
	filter := RecordRange(fileId)
	filter["status"] = bson.M{"$in": statuses}
	return filter
}
