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
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/functions"
	"github.com/fileworks/sluice/store"
)

// Upload pushes each validated record to the partner's destination, either
// one at a time or in batches grouped by a shared field value. Records whose
// data was already uploaded, by an earlier file or an earlier row, are
// skipped. Transient failures leave the file in a retry pause so a later run
// can re-attempt just the failed records.
func Upload(ctx context.Context, env *Env, fileId int64, limitRecords ...int64) error {
	from := []entities.FileStatus{
		entities.FileValidated,
		entities.FileApprovedToUpload,
		entities.FileUploadingRetryPause,
	}
	file, err := claim(ctx, env, fileId, from, entities.FileUploading)
	if err != nil {
		return err
	}
	p := &processor{env: env, source: entities.LogSourceUploader, file: file, limit: firstLimit(limitRecords)}
	u := &uploader{processor: p}
	if err := u.run(ctx); err != nil {
		if isNotClaimed(err) {
			return err
		}
		return p.failFile(ctx, entities.FileUploadError, err, nil)
	}
	return nil
}

type uploader struct {
	*processor
	runner     *chunkRunner
	dispatcher *functions.Dispatcher

	batchSize int
	groupKey  string

	// hashes of records already uploaded anywhere, loaded per chunk
	uploaded map[string]bool
	// hashes admitted during this run, for duplicate rows within the file
	seen map[string]bool

	batch      []*entities.Record
	batchGroup string

	// a record failed transiently and has retries left
	retryable bool
}

func (u *uploader) run(ctx context.Context) error {
	if err := u.begin(ctx, "UPLOAD"); err != nil {
		return err
	}
	file := u.file
	file.Stats.UploadedRecordsSuccess = 0
	file.Stats.UploadedRecordsError = 0
	file.Stats.UploadedRecordsSkipped = 0
	file.Times.UploadingStart = time.Now().UTC()
	file.Times.UploadingEnd = time.Time{}

	fileType := u.ents.FileType
	u.batchSize = fileType.UploadBatchSize
	if u.batchSize < 1 {
		u.batchSize = 1
	}
	if u.batchSize > 1 && len(fileType.RecordTypes) > 1 {
		return fault.NewConfigurationError(
			"file type %s uses upload batching with %d record types; batching needs exactly one",
			fileType.Id, len(fileType.RecordTypes))
	}
	u.groupKey = fileType.UploadBatchGroupKey

	if err := u.buildDispatcher(ctx); err != nil {
		return err
	}
	if err := u.resetRetries(ctx); err != nil {
		return err
	}

	u.seen = make(map[string]bool)
	u.runner = newChunkRunner(u.processor, u.batchSize)
	sortField := ""
	if u.batchSize > 1 && u.groupKey != "" {
		sortField = "validatedFields." + u.groupKey
	}
	filter := store.RecordRangeStatus(file.Id, entities.RecordValidated)
	if err := u.runner.run(ctx, u, filter, sortField); err != nil {
		return err
	}

	if u.retryable {
		file.Status = entities.FileUploadingRetryPause
		u.log("Upload incomplete: %d uploaded, %d failed (%d skipped); transient failures will be retried",
			file.Stats.UploadedRecordsSuccess, file.Stats.UploadedRecordsError,
			file.Stats.UploadedRecordsSkipped)
	} else {
		file.Status = entities.FileUploaded
		file.Times.UploadingEnd = time.Now().UTC()
		u.log("Uploaded %d records (%d failed, %d skipped)",
			file.Stats.UploadedRecordsSuccess, file.Stats.UploadedRecordsError,
			file.Stats.UploadedRecordsSkipped)
	}
	return u.updateFile(ctx, []string{"status", "stats", "times", "log", "recentErrors"})
}

func (u *uploader) buildDispatcher(ctx context.Context) error {
	var ids []string
	for _, recordType := range u.ents.FileType.RecordTypes {
		if recordType.Upload == nil {
			return fault.NewConfigurationError(
				"record type %d has no upload function", recordType.Id)
		}
		ids = append(ids, recordType.Upload.FunctionId)
		if recordType.SuccessCheck != nil {
			ids = append(ids, recordType.SuccessCheck.FunctionId)
		}
	}
	catalog, err := u.env.Admin.Functions(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := catalog[id]; !ok {
			return fault.NewConfigurationError("upload references unknown function %s", id)
		}
	}
	u.dispatcher = functions.NewDispatcher(u.env.Registry, u.env.Sql, catalog)
	return nil
}

// resetRetries moves transiently-failed records from a previous attempt back
// to VALIDATED so this run picks them up, burning one retry each.
func (u *uploader) resetRetries(ctx context.Context) error {
	filter := store.RecordRangeStatus(u.file.Id, entities.RecordUploadError)
	filter["autoRetry"] = true
	filter["retryCount"] = bson.M{"$not": bson.M{"$gte": maxUploadRetries}}
	update := bson.M{
		"$set":   bson.M{"status": entities.RecordValidated},
		"$unset": bson.M{"recentErrors": "", "autoRetry": ""},
		"$inc":   bson.M{"retryCount": 1},
	}
	matched, err := u.env.DB.Records.UpdateMany(ctx, filter, update)
	if err != nil {
		return err
	}
	if matched > 0 {
		u.log("Retrying %d records that failed transiently", matched)
	}
	return nil
}

// preprocessChunk looks up which of the chunk's hashes were uploaded before,
// by this file or any other.
func (u *uploader) preprocessChunk(ctx context.Context, chunk []*entities.Record) error {
	hashes := make([][]byte, 0, len(chunk))
	for _, record := range chunk {
		if len(record.Hash) > 0 {
			hashes = append(hashes, record.Hash)
		}
	}
	uploaded, err := u.env.DB.Records.UploadedHashes(ctx, hashes)
	if err != nil {
		return err
	}
	u.uploaded = uploaded
	return nil
}

func (u *uploader) processRecord(ctx context.Context, record *entities.Record) error {
	recordType := u.ents.FileType.RecordType(record.RecordType)
	if recordType == nil {
		return fault.NewConfigurationError(
			"record %d has unknown record type %d", record.Id, record.RecordType)
	}
	statKey := stepKey("UPLOAD", strconv.Itoa(int(record.RecordType)))
	u.file.Stats.Step(statKey).Input++
	record.RecentErrors = nil

	if len(record.Hash) > 0 {
		hash := string(record.Hash)
		if u.uploaded[hash] {
			return u.skipRecord(record, statKey, "Record data already uploaded")
		}
		if u.seen[hash] {
			return u.skipRecord(record, statKey, "Duplicate record data found in previous row")
		}
		u.seen[hash] = true
	}

	if u.batchSize > 1 {
		group := ""
		if u.groupKey != "" {
			group = record.ValidatedFields[u.groupKey]
		}
		if len(u.batch) > 0 && group != u.batchGroup {
			if err := u.flushBatch(ctx, recordType, statKey); err != nil {
				return err
			}
		}
		u.batchGroup = group
		u.batch = append(u.batch, record)
		if len(u.batch) == u.batchSize {
			return u.flushBatch(ctx, recordType, statKey)
		}
		return nil
	}
	return u.uploadOne(ctx, record, recordType, statKey)
}

// endChunk flushes a partial batch; batches never span chunks.
func (u *uploader) endChunk(ctx context.Context) error {
	if len(u.batch) > 0 {
		recordType := u.ents.FileType.RecordType(u.batch[0].RecordType)
		statKey := stepKey("UPLOAD", strconv.Itoa(int(u.batch[0].RecordType)))
		return u.flushBatch(ctx, recordType, statKey)
	}
	return nil
}

func (u *uploader) uploadOne(ctx context.Context, record *entities.Record, recordType *entities.RecordType, statKey string) error {
	view := u.view(record)
	batchFn, err := u.dispatcher.BatchKind(recordType.Upload)
	if err != nil {
		return err
	}
	var confirmation string
	if batchFn {
		// a batch function outside batch mode still gets a list, of one
		confirmation, err = u.dispatcher.CallUploadBatch(ctx, recordType.Upload, []*functions.Record{view})
	} else {
		confirmation, err = u.dispatcher.CallUpload(ctx, recordType.Upload, view)
	}
	if err != nil {
		if !fault.IsRecordLevel(err) {
			return err
		}
		return u.failRecord(record, statKey, err)
	}
	if recordType.SuccessCheck != nil {
		if _, err := u.dispatcher.CallRecord(ctx, recordType.SuccessCheck, view); err != nil {
			if !fault.IsRecordLevel(err) {
				return err
			}
			return u.failRecord(record, statKey, err)
		}
	}
	record.Status = entities.RecordUploaded
	record.UploadConfirmationId = confirmation
	record.AutoRetry = false
	record.Log = append(record.Log, uploadedLog())
	u.file.Stats.UploadedRecordsSuccess++
	u.file.Stats.Step(statKey).Success++
	return u.runner.queueRecord(record,
		[]string{"status", "uploadConfirmationId", "autoRetry", "recentErrors"}, "log")
}

// flushBatch uploads the pending batch in one call and fans the outcome out
// to every member with a single multi-document update.
func (u *uploader) flushBatch(ctx context.Context, recordType *entities.RecordType, statKey string) error {
	batch := u.batch
	u.batch = nil
	views := make([]*functions.Record, len(batch))
	ids := make([]int64, len(batch))
	for i, record := range batch {
		views[i] = u.view(record)
		ids[i] = record.Id
	}

	// the first record stands in for the whole batch in the update document
	rep := batch[0]
	confirmation, err := u.dispatcher.CallUploadBatch(ctx, recordType.Upload, views)
	if err != nil {
		if !fault.IsRecordLevel(err) {
			return err
		}
		rep.Status = entities.RecordUploadError
		rep.AutoRetry = fault.AutoRetryOf(err)
		entry := faultLog(entities.LogSourceUploader, err)
		entry.FunctionId = recordType.Upload.FunctionId
		rep.Log = []entities.ProcessingLog{entry}
		rep.RecentErrors = []entities.ProcessingLog{entry}
		if rep.AutoRetry && rep.RetryCount < maxUploadRetries {
			u.retryable = true
		}
		u.file.Stats.UploadedRecordsError += int64(len(batch))
		u.file.Stats.Step(statKey).Failure += int64(len(batch))
		return u.queueBatch(rep, ids,
			[]string{"status", "autoRetry", "recentErrors"}, "log")
	}

	rep.Status = entities.RecordUploaded
	rep.UploadConfirmationId = confirmation
	rep.AutoRetry = false
	rep.RecentErrors = nil
	rep.Log = []entities.ProcessingLog{uploadedLog()}
	u.file.Stats.UploadedRecordsSuccess += int64(len(batch))
	u.file.Stats.Step(statKey).Success += int64(len(batch))
	return u.queueBatch(rep, ids,
		[]string{"status", "uploadConfirmationId", "autoRetry", "recentErrors"}, "log")
}

// uploadedLog is the info entry appended to every uploaded record's audit
// trail.
func uploadedLog() entities.ProcessingLog {
	return entities.ProcessingLog{
		Source:  entities.LogSourceUploader,
		Level:   entities.LogLevelInfo,
		Time:    time.Now().UTC(),
		Message: "Uploaded",
	}
}

func (u *uploader) queueBatch(rep *entities.Record, ids []int64, fields []string, appendFields ...string) error {
	update, err := store.RecordUpdate(rep, fields, appendFields...)
	if err != nil {
		return err
	}
	u.runner.queue(store.UpdateOp{
		Filter: bson.M{"_id": bson.M{"$in": ids}},
		Update: update,
		Many:   true,
	})
	return nil
}

func (u *uploader) skipRecord(record *entities.Record, statKey, message string) error {
	err := &fault.ValidationError{Message: message, Code: fault.OtherValidationError}
	entry := faultLog(entities.LogSourceUploader, err)
	record.Status = entities.RecordUploadError
	record.AutoRetry = false
	record.Log = append(record.Log, entry)
	record.RecentErrors = append(record.RecentErrors, entry)
	u.file.Stats.UploadedRecordsError++
	u.file.Stats.UploadedRecordsSkipped++
	u.file.Stats.Step(statKey).Failure++
	return u.runner.queueRecord(record,
		[]string{"status", "autoRetry", "recentErrors"}, "log")
}

func (u *uploader) failRecord(record *entities.Record, statKey string, err error) error {
	entry := faultLog(entities.LogSourceUploader, err)
	record.Status = entities.RecordUploadError
	record.AutoRetry = fault.AutoRetryOf(err)
	record.Log = append(record.Log, entry)
	record.RecentErrors = append(record.RecentErrors, entry)
	if record.AutoRetry && record.RetryCount < maxUploadRetries {
		u.retryable = true
	}
	u.file.Stats.UploadedRecordsError++
	u.file.Stats.Step(statKey).Failure++
	return u.runner.queueRecord(record,
		[]string{"status", "autoRetry", "recentErrors"}, "log")
}

func (u *uploader) view(record *entities.Record) *functions.Record {
	return &functions.Record{
		Id:         record.Id,
		RecordType: record.RecordType,
		Fields:     record.ValidatedFields,
		Tags:       u.file.Tags,
		Raw:        record,
	}
}
