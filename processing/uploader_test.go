package processing

// These tests run the uploader against custom upload handlers, covering
// duplicate suppression, transient retries and batch grouping.

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/functions"
	"github.com/fileworks/sluice/sluicetest"
)

// a file type whose single record type uploads through test.upload
func uploadFileType() entities.FileType {
	fileType := memberFileType()
	fileType.RecordTypes[0].Upload = &entities.FunctionConfig{
		Id: "cfg-up", FunctionId: "fn-up",
	}
	return fileType
}

// seeds a validated file and registers the given upload callable
func uploadFixture(t *testing.T, s *sluicetest.Store, fileType entities.FileType, upload functions.UploadFunc) *Env {
	addTestPartner(s, fileType)
	s.AddFunctions(&entities.Function{
		Id:             "fn-up",
		Name:           "Test upload",
		Kind:           entities.RecordUpload,
		NativeFunction: "test.upload",
	})
	env := testEnv(s)
	err := env.Registry.Register(functions.Handler{
		Symbol: "test.upload",
		Kind:   entities.RecordUpload,
		Upload: upload,
	})
	assert.Nil(t, err)
	s.PutFile(testFile(1, entities.FileValidated))
	return env
}

func validatedRecord(line int64, hash string, fields map[string]string) *entities.Record {
	return &entities.Record{
		Id:              entities.RecordId(1, line),
		RecordType:      1,
		Status:          entities.RecordValidated,
		Hash:            []byte(hash),
		ValidatedFields: fields,
	}
}

// tests uploading every validated record one at a time
func TestUpload(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := uploadFixture(t, s, uploadFileType(),
		func(ctx context.Context, record *functions.Record, params []any) (string, error) {
			return fmt.Sprintf("conf-%d", record.Id&0xFFFFFFFF), nil
		})
	s.PutRecords(
		validatedRecord(2, "hash-a", map[string]string{"name": "ADA"}),
		validatedRecord(3, "hash-b", map[string]string{"name": "GRACE"}))

	assert.Nil(Upload(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal(entities.FileUploaded, file.Status)
	assert.Equal(int64(2), file.Stats.UploadedRecordsSuccess)
	assert.False(file.Times.UploadingEnd.IsZero())
	assert.Equal(int64(2), file.Stats.Steps["UPLOAD:1"].Success)

	record := s.Record(entities.RecordId(1, 2))
	assert.Equal(entities.RecordUploaded, record.Status)
	assert.Equal("conf-2", record.UploadConfirmationId)
	assert.NotEmpty(record.Log)
	last := record.Log[len(record.Log)-1]
	assert.Equal("Uploaded", last.Message,
		"A successful upload appends an info entry to the record's trail.")
	assert.Equal(entities.LogLevelInfo, last.Level)
}

// tests whether previously-uploaded and in-file duplicate data is skipped
func TestUploadSkipsDuplicates(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := uploadFixture(t, s, uploadFileType(),
		func(ctx context.Context, record *functions.Record, params []any) (string, error) {
			return "ok", nil
		})
	// the same data was uploaded by an earlier file
	s.PutRecords(&entities.Record{
		Id:         entities.RecordId(9, 1),
		RecordType: 1,
		Status:     entities.RecordUploaded,
		Hash:       []byte("hash-old"),
	})
	s.PutRecords(
		validatedRecord(2, "hash-new", map[string]string{"name": "ADA"}),
		validatedRecord(3, "hash-new", map[string]string{"name": "ADA"}),
		validatedRecord(4, "hash-old", map[string]string{"name": "GRACE"}))

	assert.Nil(Upload(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal(entities.FileUploaded, file.Status)
	assert.Equal(int64(1), file.Stats.UploadedRecordsSuccess)
	assert.Equal(int64(2), file.Stats.UploadedRecordsError,
		"Skipped duplicates count as record errors.")
	assert.Equal(int64(2), file.Stats.UploadedRecordsSkipped)
	assert.Equal(int64(2), file.Stats.Steps["UPLOAD:1"].Failure)

	dupRow := s.Record(entities.RecordId(1, 3))
	assert.Equal(entities.RecordUploadError, dupRow.Status)
	assert.Equal("Duplicate record data found in previous row", dupRow.RecentErrors[0].Message)

	dupOld := s.Record(entities.RecordId(1, 4))
	assert.Equal(entities.RecordUploadError, dupOld.Status)
	assert.Equal("Record data already uploaded", dupOld.RecentErrors[0].Message)
	assert.False(dupOld.AutoRetry, "Duplicates are final, never retried.")
}

// tests whether transient failures pause the file and retry on the next run
func TestUploadTransientRetry(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	calls := 0
	env := uploadFixture(t, s, uploadFileType(),
		func(ctx context.Context, record *functions.Record, params []any) (string, error) {
			calls++
			if calls == 1 {
				return "", &fault.ExecutionError{
					Message:   "connect timed out",
					Code:      fault.ConnectionError,
					AutoRetry: true,
				}
			}
			return "conf-retry", nil
		})
	s.PutRecords(validatedRecord(2, "hash-a", map[string]string{"name": "ADA"}))

	assert.Nil(Upload(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal(entities.FileUploadingRetryPause, file.Status)
	assert.True(file.Times.UploadingEnd.IsZero(), "A paused upload has not ended.")
	assert.Equal(int64(1), file.Stats.UploadedRecordsError)

	record := s.Record(entities.RecordId(1, 2))
	assert.Equal(entities.RecordUploadError, record.Status)
	assert.True(record.AutoRetry)
	assert.Equal(fault.ConnectionError, record.RecentErrors[0].ErrorCode)

	// the next run picks the failed record back up, burning one retry
	assert.Nil(Upload(context.Background(), env, 1))

	file = s.File(1)
	assert.Equal(entities.FileUploaded, file.Status)
	record = s.Record(entities.RecordId(1, 2))
	assert.Equal(entities.RecordUploaded, record.Status)
	assert.Equal("conf-retry", record.UploadConfirmationId)
	assert.Equal(int32(1), record.RetryCount)
	assert.Empty(record.RecentErrors)
}

// tests whether data rejected by the destination fails without a pause
func TestUploadRejectedRecord(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := uploadFixture(t, s, uploadFileType(),
		func(ctx context.Context, record *functions.Record, params []any) (string, error) {
			return "", fault.NewValidationError("destination rejected the record")
		})
	s.PutRecords(validatedRecord(2, "hash-a", map[string]string{"name": "ADA"}))

	assert.Nil(Upload(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal(entities.FileUploaded, file.Status,
		"Rejected data never pauses the file.")
	assert.Equal(int64(1), file.Stats.UploadedRecordsError)

	record := s.Record(entities.RecordId(1, 2))
	assert.Equal(entities.RecordUploadError, record.Status)
	assert.False(record.AutoRetry)
}

// tests batch uploads grouped by a shared field value
func TestUploadBatches(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	fileType := uploadFileType()
	fileType.UploadBatchSize = 2
	fileType.UploadBatchGroupKey = "group"
	addTestPartner(s, fileType)
	s.AddFunctions(&entities.Function{
		Id:             "fn-up",
		Name:           "Test batch upload",
		Kind:           entities.RecordUploadBatch,
		NativeFunction: "test.uploadBatch",
	})
	env := testEnv(s)
	var batches [][]string
	err := env.Registry.Register(functions.Handler{
		Symbol: "test.uploadBatch",
		Kind:   entities.RecordUploadBatch,
		UploadBatch: func(ctx context.Context, records []*functions.Record, params []any) (string, error) {
			groups := make([]string, len(records))
			for i, record := range records {
				groups[i] = record.Fields["group"]
			}
			batches = append(batches, groups)
			return fmt.Sprintf("batch-%d", len(batches)), nil
		},
	})
	assert.Nil(err)
	s.PutFile(testFile(1, entities.FileValidated))
	s.PutRecords(
		&entities.Record{Id: entities.RecordId(1, 2), RecordType: 1,
			Status: entities.RecordValidated, ValidatedFields: map[string]string{"group": "a"}},
		&entities.Record{Id: entities.RecordId(1, 3), RecordType: 1,
			Status: entities.RecordValidated, ValidatedFields: map[string]string{"group": "b"}},
		&entities.Record{Id: entities.RecordId(1, 4), RecordType: 1,
			Status: entities.RecordValidated, ValidatedFields: map[string]string{"group": "b"}})

	assert.Nil(Upload(context.Background(), env, 1))

	assert.Equal([][]string{{"a"}, {"b", "b"}}, batches,
		"A group change flushes the pending batch even when it is not full.")

	file := s.File(1)
	assert.Equal(entities.FileUploaded, file.Status)
	assert.Equal(int64(3), file.Stats.UploadedRecordsSuccess)

	assert.Equal("batch-1", s.Record(entities.RecordId(1, 2)).UploadConfirmationId)
	assert.Equal("batch-2", s.Record(entities.RecordId(1, 3)).UploadConfirmationId,
		"The batch confirmation fans out to every member.")
	assert.Equal("batch-2", s.Record(entities.RecordId(1, 4)).UploadConfirmationId)
	assert.Equal(entities.RecordUploaded, s.Record(entities.RecordId(1, 4)).Status)
	assert.Equal("Uploaded", s.Record(entities.RecordId(1, 4)).Log[0].Message,
		"The info entry fans out to every batch member.")
}

// tests whether a batch-kind function works without batching, one record per
// call
func TestUploadBatchFunctionSingleRecords(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	addTestPartner(s, uploadFileType())
	s.AddFunctions(&entities.Function{
		Id:             "fn-up",
		Name:           "Batch upload",
		Kind:           entities.RecordUploadBatch,
		NativeFunction: "test.uploadBatch",
	})
	env := testEnv(s)
	var sizes []int
	err := env.Registry.Register(functions.Handler{
		Symbol: "test.uploadBatch",
		Kind:   entities.RecordUploadBatch,
		UploadBatch: func(ctx context.Context, records []*functions.Record, params []any) (string, error) {
			sizes = append(sizes, len(records))
			return fmt.Sprintf("conf-%d", records[0].Id&0xFFFFFFFF), nil
		},
	})
	assert.Nil(err)
	s.PutFile(testFile(1, entities.FileValidated))
	s.PutRecords(
		validatedRecord(2, "hash-a", map[string]string{"name": "ADA"}),
		validatedRecord(3, "hash-b", map[string]string{"name": "GRACE"}))

	assert.Nil(Upload(context.Background(), env, 1))

	assert.Equal([]int{1, 1}, sizes,
		"Without a batch size the function gets one-record lists.")

	file := s.File(1)
	assert.Equal(entities.FileUploaded, file.Status)
	assert.Equal(int64(2), file.Stats.UploadedRecordsSuccess)
	assert.Equal("conf-2", s.Record(entities.RecordId(1, 2)).UploadConfirmationId)
	assert.Equal("conf-3", s.Record(entities.RecordId(1, 3)).UploadConfirmationId)
}

// tests whether batching with several record types is rejected as
// configuration
func TestUploadBatchingNeedsOneRecordType(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	fileType := uploadFileType()
	fileType.UploadBatchSize = 10
	fileType.RecordTypes = append(fileType.RecordTypes, entities.RecordType{
		Id: 2, Name: "trailer",
		Upload: &entities.FunctionConfig{Id: "cfg-up2", FunctionId: "fn-up"},
	})
	addTestPartner(s, fileType)
	env := testEnv(s)
	s.PutFile(testFile(1, entities.FileValidated))

	assert.Nil(Upload(context.Background(), env, 1))

	file := s.File(1)
	assert.Equal(entities.FileUploadError, file.Status)
	assert.Equal(fault.OtherConfigurationError, file.RecentErrors[0].ErrorCode)
}
