package entities

// These tests cover the packed record id scheme and the small lookup helpers
// on the configuration tree.

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// tests whether record ids pack and unpack the file id and line number
func TestRecordIdPacking(t *testing.T) {
	assert := assert.New(t)
	id := RecordId(42, 7)
	record := Record{Id: id}
	assert.Equal(int64(42), record.FileId())
	assert.Equal(int64(7), record.LineNumber())

	// line numbers occupy the full lower 32 bits
	id = RecordId(1, 0xFFFFFFFF)
	record = Record{Id: id}
	assert.Equal(int64(1), record.FileId())
	assert.Equal(int64(0xFFFFFFFF), record.LineNumber())
}

// tests whether a file's record prefix bounds its record id range
func TestRecordPrefix(t *testing.T) {
	assert := assert.New(t)
	file := File{Id: 42}
	next := File{Id: 43}
	assert.Equal(file.RecordPrefix(), RecordId(42, 0))
	assert.Less(file.RecordPrefix(), RecordId(42, 1))
	assert.Less(RecordId(42, 0xFFFFFFFF), next.RecordPrefix())
}

// tests whether the step stats accessor creates entries on demand
func TestStepStats(t *testing.T) {
	assert := assert.New(t)
	var stats FileStats
	stats.Step("LOAD:1").Success++
	stats.Step("LOAD:1").Success++
	stats.Step("LOAD:2").Failure++
	assert.Equal(int64(2), stats.Steps["LOAD:1"].Success)
	assert.Equal(int64(1), stats.Steps["LOAD:2"].Failure)
	assert.Len(stats.Steps, 2)
}

// tests the record type and output lookups on a file type
func TestFileTypeLookups(t *testing.T) {
	assert := assert.New(t)
	fileType := FileType{
		Id: "daily",
		RecordTypes: []RecordType{
			{Id: 1, Name: "member"},
			{Id: 2, Name: "trailer"},
		},
		Outputs: []Output{
			{Id: "errors", Name: "Errors Report"},
		},
	}
	assert.Equal("trailer", fileType.RecordType(2).Name)
	assert.Nil(fileType.RecordType(3))
	assert.Equal("Errors Report", fileType.Output("errors").Name)
	assert.Nil(fileType.Output("missing"))
}

// tests whether an empty delimiter marks a file type as fixed-width
func TestFixedWidth(t *testing.T) {
	assert := assert.New(t)
	fixed := FileType{}
	delimited := FileType{DelimitedSeparator: ","}
	assert.True(fixed.FixedWidth())
	assert.False(delimited.FixedWidth())
}

// tests the output instance lookup and terminal statuses
func TestOutputInstances(t *testing.T) {
	assert := assert.New(t)
	file := File{
		Outputs: []OutputInstance{
			{Id: "a", Status: OutputInstanceRunning},
			{Id: "b", Status: OutputInstanceSuccess},
		},
	}
	assert.Equal("b", file.OutputInstance("b").Id)
	assert.Nil(file.OutputInstance("c"))
	assert.False(OutputInstanceNew.Terminal())
	assert.False(OutputInstanceRunning.Terminal())
	assert.True(OutputInstanceSuccess.Terminal())
	assert.True(OutputInstanceFailure.Terminal())
}

// tests the file status names the admin API exposes
func TestFileStatusString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("NEW", FileNew.String())
	assert.Equal("WAITING_APPROVAL_TO_UPLOAD", FileWaitingApproval.String())
	assert.Equal("UPLOADING_RETRY_PAUSE", FileUploadingRetryPause.String())
	assert.Equal("COMPLETED", FileCompleted.String())
	assert.Equal("UNKNOWN", FileStatus(17).String())
}
