package entities

import (
	"time"
)

// A File is one ingested partner file. The file document is the pipeline's
// unit of coordination: its status gates which stage may run, and its stats,
// times and logs are rewritten wholesale by the stage that holds the status.
type File struct {
	Id         int64      `bson:"_id"`
	PartnerId  string     `bson:"partnerId"`
	FileTypeId string     `bson:"fileTypeId"`
	Name       string     `bson:"name"`
	Location   string     `bson:"location"`
	SizeBytes  int64      `bson:"sizeBytes,omitempty"`
	Hash       string     `bson:"hash,omitempty"`
	FileDate   string     `bson:"fileDate,omitempty"`
	Tags       map[string]string `bson:"tags,omitempty"`
	Status     FileStatus `bson:"status"`

	HeaderColumns    []string `bson:"headerColumns,omitempty"`
	ParsedColumns    []string `bson:"parsedColumns,omitempty"`
	ValidatedColumns []string `bson:"validatedColumns,omitempty"`

	Stats FileStats `bson:"stats"`
	Times FileTimes `bson:"times"`

	Log          []ProcessingLog  `bson:"log,omitempty"`
	RecentErrors []ProcessingLog  `bson:"recentErrors,omitempty"`
	Outputs      []OutputInstance `bson:"outputs,omitempty"`

	Created time.Time `bson:"created"`
	Updated time.Time `bson:"updated"`
}

// RecordPrefix returns the file id shifted into the upper 32 bits of the
// record id space. All of a file's records live in the contiguous range
// [prefix, prefix+2^32-1].
func (f *File) RecordPrefix() int64 {
	return f.Id << 32
}

// StepStats counts the outcomes of one step (stage, record type, field or
// function attachment) for the current run of that stage.
type StepStats struct {
	Input   int64 `bson:"input"`
	Success int64 `bson:"success"`
	Failure int64 `bson:"failure"`
}

// FileStats aggregates per-record outcomes. The counters are authoritative
// only in the in-memory copy during a stage run and are flushed wholesale.
type FileStats struct {
	ApproximateRows int64 `bson:"approximateRows,omitempty"`
	TotalRows       int64 `bson:"totalRows,omitempty"`

	LoadedRecordsSuccess int64 `bson:"loadedRecordsSuccess,omitempty"`
	LoadedRecordsError   int64 `bson:"loadedRecordsError,omitempty"`

	ParsedRecordsSuccess int64 `bson:"parsedRecordsSuccess,omitempty"`
	ParsedRecordsError   int64 `bson:"parsedRecordsError,omitempty"`

	ValidatedRecordsSuccess   int64 `bson:"validatedRecordsSuccess,omitempty"`
	ValidatedRecordsError     int64 `bson:"validatedRecordsError,omitempty"`
	ValidationErrors          int64 `bson:"validationErrors,omitempty"`
	ValidationExecutionErrors int64 `bson:"validationExecutionErrors,omitempty"`

	UploadedRecordsSuccess int64 `bson:"uploadedRecordsSuccess,omitempty"`
	UploadedRecordsError   int64 `bson:"uploadedRecordsError,omitempty"`
	UploadedRecordsSkipped int64 `bson:"uploadedRecordsSkipped,omitempty"`

	// keyed by stagePrefix:recordTypeId[:fieldId[:functionConfigId]]
	Steps map[string]*StepStats `bson:"steps,omitempty"`
}

// Step returns the StepStats under the given key, creating it if necessary.
func (s *FileStats) Step(key string) *StepStats {
	if s.Steps == nil {
		s.Steps = make(map[string]*StepStats)
	}
	st, ok := s.Steps[key]
	if !ok {
		st = &StepStats{}
		s.Steps[key] = st
	}
	return st
}

// FileTimes records the start and end of each stage for the current run.
type FileTimes struct {
	LoadingStart    time.Time `bson:"loadingStartTime,omitempty"`
	LoadingEnd      time.Time `bson:"loadingEndTime,omitempty"`
	ParsingStart    time.Time `bson:"parsingStartTime,omitempty"`
	ParsingEnd      time.Time `bson:"parsingEndTime,omitempty"`
	ValidatingStart time.Time `bson:"validatingStartTime,omitempty"`
	ValidatingEnd   time.Time `bson:"validatingEndTime,omitempty"`
	UploadingStart  time.Time `bson:"uploadingStartTime,omitempty"`
	UploadingEnd    time.Time `bson:"uploadingEndTime,omitempty"`
}

// An OutputInstance tracks one run of a report.
type OutputInstance struct {
	Id             string               `bson:"id"`
	OutputId       string               `bson:"outputId"`
	Status         OutputInstanceStatus `bson:"status"`
	StartTime      time.Time            `bson:"startTime,omitempty"`
	EndTime        time.Time            `bson:"endTime,omitempty"`
	OutputFilename string               `bson:"outputFilename,omitempty"`
}

// OutputInstance returns the instance with the given id, or nil.
func (f *File) OutputInstance(id string) *OutputInstance {
	for i := range f.Outputs {
		if f.Outputs[i].Id == id {
			return &f.Outputs[i]
		}
	}
	return nil
}
