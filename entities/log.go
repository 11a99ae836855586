package entities

import (
	"time"

	"github.com/fileworks/sluice/fault"
)

// LogSource identifies the pipeline component that produced a log entry.
type LogSource int32

const (
	LogSourceUnknown LogSource = 0
	LogSourceCopier  LogSource = 1
	LogSourceLoader  LogSource = 2
	LogSourceParser  LogSource = 3
	LogSourceValidator LogSource = 4
	LogSourceUploader  LogSource = 5
	LogSourceReporter  LogSource = 6
	LogSourceScheduler LogSource = 7
	LogSourceService   LogSource = 8
)

// LogLevel distinguishes informational entries from errors.
type LogLevel int32

const (
	LogLevelInfo  LogLevel = 0
	LogLevelError LogLevel = 1
)

// A ProcessingLog is one entry in a file's or record's audit trail. The `log`
// array on both entities is append-only; `recentErrors` is replaced on each
// new stage run.
type ProcessingLog struct {
	Source     LogSource  `bson:"source"`
	Level      LogLevel   `bson:"level"`
	ErrorCode  fault.Code `bson:"errorCode,omitempty"`
	Time       time.Time  `bson:"time"`
	Summary    string     `bson:"summary,omitempty"`
	Message    string     `bson:"message"`
	Field      string     `bson:"field,omitempty"`
	FunctionId string     `bson:"functionId,omitempty"`
	ApiLogId   string     `bson:"apiLogId,omitempty"`
	StackTrace string     `bson:"stackTrace,omitempty"`
}

// An ApiLog records one outbound API request and its response. Every non-GET
// request is persisted so upload failures can be traced to the exact exchange.
type ApiLog struct {
	Id        string         `bson:"_id"`
	Timestamp time.Time      `bson:"timestamp"`
	Dryrun    bool           `bson:"dryrun,omitempty"`
	Request   ApiLogRequest  `bson:"request"`
	Response  ApiLogResponse `bson:"response"`
}

type ApiLogRequest struct {
	Method    string `bson:"method"`
	Url       string `bson:"url"`
	Body      string `bson:"body,omitempty"`
	TimeoutMs int64  `bson:"timeoutMs"`
}

type ApiLogResponse struct {
	Code          int               `bson:"code,omitempty"`
	Headers       map[string]string `bson:"headers,omitempty"`
	ElapsedMs     int64             `bson:"elapsedMs,omitempty"`
	Content       string            `bson:"content,omitempty"`
	ExceptionType string            `bson:"exceptionType,omitempty"`
	ExceptionMsg  string            `bson:"exceptionMessage,omitempty"`
}

// A CopyLog records one copier scan over a partner's input directory.
type CopyLog struct {
	PartnerId string              `bson:"partnerId"`
	Time      time.Time           `bson:"time"`
	Files     []CopyLogFile       `bson:"files,omitempty"`
}

// CopyLogResolution describes what the copier decided about one file.
type CopyLogResolution int32

const (
	CopyResolutionNoMatch    CopyLogResolution = 0
	CopyResolutionCopied     CopyLogResolution = 1
	CopyResolutionFileExists CopyLogResolution = 2
)

type CopyLogFile struct {
	Name       string            `bson:"name"`
	SizeBytes  int64             `bson:"sizeBytes"`
	Resolution CopyLogResolution `bson:"resolution"`
	FileTypeId string            `bson:"fileTypeId,omitempty"`
	FileId     int64             `bson:"fileId,omitempty"`
}
