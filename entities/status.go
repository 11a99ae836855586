package entities

// FileStatus tracks a file's progress through the pipeline. Movement between
// statuses is strictly forward and is driven by the status scheduler; each
// processor claims its in-progress status with a compare-and-swap before
// touching any records.
type FileStatus int32

const (
	FileStatusUnknown        FileStatus = 0
	FileNew                  FileStatus = 10
	FileLoading              FileStatus = 20
	FileLoadError            FileStatus = 25
	FileLoaded               FileStatus = 30
	FileParsing              FileStatus = 40
	FileParseError           FileStatus = 45
	FileParsed               FileStatus = 50
	FileValidating           FileStatus = 60
	FileValidateError        FileStatus = 65
	FileValidated            FileStatus = 70
	FileWaitingApproval      FileStatus = 80
	FileApprovedToUpload     FileStatus = 85
	FileUploading            FileStatus = 90
	FileUploadingRetryPause  FileStatus = 93
	FileUploadError          FileStatus = 95
	FileUploaded             FileStatus = 100
	FileReporting            FileStatus = 110
	FileReportError          FileStatus = 115
	FileCompleted            FileStatus = 120
)

func (s FileStatus) String() string {
	switch s {
	case FileNew:
		return "NEW"
	case FileLoading:
		return "LOADING"
	case FileLoadError:
		return "LOAD_ERROR"
	case FileLoaded:
		return "LOADED"
	case FileParsing:
		return "PARSING"
	case FileParseError:
		return "PARSE_ERROR"
	case FileParsed:
		return "PARSED"
	case FileValidating:
		return "VALIDATING"
	case FileValidateError:
		return "VALIDATE_ERROR"
	case FileValidated:
		return "VALIDATED"
	case FileWaitingApproval:
		return "WAITING_APPROVAL_TO_UPLOAD"
	case FileApprovedToUpload:
		return "APPROVED_TO_UPLOAD"
	case FileUploading:
		return "UPLOADING"
	case FileUploadingRetryPause:
		return "UPLOADING_RETRY_PAUSE"
	case FileUploadError:
		return "UPLOAD_ERROR"
	case FileUploaded:
		return "UPLOADED"
	case FileReporting:
		return "REPORTING"
	case FileReportError:
		return "REPORT_ERROR"
	case FileCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// RecordStatus tracks a single record's progress. The numeric values form an
// ordered lattice: each stage filters its input on the specific "successful
// predecessor" value, and the uploader's duplicate check filters on
// status >= RecordUploaded. The gaps of 10 leave room for comparisons without
// renumbering.
type RecordStatus int32

const (
	RecordStatusUnknown   RecordStatus = 0
	RecordLoadError       RecordStatus = 10
	RecordLoaded          RecordStatus = 20
	RecordParseError      RecordStatus = 30
	RecordParsed          RecordStatus = 40
	RecordValidationError RecordStatus = 50
	RecordValidated       RecordStatus = 60
	RecordUploadError     RecordStatus = 70
	RecordUploaded        RecordStatus = 80
)

func (s RecordStatus) String() string {
	switch s {
	case RecordLoadError:
		return "LOAD_ERROR"
	case RecordLoaded:
		return "LOADED"
	case RecordParseError:
		return "PARSE_ERROR"
	case RecordParsed:
		return "PARSED"
	case RecordValidationError:
		return "VALIDATION_ERROR"
	case RecordValidated:
		return "VALIDATED"
	case RecordUploadError:
		return "UPLOAD_ERROR"
	case RecordUploaded:
		return "UPLOADED"
	default:
		return "UNKNOWN"
	}
}

// ReviewPolicy controls whether a validated file pauses for manual approval
// before uploading.
type ReviewPolicy int32

const (
	ReviewNever    ReviewPolicy = 0
	ReviewOnErrors ReviewPolicy = 1
	ReviewAlways   ReviewPolicy = 2
)

// OutputInstanceStatus tracks one report run.
type OutputInstanceStatus int32

const (
	OutputInstanceNew     OutputInstanceStatus = 0
	OutputInstanceRunning OutputInstanceStatus = 1
	OutputInstanceSuccess OutputInstanceStatus = 2
	OutputInstanceFailure OutputInstanceStatus = 3
)

// Terminal reports whether the instance has finished, successfully or not.
func (s OutputInstanceStatus) Terminal() bool {
	return s == OutputInstanceSuccess || s == OutputInstanceFailure
}
