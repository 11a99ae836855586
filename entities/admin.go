package entities

// A Partner is a tenant whose files the pipeline processes. Partners own
// file types, which own record types, which own field types; resolution
// always walks downward through this tree, and upward references are looked
// up by id.
type Partner struct {
	Id                string            `bson:"_id"`
	Name              string            `bson:"name"`
	Active            bool              `bson:"active"`
	StaticTags        map[string]string `bson:"staticTags,omitempty"`
	FileTypes         []FileType        `bson:"fileTypes,omitempty"`
	OutgoingDirectory string            `bson:"outgoingDirectory,omitempty"`
}

// A FileType describes one kind of incoming file: how to recognize it, how
// to split it into records, and how the pipeline should behave for it.
type FileType struct {
	Id   string `bson:"id"`
	Name string `bson:"name"`
	// regex patterns matched (fullmatch) against incoming filenames
	FileMatches []string `bson:"fileMatches,omitempty"`
	HasHeader   bool     `bson:"hasHeader"`
	// the configured delimiter; empty means the file is fixed-width
	DelimitedSeparator string       `bson:"delimitedSeparator,omitempty"`
	RecordTypes        []RecordType `bson:"recordTypes,omitempty"`
	// upload batching: 0 or 1 batch size means single-record uploads
	UploadBatchSize     int    `bson:"uploadBatchSize,omitempty"`
	UploadBatchGroupKey string `bson:"uploadBatchGroupKey,omitempty"`
	RequireUploadReview ReviewPolicy `bson:"requireUploadReview,omitempty"`
	Outputs             []Output     `bson:"outputs,omitempty"`
	StaticTags          map[string]string `bson:"staticTags,omitempty"`
	// optional filename parsing for the _DATE tag and extra tags
	FilenameDateRegexp string   `bson:"filenameDateRegexp,omitempty"`
	FilenameDateFormat string   `bson:"filenameDateFormat,omitempty"`
	FilenameTagRegexps []string `bson:"filenameTagRegexps,omitempty"`
}

// FixedWidth reports whether this file type is parsed by character ranges
// rather than a delimiter.
func (ft *FileType) FixedWidth() bool {
	return ft.DelimitedSeparator == ""
}

// RecordType returns the record type with the given id, or nil.
func (ft *FileType) RecordType(id int32) *RecordType {
	for i := range ft.RecordTypes {
		if ft.RecordTypes[i].Id == id {
			return &ft.RecordTypes[i]
		}
	}
	return nil
}

// Output returns the output configuration with the given id, or nil.
func (ft *FileType) Output(id string) *Output {
	for i := range ft.Outputs {
		if ft.Outputs[i].Id == id {
			return &ft.Outputs[i]
		}
	}
	return nil
}

// A RecordType is the schema for one row kind within a file type. Rows are
// assigned a record type either trivially (only one exists) or by fullmatch
// of the raw line against the RecordMatches patterns, first match winning.
type RecordType struct {
	Id            int32            `bson:"id"`
	Name          string           `bson:"name"`
	RecordMatches []string         `bson:"recordMatches,omitempty"`
	FieldTypes    []FieldType      `bson:"fieldTypes,omitempty"`
	Validations   []FunctionConfig `bson:"validations,omitempty"`
	Upload        *FunctionConfig  `bson:"upload,omitempty"`
	SuccessCheck  *FunctionConfig  `bson:"successCheck,omitempty"`
}

// A CharRange addresses a fixed-width field, 1-based and inclusive on both
// ends.
type CharRange struct {
	Start int `bson:"start"`
	End   int `bson:"end"`
}

// A FieldType is one named field within a record type. Exactly one of
// HeaderColumn (header files), ColumnIndex (headerless delimited files) and
// CharRange (fixed-width files) is meaningful.
type FieldType struct {
	Id           string           `bson:"id"`
	Name         string           `bson:"name"`
	HeaderColumn string           `bson:"headerColumn,omitempty"`
	ColumnIndex  int              `bson:"columnIndex,omitempty"`
	CharRange    *CharRange       `bson:"charRange,omitempty"`
	Active       bool             `bson:"active"`
	Validations  []FunctionConfig `bson:"validations,omitempty"`
	IsSharedKey  bool             `bson:"isSharedKey,omitempty"`
}

// An Output configures one report a file type can produce.
type Output struct {
	Id            string              `bson:"id"`
	Name          string              `bson:"name"`
	Active        bool                `bson:"active"`
	File          OutputFile          `bson:"file"`
	Configuration OutputConfiguration `bson:"configuration"`
}

type OutputFile struct {
	// filename template; recognized tokens are {NOW_TS}, {NOW_TS_HEX} and
	// {ORIG_FILE_STEM}. Empty means <sanitized output name>-<NOW_TS_HEX>.csv.
	FilePathPattern string `bson:"filePathPattern,omitempty"`
	RunAutomatic    bool   `bson:"runAutomatic,omitempty"`
	IncludeHeader   bool   `bson:"includeHeader,omitempty"`
}

type OutputConfiguration struct {
	// prepend the file's original header columns, values from rawColumns
	DuplicateInputFields bool `bson:"duplicateInputFields,omitempty"`
	// append a synthetic Errors column joined from recentErrors messages
	IncludeRecentErrors bool `bson:"includeRecentErrors,omitempty"`
	// restrict to records in these statuses; empty means all
	RecordStatuses []RecordStatus `bson:"recordStatuses,omitempty"`
	// restrict to records whose recentErrors mention one of these functions
	FailedFunctionConfigs []string `bson:"failedFunctionConfigs,omitempty"`
}
