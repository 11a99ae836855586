package entities

// HeaderRecordType marks the single header record of a file whose file type
// declares hasHeader. Header records are skipped by every stage after Load.
const HeaderRecordType int32 = -1

// A Record is one row of one file. Its id packs the owning file id into the
// upper 32 bits and the 1-based line number into the lower 32, so a single
// primary-key range selects all records of a file in line order.
type Record struct {
	Id         int64        `bson:"_id"`
	RecordType int32        `bson:"recordType"`
	Status     RecordStatus `bson:"status"`

	RawLine    string   `bson:"rawLine,omitempty"`
	RawColumns []string `bson:"rawColumns,omitempty"`
	// md5 digest of the comma-joined raw columns, used for duplicate
	// suppression at upload time
	Hash []byte `bson:"hash,omitempty"`

	ParsedFields    map[string]string `bson:"parsedFields,omitempty"`
	ValidatedFields map[string]string `bson:"validatedFields,omitempty"`
	SharedKey       string            `bson:"sharedKey,omitempty"`

	UploadConfirmationId string `bson:"uploadConfirmationId,omitempty"`
	AutoRetry            bool   `bson:"autoRetry,omitempty"`
	RetryCount           int32  `bson:"retryCount,omitempty"`

	Log          []ProcessingLog `bson:"log,omitempty"`
	RecentErrors []ProcessingLog `bson:"recentErrors,omitempty"`
}

// FileId extracts the owning file's id from the record id.
func (r *Record) FileId() int64 {
	return r.Id >> 32
}

// LineNumber extracts the 1-based line number from the record id.
func (r *Record) LineNumber() int64 {
	return r.Id & 0xFFFFFFFF
}

// RecordId packs a file id and line number into a record id.
func RecordId(fileId, lineNumber int64) int64 {
	return fileId<<32 | (lineNumber & 0xFFFFFFFF)
}
