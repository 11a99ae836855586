package entities

// FunctionKind determines the calling convention of a registered function.
type FunctionKind int32

const (
	FunctionKindUnknown FunctionKind = 0
	FieldValidation     FunctionKind = 1
	RecordValidation    FunctionKind = 2
	RecordUpload        FunctionKind = 3
	RecordUploadBatch   FunctionKind = 4
)

func (k FunctionKind) String() string {
	switch k {
	case FieldValidation:
		return "FIELD_VALIDATION"
	case RecordValidation:
		return "RECORD_VALIDATION"
	case RecordUpload:
		return "RECORD_UPLOAD"
	case RecordUploadBatch:
		return "RECORD_UPLOAD_BATCH"
	default:
		return "UNKNOWN"
	}
}

// DataType is the declared type of a function parameter or output field.
// Parameter values are stored as strings and coerced at the dispatch boundary.
type DataType int32

const (
	DataTypeUnknown DataType = 0
	DataTypeString  DataType = 1
	DataTypeInteger DataType = 2
	DataTypeFloat   DataType = 3
	DataTypeBoolean DataType = 4
	DataTypeEnum    DataType = 5
	DataTypeDict    DataType = 6
)

func (t DataType) String() string {
	switch t {
	case DataTypeString:
		return "STRING"
	case DataTypeInteger:
		return "INTEGER"
	case DataTypeFloat:
		return "FLOAT"
	case DataTypeBoolean:
		return "BOOLEAN"
	case DataTypeEnum:
		return "ENUM"
	case DataTypeDict:
		return "DICT"
	default:
		return "UNKNOWN"
	}
}

// A Parameter declares one configurable argument of a Function.
type Parameter struct {
	Name       string   `bson:"name" json:"name"`
	Type       DataType `bson:"type" json:"type"`
	EnumValues []string `bson:"enumValues,omitempty" json:"enumValues,omitempty"`
}

// A FunctionField declares one record field a function reads or writes.
// Output fields marked ephemeral are dropped after validation instead of
// being written to the store.
type FunctionField struct {
	Key          string   `bson:"key" json:"key"`
	Type         DataType `bson:"type" json:"type"`
	OutEphemeral bool     `bson:"outEphemeral,omitempty" json:"outEphemeral,omitempty"`
}

// A Function is a reusable callable spec. Its source is either a native Go
// handler (identified by a fully-qualified symbol name registered at worker
// start) or a SQL snippet executed by the SQL handler. Exactly one of
// NativeFunction and SqlStatement is set.
type Function struct {
	Id             string          `bson:"_id" json:"id"`
	Name           string          `bson:"name" json:"name"`
	Kind           FunctionKind    `bson:"type" json:"type"`
	NativeFunction string          `bson:"nativeFunction,omitempty" json:"nativeFunction,omitempty"`
	SqlStatement   string          `bson:"sqlStatement,omitempty" json:"sqlStatement,omitempty"`
	Parameters     []Parameter     `bson:"parameters,omitempty" json:"parameters,omitempty"`
	FieldsIn       []FunctionField `bson:"fieldsIn,omitempty" json:"fieldsIn,omitempty"`
	FieldsOut      []FunctionField `bson:"fieldsOut,omitempty" json:"fieldsOut,omitempty"`
	Tags           []string        `bson:"tags,omitempty" json:"tags,omitempty"`
	Deprecated     bool            `bson:"deprecated,omitempty" json:"deprecated,omitempty"`
}

// A FunctionConfig binds a Function to a field or record type with concrete
// parameter values, given in the same order as the function's declared
// parameter list.
type FunctionConfig struct {
	Id         string   `bson:"id" json:"id"`
	FunctionId string   `bson:"functionId" json:"functionId"`
	Parameters []string `bson:"parameters,omitempty" json:"parameters,omitempty"`
}
