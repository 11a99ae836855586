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

// Package fault defines the three pipeline error kinds and their error codes.
// Every failure in record processing is classified as one of these kinds (or
// treated as a configuration-type failure if it is none of them), which
// determines whether the failure stops a single record or the whole file.
package fault

import (
	"fmt"
)

// A Code identifies the category of a failure in a processing log entry.
// Values below 100 are sluice-specific; values of 100 and above are HTTP
// status codes carried through from API responses.
type Code int32

const (
	CodeUnknown Code = 0
	// systemic misconfiguration (missing host, header mismatch, bad parameter)
	OtherConfigurationError Code = 1
	// record data rejected by a validation function
	OtherValidationError Code = 2
	// transient failure while executing a function (API error, etc.)
	OtherExecutionError Code = 3
	// the remote host could not be reached
	ConnectionError Code = 4
	// the remote host did not answer in time
	TimeoutError Code = 5
)

func (c Code) String() string {
	switch c {
	case CodeUnknown:
		return "ERRORCODE_UNKNOWN"
	case OtherConfigurationError:
		return "OTHER_CONFIGURATION_ERROR"
	case OtherValidationError:
		return "OTHER_VALIDATION_ERROR"
	case OtherExecutionError:
		return "OTHER_EXECUTION_ERROR"
	case ConnectionError:
		return "CONNECTION_ERROR"
	case TimeoutError:
		return "TIMEOUT_ERROR"
	default:
		if c >= 100 {
			return fmt.Sprintf("HTTP_%d", int32(c))
		}
		return fmt.Sprintf("ERRORCODE_%d", int32(c))
	}
}

// A ConfigurationError is systemic and fatal: it stops not just the current
// record but the entire file. Invalid or missing configuration parameters
// (API keys, header columns that can never exist) are typical causes.
type ConfigurationError struct {
	Message string
	Summary string
	Code    Code
	// id of the persisted api log entry, if the failure came from an API call
	ApiLogId string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// NewConfigurationError creates a ConfigurationError with the default code.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{
		Message: fmt.Sprintf(format, args...),
		Code:    OtherConfigurationError,
	}
}

// A ValidationError concerns a specific field or record. Validation errors are
// never retried automatically: the value is stable, so revalidating would have
// the same outcome.
type ValidationError struct {
	Message  string
	Summary  string
	Code     Code
	ApiLogId string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a ValidationError with the default code.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf(format, args...),
		Code:    OtherValidationError,
	}
}

// An ExecutionError concerns a field or record but is unrelated to its value:
// usually a transient failure such as an API timeout. It may be auto-retriable.
type ExecutionError struct {
	Message   string
	Summary   string
	Code      Code
	AutoRetry bool
	// HTTP status of the failed response, when the failure came from an API call
	HttpStatus int
	ApiLogId   string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// NewExecutionError creates an ExecutionError with the default code.
func NewExecutionError(format string, args ...any) *ExecutionError {
	return &ExecutionError{
		Message: fmt.Sprintf(format, args...),
		Code:    OtherExecutionError,
	}
}
