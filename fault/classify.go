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

package fault

import (
	"errors"
)

// IsDomain reports whether err is one of the three pipeline error kinds.
// Anything else is treated as a configuration-type failure with a stack trace.
func IsDomain(err error) bool {
	var cfg *ConfigurationError
	var val *ValidationError
	var exe *ExecutionError
	return errors.As(err, &cfg) || errors.As(err, &val) || errors.As(err, &exe)
}

// IsRecordLevel reports whether err stops only the current record. Validation
// and execution errors are record-level; everything else aborts the file.
func IsRecordLevel(err error) bool {
	var val *ValidationError
	var exe *ExecutionError
	return errors.As(err, &val) || errors.As(err, &exe)
}

// CodeOf extracts the error code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return cfg.Code
	}
	var val *ValidationError
	if errors.As(err, &val) {
		return val.Code
	}
	var exe *ExecutionError
	if errors.As(err, &exe) {
		return exe.Code
	}
	return CodeUnknown
}

// SummaryOf extracts the human-readable summary carried by err, if any.
func SummaryOf(err error) string {
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return cfg.Summary
	}
	var val *ValidationError
	if errors.As(err, &val) {
		return val.Summary
	}
	var exe *ExecutionError
	if errors.As(err, &exe) {
		return exe.Summary
	}
	return ""
}

// AutoRetryOf reports whether err allows an automatic retry of the record.
func AutoRetryOf(err error) bool {
	var exe *ExecutionError
	if errors.As(err, &exe) {
		return exe.AutoRetry
	}
	return false
}

// ApiLogIdOf extracts the persisted api log id carried by err, if any.
func ApiLogIdOf(err error) string {
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return cfg.ApiLogId
	}
	var val *ValidationError
	if errors.As(err, &val) {
		return val.ApiLogId
	}
	var exe *ExecutionError
	if errors.As(err, &exe) {
		return exe.ApiLogId
	}
	return ""
}
