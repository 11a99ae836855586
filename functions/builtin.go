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

package functions

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
)

// RegisterBuiltins adds the stock validation and upload handlers. api may be
// nil in tooling contexts where no uploads will run; the upload handlers then
// fail with a configuration error if invoked.
func RegisterBuiltins(r *Registry, api *ApiClient) error {
	handlers := []Handler{
		{
			Symbol: "sluice.validate.notEmpty",
			Name:   "Not empty",
			Kind:   entities.FieldValidation,
			Field: func(ctx context.Context, value string, params []any) (string, error) {
				if strings.TrimSpace(value) == "" {
					return "", fault.NewValidationError("value is empty")
				}
				return value, nil
			},
			Tags: []string{"validation"},
		},
		{
			Symbol: "sluice.validate.trim",
			Name:   "Trim whitespace",
			Kind:   entities.FieldValidation,
			Field: func(ctx context.Context, value string, params []any) (string, error) {
				return strings.TrimSpace(value), nil
			},
			Tags: []string{"transform"},
		},
		{
			Symbol: "sluice.validate.uppercase",
			Name:   "Uppercase",
			Kind:   entities.FieldValidation,
			Field: func(ctx context.Context, value string, params []any) (string, error) {
				return strings.ToUpper(value), nil
			},
			Tags: []string{"transform"},
		},
		{
			Symbol: "sluice.validate.isInteger",
			Name:   "Is integer",
			Kind:   entities.FieldValidation,
			Field: func(ctx context.Context, value string, params []any) (string, error) {
				if _, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err != nil {
					return "", fault.NewValidationError("%q is not an integer", value)
				}
				return strings.TrimSpace(value), nil
			},
			Tags: []string{"validation"},
		},
		{
			Symbol: "sluice.validate.isHex",
			Name:   "Is hexadecimal",
			Kind:   entities.FieldValidation,
			Field: func(ctx context.Context, value string, params []any) (string, error) {
				trimmed := strings.TrimSpace(value)
				if trimmed == "" {
					return "", fault.NewValidationError("value is empty")
				}
				for _, c := range trimmed {
					if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
						return "", fault.NewValidationError("%q is not hexadecimal", value)
					}
				}
				return trimmed, nil
			},
			Tags: []string{"validation"},
		},
		{
			Symbol: "sluice.validate.matchesRegexp",
			Name:   "Matches pattern",
			Kind:   entities.FieldValidation,
			Parameters: []entities.Parameter{
				{Name: "pattern", Type: entities.DataTypeString},
			},
			Field: func(ctx context.Context, value string, params []any) (string, error) {
				pattern, err := regexp.Compile(params[0].(string))
				if err != nil {
					return "", fault.NewConfigurationError("invalid pattern: %s", err.Error())
				}
				if !pattern.MatchString(value) {
					return "", fault.NewValidationError("%q does not match %s", value, pattern)
				}
				return value, nil
			},
			Tags: []string{"validation"},
		},
		{
			Symbol: "sluice.validate.lengthBetween",
			Name:   "Length between",
			Kind:   entities.FieldValidation,
			Parameters: []entities.Parameter{
				{Name: "min", Type: entities.DataTypeInteger},
				{Name: "max", Type: entities.DataTypeInteger},
			},
			Field: func(ctx context.Context, value string, params []any) (string, error) {
				min, max := params[0].(int64), params[1].(int64)
				if n := int64(len(value)); n < min || n > max {
					return "", fault.NewValidationError(
						"length %d is outside [%d, %d]", len(value), min, max)
				}
				return value, nil
			},
			Tags: []string{"validation"},
		},
		{
			Symbol: "sluice.validate.parseDate",
			Name:   "Parse date",
			Kind:   entities.FieldValidation,
			Parameters: []entities.Parameter{
				{Name: "inFormat", Type: entities.DataTypeString},
				{Name: "outFormat", Type: entities.DataTypeString},
			},
			Field: func(ctx context.Context, value string, params []any) (string, error) {
				parsed, err := time.Parse(params[0].(string), strings.TrimSpace(value))
				if err != nil {
					return "", fault.NewValidationError("%q is not a valid date", value)
				}
				return parsed.Format(params[1].(string)), nil
			},
			Tags: []string{"transform"},
		},
		{
			Symbol: "sluice.validate.requireFields",
			Name:   "Require fields",
			Kind:   entities.RecordValidation,
			Parameters: []entities.Parameter{
				{Name: "fields", Type: entities.DataTypeString},
			},
			Record: func(ctx context.Context, record *Record, params []any) (map[string]string, error) {
				for _, name := range strings.Split(params[0].(string), ",") {
					name = strings.TrimSpace(name)
					if value, ok := record.Fields[name]; !ok || value == "" {
						return nil, fault.NewValidationError("required field %s is missing", name)
					}
				}
				return nil, nil
			},
			Tags: []string{"validation"},
		},
		{
			Symbol: "sluice.upload.httpPostRecord",
			Name:   "HTTP POST record",
			Kind:   entities.RecordUpload,
			Parameters: []entities.Parameter{
				{Name: "url", Type: entities.DataTypeString},
				{Name: "authHeader", Type: entities.DataTypeString},
			},
			Upload: func(ctx context.Context, record *Record, params []any) (string, error) {
				return postJson(ctx, api, params, record.Fields)
			},
			Tags: []string{"upload"},
		},
		{
			Symbol: "sluice.upload.httpPostBatch",
			Name:   "HTTP POST batch",
			Kind:   entities.RecordUploadBatch,
			Parameters: []entities.Parameter{
				{Name: "url", Type: entities.DataTypeString},
				{Name: "authHeader", Type: entities.DataTypeString},
			},
			UploadBatch: func(ctx context.Context, records []*Record, params []any) (string, error) {
				batch := make([]map[string]string, len(records))
				for i, record := range records {
					batch[i] = record.Fields
				}
				return postJson(ctx, api, params, batch)
			},
			Tags: []string{"upload"},
		},
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func postJson(ctx context.Context, api *ApiClient, params []any, payload any) (string, error) {
	if api == nil {
		return "", fault.NewConfigurationError("no API client configured")
	}
	url := params[0].(string)
	headers := map[string]string{"Content-Type": "application/json"}
	if auth := params[1].(string); auth != "" {
		headers["Authorization"] = auth
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fault.NewExecutionError("encoding upload payload: %s", err.Error())
	}
	content, _, err := api.Post(ctx, url, headers, string(body))
	if err != nil {
		return "", err
	}
	// the confirmation id is the response's id field when the response is a
	// JSON object, otherwise the raw body
	var parsed struct {
		Id string `json:"id"`
	}
	if json.Unmarshal([]byte(content), &parsed) == nil && parsed.Id != "" {
		return parsed.Id, nil
	}
	return strings.TrimSpace(content), nil
}
