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

package processing

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/store"
)

// tokens recognized in output filename patterns
const (
	tokenNowTs        = "{NOW_TS}"
	tokenNowTsHex     = "{NOW_TS_HEX}"
	tokenOrigFileStem = "{ORIG_FILE_STEM}"
)

// Report writes one output instance: a CSV of the file's records, filtered
// and shaped by the output's configuration. The file's status is untouched;
// the scheduler completes the file once every instance has finished. A record
// that cannot be rendered is left out rather than failing the report.
func Report(ctx context.Context, env *Env, fileId int64, instanceId string, limitRecords ...int64) error {
	file, err := env.DB.Files.Get(ctx, fileId)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("file %d does not exist", fileId)
	}
	if file.Status < entities.FileUploaded {
		return fmt.Errorf("%w: file %d is %s", errNotClaimed, fileId, file.Status)
	}
	instance := file.OutputInstance(instanceId)
	if instance == nil {
		return fmt.Errorf("file %d has no output instance %s", fileId, instanceId)
	}
	if instance.Status != entities.OutputInstanceNew {
		return fmt.Errorf("%w: output instance %s already ran", errNotClaimed, instanceId)
	}

	p := &processor{env: env, source: entities.LogSourceReporter, file: file, limit: firstLimit(limitRecords)}
	r := &reporter{processor: p, instance: instance}
	if err := r.start(ctx); err != nil {
		return err
	}
	written, runErr := r.run(ctx)
	return r.finish(ctx, written, runErr)
}

type reporter struct {
	*processor
	instance *entities.OutputInstance
	output   *entities.Output
	filename string
	matched  int64
}

// start resolves the output configuration and marks the instance running.
func (r *reporter) start(ctx context.Context) error {
	ents, err := r.env.Admin.FileEntities(ctx, r.file)
	if err != nil {
		return err
	}
	r.ents = ents
	r.output = ents.FileType.Output(r.instance.OutputId)
	if r.output == nil {
		return fault.NewConfigurationError(
			"file type %s has no output %s", ents.FileType.Id, r.instance.OutputId)
	}
	r.instance.Status = entities.OutputInstanceRunning
	r.instance.StartTime = time.Now().UTC()
	_, err = r.env.DB.Files.Update(ctx,
		bson.M{"_id": r.file.Id, "outputs.id": r.instance.Id},
		bson.M{"$set": bson.M{
			"outputs.$.status":    r.instance.Status,
			"outputs.$.startTime": r.instance.StartTime,
			"updated":             time.Now().UTC(),
		}},
	)
	return err
}

func (r *reporter) run(ctx context.Context) (int64, error) {
	path, err := r.outputPath()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fault.NewConfigurationError("cannot create report directory: %s", err.Error())
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fault.NewConfigurationError("cannot create report file %s: %s", path, err.Error())
	}
	defer f.Close()
	r.filename = filepath.Base(path)

	writer := csv.NewWriter(f)
	cfg := &r.output.Configuration
	if r.output.File.IncludeHeader {
		if err := writer.Write(r.headerRow(cfg)); err != nil {
			return 0, err
		}
	}

	cursor, err := r.env.DB.Records.Find(ctx, r.recordFilter(cfg), "")
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	written := int64(0)
	for {
		record, err := cursor.Next(ctx)
		if err != nil {
			return written, err
		}
		if record == nil {
			break
		}
		r.matched++
		if err := writer.Write(r.recordRow(cfg, record)); err != nil {
			return written, err
		}
		written++
		if r.limit > 0 && written >= r.limit {
			break
		}
	}
	writer.Flush()
	return written, writer.Error()
}

// outputPath expands the output's filename pattern under the partner's
// outgoing directory.
func (r *reporter) outputPath() (string, error) {
	now := time.Now().UTC()
	stem := strings.TrimSuffix(r.file.Name, filepath.Ext(r.file.Name))
	pattern := r.output.File.FilePathPattern
	if pattern == "" {
		pattern = sanitizeName(r.output.Name) + "-" + tokenNowTsHex + ".csv"
	}
	name := strings.NewReplacer(
		tokenNowTs, strconv.FormatInt(now.Unix(), 10),
		tokenNowTsHex, strconv.FormatInt(now.Unix(), 16),
		tokenOrigFileStem, stem,
	).Replace(pattern)

	dir := r.ents.Partner.OutgoingDirectory
	if dir == "" {
		dir = r.env.ReportDir
	}
	if dir == "" {
		return "", fault.NewConfigurationError(
			"partner %s has no outgoing directory and no report directory is configured",
			r.ents.Partner.Id)
	}
	return filepath.Join(dir, name), nil
}

func (r *reporter) recordFilter(cfg *entities.OutputConfiguration) bson.M {
	var filter bson.M
	if len(cfg.RecordStatuses) > 0 {
		filter = store.RecordRangeStatusIn(r.file.Id, cfg.RecordStatuses)
	} else {
		filter = store.RecordRange(r.file.Id)
	}
	filter["recordType"] = bson.M{"$ne": entities.HeaderRecordType}
	if len(cfg.FailedFunctionConfigs) > 0 {
		filter["recentErrors"] = bson.M{"$elemMatch": bson.M{
			"functionId": bson.M{"$in": cfg.FailedFunctionConfigs},
		}}
	}
	return filter
}

func (r *reporter) headerRow(cfg *entities.OutputConfiguration) []string {
	var row []string
	if cfg.DuplicateInputFields {
		row = append(row, r.file.HeaderColumns...)
	}
	row = append(row, r.file.ValidatedColumns...)
	if cfg.IncludeRecentErrors {
		row = append(row, "Errors")
	}
	return row
}

func (r *reporter) recordRow(cfg *entities.OutputConfiguration, record *entities.Record) []string {
	var row []string
	if cfg.DuplicateInputFields {
		for i := range r.file.HeaderColumns {
			if i < len(record.RawColumns) {
				row = append(row, record.RawColumns[i])
			} else {
				row = append(row, "")
			}
		}
	}
	for _, column := range r.file.ValidatedColumns {
		row = append(row, record.ValidatedFields[column])
	}
	if cfg.IncludeRecentErrors {
		messages := make([]string, len(record.RecentErrors))
		for i, entry := range record.RecentErrors {
			messages[i] = entry.Message
		}
		row = append(row, strings.Join(messages, ", "))
	}
	return row
}

// finish records the instance outcome: its positional entry in the outputs
// array and a step-stats plus audit-trail update on the file document, in one
// unordered bulk write.
func (r *reporter) finish(ctx context.Context, written int64, runErr error) error {
	now := time.Now().UTC()
	var entry entities.ProcessingLog
	if runErr != nil {
		r.instance.Status = entities.OutputInstanceFailure
		entry = faultLog(entities.LogSourceReporter, runErr)
	} else {
		r.instance.Status = entities.OutputInstanceSuccess
		entry = entities.ProcessingLog{
			Source:  entities.LogSourceReporter,
			Level:   entities.LogLevelInfo,
			Time:    now,
			Message: fmt.Sprintf("Report %s wrote %d of %d records to %s", r.output.Name, written, r.matched, r.filename),
		}
	}
	step := &entities.StepStats{Input: r.matched, Success: written, Failure: r.matched - written}

	ops := []store.UpdateOp{
		{
			Filter: bson.M{"_id": r.file.Id},
			Update: bson.M{
				"$set": bson.M{
					"stats.steps." + stepKey("REPORT", r.instance.Id): step,
					"updated": now,
				},
				"$addToSet": bson.M{"log": bson.M{"$each": []any{entry}}},
			},
		},
		{
			Filter: bson.M{"_id": r.file.Id, "outputs.id": r.instance.Id},
			Update: bson.M{"$set": bson.M{
				"outputs.$.status":         r.instance.Status,
				"outputs.$.endTime":        now,
				"outputs.$.outputFilename": r.filename,
			}},
		},
	}
	if err := r.env.DB.Files.BulkWrite(ctx, ops); err != nil {
		return err
	}
	if runErr != nil && !fault.IsDomain(runErr) {
		return runErr
	}
	return nil
}

// sanitizeName lowercases a display name and collapses anything that is not
// a letter or digit into single dashes.
func sanitizeName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, c := range strings.ToLower(name) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
			lastDash = false
		} else if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
