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

// Package processing implements the pipeline stages. Each stage claims its
// file with a status compare-and-swap, streams the file's records in chunks,
// and flushes record updates in unordered bulk writes. Failures are split by
// the fault taxonomy: validation and execution errors stop one record,
// everything else stops the file.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/admin"
	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/functions"
	"github.com/fileworks/sluice/store"
)

// An Enqueuer schedules the next pipeline step for a file. The queue package
// implements it; tests use a recording fake.
type Enqueuer interface {
	Enqueue(ctx context.Context, step string, fileId int64) error
	// EnqueueIn schedules a step to run after the given delay.
	EnqueueIn(ctx context.Context, step string, fileId int64, delay time.Duration) error
	// EnqueueReport schedules one output instance of a file.
	EnqueueReport(ctx context.Context, fileId int64, instanceId string) error
}

// Env bundles the shared dependencies every stage needs.
type Env struct {
	DB       *store.DB
	Admin    *admin.Cache
	Registry *functions.Registry
	Api      *functions.ApiClient
	Sql      *functions.SqlExecutor

	// records per chunk before batching adjustments; 0 means the default
	ChunkSize int
	// delay before a file in retry pause is rescheduled; 0 means the default
	RetryPause time.Duration
	// directory reports are written under
	ReportDir string
}

const (
	defaultChunkSize  = 1000
	defaultRetryPause = 15 * time.Minute
	// record updates queued before an intermediate flush
	maxPendingCap = 5000
	// progress becomes visible at least this often during long stages
	flushInterval = 30 * time.Second
	// upload attempts per record before the file stays in UPLOAD_ERROR
	maxUploadRetries = 4
)

// errNotClaimed is returned when another worker already moved the file past
// the expected status. The step is simply dropped.
var errNotClaimed = errors.New("file not in expected status")

// IsNotClaimed reports whether a stage lost the status compare-and-swap, in
// which case the step should be dropped rather than retried.
func IsNotClaimed(err error) bool {
	return errors.Is(err, errNotClaimed)
}

func isNotClaimed(err error) bool {
	return errors.Is(err, errNotClaimed)
}

func (e *Env) chunkSize() int {
	if e.ChunkSize > 0 {
		return e.ChunkSize
	}
	return defaultChunkSize
}

// processor carries the per-run state shared by all stages.
type processor struct {
	env    *Env
	source entities.LogSource
	file   *entities.File
	ents   *admin.FileEntities
	// optional cap on records processed this run; 0 means no cap
	limit int64
}

// firstLimit unpacks a stage's optional record cap.
func firstLimit(limits []int64) int64 {
	if len(limits) > 0 {
		return limits[0]
	}
	return 0
}

// claim loads the file and compare-and-swaps its status from one of the
// expected values to the in-progress value. Losing the swap means another
// worker owns the file.
func claim(ctx context.Context, env *Env, fileId int64, from []entities.FileStatus, to entities.FileStatus) (*entities.File, error) {
	file, err := env.DB.Files.Get(ctx, fileId)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("file %d does not exist", fileId)
	}
	claimed := false
	for _, status := range from {
		if file.Status == status {
			claimed = true
			break
		}
	}
	if !claimed {
		return nil, fmt.Errorf("%w: file %d is %s", errNotClaimed, fileId, file.Status)
	}
	matched, err := env.DB.Files.Update(ctx,
		bson.M{"_id": fileId, "status": file.Status},
		bson.M{"$set": bson.M{"status": to, "updated": time.Now().UTC()}},
	)
	if err != nil {
		return nil, err
	}
	if matched == 0 {
		return nil, fmt.Errorf("%w: file %d was claimed concurrently", errNotClaimed, fileId)
	}
	file.Status = to
	return file, nil
}

// begin resolves the file's configuration and resets the stage's slice of the
// file document: its counters, its step stats, and the recent errors.
func (p *processor) begin(ctx context.Context, statPrefixes ...string) error {
	ents, err := p.env.Admin.FileEntities(ctx, p.file)
	if err != nil {
		return err
	}
	p.ents = ents
	p.file.RecentErrors = nil
	for prefix := range p.file.Stats.Steps {
		for _, statPrefix := range statPrefixes {
			if strings.HasPrefix(prefix, statPrefix+":") {
				delete(p.file.Stats.Steps, prefix)
			}
		}
	}
	return nil
}

// updateFile writes the named file fields from the in-memory copy.
func (p *processor) updateFile(ctx context.Context, fields []string, appendFields ...string) error {
	update, err := store.FileUpdate(p.file, fields, appendFields...)
	if err != nil {
		return err
	}
	_, err = p.env.DB.Files.Update(ctx, bson.M{"_id": p.file.Id}, update)
	return err
}

// log appends an informational entry to the file's audit trail.
func (p *processor) log(format string, args ...any) {
	p.file.Log = append(p.file.Log, entities.ProcessingLog{
		Source:  p.source,
		Level:   entities.LogLevelInfo,
		Time:    time.Now().UTC(),
		Message: fmt.Sprintf(format, args...),
	})
}

// failFile marks the file with the stage's error status, records the fault in
// the audit trail, and persists the stage's partial stats. The returned error
// is nil: a failed file is a handled outcome, not a worker failure.
func (p *processor) failFile(ctx context.Context, status entities.FileStatus, err error, fields []string) error {
	slog.Error(fmt.Sprintf("File %d failed in %s: %s", p.file.Id, status, err.Error()))
	entry := faultLog(p.source, err)
	p.file.Status = status
	p.file.Log = append(p.file.Log, entry)
	p.file.RecentErrors = append(p.file.RecentErrors, entry)
	fields = append([]string{"status", "stats", "times", "log", "recentErrors"}, fields...)
	return p.updateFile(ctx, fields)
}

// faultLog renders an error as an audit-trail entry, classifying it through
// the fault taxonomy. Unclassified errors get a stack trace since they point
// at a bug rather than data or configuration.
func faultLog(source entities.LogSource, err error) entities.ProcessingLog {
	entry := entities.ProcessingLog{
		Source:  source,
		Level:   entities.LogLevelError,
		Time:    time.Now().UTC(),
		Message: err.Error(),
	}
	if fault.IsDomain(err) {
		entry.ErrorCode = fault.CodeOf(err)
		entry.Summary = fault.SummaryOf(err)
		entry.ApiLogId = fault.ApiLogIdOf(err)
	} else {
		entry.ErrorCode = fault.OtherConfigurationError
		entry.StackTrace = string(debug.Stack())
	}
	return entry
}

// stepKey builds a step-stats key from its parts.
func stepKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// fullmatch reports whether the pattern matches the entire input, compiling
// with implicit anchors.
func fullmatch(pattern, input string) (bool, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return false, fault.NewConfigurationError("invalid pattern %q: %s", pattern, err.Error())
	}
	return re.MatchString(input), nil
}

// firstMatch returns the index of the first pattern that fullmatches the
// input, or -1.
func firstMatch(patterns []string, input string) (int, error) {
	for i, pattern := range patterns {
		ok, err := fullmatch(pattern, input)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}
