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
	"bufio"
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/store"
)

// delimiters the loader recognizes when sanity-checking a delimited file
var sniffDelimiters = []string{",", "\t", "|", ";"}

const sniffSampleBytes = 8192

// insertBatchSize is how many new records are buffered per InsertMany.
const insertBatchSize = 1000

// Load reads the file from disk, splits it into records, assigns record
// types, and inserts the records in line order. The raw data is kept verbatim
// so later stages never go back to the filesystem. limitRecords optionally
// caps how many data lines this run loads.
func Load(ctx context.Context, env *Env, fileId int64, limitRecords ...int64) error {
	file, err := claim(ctx, env, fileId, []entities.FileStatus{entities.FileNew}, entities.FileLoading)
	if err != nil {
		return err
	}
	p := &processor{env: env, source: entities.LogSourceLoader, file: file, limit: firstLimit(limitRecords)}
	l := &loader{processor: p}
	if err := l.run(ctx); err != nil {
		if isNotClaimed(err) {
			return err
		}
		return p.failFile(ctx, entities.FileLoadError, err, []string{"headerColumns"})
	}
	return nil
}

type loader struct {
	*processor
	inserts []*entities.Record
}

func (l *loader) run(ctx context.Context) error {
	if err := l.begin(ctx, "LOAD"); err != nil {
		return err
	}
	file := l.file
	file.Stats.TotalRows = 0
	file.Stats.LoadedRecordsSuccess = 0
	file.Stats.LoadedRecordsError = 0
	file.Times.LoadingStart = time.Now().UTC()
	file.Times.LoadingEnd = time.Time{}
	file.HeaderColumns = nil

	// re-running replaces whatever a previous attempt inserted
	if err := l.env.DB.Records.DeleteMany(ctx, store.RecordRange(file.Id)); err != nil {
		return err
	}

	path := filepath.Join(file.Location, file.Name)
	f, err := os.Open(path)
	if err != nil {
		return fault.NewConfigurationError("cannot open %s: %s", path, err.Error())
	}
	defer f.Close()

	fileType := l.ents.FileType
	if !fileType.FixedWidth() {
		if err := l.sniff(f); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := int64(0)
	loaded := int64(0)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		lineNum++
		if line == "" {
			continue
		}
		if lineNum == 1 && fileType.HasHeader {
			if err := l.loadHeader(line); err != nil {
				return err
			}
			continue
		}
		if err := l.loadLine(ctx, line, lineNum); err != nil {
			return err
		}
		loaded++
		if l.limit > 0 && loaded >= l.limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fault.NewConfigurationError("reading %s: %s", path, err.Error())
	}
	if err := l.flushInserts(ctx); err != nil {
		return err
	}

	// the header row counts: totalRows matches the records in the key range
	file.Stats.TotalRows = lineNum
	file.Status = entities.FileLoaded
	file.Times.LoadingEnd = time.Now().UTC()
	l.log("Loaded %d records (%d failed)",
		file.Stats.LoadedRecordsSuccess, file.Stats.LoadedRecordsError)
	return l.updateFile(ctx,
		[]string{"status", "stats", "times", "headerColumns", "log", "recentErrors"})
}

// sniff checks the file's first bytes against the configured dialect. Another
// delimiter dominating the configured one only warrants a warning and the
// configured delimiter is still used; a header-presence mismatch fails the
// file before anything loads.
func (l *loader) sniff(f *os.File) error {
	sample := make([]byte, sniffSampleBytes)
	n, _ := f.Read(sample)
	f.Seek(0, 0)
	if n <= 0 {
		return nil
	}
	text := string(sample[:n])
	configured := l.ents.FileType.DelimitedSeparator
	best, bestCount := "", 0
	for _, candidate := range sniffDelimiters {
		if count := strings.Count(text, candidate); count > bestCount {
			best, bestCount = candidate, count
		}
	}
	if bestCount > 0 && best != configured {
		l.log("Configured delimiter %q but %q looks more likely; using %q",
			configured, best, configured)
	}
	return l.sniffHeader(text, n == sniffSampleBytes)
}

// sniffHeader votes on whether the sample's first row is a header by
// comparing each column against the rows below it: where the data rows agree
// on a numeric type or a common width, a first row that breaks the pattern
// votes for a header and one that fits votes against. A tie is inconclusive
// and accepted either way.
func (l *loader) sniffHeader(text string, truncated bool) error {
	var rows [][]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, l.ents.FileType.DelimitedSeparator))
	}
	if truncated && len(rows) > 0 {
		// the sample may end mid-line
		rows = rows[:len(rows)-1]
	}
	if len(rows) < 2 {
		return nil
	}
	first, data := rows[0], rows[1:]

	votes := 0
	for col, cell := range first {
		numeric := true
		width := -2
		for _, row := range data {
			if col >= len(row) {
				numeric, width = false, -1
				break
			}
			if !isNumeric(row[col]) {
				numeric = false
			}
			switch {
			case width == -2:
				width = len(row[col])
			case width != len(row[col]):
				width = -1
			}
		}
		switch {
		case numeric:
			if isNumeric(cell) {
				votes--
			} else {
				votes++
			}
		case width >= 0:
			if len(cell) == width {
				votes--
			} else {
				votes++
			}
		}
	}
	if votes == 0 {
		return nil
	}
	if hasHeader := votes > 0; hasHeader != l.ents.FileType.HasHeader {
		if hasHeader {
			return fault.NewConfigurationError(
				"file starts with what looks like a header row but the file type expects none")
		}
		return fault.NewConfigurationError(
			"file type expects a header row but the file does not start with one")
	}
	return nil
}

func isNumeric(value string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	return err == nil
}

// loadHeader records the header row and checks that every active field's
// header column actually exists. A missing column can never parse, so it
// fails the file before any records load.
func (l *loader) loadHeader(line string) error {
	fileType := l.ents.FileType
	columns := strings.Split(line, fileType.DelimitedSeparator)
	l.file.HeaderColumns = columns
	present := make(map[string]bool, len(columns))
	for _, column := range columns {
		present[strings.TrimSpace(column)] = true
	}
	for _, recordType := range fileType.RecordTypes {
		for _, field := range recordType.FieldTypes {
			if field.Active && field.HeaderColumn != "" && !present[field.HeaderColumn] {
				return fault.NewConfigurationError(
					"header has no column %q required by field %s", field.HeaderColumn, field.Name)
			}
		}
	}
	header := &entities.Record{
		Id:         entities.RecordId(l.file.Id, 1),
		RecordType: entities.HeaderRecordType,
		Status:     entities.RecordLoaded,
		RawColumns: columns,
	}
	l.inserts = append(l.inserts, header)
	return nil
}

func (l *loader) loadLine(ctx context.Context, line string, lineNum int64) error {
	fileType := l.ents.FileType
	record := &entities.Record{
		Id:     entities.RecordId(l.file.Id, lineNum),
		Status: entities.RecordLoaded,
	}
	if fileType.FixedWidth() {
		record.RawLine = line
		record.Hash = lineHash(line)
	} else {
		record.RawColumns = strings.Split(line, fileType.DelimitedSeparator)
		record.Hash = columnsHash(record.RawColumns)
	}

	recordType, err := l.matchRecordType(line)
	if err != nil {
		return err
	}
	if recordType == nil {
		record.Status = entities.RecordLoadError
		entry := entities.ProcessingLog{
			Source:    entities.LogSourceLoader,
			Level:     entities.LogLevelError,
			ErrorCode: fault.OtherValidationError,
			Time:      time.Now().UTC(),
			Message:   fmt.Sprintf("line %d matches no record type", lineNum),
		}
		record.Log = append(record.Log, entry)
		record.RecentErrors = append(record.RecentErrors, entry)
		l.file.Stats.LoadedRecordsError++
	} else {
		record.RecordType = recordType.Id
		l.file.Stats.LoadedRecordsSuccess++
		l.file.Stats.Step(stepKey("LOAD", strconv.Itoa(int(recordType.Id)))).Success++
	}

	l.inserts = append(l.inserts, record)
	if len(l.inserts) >= insertBatchSize {
		return l.flushInserts(ctx)
	}
	return nil
}

// matchRecordType assigns a record type: trivially when only one exists,
// otherwise by the first recordMatches pattern that matches the whole line.
func (l *loader) matchRecordType(line string) (*entities.RecordType, error) {
	recordTypes := l.ents.FileType.RecordTypes
	if len(recordTypes) == 0 {
		return nil, fault.NewConfigurationError(
			"file type %s has no record types", l.ents.FileType.Id)
	}
	if len(recordTypes) == 1 {
		return &recordTypes[0], nil
	}
	for i := range recordTypes {
		index, err := firstMatch(recordTypes[i].RecordMatches, line)
		if err != nil {
			return nil, err
		}
		if index >= 0 {
			return &recordTypes[i], nil
		}
	}
	return nil, nil
}

func (l *loader) flushInserts(ctx context.Context) error {
	if len(l.inserts) == 0 {
		return nil
	}
	if err := l.env.DB.Records.InsertMany(ctx, l.inserts); err != nil {
		return err
	}
	l.inserts = l.inserts[:0]
	return nil
}

// columnsHash digests the comma-joined raw columns for duplicate suppression.
func columnsHash(columns []string) []byte {
	sum := md5.Sum([]byte(strings.Join(columns, ",")))
	return sum[:]
}

func lineHash(line string) []byte {
	sum := md5.Sum([]byte(line))
	return sum[:]
}
