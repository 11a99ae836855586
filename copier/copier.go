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

// Package copier watches each partner's incoming directory, registers new
// files with the pipeline, and moves them aside so a scan never sees the
// same delivery twice.
package copier

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fileworks/sluice/admin"
	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/processing"
	"github.com/fileworks/sluice/store"
)

// subdirectory of each partner's incoming directory that holds registered
// files
const processedDirName = "processed"

// counter that allocates file ids
const fileCounter = "files"

// the tag carrying the date parsed from the filename
const dateTag = "_DATE"

// A Copier scans incoming directories and turns deliveries into NEW files.
type Copier struct {
	db    *store.DB
	admin *admin.Cache
	env   *processing.Env
	q     processing.Enqueuer
	// base directory holding one subdirectory per partner id
	incomingDir string
}

func New(db *store.DB, cache *admin.Cache, env *processing.Env, q processing.Enqueuer, incomingDir string) *Copier {
	return &Copier{db: db, admin: cache, env: env, q: q, incomingDir: incomingDir}
}

// ScanAll scans every active partner's incoming directory. Per-partner
// failures are logged and do not stop the other partners.
func (c *Copier) ScanAll(ctx context.Context) error {
	partners, err := c.admin.All(ctx)
	if err != nil {
		return err
	}
	for _, partner := range partners {
		if !partner.Active {
			continue
		}
		if err := c.ScanPartner(ctx, partner); err != nil {
			slog.Error(fmt.Sprintf("Scan failed for partner %s: %s", partner.Id, err.Error()))
		}
	}
	return nil
}

// ScanPartner scans one partner's directory. Each regular file is matched
// against the partner's file types; matches are registered and moved to the
// processed subdirectory, renamed with their new file id.
func (c *Copier) ScanPartner(ctx context.Context, partner *entities.Partner) error {
	dir := filepath.Join(c.incomingDir, partner.Id)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	copyLog := &entities.CopyLog{PartnerId: partner.Id, Time: time.Now().UTC()}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logFile, err := c.handleFile(ctx, partner, dir, entry.Name(), info.Size())
		if err != nil {
			slog.Error(fmt.Sprintf("Registering %s/%s failed: %s", partner.Id, entry.Name(), err.Error()))
			continue
		}
		copyLog.Files = append(copyLog.Files, *logFile)
	}
	if len(copyLog.Files) == 0 {
		return nil
	}
	return c.db.CopyLogs.Insert(ctx, copyLog)
}

func (c *Copier) handleFile(ctx context.Context, partner *entities.Partner, dir, name string, size int64) (*entities.CopyLogFile, error) {
	logFile := &entities.CopyLogFile{Name: name, SizeBytes: size}

	fileType, err := matchFileType(partner, name)
	if err != nil {
		return nil, err
	}
	if fileType == nil {
		logFile.Resolution = entities.CopyResolutionNoMatch
		slog.Info(fmt.Sprintf("No file type matches %s/%s", partner.Id, name))
		return logFile, nil
	}
	logFile.FileTypeId = fileType.Id

	existing, err := c.db.Files.FindByPartnerAndName(ctx, partner.Id, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logFile.Resolution = entities.CopyResolutionFileExists
		logFile.FileId = existing.Id
		return logFile, nil
	}

	fileId, err := c.register(ctx, partner, fileType, dir, name, size)
	if err != nil {
		return nil, err
	}
	logFile.Resolution = entities.CopyResolutionCopied
	logFile.FileId = fileId
	return logFile, nil
}

// register allocates an id, inspects and moves the delivery, inserts the NEW
// file, and schedules its first step.
func (c *Copier) register(ctx context.Context, partner *entities.Partner, fileType *entities.FileType, dir, name string, size int64) (int64, error) {
	fileId, err := c.db.Counters.Next(ctx, fileCounter)
	if err != nil {
		return 0, err
	}

	source := filepath.Join(dir, name)
	hash, approximateRows, err := inspectFile(source)
	if err != nil {
		return 0, err
	}

	fileDate, tags, err := parseFilename(partner, fileType, name)
	if err != nil {
		return 0, err
	}

	processedDir := filepath.Join(dir, processedDirName)
	if err := os.MkdirAll(processedDir, 0o755); err != nil {
		return 0, err
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	movedName := fmt.Sprintf("%s-%d%s", stem, fileId, ext)
	if err := os.Rename(source, filepath.Join(processedDir, movedName)); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	file := &entities.File{
		Id:         fileId,
		PartnerId:  partner.Id,
		FileTypeId: fileType.Id,
		Name:       movedName,
		Location:   processedDir,
		SizeBytes:  size,
		Hash:       hash,
		FileDate:   fileDate,
		Tags:       tags,
		Status:     entities.FileNew,
		Stats:      entities.FileStats{ApproximateRows: approximateRows},
		Created:    now,
		Updated:    now,
	}
	if err := c.db.Files.Insert(ctx, file); err != nil {
		return 0, err
	}
	slog.Info(fmt.Sprintf("Registered file %d (%s/%s, ~%d rows)",
		fileId, partner.Id, movedName, approximateRows))
	return fileId, processing.NextStep(ctx, c.env, c.q, fileId)
}

// Receive stores an uploaded delivery into the partner's incoming directory
// and scans just that partner, so API uploads flow through the same path as
// dropped files.
func (c *Copier) Receive(ctx context.Context, partnerId, name string, r io.Reader) error {
	partner, err := c.admin.Partner(ctx, partnerId)
	if err != nil {
		return err
	}
	dir := filepath.Join(c.incomingDir, partner.Id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, filepath.Base(name)))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return c.ScanPartner(ctx, partner)
}

// matchFileType returns the first file type whose fileMatches patterns match
// the whole filename.
func matchFileType(partner *entities.Partner, name string) (*entities.FileType, error) {
	for i := range partner.FileTypes {
		for _, pattern := range partner.FileTypes[i].FileMatches {
			re, err := regexp.Compile("^(?:" + pattern + ")$")
			if err != nil {
				return nil, fmt.Errorf("partner %s has invalid file pattern %q: %w",
					partner.Id, pattern, err)
			}
			if re.MatchString(name) {
				return &partner.FileTypes[i], nil
			}
		}
	}
	return nil, nil
}

// parseFilename extracts the file date and tags. Tags merge partner statics,
// file type statics, then filename captures, later sources winning.
func parseFilename(partner *entities.Partner, fileType *entities.FileType, name string) (string, map[string]string, error) {
	tags := make(map[string]string)
	for key, value := range partner.StaticTags {
		tags[key] = value
	}
	for key, value := range fileType.StaticTags {
		tags[key] = value
	}

	for _, pattern := range fileType.FilenameTagRegexps {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", nil, fmt.Errorf("invalid filename tag pattern %q: %w", pattern, err)
		}
		match := re.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		for i, groupName := range re.SubexpNames() {
			if i > 0 && groupName != "" && match[i] != "" {
				tags[groupName] = match[i]
			}
		}
	}

	fileDate := ""
	if fileType.FilenameDateRegexp != "" {
		re, err := regexp.Compile(fileType.FilenameDateRegexp)
		if err != nil {
			return "", nil, fmt.Errorf("invalid filename date pattern %q: %w",
				fileType.FilenameDateRegexp, err)
		}
		if match := re.FindStringSubmatch(name); len(match) > 1 {
			parsed, err := time.Parse(fileType.FilenameDateFormat, match[1])
			if err != nil {
				return "", nil, fmt.Errorf("filename date %q does not match format %q: %w",
					match[1], fileType.FilenameDateFormat, err)
			}
			fileDate = parsed.Format("2006-01-02")
			tags[dateTag] = fileDate
		}
	}
	if len(tags) == 0 {
		tags = nil
	}
	return fileDate, tags, nil
}

// inspectFile digests the delivery and counts its lines in one pass.
func inspectFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	digest := md5.New()
	reader := bufio.NewReader(io.TeeReader(f, digest))
	rows := int64(0)
	for {
		_, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, err
		}
		rows++
	}
	return hex.EncodeToString(digest.Sum(nil)), rows, nil
}
