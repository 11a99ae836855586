package processing

// These tests run the reporter end to end: a real CSV lands in a temp
// directory and the output instance is updated in place.

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/sluicetest"
)

// a file type carrying one output with the given configuration
func reportFileType(output entities.Output) entities.FileType {
	fileType := memberFileType()
	fileType.Outputs = []entities.Output{output}
	return fileType
}

// seeds an uploaded file with a fresh output instance and two records
func reportFixture(t *testing.T, s *sluicetest.Store, output entities.Output) *Env {
	partner := &entities.Partner{
		Id:                testPartnerId,
		Name:              "Acme Corp",
		Active:            true,
		OutgoingDirectory: t.TempDir(),
		FileTypes:         []entities.FileType{reportFileType(output)},
	}
	s.AddPartner(partner)
	env := testEnv(s)

	file := testFile(1, entities.FileUploaded)
	file.HeaderColumns = []string{"name", "email"}
	file.ValidatedColumns = []string{"name", "email"}
	file.Outputs = []entities.OutputInstance{
		{Id: "inst-1", OutputId: output.Id, Status: entities.OutputInstanceNew},
	}
	s.PutFile(file)
	s.PutRecords(
		&entities.Record{
			Id: entities.RecordId(1, 2), RecordType: 1,
			Status:          entities.RecordUploaded,
			RawColumns:      []string{"ada", "ada@example.com"},
			ValidatedFields: map[string]string{"name": "ADA", "email": "ada@example.com"},
		},
		&entities.Record{
			Id: entities.RecordId(1, 3), RecordType: 1,
			Status:          entities.RecordValidationError,
			RawColumns:      []string{"", "nobody@example.com"},
			ValidatedFields: map[string]string{"name": "", "email": "nobody@example.com"},
			RecentErrors: []entities.ProcessingLog{
				{Source: entities.LogSourceValidator, Level: entities.LogLevelError,
					FunctionId: "fn-notempty", Message: "value is empty"},
				{Source: entities.LogSourceValidator, Level: entities.LogLevelError,
					FunctionId: "fn-ishex", Message: "value is not hex"},
			},
		})
	return env
}

// reads the report named by the instance from the partner's outgoing
// directory
func readReport(t *testing.T, s *sluicetest.Store) string {
	t.Helper()
	name := s.File(1).Outputs[0].OutputFilename
	data, err := os.ReadFile(filepath.Join(partnerOutgoingDir(t, s), name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func partnerOutgoingDir(t *testing.T, s *sluicetest.Store) string {
	t.Helper()
	db := s.DB()
	partners, err := db.Partners.All(context.Background())
	if err != nil || len(partners) == 0 {
		t.Fatal("fixture has no partner")
	}
	return partners[0].OutgoingDirectory
}

// tests writing a plain report of every record
func TestReport(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := reportFixture(t, s, entities.Output{
		Id:   "out-1",
		Name: "Member Export",
		File: entities.OutputFile{IncludeHeader: true},
	})

	assert.Nil(Report(context.Background(), env, 1, "inst-1"))

	file := s.File(1)
	instance := file.OutputInstance("inst-1")
	assert.Equal(entities.OutputInstanceSuccess, instance.Status)
	assert.False(instance.StartTime.IsZero())
	assert.False(instance.EndTime.IsZero())
	assert.True(strings.HasPrefix(instance.OutputFilename, "member-export-"),
		"The default filename starts with the sanitized output name.")

	step := file.Stats.Steps["REPORT:inst-1"]
	assert.NotNil(step)
	assert.Equal(int64(2), step.Input)
	assert.Equal(int64(2), step.Success)
	assert.NotEmpty(file.Log)

	content := readReport(t, s)
	lines := strings.Split(strings.TrimSpace(content), "\n")
	assert.Len(lines, 3)
	assert.Equal("name,email", lines[0])
	assert.Equal("ADA,ada@example.com", lines[1])
}

// tests the error report shape: input columns, status filter and the Errors
// column
func TestReportErrorRecords(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := reportFixture(t, s, entities.Output{
		Id:   "out-1",
		Name: "Rejects",
		File: entities.OutputFile{
			IncludeHeader:   true,
			FilePathPattern: "{ORIG_FILE_STEM}-rejects.csv",
		},
		Configuration: entities.OutputConfiguration{
			DuplicateInputFields: true,
			IncludeRecentErrors:  true,
			RecordStatuses:       []entities.RecordStatus{entities.RecordValidationError},
		},
	})

	assert.Nil(Report(context.Background(), env, 1, "inst-1"))

	file := s.File(1)
	assert.Equal("members-rejects.csv", file.Outputs[0].OutputFilename)

	content := readReport(t, s)
	lines := strings.Split(strings.TrimSpace(content), "\n")
	assert.Len(lines, 2, "Only the failed record matches the status filter.")
	assert.Equal("name,email,name,email,Errors", lines[0],
		"Input columns come first, then validated columns, then Errors.")
	assert.Equal(`,nobody@example.com,,nobody@example.com,"value is empty, value is not hex"`,
		lines[1], "Error messages are comma-joined in one quoted cell.")
}

// tests restricting a report to records failed by specific functions
func TestReportFailedFunctionFilter(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := reportFixture(t, s, entities.Output{
		Id:   "out-1",
		Name: "By function",
		Configuration: entities.OutputConfiguration{
			FailedFunctionConfigs: []string{"fn-notempty"},
		},
	})

	assert.Nil(Report(context.Background(), env, 1, "inst-1"))

	step := s.File(1).Stats.Steps["REPORT:inst-1"]
	assert.Equal(int64(1), step.Input,
		"Only records failed by the named function match.")
}

// tests whether an instance that already ran is dropped
func TestReportAlreadyRan(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := reportFixture(t, s, entities.Output{Id: "out-1", Name: "Export"})
	file := s.File(1)
	file.Outputs[0].Status = entities.OutputInstanceSuccess
	s.PutFile(file)

	err := Report(context.Background(), env, 1, "inst-1")
	assert.True(IsNotClaimed(err))
}

// tests whether a report before upload is dropped
func TestReportTooEarly(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := reportFixture(t, s, entities.Output{Id: "out-1", Name: "Export"})
	file := s.File(1)
	file.Status = entities.FileValidated
	s.PutFile(file)

	err := Report(context.Background(), env, 1, "inst-1")
	assert.True(IsNotClaimed(err))
}

// tests the display-name sanitizer used for default report filenames
func TestSanitizeName(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("member-export", sanitizeName("Member Export"))
	assert.Equal("rejects-v2", sanitizeName("  Rejects (v2) "))
	assert.Equal("", sanitizeName("***"))
}
