package processing

// Helpers and tests for the shared processor machinery: the status
// compare-and-swap and the pattern matching used by loaders and copiers.

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fileworks/sluice/admin"
	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/functions"
	"github.com/fileworks/sluice/sluicetest"
)

const testPartnerId = "acme"
const testFileTypeId = "members"

// builds a processing environment over an in-memory store
func testEnv(s *sluicetest.Store) *Env {
	db := s.DB()
	return &Env{
		DB:       db,
		Admin:    admin.NewCache(db.Partners, db.Functions, time.Minute),
		Registry: functions.NewRegistry(),
	}
}

// registers a partner owning the given file type
func addTestPartner(s *sluicetest.Store, fileType entities.FileType) {
	s.AddPartner(&entities.Partner{
		Id:        testPartnerId,
		Name:      "Acme Corp",
		Active:    true,
		FileTypes: []entities.FileType{fileType},
	})
}

// a delimited file type with a header and one record type
func memberFileType() entities.FileType {
	return entities.FileType{
		Id:                 testFileTypeId,
		Name:               "Member files",
		HasHeader:          true,
		DelimitedSeparator: ",",
		RecordTypes: []entities.RecordType{
			{
				Id:   1,
				Name: "member",
				FieldTypes: []entities.FieldType{
					{Id: "f-name", Name: "name", HeaderColumn: "name", Active: true, IsSharedKey: true},
					{Id: "f-email", Name: "email", HeaderColumn: "email", Active: true},
				},
			},
		},
	}
}

func testFile(id int64, status entities.FileStatus) *entities.File {
	now := time.Now().UTC()
	return &entities.File{
		Id:         id,
		PartnerId:  testPartnerId,
		FileTypeId: testFileTypeId,
		Name:       "members.csv",
		Status:     status,
		Created:    now,
		Updated:    now,
	}
}

// tests whether claim moves the file into the in-progress status
func TestClaim(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := testEnv(s)
	s.PutFile(testFile(1, entities.FileNew))

	file, err := claim(context.Background(), env, 1,
		[]entities.FileStatus{entities.FileNew}, entities.FileLoading)
	assert.Nil(err)
	assert.Equal(entities.FileLoading, file.Status)
	assert.Equal(entities.FileLoading, s.File(1).Status,
		"The claimed status must be persisted.")
}

// tests whether a file in the wrong status loses the claim
func TestClaimWrongStatus(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := testEnv(s)
	s.PutFile(testFile(1, entities.FileParsed))

	_, err := claim(context.Background(), env, 1,
		[]entities.FileStatus{entities.FileNew}, entities.FileLoading)
	assert.NotNil(err)
	assert.True(IsNotClaimed(err), "A wrong-status claim must be droppable, not retried.")
	assert.Equal(entities.FileParsed, s.File(1).Status)
}

// tests whether claiming a missing file is an error but not a lost claim
func TestClaimMissingFile(t *testing.T) {
	assert := assert.New(t)
	env := testEnv(sluicetest.NewStore())
	_, err := claim(context.Background(), env, 99,
		[]entities.FileStatus{entities.FileNew}, entities.FileLoading)
	assert.NotNil(err)
	assert.False(IsNotClaimed(err))
}

// tests whether claim accepts any of several expected statuses
func TestClaimMultipleStatuses(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	env := testEnv(s)
	s.PutFile(testFile(1, entities.FileUploadingRetryPause))

	from := []entities.FileStatus{
		entities.FileValidated,
		entities.FileApprovedToUpload,
		entities.FileUploadingRetryPause,
	}
	file, err := claim(context.Background(), env, 1, from, entities.FileUploading)
	assert.Nil(err)
	assert.Equal(entities.FileUploading, file.Status)
}

// tests whether patterns match whole inputs only
func TestFullmatch(t *testing.T) {
	assert := assert.New(t)

	ok, err := fullmatch(`member.*\.csv`, "members-20240131.csv")
	assert.Nil(err)
	assert.True(ok)

	ok, err = fullmatch("member", "members-20240131.csv")
	assert.Nil(err)
	assert.False(ok, "Partial matches must not count.")

	_, err = fullmatch("(", "anything")
	assert.NotNil(err, "Invalid pattern didn't trigger an error.")
}

// tests whether firstMatch returns the first winning pattern
func TestFirstMatch(t *testing.T) {
	assert := assert.New(t)
	patterns := []string{`H.*`, `D.*`, `T.*`}
	index, err := firstMatch(patterns, "D123,abc")
	assert.Nil(err)
	assert.Equal(1, index)

	index, err = firstMatch(patterns, "X123")
	assert.Nil(err)
	assert.Equal(-1, index)
}

// tests the step-stats key layout
func TestStepKey(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("VALIDATE:1:f-name:cfg-1", stepKey("VALIDATE", "1", "f-name", "cfg-1"))
	assert.Equal("LOAD:1", stepKey("LOAD", "1"))
}
