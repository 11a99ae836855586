package copier

// These tests scan real temp directories and verify that deliveries are
// registered, renamed and scheduled.

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fileworks/sluice/admin"
	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/processing"
	"github.com/fileworks/sluice/sluicetest"
)

const testPartnerId = "acme"

func testPartner() *entities.Partner {
	return &entities.Partner{
		Id:         testPartnerId,
		Name:       "Acme Corp",
		Active:     true,
		StaticTags: map[string]string{"source": "acme"},
		FileTypes: []entities.FileType{
			{
				Id:                 "members",
				Name:               "Member files",
				FileMatches:        []string{`members-\d{8}\.csv`},
				HasHeader:          true,
				DelimitedSeparator: ",",
				FilenameDateRegexp: `members-(\d{8})\.csv`,
				FilenameDateFormat: "20060102",
			},
		},
	}
}

type fixture struct {
	store    *sluicetest.Store
	enqueuer *sluicetest.Enqueuer
	copier   *Copier
	partner  *entities.Partner
	dir      string
}

func newFixture(t *testing.T) *fixture {
	s := sluicetest.NewStore()
	partner := testPartner()
	s.AddPartner(partner)
	db := s.DB()
	cache := admin.NewCache(db.Partners, db.Functions, time.Minute)
	env := &processing.Env{DB: db, Admin: cache}
	q := sluicetest.NewEnqueuer()
	incomingDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(incomingDir, testPartnerId), 0o755); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:    s,
		enqueuer: q,
		copier:   New(db, cache, env, q, incomingDir),
		partner:  partner,
		dir:      filepath.Join(incomingDir, testPartnerId),
	}
}

func (f *fixture) drop(t *testing.T, name, content string) {
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// tests registering a matching delivery
func TestScanPartner(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	f.drop(t, "members-20240131.csv", "name,email\nAda,ada@example.com\n")

	assert.Nil(f.copier.ScanPartner(context.Background(), f.partner))

	file := f.store.File(1)
	assert.NotNil(file, "The delivery was not registered.")
	assert.Equal(entities.FileNew, file.Status)
	assert.Equal("members-20240131-1.csv", file.Name,
		"The moved file carries its new id in the name.")
	assert.Equal(filepath.Join(f.dir, "processed"), file.Location)
	assert.Equal("members", file.FileTypeId)
	assert.Equal(int64(2), file.Stats.ApproximateRows)
	assert.Len(file.Hash, 32, "The delivery digest is hex md5.")
	assert.Equal("2024-01-31", file.FileDate)
	assert.Equal("2024-01-31", file.Tags["_DATE"])
	assert.Equal("acme", file.Tags["source"])

	// the original is gone and the moved copy is readable
	_, err := os.Stat(filepath.Join(f.dir, "members-20240131.csv"))
	assert.True(os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(file.Location, file.Name))
	assert.Nil(err)

	steps := f.enqueuer.Steps()
	assert.Len(steps, 1, "A registered file must be scheduled.")
	assert.Equal(processing.StepLoad, steps[0].Step)
	assert.Equal(int64(1), steps[0].FileId)

	logs := f.store.CopyLogEntries()
	assert.Len(logs, 1)
	assert.Equal(testPartnerId, logs[0].PartnerId)
	assert.Len(logs[0].Files, 1)
	assert.Equal(entities.CopyResolutionCopied, logs[0].Files[0].Resolution)
	assert.Equal(int64(1), logs[0].Files[0].FileId)
}

// tests whether deliveries matching no file type are logged but not
// registered
func TestScanPartnerNoMatch(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	f.drop(t, "notes.txt", "hello\n")

	assert.Nil(f.copier.ScanPartner(context.Background(), f.partner))

	assert.Nil(f.store.File(1))
	assert.Empty(f.enqueuer.Steps())

	logs := f.store.CopyLogEntries()
	assert.Len(logs, 1)
	assert.Equal(entities.CopyResolutionNoMatch, logs[0].Files[0].Resolution)

	// the unmatched delivery stays where it is
	_, err := os.Stat(filepath.Join(f.dir, "notes.txt"))
	assert.Nil(err)
}

// tests whether a delivery whose name is already registered is skipped
func TestScanPartnerFileExists(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	f.store.PutFile(&entities.File{
		Id:        7,
		PartnerId: testPartnerId,
		Name:      "members-20240131.csv",
		Status:    entities.FileCompleted,
	})
	f.drop(t, "members-20240131.csv", "name,email\n")

	assert.Nil(f.copier.ScanPartner(context.Background(), f.partner))

	assert.Empty(f.enqueuer.Steps())
	logs := f.store.CopyLogEntries()
	assert.Len(logs, 1)
	assert.Equal(entities.CopyResolutionFileExists, logs[0].Files[0].Resolution)
	assert.Equal(int64(7), logs[0].Files[0].FileId)
}

// tests whether an empty incoming directory scans quietly
func TestScanPartnerEmpty(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	assert.Nil(f.copier.ScanPartner(context.Background(), f.partner))
	assert.Empty(f.store.CopyLogEntries())

	// a partner without a directory at all is fine too
	other := testPartner()
	other.Id = "ghost"
	assert.Nil(f.copier.ScanPartner(context.Background(), other))
}

// tests whether ScanAll skips inactive partners
func TestScanAllSkipsInactive(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	f.partner.Active = false
	f.drop(t, "members-20240131.csv", "name,email\n")

	assert.Nil(f.copier.ScanAll(context.Background()))
	assert.Nil(f.store.File(1), "Inactive partners must not be scanned.")
	assert.Empty(f.enqueuer.Steps())
}

// tests receiving a delivery through the API path
func TestReceive(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)
	content := "name,email\nAda,ada@example.com\n"

	err := f.copier.Receive(context.Background(), testPartnerId,
		"members-20240131.csv", strings.NewReader(content))
	assert.Nil(err)

	file := f.store.File(1)
	assert.NotNil(file, "The received delivery was not registered.")
	assert.Equal(entities.FileNew, file.Status)
	assert.Len(f.enqueuer.Steps(), 1)
}
