package admin

// These tests cover the partner cache and file entity resolution.

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/sluicetest"
)

func testCache(s *sluicetest.Store) *Cache {
	db := s.DB()
	return NewCache(db.Partners, db.Functions, time.Minute)
}

// tests partner lookup through the cache
func TestPartner(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	s.AddPartner(&entities.Partner{Id: "acme", Name: "Acme Corp", Active: true})
	cache := testCache(s)

	partner, err := cache.Partner(context.Background(), "acme")
	assert.Nil(err)
	assert.Equal("Acme Corp", partner.Name)

	_, err = cache.Partner(context.Background(), "ghost")
	assert.NotNil(err, "Unknown partner didn't trigger an error.")
	assert.True(fault.IsDomain(err))
}

// tests whether the snapshot serves reads until it is refreshed
func TestCacheSnapshot(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	s.AddPartner(&entities.Partner{Id: "acme", Active: true})
	cache := testCache(s)

	partners, err := cache.All(context.Background())
	assert.Nil(err)
	assert.Len(partners, 1)

	// a partner added after the first load is invisible until Refresh
	s.AddPartner(&entities.Partner{Id: "globex", Active: true})
	partners, _ = cache.All(context.Background())
	assert.Len(partners, 1, "The snapshot must serve reads within its ttl.")

	assert.Nil(cache.Refresh(context.Background()))
	partners, _ = cache.All(context.Background())
	assert.Len(partners, 2)
}

// tests resolving the partner and file type configured for a file
func TestFileEntities(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	s.AddPartner(&entities.Partner{
		Id:     "acme",
		Active: true,
		FileTypes: []entities.FileType{
			{Id: "members", Name: "Member files"},
			{Id: "orders", Name: "Order files"},
		},
	})
	cache := testCache(s)

	file := &entities.File{Id: 1, PartnerId: "acme", FileTypeId: "orders"}
	ents, err := cache.FileEntities(context.Background(), file)
	assert.Nil(err)
	assert.Equal("acme", ents.Partner.Id)
	assert.Equal("Order files", ents.FileType.Name)

	file.FileTypeId = "ghost"
	_, err = cache.FileEntities(context.Background(), file)
	assert.NotNil(err, "Unknown file type didn't trigger an error.")
	assert.True(fault.IsDomain(err))
}

// tests fetching function documents by id
func TestFunctions(t *testing.T) {
	assert := assert.New(t)
	s := sluicetest.NewStore()
	s.AddFunctions(
		&entities.Function{Id: "fn-1", Name: "One"},
		&entities.Function{Id: "fn-2", Name: "Two"})
	cache := testCache(s)

	catalog, err := cache.Functions(context.Background(), []string{"fn-1", "fn-ghost"})
	assert.Nil(err)
	assert.Len(catalog, 1, "Unresolvable ids are simply absent.")
	assert.Equal("One", catalog["fn-1"].Name)
}
