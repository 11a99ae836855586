// Package admin resolves the partner configuration tree. Partner documents
// are small and change rarely, so the cache holds them all in memory and
// refreshes on a timer.
package admin

import (
	"context"
	"sync"
	"time"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/store"
)

// FileEntities bundles the configuration a processor needs for one file.
type FileEntities struct {
	Partner  *entities.Partner
	FileType *entities.FileType
}

// A Cache serves partner and function lookups backed by the store.
type Cache struct {
	partners  store.Partners
	functions store.Functions
	ttl       time.Duration

	mu     sync.Mutex
	byId   map[string]*entities.Partner
	loaded time.Time
}

// NewCache creates a cache that refreshes its partner snapshot after ttl.
func NewCache(partners store.Partners, functions store.Functions, ttl time.Duration) *Cache {
	return &Cache{partners: partners, functions: functions, ttl: ttl}
}

// Refresh reloads the partner snapshot unconditionally.
func (c *Cache) Refresh(ctx context.Context) error {
	all, err := c.partners.All(ctx)
	if err != nil {
		return err
	}
	byId := make(map[string]*entities.Partner, len(all))
	for _, partner := range all {
		byId[partner.Id] = partner
	}
	c.mu.Lock()
	c.byId = byId
	c.loaded = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Cache) snapshot(ctx context.Context) (map[string]*entities.Partner, error) {
	c.mu.Lock()
	stale := c.byId == nil || time.Since(c.loaded) > c.ttl
	byId := c.byId
	c.mu.Unlock()
	if stale {
		if err := c.Refresh(ctx); err != nil {
			if byId == nil {
				return nil, err
			}
			// serve the stale snapshot rather than failing the stage
			return byId, nil
		}
		c.mu.Lock()
		byId = c.byId
		c.mu.Unlock()
	}
	return byId, nil
}

// All returns every known partner.
func (c *Cache) All(ctx context.Context) ([]*entities.Partner, error) {
	byId, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	partners := make([]*entities.Partner, 0, len(byId))
	for _, partner := range byId {
		partners = append(partners, partner)
	}
	return partners, nil
}

// Partner returns the partner with the given id.
func (c *Cache) Partner(ctx context.Context, id string) (*entities.Partner, error) {
	byId, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	partner, ok := byId[id]
	if !ok {
		return nil, fault.NewConfigurationError("unknown partner %s", id)
	}
	return partner, nil
}

// FileEntities resolves the partner and file type configured for a file.
func (c *Cache) FileEntities(ctx context.Context, file *entities.File) (*FileEntities, error) {
	partner, err := c.Partner(ctx, file.PartnerId)
	if err != nil {
		return nil, err
	}
	for i := range partner.FileTypes {
		if partner.FileTypes[i].Id == file.FileTypeId {
			return &FileEntities{Partner: partner, FileType: &partner.FileTypes[i]}, nil
		}
	}
	return nil, fault.NewConfigurationError("unknown file type %s for partner %s",
		file.FileTypeId, file.PartnerId)
}

// Functions fetches the named function documents. Ids that do not resolve are
// simply absent from the result; callers decide whether that is an error.
func (c *Cache) Functions(ctx context.Context, ids []string) (map[string]*entities.Function, error) {
	return c.functions.ByIds(ctx, ids)
}
