package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/acortes/civicsync/internal/domain/model"
	"github.com/acortes/civicsync/internal/domain/port/driven"
)

const directoryKeyspace = "services"

var directoryKeyPattern = regexp.MustCompile(`^services(:|$)`)

// DirectoryConfig tunes the service directory manager.
type DirectoryConfig struct {
	ServicesPath string        // default /services
	TTL          time.Duration // directory cache lifetime; zero selects the cache default
}

func (c *DirectoryConfig) applyDefaults() {
	if c.ServicesPath == "" {
		c.ServicesPath = "/services"
	}
}

// DirectoryManager serves the portal's service directory: cached reads with
// a gateway fallback, so browsing stays fast and survives brief outages.
type DirectoryManager struct {
	gw    driven.Gateway
	cache *Cache
	cfg   DirectoryConfig
}

// NewDirectoryManager creates a DirectoryManager.
func NewDirectoryManager(gw driven.Gateway, cache *Cache, cfg DirectoryConfig) *DirectoryManager {
	cfg.applyDefaults()
	return &DirectoryManager{gw: gw, cache: cache, cfg: cfg}
}

// ListServices returns the directory filtered by params (category, location
// and the like), from cache when fresh, otherwise from the portal.
func (d *DirectoryManager) ListServices(ctx context.Context, params map[string]string) ([]model.ServiceOffering, error) {
	key := GenerateKey(directoryKeyspace, params)

	if raw, ok := d.cache.Get(ctx, key); ok {
		var services []model.ServiceOffering
		if err := json.Unmarshal(raw, &services); err == nil {
			return services, nil
		}
		// A poisoned entry falls through to a refetch.
		d.cache.Invalidate(ctx, key)
	}

	resp, err := d.gw.Do(ctx, driven.Request{Method: "GET", Path: d.cfg.ServicesPath, Query: params})
	if err != nil {
		return nil, fmt.Errorf("fetch service directory: %w", err)
	}

	var services []model.ServiceOffering
	if err := json.Unmarshal(resp.Data, &services); err != nil {
		return nil, fmt.Errorf("decode service directory: %w", err)
	}

	d.cache.Set(ctx, key, resp.Data, d.cfg.TTL)
	return services, nil
}

// GetService returns one offering by id, cache first.
func (d *DirectoryManager) GetService(ctx context.Context, id string) (*model.ServiceOffering, error) {
	key := GenerateKey(directoryKeyspace, map[string]string{"id": id})

	if raw, ok := d.cache.Get(ctx, key); ok {
		var service model.ServiceOffering
		if err := json.Unmarshal(raw, &service); err == nil {
			return &service, nil
		}
		d.cache.Invalidate(ctx, key)
	}

	resp, err := d.gw.Do(ctx, driven.Request{Method: "GET", Path: fmt.Sprintf("%s/%s", d.cfg.ServicesPath, id)})
	if err != nil {
		return nil, fmt.Errorf("fetch service %s: %w", id, err)
	}

	var service model.ServiceOffering
	if err := json.Unmarshal(resp.Data, &service); err != nil {
		return nil, fmt.Errorf("decode service %s: %w", id, err)
	}

	d.cache.Set(ctx, key, resp.Data, d.cfg.TTL)
	return &service, nil
}

// ServiceAvailable satisfies the booking validator's ServiceLookup.
func (d *DirectoryManager) ServiceAvailable(ctx context.Context, id string) (bool, error) {
	service, err := d.GetService(ctx, id)
	if err != nil {
		return false, err
	}
	return service.Available, nil
}

// Invalidate drops every cached directory entry, forcing the next read to
// refetch.
func (d *DirectoryManager) Invalidate(ctx context.Context) {
	n := d.cache.InvalidateByPattern(ctx, directoryKeyPattern)
	slog.Debug("service directory invalidated", "entries", n)
}
