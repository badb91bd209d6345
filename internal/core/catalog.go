package core

import (
	"context"
	"fmt"
	"sync"

	"stagecore/pkg/domain"
)

// cachedCatalog wraps the catalog collaborator and caches the first
// successful load for the process lifetime. Catalog changes require a
// restart; this is a documented limitation.
type cachedCatalog struct {
	mu     sync.Mutex
	source domain.Catalog
	types  map[string]domain.ActivityType
	loaded bool
}

func newCachedCatalog(source domain.Catalog) *cachedCatalog {
	return &cachedCatalog{source: source}
}

func (c *cachedCatalog) load(ctx context.Context) (map[string]domain.ActivityType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.types, nil
	}
	listed, err := c.source.ListActivityTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load activity types: %w", err)
	}
	types := make(map[string]domain.ActivityType, len(listed))
	for _, t := range listed {
		types[t.ID] = t
	}
	c.types = types
	c.loaded = true
	return c.types, nil
}

// StaticCatalog is an in-process catalog collaborator backed by a fixed type
// list.
type StaticCatalog struct {
	types []domain.ActivityType
}

// NewStaticCatalog builds a catalog from the given types.
func NewStaticCatalog(types ...domain.ActivityType) *StaticCatalog {
	return &StaticCatalog{types: append([]domain.ActivityType(nil), types...)}
}

// ListActivityTypes implements domain.Catalog.
func (c *StaticCatalog) ListActivityTypes(context.Context) ([]domain.ActivityType, error) {
	return append([]domain.ActivityType(nil), c.types...), nil
}

// DefaultCatalog returns the standard duty-scheduling type set used when no
// external catalog is wired.
func DefaultCatalog() *StaticCatalog {
	return NewStaticCatalog(
		domain.ActivityType{ID: "travel", RequiresVehicle: true},
		domain.ActivityType{ID: "shunting", RequiresVehicle: true},
		domain.ActivityType{ID: "standby"},
		domain.ActivityType{ID: "vehicle-on", RequiresVehicle: true, IsVehicleOn: true},
		domain.ActivityType{ID: "vehicle-off", RequiresVehicle: true, IsVehicleOff: true},
		domain.ActivityType{ID: "service-start", IsServiceStart: true},
		domain.ActivityType{ID: "service-end", IsServiceEnd: true},
		domain.ActivityType{ID: "break", IsBreak: true},
		domain.ActivityType{ID: "short-break", IsShortBreak: true},
		domain.ActivityType{ID: "commute"},
	)
}
