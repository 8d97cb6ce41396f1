package buildingdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/locie/comepos-fetcher/internal/series"
	"github.com/locie/comepos-fetcher/internal/slug"
	"github.com/locie/comepos-fetcher/internal/store"
	"github.com/locie/comepos-fetcher/internal/vesta"

	"go.uber.org/multierr"
)

// BuildingDB scopes the database handle to one building.
type BuildingDB struct {
	db       *DB
	building vesta.Building
	slug     string

	statusOnce sync.Once
	status     vesta.Status
	statusErr  error
}

// Info returns the building descriptor.
func (b *BuildingDB) Info() vesta.Building { return b.building }

// Slug returns the cache key of the building.
func (b *BuildingDB) Slug() string { return b.slug }

// Status returns the acquisition bounds of the building, fetched once per
// handle lifetime.
func (b *BuildingDB) Status(ctx context.Context) (vesta.Status, error) {
	b.statusOnce.Do(func() {
		b.status, b.statusErr = b.db.client.BuildingStatus(ctx, b.building.ID)
	})
	return b.status, b.statusErr
}

// Zones lists the building's zones straight from the remote service.
func (b *BuildingDB) Zones(ctx context.Context) ([]vesta.Zone, error) {
	return b.db.client.Zones(ctx, b.building.ID)
}

// Sensors returns handles on every sensor of the building, sorted by slug.
func (b *BuildingDB) Sensors(ctx context.Context) ([]*Sensor, error) {
	catalog, err := b.sensorCatalog(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Sensor, 0, len(catalog))
	for s, descriptor := range catalog {
		out = append(out, &Sensor{building: b, descriptor: descriptor, slug: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slug < out[j].slug })
	return out, nil
}

// Sensor resolves one sensor by its (serviceName, variableName) handle.
func (b *BuildingDB) Sensor(ctx context.Context, serviceName, variableName string) (*Sensor, error) {
	return b.SensorBySlug(ctx, slug.Join(serviceName, variableName))
}

// SensorBySlug resolves one sensor by its cache key.
func (b *BuildingDB) SensorBySlug(ctx context.Context, sensorSlug string) (*Sensor, error) {
	catalog, err := b.sensorCatalog(ctx)
	if err != nil {
		return nil, err
	}
	descriptor, ok := catalog[sensorSlug]
	if !ok {
		return nil, &vesta.NotFoundError{Kind: "sensor", ID: sensorSlug}
	}
	return &Sensor{building: b, descriptor: descriptor, slug: sensorSlug}, nil
}

func (b *BuildingDB) sensorCatalog(ctx context.Context) (map[string]vesta.Sensor, error) {
	key := "sensors/" + b.slug

	b.db.mu.RLock()
	if cached, ok := b.db.catalog.Get(key); ok {
		defer b.db.mu.RUnlock()
		return cached.(map[string]vesta.Sensor), nil
	}
	b.db.mu.RUnlock()

	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if cached, ok := b.db.catalog.Get(key); ok {
		return cached.(map[string]vesta.Sensor), nil
	}

	catalog, err := b.db.store.Sensors(ctx, b.slug)
	if err != nil {
		var corrupt *store.CacheCorruptError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		b.db.logger.WithError(err).Warn("sensor catalog unreadable, refetching")
		catalog = nil
	}

	if len(catalog) == 0 {
		sensors, err := b.db.client.Sensors(ctx, b.building.ID)
		if err != nil {
			return nil, fmt.Errorf("list sensors of building %s: %w", b.building.ID, err)
		}
		catalog = make(map[string]vesta.Sensor, len(sensors))
		for _, sn := range sensors {
			catalog[slug.Join(sn.ServiceName, sn.VariableName)] = sn
		}
		if err := b.db.store.PutSensors(ctx, b.slug, catalog); err != nil {
			return nil, err
		}
		b.db.logger.WithFields(map[string]interface{}{
			"building": b.slug,
			"sensors":  len(catalog),
		}).Info("sensor catalog fetched")
	}

	b.db.catalog.Add(key, catalog)
	return catalog, nil
}

// RefreshAllSensors refreshes every sensor of the building with bounded
// concurrency. A failing sensor never aborts the batch: the failures are
// collected and returned together once every sensor has been attempted.
// Cancelling ctx lets in-flight fetches finish and skips the rest.
func (b *BuildingDB) RefreshAllSensors(ctx context.Context) error {
	sensors, err := b.Sensors(ctx)
	if err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.SetLimit(b.db.cfg.Refresh.Concurrency)

	var mu sync.Mutex
	var failures error

	for _, sensor := range sensors {
		if ctx.Err() != nil {
			b.db.logger.Warn("refresh interrupted, some sensors were not updated")
			break
		}
		sensor := sensor
		g.Go(func() error {
			if _, err := sensor.Refresh(ctx); err != nil {
				mu.Lock()
				failures = multierr.Append(failures, fmt.Errorf("refresh %s: %w", sensor.slug, err))
				mu.Unlock()
			}
			return nil
		})
	}

	g.Wait()
	return failures
}

// SensorsData returns the accumulated series of every sensor, keyed by slug.
func (b *BuildingDB) SensorsData(ctx context.Context) (map[string]series.Series, error) {
	sensors, err := b.Sensors(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]series.Series, len(sensors))
	for _, sensor := range sensors {
		data, err := sensor.Data(ctx)
		if err != nil {
			return nil, err
		}
		out[sensor.slug] = data
	}
	return out, nil
}

// Clean removes everything cached for this building.
func (b *BuildingDB) Clean(ctx context.Context) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	b.db.catalog.Remove("buildings")
	b.db.catalog.Remove("sensors/" + b.slug)
	return b.db.store.DeleteBuilding(ctx, b.slug)
}
