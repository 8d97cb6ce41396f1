// Package buildingdb is the user-facing surface of the library: a database
// handle over the Vesta telemetry service backed by a local on-disk cache.
//
// A caller opens a DB with credentials, lists buildings, selects one, lists
// its sensors, and reads each sensor's accumulated series. All reads go
// through the cache; the remote service is only consulted for missing or new
// data.
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Vesta.Username = "alice"
//	cfg.Vesta.Password = "s3cret"
//
//	db, err := buildingdb.Open(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	building, err := db.Building(ctx, "B1")
//	sensor, err := building.Sensor(ctx, "svc", "temp")
//	data, err := sensor.Data(ctx)
package buildingdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/locie/comepos-fetcher/config"
	"github.com/locie/comepos-fetcher/internal/series"
	"github.com/locie/comepos-fetcher/internal/slug"
	"github.com/locie/comepos-fetcher/internal/store"
	"github.com/locie/comepos-fetcher/internal/vesta"
)

// catalogCacheSize bounds the in-memory catalog cache: one buildings entry
// plus one sensors entry per visited building.
const catalogCacheSize = 128

// Transport is the remote-service surface the data layer depends on.
// *vesta.Client implements it.
type Transport interface {
	Buildings(ctx context.Context) ([]vesta.Building, error)
	Zones(ctx context.Context, buildingID string) ([]vesta.Zone, error)
	BuildingStatus(ctx context.Context, buildingID string) (vesta.Status, error)
	Sensors(ctx context.Context, buildingID string) ([]vesta.Sensor, error)
	HistorySize(ctx context.Context, sensor vesta.Sensor, since *time.Time) (int, error)
	History(ctx context.Context, sensor vesta.Sensor, since *time.Time, progress vesta.ProgressFunc) (series.Series, error)
	Close() error
}

var _ Transport = (*vesta.Client)(nil)

// DB is the top-level database handle. It owns the transport client and the
// on-disk cache and is safe for concurrent use.
type DB struct {
	cfg      *config.Config
	logger   *logrus.Logger
	client   Transport
	store    *store.Store
	progress vesta.ProgressFunc

	// mu serializes catalog invalidation against concurrent readers.
	mu      sync.RWMutex
	catalog *lru.Cache
}

type options struct {
	logger     *logrus.Logger
	registerer prometheus.Registerer
	progress   vesta.ProgressFunc
}

// Option customizes Open beyond the config file surface.
type Option func(*options)

// WithLogger replaces the logger built from the config.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer enables client instrumentation on the given registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithProgress observes long-running history downloads.
func WithProgress(fn vesta.ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// Open authenticates against the remote service and opens the local cache.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = cfg.NewLogger()
	}

	client, err := vesta.New(ctx, cfg.Vesta, logger, vesta.NewMetrics(o.registerer))
	if err != nil {
		return nil, err
	}

	db, err := newDB(ctx, cfg, client, logger, o.progress)
	if err != nil {
		client.Close()
		return nil, err
	}
	return db, nil
}

// newDB wires a DB over an already-built transport. Split from Open so tests
// can substitute the transport.
func newDB(ctx context.Context, cfg *config.Config, client Transport, logger *logrus.Logger, progress vesta.ProgressFunc) (*DB, error) {
	dir, err := cfg.CacheDir()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(dir, "comepos.db"))
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	catalog, err := lru.New(catalogCacheSize)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &DB{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		store:    st,
		progress: progress,
		catalog:  catalog,
	}, nil
}

// Buildings returns the building catalog, sorted by identifier. The catalog
// is served from memory or disk when available.
func (db *DB) Buildings(ctx context.Context) ([]vesta.Building, error) {
	catalog, err := db.buildingCatalog(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]vesta.Building, 0, len(catalog))
	for _, b := range catalog {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Building returns a handle on one building from the catalog.
func (db *DB) Building(ctx context.Context, buildingID string) (*BuildingDB, error) {
	catalog, err := db.buildingCatalog(ctx)
	if err != nil {
		return nil, err
	}
	for s, b := range catalog {
		if b.ID == buildingID {
			return &BuildingDB{db: db, building: b, slug: s}, nil
		}
	}
	return nil, &vesta.NotFoundError{Kind: "building", ID: buildingID}
}

func (db *DB) buildingCatalog(ctx context.Context) (map[string]vesta.Building, error) {
	const key = "buildings"

	db.mu.RLock()
	if cached, ok := db.catalog.Get(key); ok {
		defer db.mu.RUnlock()
		return cached.(map[string]vesta.Building), nil
	}
	db.mu.RUnlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	// another goroutine may have populated it while we waited
	if cached, ok := db.catalog.Get(key); ok {
		return cached.(map[string]vesta.Building), nil
	}

	catalog, err := db.store.Buildings(ctx)
	if err != nil {
		var corrupt *store.CacheCorruptError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		db.logger.WithError(err).Warn("building catalog unreadable, refetching")
		if err := db.store.DeleteBuildings(ctx); err != nil {
			return nil, err
		}
		catalog = nil
	}

	if len(catalog) == 0 {
		buildings, err := db.client.Buildings(ctx)
		if err != nil {
			return nil, fmt.Errorf("list buildings: %w", err)
		}
		catalog = make(map[string]vesta.Building, len(buildings))
		for _, b := range buildings {
			catalog[slug.Make(b.ID)] = b
		}
		if err := db.store.PutBuildings(ctx, catalog); err != nil {
			return nil, err
		}
		db.logger.WithField("buildings", len(catalog)).Info("building catalog fetched")
	}

	db.catalog.Add(key, catalog)
	return catalog, nil
}

// Invalidate drops the cached catalogs so the next access refetches them.
// Cached sensor readings are kept.
func (db *DB) Invalidate(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.catalog.Purge()
	return db.store.DeleteBuildings(ctx)
}

// Clean removes everything from the local cache.
func (db *DB) Clean(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.catalog.Purge()
	return db.store.Reset(ctx)
}

// Close ends the remote session and releases the cache.
func (db *DB) Close() error {
	return multierr.Append(db.client.Close(), db.store.Close())
}
