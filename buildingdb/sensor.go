package buildingdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/locie/comepos-fetcher/internal/series"
	"github.com/locie/comepos-fetcher/internal/store"
	"github.com/locie/comepos-fetcher/internal/vesta"
)

// Sensor is a handle on one sensor's cached series.
//
// A cache entry moves between two states: absent, and populated with a
// watermark. Data performs the first full fetch; Refresh appends readings
// strictly newer than the watermark; a corrupt entry is dropped back to
// absent so the next access rebuilds it.
type Sensor struct {
	building   *BuildingDB
	descriptor vesta.Sensor
	slug       string
}

// Descriptor returns the sensor's catalog entry.
func (s *Sensor) Descriptor() vesta.Sensor { return s.descriptor }

// Slug returns the sensor's cache key, derived from its service and
// variable names.
func (s *Sensor) Slug() string { return s.slug }

func (s *Sensor) log() *logrus.Entry {
	return s.building.db.logger.WithFields(logrus.Fields{
		"building": s.building.slug,
		"sensor":   s.slug,
	})
}

// Data returns the full cached series, fetching the whole history first if
// no cache entry exists yet. The initial fetch of a large history is slow;
// its progress is reported through the handle's progress callback.
func (s *Sensor) Data(ctx context.Context) (series.Series, error) {
	cached, err := s.cachedReadings(ctx)
	if err != nil {
		return nil, err
	}
	if cached.Len() > 0 {
		return cached, nil
	}

	s.log().Info("no cache entry, fetching full history")
	fetched, err := s.building.db.client.History(ctx, s.descriptor, nil, s.building.db.progress)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", s.slug, err)
	}
	if err := s.building.db.store.UpsertReadings(ctx, s.building.slug, s.slug, fetched); err != nil {
		return nil, err
	}
	return fetched, nil
}

// Refresh fetches the readings newer than the cached watermark, merges them
// into the cache, and returns the updated full series. With no new remote
// data it is a no-op: the cache stays byte-for-byte identical.
func (s *Sensor) Refresh(ctx context.Context) (series.Series, error) {
	cached, err := s.cachedReadings(ctx)
	if err != nil {
		return nil, err
	}

	var since *time.Time
	if w, ok := cached.Watermark(); ok {
		since = &w
	}

	fetched, err := s.building.db.client.History(ctx, s.descriptor, since, s.building.db.progress)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", s.slug, err)
	}
	if fetched.Len() == 0 {
		return cached, nil
	}

	if err := s.building.db.store.UpsertReadings(ctx, s.building.slug, s.slug, fetched); err != nil {
		return nil, err
	}
	s.log().WithField("new_readings", fetched.Len()).Debug("cache refreshed")

	return cached.Merge(fetched), nil
}

// Watermark returns the timestamp of the most recent cached reading. The
// second return is false when no entry exists.
func (s *Sensor) Watermark(ctx context.Context) (time.Time, bool, error) {
	return s.building.db.store.Watermark(ctx, s.building.slug, s.slug)
}

// OnlineLength returns the number of readings held by the remote service.
func (s *Sensor) OnlineLength(ctx context.Context) (int, error) {
	return s.building.db.client.HistorySize(ctx, s.descriptor, nil)
}

// Invalidate drops the sensor's cache entry so the next access refetches
// the full history.
func (s *Sensor) Invalidate(ctx context.Context) error {
	return s.building.db.store.DeleteReadings(ctx, s.building.slug, s.slug)
}

// cachedReadings loads the cache entry, recovering from corruption by
// dropping the entry and reporting it absent.
func (s *Sensor) cachedReadings(ctx context.Context) (series.Series, error) {
	cached, err := s.building.db.store.Readings(ctx, s.building.slug, s.slug)
	if err == nil {
		return cached, nil
	}

	var corrupt *store.CacheCorruptError
	if !errors.As(err, &corrupt) {
		return nil, err
	}
	s.log().WithError(err).Warn("cache entry unreadable, dropping it")
	if err := s.building.db.store.DeleteReadings(ctx, s.building.slug, s.slug); err != nil {
		return nil, err
	}
	return series.Series{}, nil
}
