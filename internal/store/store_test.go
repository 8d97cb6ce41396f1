package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locie/comepos-fetcher/internal/series"
	"github.com/locie/comepos-fetcher/internal/vesta"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache", "comepos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func TestBuildingCatalogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	catalog, err := s.Buildings(ctx)
	require.NoError(t, err)
	assert.Empty(t, catalog)

	want := map[string]vesta.Building{
		"b1": {ID: "B1", Name: "Maison Air", Address: "12 rue X", Zones: []string{"RDC", "R1"}},
		"b2": {ID: "B2", Name: "Maison Terre", Zones: []string{}},
	}
	require.NoError(t, s.PutBuildings(ctx, want))

	catalog, err = s.Buildings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, catalog)

	require.NoError(t, s.DeleteBuildings(ctx))
	catalog, err = s.Buildings(ctx)
	require.NoError(t, err)
	assert.Empty(t, catalog)
}

func TestSensorCatalogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := map[string]vesta.Sensor{
		"svc_temp": {
			ID: "S1", BuildingID: "B1", Zone: "RDC", Device: "th01",
			Label: "Temp RDC", Type: "temperature",
			ServiceName: "svc", VariableName: "temp", Unit: "C", Historics: true,
		},
	}
	require.NoError(t, s.PutSensors(ctx, "b1", want))

	catalog, err := s.Sensors(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, want, catalog)

	// scoped to the building
	other, err := s.Sensors(ctx, "b2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestReadingsUpsertAndWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Watermark(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	assert.False(t, ok)

	data := series.New([]series.Reading{
		{Time: ts(100), Value: 20.1},
		{Time: ts(200), Value: 20.3},
	})
	require.NoError(t, s.UpsertReadings(ctx, "b1", "svc_temp", data))

	got, err := s.Readings(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	w, ok, err := s.Watermark(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ts(200), w)
}

func TestUpsertReadingsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := series.New([]series.Reading{
		{Time: ts(100), Value: 20.1},
		{Time: ts(200), Value: 20.3},
	})
	require.NoError(t, s.UpsertReadings(ctx, "b1", "svc_temp", data))
	require.NoError(t, s.UpsertReadings(ctx, "b1", "svc_temp", data))

	got, err := s.Readings(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	w, ok, err := s.Watermark(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ts(200), w)
}

func TestReadingsIsolatedPerSensor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertReadings(ctx, "b1", "svc_temp",
		series.New([]series.Reading{{Time: ts(100), Value: 1}})))
	require.NoError(t, s.UpsertReadings(ctx, "b1", "svc_hum",
		series.New([]series.Reading{{Time: ts(100), Value: 2}})))

	temp, err := s.Readings(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	require.Equal(t, 1, temp.Len())
	assert.Equal(t, 1.0, temp[0].Value)
}

func TestCorruptEntryDetectedAndRecovered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertReadings(ctx, "b1", "svc_temp",
		series.New([]series.Reading{{Time: ts(100), Value: 1}})))

	// sqlite columns are dynamically typed: smash a value in place
	_, err := s.db.ExecContext(ctx,
		`UPDATE readings SET value = 'garbage' WHERE building_slug = 'b1'`)
	require.NoError(t, err)

	_, err = s.Readings(ctx, "b1", "svc_temp")
	var corrupt *CacheCorruptError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, "svc_temp", corrupt.SensorSlug)

	// recovery: drop the entry, it reads back as absent
	require.NoError(t, s.DeleteReadings(ctx, "b1", "svc_temp"))
	got, err := s.Readings(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())
}

func TestDeleteBuilding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutBuildings(ctx, map[string]vesta.Building{
		"b1": {ID: "B1", Zones: []string{}},
	}))
	require.NoError(t, s.PutSensors(ctx, "b1", map[string]vesta.Sensor{
		"svc_temp": {ID: "S1", BuildingID: "B1", ServiceName: "svc", VariableName: "temp"},
	}))
	require.NoError(t, s.UpsertReadings(ctx, "b1", "svc_temp",
		series.New([]series.Reading{{Time: ts(100), Value: 1}})))

	require.NoError(t, s.DeleteBuilding(ctx, "b1"))

	catalog, err := s.Buildings(ctx)
	require.NoError(t, err)
	assert.Empty(t, catalog)

	sensors, err := s.Sensors(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, sensors)

	readings, err := s.Readings(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	assert.Equal(t, 0, readings.Len())
}
