package buildingdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/locie/comepos-fetcher/internal/series"
	"github.com/locie/comepos-fetcher/internal/vesta"
)

func b1Sensor(t *testing.T, db *DB) *Sensor {
	t.Helper()
	building, err := db.Building(context.Background(), "B1")
	require.NoError(t, err)
	sensor, err := building.Sensor(context.Background(), "svc", "temp")
	require.NoError(t, err)
	return sensor
}

// The worked example: first access fetches the full history, a later refresh
// appends the new reading and advances the watermark.
func TestDataThenRefresh(t *testing.T) {
	f := b1Fixture()
	db := newTestDB(t, f)
	ctx := context.Background()
	sensor := b1Sensor(t, db)

	data, err := sensor.Data(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, data.Len())
	assert.Equal(t, 20.1, data[0].Value)
	assert.Equal(t, 20.3, data[1].Value)

	w, ok, err := sensor.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ts(200), w)

	// a new remote reading appears
	f.mu.Lock()
	f.histories["B1/svc/temp"] = f.histories["B1/svc/temp"].Merge(
		series.New([]series.Reading{{Time: ts(300), Value: 20.5}}))
	f.mu.Unlock()

	refreshed, err := sensor.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, refreshed.Len())
	for i := 1; i < refreshed.Len(); i++ {
		assert.True(t, refreshed[i-1].Time.Before(refreshed[i].Time))
	}

	w, ok, err = sensor.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ts(300), w)
}

func TestDataServedFromCache(t *testing.T) {
	f := b1Fixture()
	db := newTestDB(t, f)
	ctx := context.Background()
	sensor := b1Sensor(t, db)

	_, err := sensor.Data(ctx)
	require.NoError(t, err)
	_, err = sensor.Data(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.historyCalls["B1/svc/temp"])
}

func TestRefreshIdempotent(t *testing.T) {
	f := b1Fixture()
	db := newTestDB(t, f)
	ctx := context.Background()
	sensor := b1Sensor(t, db)

	first, err := sensor.Refresh(ctx)
	require.NoError(t, err)

	second, err := sensor.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// cache content identical after both calls
	cached, err := db.store.Readings(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	w1, ok, err := sensor.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ts(200), w1)
}

func TestRefreshFromEmptyCacheFetchesEverything(t *testing.T) {
	f := b1Fixture()
	db := newTestDB(t, f)
	sensor := b1Sensor(t, db)

	refreshed, err := sensor.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, refreshed.Len())
}

func TestCorruptCacheRecovery(t *testing.T) {
	f := b1Fixture()
	db := newTestDB(t, f)
	ctx := context.Background()
	sensor := b1Sensor(t, db)

	_, err := sensor.Data(ctx)
	require.NoError(t, err)

	// corrupt the entry behind the handle's back
	_, err = dbExec(db, `UPDATE readings SET value = 'garbage' WHERE sensor_slug = 'svc_temp'`)
	require.NoError(t, err)

	// next access drops the entry and refetches fully
	data, err := sensor.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, data.Len())
	assert.Equal(t, 2, f.historyCalls["B1/svc/temp"])

	cached, err := db.store.Readings(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	assert.Equal(t, 2, cached.Len())
}

func TestInvalidateForcesFullRefetch(t *testing.T) {
	f := b1Fixture()
	db := newTestDB(t, f)
	ctx := context.Background()
	sensor := b1Sensor(t, db)

	_, err := sensor.Data(ctx)
	require.NoError(t, err)
	require.NoError(t, sensor.Invalidate(ctx))

	_, ok, err := sensor.Watermark(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := sensor.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, data.Len())
	assert.Equal(t, 2, f.historyCalls["B1/svc/temp"])
}

func TestOnlineLength(t *testing.T) {
	db := newTestDB(t, b1Fixture())
	sensor := b1Sensor(t, db)

	n, err := sensor.OnlineLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRefreshAllSensorsPartialFailure(t *testing.T) {
	f := b1Fixture()
	f.sensors["B1"] = append(f.sensors["B1"], vesta.Sensor{
		ID: "S2", BuildingID: "B1", ServiceName: "svc", VariableName: "hum",
	})
	f.histories["B1/svc/hum"] = series.New([]series.Reading{{Time: ts(100), Value: 55}})
	f.failures["B1/svc/hum"] = &vesta.TransportError{Endpoint: "getSensorHistory.php", Status: 502}

	db := newTestDB(t, f)
	ctx := context.Background()

	building, err := db.Building(ctx, "B1")
	require.NoError(t, err)

	err = building.RefreshAllSensors(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "svc_hum"))
	assert.False(t, strings.Contains(err.Error(), "svc_temp"))

	// the healthy sensor's cache was still updated
	cached, err := db.store.Readings(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	assert.Equal(t, 2, cached.Len())
}

func TestRefreshAllSensorsAllHealthy(t *testing.T) {
	f := b1Fixture()
	db := newTestDB(t, f)
	ctx := context.Background()

	building, err := db.Building(ctx, "B1")
	require.NoError(t, err)
	require.NoError(t, building.RefreshAllSensors(ctx))

	data, err := building.SensorsData(ctx)
	require.NoError(t, err)
	require.Contains(t, data, "svc_temp")
	assert.Equal(t, 2, data["svc_temp"].Len())
}

func TestRefreshAllSensorsRespectsCancellation(t *testing.T) {
	f := b1Fixture()
	db := newTestDB(t, f)
	ctx, cancel := context.WithCancel(context.Background())

	building, err := db.Building(ctx, "B1")
	require.NoError(t, err)

	cancel()
	// an already-cancelled context skips every sensor without failing
	require.NoError(t, building.RefreshAllSensors(ctx))
	assert.Equal(t, 0, f.historyCalls["B1/svc/temp"])
}

func TestBuildingClean(t *testing.T) {
	f := b1Fixture()
	db := newTestDB(t, f)
	ctx := context.Background()

	building, err := db.Building(ctx, "B1")
	require.NoError(t, err)
	sensor := b1Sensor(t, db)
	_, err = sensor.Data(ctx)
	require.NoError(t, err)

	require.NoError(t, building.Clean(ctx))

	cached, err := db.store.Readings(ctx, "b1", "svc_temp")
	require.NoError(t, err)
	assert.Equal(t, 0, cached.Len())
}

// dbExec runs raw SQL against the handle's cache file, bypassing the store.
func dbExec(db *DB, query string) (sql.Result, error) {
	raw, err := sql.Open("sqlite", filepath.Join(db.cfg.Cache.Dir, "comepos.db"))
	if err != nil {
		return nil, err
	}
	defer raw.Close()
	return raw.Exec(query)
}
