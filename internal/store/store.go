// Package store implements the on-disk cache: one SQLite database holding
// the building and sensor catalogs plus the per-sensor reading series. The
// watermark of a sensor is derived as the maximum cached timestamp.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/locie/comepos-fetcher/internal/series"
	"github.com/locie/comepos-fetcher/internal/vesta"
)

// CacheCorruptError reports a cache entry that could not be read back. The
// caller recovers by deleting the entry and refetching fully.
type CacheCorruptError struct {
	BuildingSlug string
	SensorSlug   string
	Err          error
}

func (e *CacheCorruptError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s/%s: %v", e.BuildingSlug, e.SensorSlug, e.Err)
}

func (e *CacheCorruptError) Unwrap() error { return e.Err }

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buildings (
			slug TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			name TEXT,
			address TEXT,
			zones TEXT,
			cached_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS sensors (
			building_slug TEXT NOT NULL,
			slug TEXT NOT NULL,
			id TEXT NOT NULL,
			building_id TEXT NOT NULL,
			zone TEXT,
			device TEXT,
			label TEXT,
			type TEXT,
			service_name TEXT NOT NULL,
			variable_name TEXT NOT NULL,
			unit TEXT,
			historics INTEGER NOT NULL DEFAULT 0,
			cached_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (building_slug, slug)
		);`,
		`CREATE TABLE IF NOT EXISTS readings (
			building_slug TEXT NOT NULL,
			sensor_slug TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (building_slug, sensor_slug, ts)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_readings_sensor_ts ON readings(building_slug, sensor_slug, ts);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// PutBuildings replaces the cached building catalog.
func (s *Store) PutBuildings(ctx context.Context, buildings map[string]vesta.Building) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM buildings`); err != nil {
		return fmt.Errorf("clear building catalog: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO buildings (slug, id, name, address, zones)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for slug, b := range buildings {
		zones, err := json.Marshal(b.Zones)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, slug, b.ID, b.Name, b.Address, string(zones)); err != nil {
			return fmt.Errorf("insert building %s: %w", b.ID, err)
		}
	}

	return tx.Commit()
}

// Buildings returns the cached catalog keyed by slug. An empty map means no
// catalog has been cached yet.
func (s *Store) Buildings(ctx context.Context) (map[string]vesta.Building, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug, id, name, address, zones FROM buildings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	catalog := make(map[string]vesta.Building)
	for rows.Next() {
		var slug, zones string
		var b vesta.Building
		if err := rows.Scan(&slug, &b.ID, &b.Name, &b.Address, &zones); err != nil {
			return nil, &CacheCorruptError{Err: err}
		}
		if err := json.Unmarshal([]byte(zones), &b.Zones); err != nil {
			return nil, &CacheCorruptError{Err: err}
		}
		catalog[slug] = b
	}
	return catalog, rows.Err()
}

// DeleteBuildings drops the cached building catalog.
func (s *Store) DeleteBuildings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM buildings`)
	return err
}

// PutSensors replaces the cached sensor catalog of one building.
func (s *Store) PutSensors(ctx context.Context, buildingSlug string, sensors map[string]vesta.Sensor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sensors WHERE building_slug = ?`, buildingSlug); err != nil {
		return fmt.Errorf("clear sensor catalog: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensors (building_slug, slug, id, building_id, zone, device,
			label, type, service_name, variable_name, unit, historics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for slug, sn := range sensors {
		if _, err := stmt.ExecContext(ctx, buildingSlug, slug, sn.ID, sn.BuildingID,
			sn.Zone, sn.Device, sn.Label, sn.Type, sn.ServiceName, sn.VariableName,
			sn.Unit, sn.Historics); err != nil {
			return fmt.Errorf("insert sensor %s: %w", sn.ID, err)
		}
	}

	return tx.Commit()
}

// Sensors returns the cached sensor catalog of a building keyed by slug.
// An empty map means no catalog has been cached yet.
func (s *Store) Sensors(ctx context.Context, buildingSlug string) (map[string]vesta.Sensor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slug, id, building_id, zone, device, label, type,
			service_name, variable_name, unit, historics
		FROM sensors WHERE building_slug = ?`, buildingSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	catalog := make(map[string]vesta.Sensor)
	for rows.Next() {
		var slug string
		var sn vesta.Sensor
		if err := rows.Scan(&slug, &sn.ID, &sn.BuildingID, &sn.Zone, &sn.Device,
			&sn.Label, &sn.Type, &sn.ServiceName, &sn.VariableName, &sn.Unit,
			&sn.Historics); err != nil {
			return nil, &CacheCorruptError{BuildingSlug: buildingSlug, Err: err}
		}
		catalog[slug] = sn
	}
	return catalog, rows.Err()
}

// UpsertReadings merges readings into a sensor's cache entry. Existing rows
// at the same timestamp are replaced, so re-inserting is idempotent.
func (s *Store) UpsertReadings(ctx context.Context, buildingSlug, sensorSlug string, data series.Series) error {
	if len(data) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO readings (building_slug, sensor_slug, ts, value)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range data {
		if _, err := stmt.ExecContext(ctx, buildingSlug, sensorSlug, r.Time.UnixMilli(), r.Value); err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}
	}

	return tx.Commit()
}

// Readings returns the full cached series of a sensor in ascending
// timestamp order. An empty series means the entry is absent.
func (s *Store) Readings(ctx context.Context, buildingSlug, sensorSlug string) (series.Series, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, value FROM readings
		WHERE building_slug = ? AND sensor_slug = ?
		ORDER BY ts ASC`, buildingSlug, sensorSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out series.Series
	for rows.Next() {
		var ms int64
		var value float64
		if err := rows.Scan(&ms, &value); err != nil {
			return nil, &CacheCorruptError{BuildingSlug: buildingSlug, SensorSlug: sensorSlug, Err: err}
		}
		out = append(out, series.Reading{Time: time.UnixMilli(ms).UTC(), Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, &CacheCorruptError{BuildingSlug: buildingSlug, SensorSlug: sensorSlug, Err: err}
	}
	return out, nil
}

// Watermark returns the timestamp of the most recent cached reading for a
// sensor. The second return is false when the entry is absent.
func (s *Store) Watermark(ctx context.Context, buildingSlug, sensorSlug string) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(ts) FROM readings
		WHERE building_slug = ? AND sensor_slug = ?`, buildingSlug, sensorSlug).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

// DeleteReadings drops a sensor's cache entry, returning it to the absent
// state. Used both for manual invalidation and corrupt-entry recovery.
func (s *Store) DeleteReadings(ctx context.Context, buildingSlug, sensorSlug string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM readings WHERE building_slug = ? AND sensor_slug = ?`,
		buildingSlug, sensorSlug)
	return err
}

// DeleteBuilding drops everything cached for one building.
func (s *Store) DeleteBuilding(ctx context.Context, buildingSlug string) error {
	stmts := []string{
		`DELETE FROM readings WHERE building_slug = ?`,
		`DELETE FROM sensors WHERE building_slug = ?`,
		`DELETE FROM buildings WHERE slug = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt, buildingSlug); err != nil {
			return err
		}
	}
	return nil
}

// Reset empties the whole cache.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"readings", "sensors", "buildings"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	return nil
}
