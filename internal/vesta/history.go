package vesta

import (
	"context"
	"time"

	"github.com/locie/comepos-fetcher/internal/series"
)

// ProgressFunc observes a long-running history download. It is called once
// per completed slice with the number of slices done and the total planned.
type ProgressFunc func(done, total int)

// History fetches the readings for a sensor, strictly newer than since when
// since is non-nil, the full history otherwise.
//
// Histories larger than the per-request row limit are downloaded in equal
// time slices bounded by the building's acquisition window; the slicing is
// invisible to callers except through the optional progress callback.
func (c *Client) History(ctx context.Context, sensor Sensor, since *time.Time, progress ProgressFunc) (series.Series, error) {
	size, err := c.HistorySize(ctx, sensor, since)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		if progress != nil {
			progress(1, 1)
		}
		return series.Series{}, nil
	}

	if size <= c.maxRows() {
		s, err := c.historySlice(ctx, sensor, since, nil)
		if err != nil {
			return nil, err
		}
		c.metrics.page()
		if progress != nil {
			progress(1, 1)
		}
		if since != nil {
			s = s.After(*since)
		}
		return s, nil
	}

	status, err := c.BuildingStatus(ctx, sensor.BuildingID)
	if err != nil {
		return nil, err
	}
	periodStart := status.FirstMeasurement
	if since != nil {
		periodStart = *since
	}
	periodEnd := status.LastValueChange

	slices := size/c.maxRows() + 1
	step := periodEnd.Sub(periodStart) / time.Duration(slices)

	readings := make([]series.Reading, 0, size)
	for i := 0; i < slices; i++ {
		sliceStart := periodStart.Add(time.Duration(i) * step)
		sliceEnd := periodStart.Add(time.Duration(i+1) * step)
		if i == slices-1 {
			sliceEnd = periodEnd
		}

		part, err := c.historySlice(ctx, sensor, &sliceStart, &sliceEnd)
		if err != nil {
			return nil, err
		}
		readings = append(readings, part...)

		c.metrics.page()
		if progress != nil {
			progress(i+1, slices)
		}
	}

	// Slice boundaries can overlap on the wire; New dedupes by timestamp.
	s := series.New(readings)
	if since != nil {
		s = s.After(*since)
	}
	return s, nil
}

func (c *Client) historySlice(ctx context.Context, sensor Sensor, start, end *time.Time) (series.Series, error) {
	params := historyParams(sensor, start, end)
	var raw []wireReading
	if err := c.get(ctx, epHistory, params, &raw); err != nil {
		return nil, annotateSensor(err, sensor)
	}
	readings := make([]series.Reading, len(raw))
	for i, r := range raw {
		readings[i] = series.Reading{Time: r.Date.Time(), Value: float64(r.Value)}
	}
	return series.New(readings), nil
}

func (c *Client) maxRows() int {
	if c.cfg.MaxRowsPerRequest <= 0 {
		return 100000
	}
	return c.cfg.MaxRowsPerRequest
}
