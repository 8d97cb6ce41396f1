// Package series implements the ordered time series table returned to
// callers: readings sorted ascending by timestamp with unique timestamps,
// plus the merge and resampling operations built on that invariant.
package series

import (
	"fmt"
	"sort"
	"time"
)

// Reading is a single timestamped sensor value.
type Reading struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Series is a slice of readings sorted ascending by timestamp with no
// duplicate timestamps. The zero value is an empty, valid series.
type Series []Reading

// New builds a series from readings in any order, deduplicating by
// timestamp. On duplicates the last reading wins.
func New(readings []Reading) Series {
	s := make(Series, len(readings))
	copy(s, readings)
	s.normalize()
	return s
}

func (s *Series) normalize() {
	sort.SliceStable(*s, func(i, j int) bool {
		return (*s)[i].Time.Before((*s)[j].Time)
	})
	out := (*s)[:0]
	for _, r := range *s {
		if n := len(out); n > 0 && out[n-1].Time.Equal(r.Time) {
			out[n-1] = r
			continue
		}
		out = append(out, r)
	}
	*s = out
}

// Len returns the number of readings.
func (s Series) Len() int { return len(s) }

// Watermark returns the timestamp of the most recent reading. The second
// return is false for an empty series.
func (s Series) Watermark() (time.Time, bool) {
	if len(s) == 0 {
		return time.Time{}, false
	}
	return s[len(s)-1].Time, true
}

// Merge returns a new series combining s with other. Timestamps present in
// both keep the reading from other.
func (s Series) Merge(other Series) Series {
	if len(other) == 0 {
		return append(Series(nil), s...)
	}
	if len(s) == 0 {
		return append(Series(nil), other...)
	}
	out := make(Series, 0, len(s)+len(other))
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch {
		case s[i].Time.Before(other[j].Time):
			out = append(out, s[i])
			i++
		case other[j].Time.Before(s[i].Time):
			out = append(out, other[j])
			j++
		default:
			out = append(out, other[j])
			i++
			j++
		}
	}
	out = append(out, s[i:]...)
	out = append(out, other[j:]...)
	return out
}

// After returns the readings strictly newer than t.
func (s Series) After(t time.Time) Series {
	idx := sort.Search(len(s), func(i int) bool {
		return s[i].Time.After(t)
	})
	return append(Series(nil), s[idx:]...)
}

// Clip returns the readings with from <= timestamp < to.
func (s Series) Clip(from, to time.Time) Series {
	lo := sort.Search(len(s), func(i int) bool {
		return !s[i].Time.Before(from)
	})
	hi := sort.Search(len(s), func(i int) bool {
		return !s[i].Time.Before(to)
	})
	return append(Series(nil), s[lo:hi]...)
}

// Values returns the value column.
func (s Series) Values() []float64 {
	vals := make([]float64, len(s))
	for i, r := range s {
		vals[i] = r.Value
	}
	return vals
}

var windows = map[string]time.Duration{
	"1m": time.Minute,
	"5m": 5 * time.Minute,
	"1h": time.Hour,
	"1d": 24 * time.Hour,
}

// ValidWindow reports whether w is a supported resampling window.
func ValidWindow(w string) bool {
	_, ok := windows[w]
	return ok
}

// ValidAggregation reports whether agg is a supported aggregation.
func ValidAggregation(agg string) bool {
	switch agg {
	case "MIN", "MAX", "AVG", "SUM":
		return true
	}
	return false
}

// Resample buckets the series into fixed windows and aggregates each bucket.
// Window is one of 1m, 5m, 1h, 1d; aggregation one of MIN, MAX, AVG, SUM.
// Each bucket is stamped with its start time; empty buckets are omitted.
func (s Series) Resample(window, aggregation string) (Series, error) {
	d, ok := windows[window]
	if !ok {
		return nil, fmt.Errorf("invalid window: %s", window)
	}
	if !ValidAggregation(aggregation) {
		return nil, fmt.Errorf("invalid aggregation: %s", aggregation)
	}
	if len(s) == 0 {
		return Series{}, nil
	}

	out := Series{}
	bucket := s[0].Time.Truncate(d)
	var acc []float64
	flush := func() {
		if len(acc) == 0 {
			return
		}
		out = append(out, Reading{Time: bucket, Value: aggregate(aggregation, acc)})
		acc = acc[:0]
	}
	for _, r := range s {
		b := r.Time.Truncate(d)
		if !b.Equal(bucket) {
			flush()
			bucket = b
		}
		acc = append(acc, r.Value)
	}
	flush()
	return out, nil
}

func aggregate(agg string, vals []float64) float64 {
	switch agg {
	case "MIN":
		min := vals[0]
		for _, v := range vals[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case "MAX":
		max := vals[0]
		for _, v := range vals[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case "SUM":
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum
	default: // AVG
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	}
}
