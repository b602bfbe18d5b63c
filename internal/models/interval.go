package models

import (
	"fmt"
	"strings"
	"time"
)

// Interval is a candle granularity as used by the exchange kline API.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

const day = 24 * time.Hour

var intervalSteps = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  day,
	Interval3d:  3 * day,
	Interval1w:  7 * day,
	Interval1M:  30 * day,
}

// AllIntervals lists every supported granularity, finest first.
var AllIntervals = []Interval{
	Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
	Interval1d, Interval3d, Interval1w, Interval1M,
}

// ParseInterval validates s and returns it as an Interval.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(strings.TrimSpace(s))
	if !iv.Valid() {
		return "", fmt.Errorf("unsupported interval: %q", s)
	}
	return iv, nil
}

// ParseIntervals parses a comma-separated interval list, dropping invalid and
// duplicate entries while keeping the input order.
func ParseIntervals(csv string) []Interval {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	seen := make(map[Interval]bool)
	var out []Interval
	for _, part := range strings.Split(csv, ",") {
		iv, err := ParseInterval(part)
		if err != nil || seen[iv] {
			continue
		}
		seen[iv] = true
		out = append(out, iv)
	}
	return out
}

// Valid reports whether the interval is one of the supported granularities.
func (i Interval) Valid() bool {
	_, ok := intervalSteps[i]
	return ok
}

// Step returns the nominal candle duration. 1M is approximated as 30 days.
func (i Interval) Step() time.Duration {
	return intervalSteps[i]
}

// Next returns the open time of the candle following t.
func (i Interval) Next(t time.Time) time.Time {
	if i == Interval1M {
		return t.AddDate(0, 1, 0)
	}
	return t.Add(i.Step())
}

// Prev returns the open time of the candle preceding t.
func (i Interval) Prev(t time.Time) time.Time {
	if i == Interval1M {
		return t.AddDate(0, -1, 0)
	}
	return t.Add(-i.Step())
}

// CandlesBetween counts the candles strictly between two open times.
func (i Interval) CandlesBetween(prev, next time.Time) int64 {
	if !next.After(prev) {
		return 0
	}
	if i == Interval1M {
		p, n := prev.UTC(), next.UTC()
		months := int64(n.Year()-p.Year())*12 + int64(n.Month()-p.Month())
		if months <= 1 {
			return 0
		}
		return months - 1
	}
	steps := int64(next.Sub(prev) / i.Step())
	if steps <= 1 {
		return 0
	}
	return steps - 1
}

func (i Interval) String() string {
	return string(i)
}
