package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/beeper/astrorelay/pkg/schedule"
	"github.com/beeper/astrorelay/pkg/twilight"
)

func (c *Config) normalize() error {
	if c.Location.Lat < -90 || c.Location.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalid, c.Location.Lat)
	}
	if c.Location.Lng < -180 || c.Location.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalid, c.Location.Lng)
	}
	tz := strings.TrimSpace(c.Location.Timezone)
	if tz == "" {
		tz = "Local"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %w", ErrInvalid, tz, err)
	}
	c.Location.loc = loc

	c.Twilight.Morning = c.checkKind("morning", c.Twilight.Morning)
	c.Twilight.Evening = c.checkKind("evening", c.Twilight.Evening)
	if c.Twilight.MaxRetries < 0 {
		c.Twilight.MaxRetries = 0
	}

	for _, day := range []*DaySchedule{&c.Schedules.Weekday, &c.Schedules.Weekend} {
		on := schedule.At(day.Morning.OnHour, day.Morning.OnMinute)
		day.Morning.OnHour, day.Morning.OnMinute = on.Hour, on.Minute
		day.Morning.OffOffsetMin = clampOffset(day.Morning.OffOffsetMin)
		off := schedule.At(day.Evening.OffHour, day.Evening.OffMinute)
		day.Evening.OffHour, day.Evening.OffMinute = off.Hour, off.Minute
		day.Evening.OnOffsetBeforeRefMin = clampOffset(day.Evening.OnOffsetBeforeRefMin)
	}

	if c.Device.RPCTimeout <= 0 {
		c.Device.RPCTimeout = 5 * time.Second
	}
	switch c.Device.Transport {
	case "http", "ws", "mqtt":
	default:
		return fmt.Errorf("%w: unknown device transport %q", ErrInvalid, c.Device.Transport)
	}
	switch c.State.Backend {
	case "kvs", "sqlite":
	default:
		return fmt.Errorf("%w: unknown state backend %q", ErrInvalid, c.State.Backend)
	}

	jobs := []*MaintenanceJob{&c.Maintenance.Recompute, &c.Maintenance.Guard, &c.Maintenance.Status}
	seen := map[string]bool{}
	for _, job := range jobs {
		at, ok := schedule.ParseTimeOfDay(job.At)
		if !ok {
			return fmt.Errorf("%w: maintenance time %q", ErrInvalid, job.At)
		}
		job.at = at
		job.At = at.String()
		job.Code = strings.TrimSpace(job.Code)
		if job.Code == "" || seen[job.Code] {
			return fmt.Errorf("%w: maintenance codes must be non-empty and distinct", ErrInvalid)
		}
		seen[job.Code] = true
	}
	return nil
}

func (c *Config) checkKind(field string, kind twilight.Kind) twilight.Kind {
	if kind.Valid() {
		return kind
	}
	c.Warnings = append(c.Warnings, fmt.Sprintf("unknown %s twilight kind %q, using %s", field, kind, twilight.Sunrise))
	return twilight.Sunrise
}

func clampOffset(minutes int) int {
	return min(max(minutes, 0), MaxOffsetMinutes)
}
