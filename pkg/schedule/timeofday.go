package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// TimeOfDay is a wall-clock hour:minute with no date attached.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// At builds a TimeOfDay, normalizing hour and minute independently into range.
func At(hour, minute int) TimeOfDay {
	return TimeOfDay{Hour: ((hour % 24) + 24) % 24, Minute: ((minute % 60) + 60) % 60}
}

// FromTime truncates t to its hour and minute in t's location.
func FromTime(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

func fromMinutes(total int) TimeOfDay {
	total = ((total % minutesPerDay) + minutesPerDay) % minutesPerDay
	return TimeOfDay{Hour: total / 60, Minute: total % 60}
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// AddMinutes shifts t by n minutes, wrapping around midnight in both directions.
func (t TimeOfDay) AddMinutes(n int) TimeOfDay {
	return fromMinutes(t.Minutes() + n)
}

func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.Minutes() < other.Minutes()
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM". Out-of-range parts are normalized the same
// way At does. ok is false for empty or non-numeric input.
func ParseTimeOfDay(raw string) (TimeOfDay, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 {
		return TimeOfDay{}, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return TimeOfDay{}, false
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return TimeOfDay{}, false
	}
	return At(h, m), true
}
