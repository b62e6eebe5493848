package schedule

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	cronlib "github.com/robfig/cron/v3"
)

// starBit mirrors robfig/cron's marker for a "*" field.
const starBit = 1 << 63

var timespecParser = cronlib.NewParser(cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// ErrNotDaily is returned for timespecs that do not fire exactly once a day
// at a fixed hour and minute.
var ErrNotDaily = errors.New("timespec is not a fixed daily trigger")

// Timespec renders the device trigger string for a daily activation at t.
func Timespec(t TimeOfDay) string {
	return fmt.Sprintf("0 %d %d * * *", t.Minute, t.Hour)
}

// ParseTimespec extracts the time of day from a fixed daily trigger.
// Equivalent spellings ("0 05 00 * * *", "0 5 0 * * ?") resolve to the same value.
func ParseTimespec(spec string) (TimeOfDay, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return TimeOfDay{}, ErrNotDaily
	}
	parsed, err := timespecParser.Parse(trimmed)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse timespec %q: %w", trimmed, err)
	}
	sched, ok := parsed.(*cronlib.SpecSchedule)
	if !ok {
		return TimeOfDay{}, ErrNotDaily
	}
	if sched.Second != 1 || sched.Dom&starBit == 0 || sched.Month&starBit == 0 || sched.Dow&starBit == 0 {
		return TimeOfDay{}, ErrNotDaily
	}
	minute, ok := singleBit(sched.Minute)
	if !ok {
		return TimeOfDay{}, ErrNotDaily
	}
	hour, ok := singleBit(sched.Hour)
	if !ok {
		return TimeOfDay{}, ErrNotDaily
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func singleBit(field uint64) (int, bool) {
	field &^= starBit
	if bits.OnesCount64(field) != 1 {
		return 0, false
	}
	return bits.TrailingZeros64(field), true
}
