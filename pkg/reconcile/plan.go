package reconcile

import (
	"github.com/beeper/astrorelay/pkg/config"
	"github.com/beeper/astrorelay/pkg/schedule"
	"github.com/beeper/astrorelay/pkg/twilight"
)

// Trigger is one desired relay switch.
type Trigger struct {
	At schedule.TimeOfDay
	On bool
}

// Plan is the relay part of a run: the triggers to ensure and the computed
// values to persist for later fallback runs.
type Plan struct {
	Triggers []Trigger

	MornOff *schedule.TimeOfDay
	EveOn   *schedule.TimeOfDay

	MorningSkipped bool
	EveningSkipped bool
}

func (p *Plan) add(at schedule.TimeOfDay, on bool) {
	p.Triggers = append(p.Triggers, Trigger{At: at, On: on})
}

// PlanWindows computes both windows from resolved twilight data. tw must be
// complete.
func PlanWindows(day config.DaySchedule, guards config.GuardsConfig, tw twilight.Result) Plan {
	var plan Plan
	refMorning := schedule.FromTime(*tw.Morning)
	refEvening := schedule.FromTime(*tw.Evening)

	morning := day.Morning
	if morning.Enabled && (!guards.MorningRequireRefAfterOn || !refMorning.Before(morning.OnTime())) {
		off := refMorning.AddMinutes(morning.OffOffsetMin)
		plan.add(morning.OnTime(), true)
		plan.add(off, false)
		plan.MornOff = &off
	} else if morning.Enabled {
		plan.MorningSkipped = true
	}

	evening := day.Evening
	if evening.Enabled && (!guards.EveningRequireRefBeforeOff || !evening.OffTime().Before(refEvening)) {
		on := refEvening.AddMinutes(-evening.OnOffsetBeforeRefMin)
		plan.add(on, true)
		plan.add(evening.OffTime(), false)
		plan.EveOn = &on
	} else if evening.Enabled {
		plan.EveningSkipped = true
	}
	return plan
}

// Known holds the last persisted twilight-derived times, if parseable.
type Known struct {
	EveOn   *schedule.TimeOfDay
	MornOff *schedule.TimeOfDay
}

// fallbackEveningLead is how long before the configured off-time the evening
// window opens when nothing better is known.
const fallbackEveningLead = 120

// PlanFallback computes a schedule without twilight data. The anchors come
// straight from config; the twilight-dependent ends use the last known values
// or a static estimate. Nothing is marked for persisting.
func PlanFallback(day config.DaySchedule, known Known) Plan {
	var plan Plan
	if day.Morning.Enabled {
		plan.add(day.Morning.OnTime(), true)
	}
	if day.Evening.Enabled {
		plan.add(day.Evening.OffTime(), false)
	}
	if day.Evening.Enabled {
		on := day.Evening.OffTime().AddMinutes(-fallbackEveningLead)
		if known.EveOn != nil {
			on = *known.EveOn
		}
		plan.add(on, true)
	}
	if day.Morning.Enabled {
		off := day.Morning.OnTime().AddMinutes(day.Morning.OffOffsetMin)
		if known.MornOff != nil {
			off = *known.MornOff
		}
		plan.add(off, false)
	}
	return plan
}
