package reconcile

import (
	"slices"
	"testing"
	"time"

	"github.com/beeper/astrorelay/pkg/config"
	"github.com/beeper/astrorelay/pkg/schedule"
	"github.com/beeper/astrorelay/pkg/twilight"
)

func at(h, m int) schedule.TimeOfDay { return schedule.At(h, m) }

func tod(h, m int) *time.Time {
	t := time.Date(2024, 3, 11, h, m, 0, 0, time.UTC)
	return &t
}

func testDay() config.DaySchedule {
	return config.DaySchedule{
		Morning: config.MorningSchedule{Enabled: true, OnHour: 6, OnMinute: 30, OffOffsetMin: 10},
		Evening: config.EveningSchedule{Enabled: true, OnOffsetBeforeRefMin: 10, OffHour: 22},
	}
}

var bothGuards = config.GuardsConfig{MorningRequireRefAfterOn: true, EveningRequireRefBeforeOff: true}

func TestPlanWindows(t *testing.T) {
	cases := []struct {
		name   string
		guards config.GuardsConfig
		morn   *time.Time
		eve    *time.Time
		want   []Trigger
		skipM  bool
		skipE  bool
	}{
		{
			name:   "both windows",
			guards: bothGuards,
			morn:   tod(6, 42),
			eve:    tod(18, 30),
			want:   []Trigger{{at(6, 30), true}, {at(6, 52), false}, {at(18, 20), true}, {at(22, 0), false}},
		},
		{
			name:   "morning off rolls into next hour",
			guards: bothGuards,
			morn:   tod(6, 55),
			eve:    tod(18, 30),
			want:   []Trigger{{at(6, 30), true}, {at(7, 5), false}, {at(18, 20), true}, {at(22, 0), false}},
		},
		{
			name:   "morning guard skips window",
			guards: bothGuards,
			morn:   tod(6, 20),
			eve:    tod(18, 30),
			want:   []Trigger{{at(18, 20), true}, {at(22, 0), false}},
			skipM:  true,
		},
		{
			name:   "evening guard skips window",
			guards: bothGuards,
			morn:   tod(6, 42),
			eve:    tod(22, 15),
			want:   []Trigger{{at(6, 30), true}, {at(6, 52), false}},
			skipE:  true,
		},
		{
			name:   "guards disabled",
			guards: config.GuardsConfig{},
			morn:   tod(6, 20),
			eve:    tod(22, 15),
			want:   []Trigger{{at(6, 30), true}, {at(6, 30), false}, {at(22, 5), true}, {at(22, 0), false}},
		},
		{
			name:   "reference equal to on-time passes",
			guards: bothGuards,
			morn:   tod(6, 30),
			eve:    tod(22, 0),
			want:   []Trigger{{at(6, 30), true}, {at(6, 40), false}, {at(21, 50), true}, {at(22, 0), false}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := PlanWindows(testDay(), tc.guards, twilight.Result{Morning: tc.morn, Evening: tc.eve})
			if !slices.Equal(plan.Triggers, tc.want) {
				t.Fatalf("triggers = %v, want %v", plan.Triggers, tc.want)
			}
			if plan.MorningSkipped != tc.skipM || plan.EveningSkipped != tc.skipE {
				t.Fatalf("skipped = %v/%v, want %v/%v", plan.MorningSkipped, plan.EveningSkipped, tc.skipM, tc.skipE)
			}
			if !tc.skipM && (plan.MornOff == nil || *plan.MornOff != tc.want[1].At) {
				t.Fatalf("unexpected persisted morning off %v", plan.MornOff)
			}
			if tc.skipM && plan.MornOff != nil {
				t.Fatal("skipped morning must not persist a value")
			}
		})
	}
}

func TestPlanWindowsDisabledSubSchedule(t *testing.T) {
	day := testDay()
	day.Morning.Enabled = false
	plan := PlanWindows(day, bothGuards, twilight.Result{Morning: tod(6, 42), Evening: tod(18, 30)})
	if len(plan.Triggers) != 2 || plan.MorningSkipped || plan.MornOff != nil {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestPlanFallback(t *testing.T) {
	known := at(21, 50)
	plan := PlanFallback(testDay(), Known{EveOn: &known})
	want := []Trigger{{at(6, 30), true}, {at(22, 0), false}, {at(21, 50), true}, {at(6, 40), false}}
	if !slices.Equal(plan.Triggers, want) {
		t.Fatalf("triggers = %v, want %v", plan.Triggers, want)
	}
	if plan.EveOn != nil || plan.MornOff != nil {
		t.Fatal("fallback must not persist twilight-derived values")
	}

	day := testDay()
	day.Evening.OffHour, day.Evening.OffMinute = 1, 15
	plan = PlanFallback(day, Known{})
	if plan.Triggers[2] != (Trigger{at(23, 15), true}) {
		t.Fatalf("evening on should wrap to 23:15, got %v", plan.Triggers[2])
	}

	day.Evening.Enabled = false
	plan = PlanFallback(day, Known{EveOn: &known})
	if len(plan.Triggers) != 2 {
		t.Fatalf("disabled evening must contribute nothing, got %v", plan.Triggers)
	}
}
