// Package reconcile converges the device scheduler with the desired daily
// relay schedule. Each run lists the device jobs, indexes them by signature,
// upserts every desired job and prunes the owned jobs that are no longer
// wanted. Mutations go through the RPC queue without waiting; the next run's
// full listing corrects anything that did not land.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/beeper/astrorelay/pkg/config"
	"github.com/beeper/astrorelay/pkg/schedule"
	"github.com/beeper/astrorelay/pkg/shellyrpc"
	"github.com/beeper/astrorelay/pkg/statestore"
	"github.com/beeper/astrorelay/pkg/twilight"
)

// JobStore is the device scheduler. *shellyrpc.JobStore implements it.
type JobStore interface {
	List(ctx context.Context) ([]schedule.RemoteJob, error)
	Create(spec shellyrpc.JobSpec, done func(id int, err error))
	Update(id int, spec shellyrpc.JobSpec, done func(err error))
	Delete(id int, done func(err error))
	Drain(ctx context.Context) error
}

// Resolver provides twilight data. *twilight.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, date time.Time) (twilight.Result, error)
}

// Outcome describes how a run ended.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomePrimary  Outcome = "primary"
	OutcomeFallback Outcome = "fallback"
	OutcomeAborted  Outcome = "aborted"
)

// Report summarizes the most recent run.
type Report struct {
	RunID    string
	Started  time.Time
	Date     string
	DayType  string
	Outcome  Outcome
	Triggers []string
	Created  int
	Updated  int
	Deleted  int
	Error    string
}

type Engine struct {
	cfg      *config.Config
	jobs     JobStore
	state    statestore.Store
	resolver Resolver
	log      zerolog.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time

	running atomic.Bool

	reportLock sync.Mutex
	last       *Report
}

func New(cfg *config.Config, jobs JobStore, state statestore.Store, resolver Resolver, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		jobs:     jobs,
		state:    state,
		resolver: resolver,
		log:      log.With().Str("component", "reconcile").Logger(),
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	return e.Now().In(e.cfg.Location.TimeZone())
}

func (e *Engine) today() string {
	return e.now().Format(time.DateOnly)
}

// Running reports whether a run currently holds the lock.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LastReport returns a copy of the most recent completed run, if any.
func (e *Engine) LastReport() (Report, bool) {
	e.reportLock.Lock()
	defer e.reportLock.Unlock()
	if e.last == nil {
		return Report{}, false
	}
	out := *e.last
	out.Triggers = append([]string(nil), e.last.Triggers...)
	return out, true
}

// Reconcile performs one run. A run that finds the lock held returns
// OutcomeSkipped immediately. The returned error is informational: every
// failure path ends in a completed, fallback or aborted run.
func (e *Engine) Reconcile(ctx context.Context) (Outcome, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.log.Debug().Msg("reconcile: run skipped, lock held")
		return OutcomeSkipped, nil
	}
	defer e.running.Store(false)

	now := e.now()
	report := &Report{
		RunID:   xid.New().String(),
		Started: now,
		Date:    now.Format(time.DateOnly),
	}
	log := e.log.With().Str("run_id", report.RunID).Str("date", report.Date).Logger()
	ctx = log.WithContext(ctx)

	outcome, err := e.run(ctx, now, report)
	report.Outcome = outcome
	if err != nil {
		report.Error = err.Error()
		log.Warn().Err(err).Str("outcome", string(outcome)).Msg("reconcile: run finished with error")
	} else {
		log.Info().
			Str("outcome", string(outcome)).
			Strs("triggers", report.Triggers).
			Int("created", report.Created).
			Int("updated", report.Updated).
			Int("deleted", report.Deleted).
			Msg("reconcile: run finished")
	}
	e.reportLock.Lock()
	e.last = report
	e.reportLock.Unlock()
	return outcome, err
}

func (e *Engine) run(ctx context.Context, now time.Time, report *Report) (Outcome, error) {
	log := zerolog.Ctx(ctx)
	dayType := config.DayTypeOf(now)
	day := e.cfg.Schedules.For(dayType)
	report.DayType = dayType.String()

	var plan Plan
	outcome := OutcomePrimary
	tw, err := e.resolver.Resolve(ctx, now)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("reconcile: twilight unavailable, using fallback")
		outcome = OutcomeFallback
	case !tw.Complete():
		log.Warn().Msg("reconcile: twilight data incomplete, using fallback")
		outcome = OutcomeFallback
	default:
		plan = PlanWindows(day, e.cfg.Guards, tw)
		if plan.MorningSkipped {
			log.Info().Time("reference", *tw.Morning).Msg("reconcile: morning window skipped by guard")
		}
		if plan.EveningSkipped {
			log.Info().Time("reference", *tw.Evening).Msg("reconcile: evening window skipped by guard")
		}
	}
	if outcome == OutcomeFallback {
		plan = PlanFallback(day, e.loadKnown(ctx))
	}

	jobs, err := e.jobs.List(ctx)
	if err != nil {
		return OutcomeAborted, err
	}
	c := e.newConverger(ctx, jobs, report)
	for _, trigger := range plan.Triggers {
		c.ensureRelayTrigger(trigger.At, trigger.On)
		report.Triggers = append(report.Triggers, trigger.String())
	}
	c.ensureMaintenance(e.cfg.Verbose)
	if plan.MornOff != nil {
		e.persist(ctx, e.cfg.State.Keys.LastMornOff, plan.MornOff.String())
	}
	if plan.EveOn != nil {
		e.persist(ctx, e.cfg.State.Keys.LastEveOn, plan.EveOn.String())
	}
	c.pruneExcept()
	e.persist(ctx, e.cfg.State.Keys.LastSuccessDate, report.Date)
	return outcome, nil
}

func (t Trigger) String() string {
	if t.On {
		return t.At.String() + " on"
	}
	return t.At.String() + " off"
}

// loadKnown reads the last persisted twilight-derived times. Read failures
// and unparsable values count as unknown.
func (e *Engine) loadKnown(ctx context.Context) Known {
	var known Known
	if at, ok := e.loadTime(ctx, e.cfg.State.Keys.LastEveOn); ok {
		known.EveOn = &at
	}
	if at, ok := e.loadTime(ctx, e.cfg.State.Keys.LastMornOff); ok {
		known.MornOff = &at
	}
	return known
}

func (e *Engine) loadTime(ctx context.Context, key string) (schedule.TimeOfDay, bool) {
	raw, ok, err := e.state.Get(ctx, key)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("reconcile: state read failed")
		return schedule.TimeOfDay{}, false
	}
	if !ok {
		return schedule.TimeOfDay{}, false
	}
	return schedule.ParseTimeOfDay(raw)
}

func (e *Engine) persist(ctx context.Context, key, value string) {
	if err := e.state.Set(ctx, key, value); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("reconcile: state write failed")
	}
}
