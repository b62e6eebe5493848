package reconcile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/beeper/astrorelay/pkg/schedule"
	"github.com/beeper/astrorelay/pkg/shellyrpc"
)

// converger holds one run's snapshot, index and desired set.
type converger struct {
	e       *Engine
	log     *zerolog.Logger
	jobs    []schedule.RemoteJob
	index   schedule.Index
	desired schedule.DesiredSet
	report  *Report
}

func (e *Engine) newConverger(ctx context.Context, jobs []schedule.RemoteJob, report *Report) *converger {
	return &converger{
		e:       e,
		log:     zerolog.Ctx(ctx),
		jobs:    jobs,
		index:   schedule.BuildIndex(jobs),
		desired: schedule.DesiredSet{},
		report:  report,
	}
}

func (c *converger) ensureRelayTrigger(at schedule.TimeOfDay, on bool) {
	c.ensure(at, schedule.RelaySet{Relay: c.e.cfg.Device.RelayID, On: on})
}

func (c *converger) ensureMaintenanceTrigger(at schedule.TimeOfDay, code string) {
	c.ensure(at, schedule.Maintenance{ScriptID: c.e.cfg.Device.ScriptID, Code: code})
}

// ensure updates the job carrying the action's signature in place, or creates
// it. The signature joins the desired set either way. A signature already
// ensured in this run is a no-op.
func (c *converger) ensure(at schedule.TimeOfDay, action schedule.Action) {
	sig := schedule.SignatureOf(at, action)
	if c.desired.Has(sig) {
		c.log.Debug().Stringer("signature", sig).Msg("reconcile: trigger already ensured in this run")
		return
	}
	c.desired.Add(sig)
	spec := shellyrpc.JobSpec{Enable: true, Timespec: schedule.Timespec(at), Calls: []schedule.Call{action.Call()}}
	if id, ok := c.index.Lookup(sig); ok {
		c.log.Debug().Int("job_id", id).Stringer("action", action.Kind()).Stringer("signature", sig).Msg("reconcile: job present, updating in place")
		c.e.jobs.Update(id, spec, nil)
		c.report.Updated++
		return
	}
	c.log.Debug().Stringer("action", action.Kind()).Stringer("signature", sig).Msg("reconcile: creating job")
	c.e.jobs.Create(spec, nil)
	c.report.Created++
}

// ensureMaintenance keeps the recompute and guard jobs, and the status job
// only in verbose mode. A status job left over from a verbose run is pruned
// because it never enters the desired set.
func (c *converger) ensureMaintenance(verbose bool) {
	m := c.e.cfg.Maintenance
	c.ensureMaintenanceTrigger(m.Recompute.Time(), m.Recompute.Code)
	c.ensureMaintenanceTrigger(m.Guard.Time(), m.Guard.Code)
	if verbose {
		c.ensureMaintenanceTrigger(m.Status.Time(), m.Status.Code)
	}
}

// owns reports whether job belongs to this controller: a relay switch for the
// configured relay, or one of the configured maintenance routines. Jobs for
// other relays and foreign scripts are never owned.
func owns(e *Engine, job schedule.RemoteJob) bool {
	if target, ok := job.SwitchTarget(); ok {
		return target.ID == e.cfg.Device.RelayID
	}
	if code, ok := job.EvalCode(); ok {
		_, ours := e.cfg.Maintenance.RoutineForCode(code)
		return ours
	}
	return false
}

// pruneExcept deletes every owned job whose signature is not desired, whose
// shape cannot be signed, or which duplicates a signature another job already
// carries.
func (c *converger) pruneExcept() {
	for _, job := range c.jobs {
		if !owns(c.e, job) {
			continue
		}
		sig, ok := schedule.JobSignature(job)
		switch {
		case !ok:
			c.log.Debug().Int("job_id", job.ID).Str("timespec", job.Timespec).Msg("reconcile: pruning unsignable job")
		case !c.desired.Has(sig):
			c.log.Debug().Int("job_id", job.ID).Stringer("signature", sig).Msg("reconcile: pruning stale job")
		case c.index[sig] != job.ID:
			c.log.Debug().Int("job_id", job.ID).Stringer("signature", sig).Msg("reconcile: pruning duplicate job")
		default:
			continue
		}
		c.e.jobs.Delete(job.ID, nil)
		c.report.Deleted++
	}
	c.log.Debug().Int("desired", c.desired.Len()).Int("deleted", c.report.Deleted).Msg("reconcile: prune done")
}
