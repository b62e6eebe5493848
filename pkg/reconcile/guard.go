package reconcile

import (
	"context"
	"fmt"

	"github.com/beeper/astrorelay/pkg/schedule"
)

// GuardResult tells whether the guard forced a run and why.
type GuardResult struct {
	Forced  bool
	Reason  string
	Outcome Outcome
}

// Guard checks that today's run happened and that the relay still has jobs.
// When either check fails it forces one full run; otherwise it issues no
// mutating calls.
func (e *Engine) Guard(ctx context.Context) (GuardResult, error) {
	log := e.log.With().Str("routine", "guard").Logger()
	today := e.today()

	last, ok, err := e.state.Get(ctx, e.cfg.State.Keys.LastSuccessDate)
	var reason string
	switch {
	case err != nil:
		reason = fmt.Sprintf("success marker unreadable: %v", err)
	case !ok || last != today:
		reason = fmt.Sprintf("success marker %q is not today (%s)", last, today)
	default:
		jobs, err := e.jobs.List(ctx)
		if err != nil {
			reason = fmt.Sprintf("job list failed: %v", err)
		} else if !e.hasRelayJob(jobs) {
			reason = "no jobs for the relay"
		}
	}
	if reason == "" {
		log.Debug().Msg("guard: ok")
		return GuardResult{}, nil
	}
	log.Info().Str("reason", reason).Msg("guard: forcing reconcile")
	outcome, err := e.Reconcile(ctx)
	return GuardResult{Forced: true, Reason: reason, Outcome: outcome}, err
}

func (e *Engine) hasRelayJob(jobs []schedule.RemoteJob) bool {
	for _, job := range jobs {
		if target, ok := job.SwitchTarget(); ok && target.ID == e.cfg.Device.RelayID {
			return true
		}
	}
	return false
}

// Cleanup deletes every job this controller owns and waits for the queue to
// drain. It runs once at startup so the first run starts from a clean slate.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	jobs, err := e.jobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	deleted := 0
	for _, job := range jobs {
		if !owns(e, job) {
			continue
		}
		e.jobs.Delete(job.ID, nil)
		deleted++
	}
	e.log.Info().Int("deleted", deleted).Msg("cleanup: removed owned jobs")
	return deleted, e.jobs.Drain(ctx)
}

// Status lists the device jobs, one line per job, and logs them.
func (e *Engine) Status(ctx context.Context) ([]string, error) {
	jobs, err := e.jobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	lines := make([]string, 0, len(jobs))
	for _, job := range jobs {
		state := "DIS"
		if job.Enable {
			state = "EN"
		}
		method := "?"
		if call, ok := job.FirstCall(); ok {
			method = call.Method
		}
		lines = append(lines, fmt.Sprintf("#%d %s %s %s", job.ID, state, job.Timespec, method))
	}
	if len(lines) == 0 {
		e.log.Info().Msg("status: no jobs")
	}
	for _, line := range lines {
		e.log.Info().Msg("status: " + line)
	}
	return lines, nil
}
