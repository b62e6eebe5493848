// Package daemon runs the controller: startup cleanup, the first run, the
// daily routines and the ops HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/beeper/astrorelay/pkg/config"
	"github.com/beeper/astrorelay/pkg/reconcile"
)

// Controller is the reconcile surface the daemon drives. *reconcile.Engine
// implements it.
type Controller interface {
	Reconcile(ctx context.Context) (reconcile.Outcome, error)
	Guard(ctx context.Context) (reconcile.GuardResult, error)
	Status(ctx context.Context) ([]string, error)
	Cleanup(ctx context.Context) (int, error)
	LastReport() (reconcile.Report, bool)
	Running() bool
}

// ErrUnknownRoutine is returned by Dispatch for routines it does not know.
var ErrUnknownRoutine = errors.New("unknown routine")

type Daemon struct {
	cfg  *config.Config
	ctrl Controller
	log  zerolog.Logger
}

func New(cfg *config.Config, ctrl Controller, log zerolog.Logger) *Daemon {
	return &Daemon{cfg: cfg, ctrl: ctrl, log: log.With().Str("component", "daemon").Logger()}
}

// Dispatch runs one maintenance routine. The status routine is a no-op
// outside verbose mode, like its device job.
func (d *Daemon) Dispatch(ctx context.Context, routine config.Routine) error {
	log := d.log.With().Str("routine", string(routine)).Logger()
	switch routine {
	case config.RoutineRecompute:
		outcome, err := d.ctrl.Reconcile(ctx)
		log.Debug().Str("outcome", string(outcome)).Msg("routine done")
		return err
	case config.RoutineGuard:
		res, err := d.ctrl.Guard(ctx)
		log.Debug().Bool("forced", res.Forced).Str("reason", res.Reason).Msg("routine done")
		return err
	case config.RoutineStatus:
		if !d.cfg.Verbose {
			return nil
		}
		_, err := d.ctrl.Status(ctx)
		return err
	default:
		return fmt.Errorf("%w %q", ErrUnknownRoutine, routine)
	}
}

// DispatchCode runs the routine a device Script.Eval code stands for.
// Unknown codes are ignored.
func (d *Daemon) DispatchCode(ctx context.Context, code string) {
	routine, ok := d.cfg.Maintenance.RoutineForCode(code)
	if !ok {
		d.log.Debug().Str("code", code).Msg("ignoring unknown eval code")
		return
	}
	if err := d.Dispatch(ctx, routine); err != nil {
		d.log.Warn().Err(err).Str("routine", string(routine)).Msg("routine failed")
	}
}

type routineJob struct {
	routine config.Routine
	job     config.MaintenanceJob
}

// Triggers builds the local daily scheduler in the configured timezone. It is
// returned stopped.
func (d *Daemon) Triggers(ctx context.Context) (*cronlib.Cron, error) {
	c := cronlib.New(cronlib.WithLocation(d.cfg.Location.TimeZone()))
	m := d.cfg.Maintenance
	entries := []routineJob{
		{config.RoutineRecompute, m.Recompute},
		{config.RoutineGuard, m.Guard},
	}
	if d.cfg.Verbose {
		entries = append(entries, routineJob{config.RoutineStatus, m.Status})
	}
	for _, entry := range entries {
		at := entry.job.Time()
		routine := entry.routine
		spec := fmt.Sprintf("%d %d * * *", at.Minute, at.Hour)
		_, err := c.AddFunc(spec, func() {
			if err := d.Dispatch(ctx, routine); err != nil {
				d.log.Warn().Err(err).Str("routine", string(routine)).Msg("scheduled routine failed")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", routine, err)
		}
	}
	return c, nil
}

// Run cleans up owned jobs, waits the startup delay, runs once and then
// serves the routines and the ops API until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if deleted, err := d.ctrl.Cleanup(ctx); err != nil {
		d.log.Warn().Err(err).Msg("startup cleanup failed")
	} else {
		d.log.Debug().Int("deleted", deleted).Msg("startup cleanup done")
	}
	select {
	case <-time.After(d.cfg.Maintenance.StartupDelay):
	case <-ctx.Done():
		return nil
	}
	if _, err := d.ctrl.Reconcile(ctx); err != nil {
		d.log.Warn().Err(err).Msg("initial run failed")
	}

	if d.cfg.Maintenance.LocalTriggers {
		triggers, err := d.Triggers(ctx)
		if err != nil {
			return err
		}
		triggers.Start()
		defer func() { <-triggers.Stop().Done() }()
	}

	if d.cfg.Ops.Listen == "" {
		<-ctx.Done()
		return nil
	}
	srv := &http.Server{
		Addr:              d.cfg.Ops.Listen,
		Handler:           d.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.log.Info().Str("listen", srv.Addr).Msg("ops api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops api: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
