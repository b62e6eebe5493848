package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/beeper/astrorelay/pkg/config"
	"github.com/beeper/astrorelay/pkg/reconcile"
)

type statusResponse struct {
	Running bool              `json:"running"`
	Last    *reconcile.Report `json:"last_run,omitempty"`
	Jobs    []string          `json:"jobs,omitempty"`
	JobsErr string            `json:"jobs_error,omitempty"`
}

type runResponse struct {
	Outcome reconcile.Outcome `json:"outcome"`
	Forced  *bool             `json:"forced,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Router returns the ops API. Hook routines run in the background under
// base, so a device forwarding its maintenance evals is never held up.
func (d *Daemon) Router(base context.Context) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", d.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", d.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/reconcile", d.handleReconcile).Methods(http.MethodPost)
	r.HandleFunc("/v1/guard", d.handleGuard).Methods(http.MethodPost)
	r.HandleFunc("/v1/hooks/{routine}", func(w http.ResponseWriter, req *http.Request) {
		d.handleHook(base, w, req)
	}).Methods(http.MethodPost)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Running: d.ctrl.Running()}
	if last, ok := d.ctrl.LastReport(); ok {
		resp.Last = &last
	}
	if jobs, err := d.ctrl.Status(r.Context()); err != nil {
		resp.JobsErr = err.Error()
	} else {
		resp.Jobs = jobs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleReconcile(w http.ResponseWriter, r *http.Request) {
	outcome, err := d.ctrl.Reconcile(r.Context())
	resp := runResponse{Outcome: outcome}
	status := http.StatusOK
	if outcome == reconcile.OutcomeSkipped {
		status = http.StatusConflict
	}
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (d *Daemon) handleGuard(w http.ResponseWriter, r *http.Request) {
	res, err := d.ctrl.Guard(r.Context())
	forced := res.Forced
	resp := runResponse{Outcome: res.Outcome, Forced: &forced, Reason: res.Reason}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (d *Daemon) handleHook(base context.Context, w http.ResponseWriter, r *http.Request) {
	routine := config.Routine(mux.Vars(r)["routine"])
	switch routine {
	case config.RoutineRecompute, config.RoutineGuard, config.RoutineStatus:
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrUnknownRoutine.Error()})
		return
	}
	go func() {
		if err := d.Dispatch(base, routine); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn().Err(err).Str("routine", string(routine)).Msg("hook routine failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"routine": string(routine)})
}
