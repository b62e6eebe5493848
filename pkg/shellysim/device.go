// Package shellysim emulates the scheduler, KVS and switch RPC surface of a
// Gen2 relay device in process. It backs tests and the --simulate mode.
package shellysim

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/beeper/astrorelay/pkg/schedule"
	"github.com/beeper/astrorelay/pkg/shellyrpc"
)

// Device error codes, matching what real firmware returns.
const (
	CodeInvalidArgument = -103
	CodeNotFound        = -105
)

// State is the persisted part of the emulated device.
type State struct {
	Version int                  `json:"version"`
	NextID  int                  `json:"nextId"`
	Rev     int                  `json:"rev"`
	Jobs    []schedule.RemoteJob `json:"jobs"`
	KVS     map[string]string    `json:"kvs"`
	Relays  map[string]bool      `json:"relays"`
}

// Device is an in-memory device. The zero value is not usable; use New.
type Device struct {
	mu        sync.Mutex
	state     State
	storePath string
	log       zerolog.Logger

	failures map[string]*shellyrpc.RPCError
	hangs    map[string]bool
	counts   map[string]int
	history  []string

	// OnEval is called for Script.Eval calls, both direct and from fired jobs.
	// It runs on the caller's goroutine and must not wait on the RPC queue.
	OnEval func(code string)
}

func New() *Device {
	return &Device{
		state:    State{Version: 1, NextID: 1, KVS: map[string]string{}, Relays: map[string]bool{}},
		failures: map[string]*shellyrpc.RPCError{},
		hangs:    map[string]bool{},
		counts:   map[string]int{},
		log:      zerolog.Nop(),
	}
}

// Fail makes every future call to method return err. A nil err clears it.
func (d *Device) Fail(method string, err *shellyrpc.RPCError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, method)
		return
	}
	d.failures[method] = err
}

// Hang makes calls to method block until their context ends.
func (d *Device) Hang(method string, hang bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangs[method] = hang
}

// Count returns how many times method was called.
func (d *Device) Count(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[method]
}

// History returns the methods called so far, in order.
func (d *Device) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.history)
}

// ResetCounters clears call counts and history.
func (d *Device) ResetCounters() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts = map[string]int{}
	d.history = nil
}

// Jobs returns a copy of the current job table.
func (d *Device) Jobs() []schedule.RemoteJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.state.Jobs)
}

// Seed appends a job directly, bypassing the RPC surface, and returns its id.
func (d *Device) Seed(job schedule.RemoteJob) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	job.ID = d.state.NextID
	d.state.NextID++
	d.state.Jobs = append(d.state.Jobs, job)
	d.state.Rev++
	return job.ID
}

// KV returns the stored value of key.
func (d *Device) KV(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.state.KVS[key]
	return v, ok
}

// SetKV writes key directly.
func (d *Device) SetKV(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.KVS[key] = value
}

// Relay returns the current output state of relay id.
func (d *Device) Relay(id int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Relays[strconv.Itoa(id)]
}

// Call implements the device RPC surface.
func (d *Device) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.counts[method]++
	d.history = append(d.history, method)
	hang := d.hangs[method]
	failure := d.failures[method]
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failure != nil {
		return nil, failure
	}

	var evals []string
	d.mu.Lock()
	result, rpcErr := d.dispatchLocked(method, raw, &evals)
	if rpcErr == nil && isMutation(method) {
		d.saveLocked()
	}
	d.mu.Unlock()
	d.runEvals(evals)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return json.Marshal(result)
}

func isMutation(method string) bool {
	switch method {
	case shellyrpc.MethodScheduleList, shellyrpc.MethodKVSGet:
		return false
	default:
		return true
	}
}

func (d *Device) dispatchLocked(method string, raw json.RawMessage, evals *[]string) (any, *shellyrpc.RPCError) {
	switch method {
	case shellyrpc.MethodScheduleList:
		return map[string]any{"jobs": slices.Clone(d.state.Jobs), "rev": d.state.Rev}, nil
	case shellyrpc.MethodScheduleCreate:
		var job schedule.RemoteJob
		if err := json.Unmarshal(raw, &job); err != nil || job.Timespec == "" || len(job.Calls) == 0 {
			return nil, invalidArgument("timespec and calls are required")
		}
		job.ID = d.state.NextID
		d.state.NextID++
		d.state.Jobs = append(d.state.Jobs, job)
		d.state.Rev++
		return map[string]any{"id": job.ID, "rev": d.state.Rev}, nil
	case shellyrpc.MethodScheduleUpdate:
		var patch struct {
			ID       int              `json:"id"`
			Enable   *bool            `json:"enable"`
			Timespec *string          `json:"timespec"`
			Calls    *[]schedule.Call `json:"calls"`
		}
		if err := json.Unmarshal(raw, &patch); err != nil {
			return nil, invalidArgument(err.Error())
		}
		idx := d.findLocked(patch.ID)
		if idx == -1 {
			return nil, notFound("job", patch.ID)
		}
		job := d.state.Jobs[idx]
		if patch.Enable != nil {
			job.Enable = *patch.Enable
		}
		if patch.Timespec != nil {
			job.Timespec = *patch.Timespec
		}
		if patch.Calls != nil {
			job.Calls = *patch.Calls
		}
		d.state.Jobs[idx] = job
		d.state.Rev++
		return map[string]any{"rev": d.state.Rev}, nil
	case shellyrpc.MethodScheduleDelete:
		var target struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(raw, &target); err != nil {
			return nil, invalidArgument(err.Error())
		}
		idx := d.findLocked(target.ID)
		if idx == -1 {
			return nil, notFound("job", target.ID)
		}
		d.state.Jobs = slices.Delete(d.state.Jobs, idx, idx+1)
		d.state.Rev++
		return map[string]any{"rev": d.state.Rev}, nil
	case shellyrpc.MethodKVSGet:
		var p struct {
			Key string `json:"key"`
		}
		_ = json.Unmarshal(raw, &p)
		value, ok := d.state.KVS[p.Key]
		if !ok {
			return nil, &shellyrpc.RPCError{Code: CodeNotFound, Message: fmt.Sprintf("key %s not found", p.Key)}
		}
		return map[string]any{"value": value, "etag": fmt.Sprintf("%x", len(value))}, nil
	case shellyrpc.MethodKVSSet:
		var p struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(raw, &p); err != nil || p.Key == "" {
			return nil, invalidArgument("key is required")
		}
		d.state.KVS[p.Key] = p.Value
		return map[string]any{"etag": fmt.Sprintf("%x", len(p.Value))}, nil
	case shellyrpc.MethodKVSDelete:
		var p struct {
			Key string `json:"key"`
		}
		_ = json.Unmarshal(raw, &p)
		delete(d.state.KVS, p.Key)
		return map[string]any{}, nil
	case schedule.MethodSwitchSet:
		var p schedule.SwitchParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, invalidArgument(err.Error())
		}
		key := strconv.Itoa(p.ID)
		was := d.state.Relays[key]
		d.state.Relays[key] = p.On
		return map[string]any{"was_on": was}, nil
	case schedule.MethodScriptEval:
		var p schedule.EvalParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, invalidArgument(err.Error())
		}
		*evals = append(*evals, p.Code)
		return map[string]any{"result": nil}, nil
	default:
		return nil, &shellyrpc.RPCError{Code: -114, Message: "method " + method + " not found"}
	}
}

// FireAt runs every enabled job whose daily trigger is at, like the device
// clock reaching that minute would.
func (d *Device) FireAt(at schedule.TimeOfDay) int {
	var evals []string
	fired := 0
	d.mu.Lock()
	for _, job := range d.state.Jobs {
		if !job.Enable {
			continue
		}
		when, err := schedule.ParseTimespec(job.Timespec)
		if err != nil || when != at {
			continue
		}
		fired++
		for _, call := range job.Calls {
			_, _ = d.dispatchLocked(call.Method, call.Params, &evals)
		}
	}
	d.saveLocked()
	d.mu.Unlock()
	d.runEvals(evals)
	return fired
}

func (d *Device) runEvals(codes []string) {
	if d.OnEval == nil {
		return
	}
	for _, code := range codes {
		d.OnEval(code)
	}
}

func (d *Device) findLocked(id int) int {
	return slices.IndexFunc(d.state.Jobs, func(job schedule.RemoteJob) bool {
		return job.ID == id
	})
}

func invalidArgument(msg string) *shellyrpc.RPCError {
	return &shellyrpc.RPCError{Code: CodeInvalidArgument, Message: msg}
}

func notFound(kind string, id int) *shellyrpc.RPCError {
	return &shellyrpc.RPCError{Code: CodeNotFound, Message: fmt.Sprintf("%s %d not found", kind, id)}
}
