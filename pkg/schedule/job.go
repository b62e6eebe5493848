package schedule

import "encoding/json"

// Device RPC methods a job call can carry.
const (
	MethodSwitchSet  = "Switch.Set"
	MethodScriptEval = "Script.Eval"
)

// RemoteJob is one entry of the device scheduler as returned by Schedule.List.
type RemoteJob struct {
	ID       int    `json:"id"`
	Enable   bool   `json:"enable"`
	Timespec string `json:"timespec"`
	Calls    []Call `json:"calls"`
}

// Call is a single RPC invocation performed when a job fires.
type Call struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SwitchParams are the parameters of a Switch.Set call.
type SwitchParams struct {
	ID int  `json:"id"`
	On bool `json:"on"`
}

// EvalParams are the parameters of a Script.Eval call.
type EvalParams struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
}

// FirstCall returns the job's first call, if any.
func (j RemoteJob) FirstCall() (Call, bool) {
	if len(j.Calls) == 0 {
		return Call{}, false
	}
	return j.Calls[0], true
}

// SwitchTarget reports whether the job's first call is a Switch.Set and
// which relay it addresses.
func (j RemoteJob) SwitchTarget() (SwitchParams, bool) {
	call, ok := j.FirstCall()
	if !ok || call.Method != MethodSwitchSet {
		return SwitchParams{}, false
	}
	var params SwitchParams
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return SwitchParams{}, false
		}
	}
	return params, true
}

// EvalCode returns the code of a Script.Eval first call.
func (j RemoteJob) EvalCode() (string, bool) {
	call, ok := j.FirstCall()
	if !ok || call.Method != MethodScriptEval {
		return "", false
	}
	var params EvalParams
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return "", false
		}
	}
	return params.Code, true
}
