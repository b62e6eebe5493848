package schedule

import (
	"encoding/json"
	"fmt"
)

// ActionKind tags the two job actions the reconciler owns.
type ActionKind int

const (
	ActionRelaySet ActionKind = iota + 1
	ActionMaintenance
)

func (k ActionKind) String() string {
	switch k {
	case ActionRelaySet:
		return "relay"
	case ActionMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// Action is what a desired job does when it fires.
type Action interface {
	Kind() ActionKind
	Call() Call
	signature(at TimeOfDay) Signature
}

// RelaySet switches a relay on or off.
type RelaySet struct {
	Relay int
	On    bool
}

func (RelaySet) Kind() ActionKind { return ActionRelaySet }

func (a RelaySet) Call() Call {
	params, _ := json.Marshal(SwitchParams{ID: a.Relay, On: a.On})
	return Call{Method: MethodSwitchSet, Params: params}
}

func (a RelaySet) signature(at TimeOfDay) Signature {
	return Signature{Kind: ActionRelaySet, At: at, Relay: a.Relay, On: a.On}
}

// Maintenance invokes a maintenance routine identified by Code inside the
// device script ScriptID. The script id is not part of the signature, so a
// changed script id updates existing jobs in place.
type Maintenance struct {
	ScriptID int
	Code     string
}

func (Maintenance) Kind() ActionKind { return ActionMaintenance }

func (a Maintenance) Call() Call {
	params, _ := json.Marshal(EvalParams{ID: a.ScriptID, Code: a.Code})
	return Call{Method: MethodScriptEval, Params: params}
}

func (a Maintenance) signature(at TimeOfDay) Signature {
	return Signature{Kind: ActionMaintenance, At: at, Code: a.Code}
}

// Signature identifies a job by its observable effect. It is comparable and
// used directly as a map key; remote ids never take part in matching.
type Signature struct {
	Kind  ActionKind
	At    TimeOfDay
	Relay int
	On    bool
	Code  string
}

// SignatureOf returns the signature of action firing daily at at.
func SignatureOf(at TimeOfDay, action Action) Signature {
	return action.signature(at)
}

func (s Signature) String() string {
	switch s.Kind {
	case ActionRelaySet:
		on := 0
		if s.On {
			on = 1
		}
		return fmt.Sprintf("SW:%s:id=%d:on=%d", Timespec(s.At), s.Relay, on)
	case ActionMaintenance:
		return fmt.Sprintf("EV:%s:%s", Timespec(s.At), s.Code)
	default:
		return "?"
	}
}

// JobSignature derives the signature of a remote job. Jobs with no calls,
// more than one call, an unrecognized method or a non-daily timespec have
// no signature.
func JobSignature(job RemoteJob) (Signature, bool) {
	if len(job.Calls) != 1 {
		return Signature{}, false
	}
	at, err := ParseTimespec(job.Timespec)
	if err != nil {
		return Signature{}, false
	}
	if params, ok := job.SwitchTarget(); ok {
		return RelaySet{Relay: params.ID, On: params.On}.signature(at), true
	}
	if code, ok := job.EvalCode(); ok {
		return Maintenance{Code: code}.signature(at), true
	}
	return Signature{}, false
}

// Index maps signatures to the remote id of the job carrying them.
type Index map[Signature]int

// BuildIndex indexes a snapshot of the remote job store. When two jobs share
// a signature the later one in the snapshot wins; the other is left to pruning.
func BuildIndex(jobs []RemoteJob) Index {
	idx := make(Index, len(jobs))
	for _, job := range jobs {
		if sig, ok := JobSignature(job); ok {
			idx[sig] = job.ID
		}
	}
	return idx
}

// Lookup returns the id of the job with signature sig.
func (idx Index) Lookup(sig Signature) (int, bool) {
	id, ok := idx[sig]
	return id, ok
}

// DesiredSet is the set of signatures that must exist after a run.
type DesiredSet map[Signature]struct{}

func (d DesiredSet) Add(sig Signature) {
	d[sig] = struct{}{}
}

func (d DesiredSet) Has(sig Signature) bool {
	_, ok := d[sig]
	return ok
}

func (d DesiredSet) Len() int {
	return len(d)
}
