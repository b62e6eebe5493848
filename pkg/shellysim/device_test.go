package shellysim

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/beeper/astrorelay/pkg/schedule"
	"github.com/beeper/astrorelay/pkg/shellyrpc"
)

func TestDeviceFireAt(t *testing.T) {
	d := New()
	var evals []string
	d.OnEval = func(code string) { evals = append(evals, code) }
	d.Seed(schedule.RemoteJob{Enable: true, Timespec: "0 30 6 * * *", Calls: []schedule.Call{schedule.RelaySet{Relay: 0, On: true}.Call()}})
	d.Seed(schedule.RemoteJob{Enable: false, Timespec: "0 30 6 * * *", Calls: []schedule.Call{schedule.RelaySet{Relay: 1, On: true}.Call()}})
	d.Seed(schedule.RemoteJob{Enable: true, Timespec: "0 30 6 * * *", Calls: []schedule.Call{schedule.Maintenance{ScriptID: 1, Code: "recompute"}.Call()}})

	if fired := d.FireAt(schedule.At(6, 30)); fired != 2 {
		t.Fatalf("expected 2 jobs to fire, got %d", fired)
	}
	if !d.Relay(0) || d.Relay(1) {
		t.Fatalf("unexpected relay states: 0=%v 1=%v", d.Relay(0), d.Relay(1))
	}
	if len(evals) != 1 || evals[0] != "recompute" {
		t.Fatalf("unexpected evals %v", evals)
	}
}

func TestDeviceUnknownJob(t *testing.T) {
	d := New()
	_, err := d.Call(context.Background(), shellyrpc.MethodScheduleDelete, map[string]any{"id": 42})
	rpcErr, ok := err.(*shellyrpc.RPCError)
	if !ok || rpcErr.Code != CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDevicePersistsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json5")
	d := Open(path, zerolog.Nop())
	params := map[string]any{"enable": true, "timespec": "0 0 22 * * *", "calls": []schedule.Call{schedule.RelaySet{On: false}.Call()}}
	raw, err := d.Call(context.Background(), shellyrpc.MethodScheduleCreate, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created struct {
		ID int `json:"id"`
	}
	_ = json.Unmarshal(raw, &created)
	if _, err := d.Call(context.Background(), shellyrpc.MethodKVSSet, map[string]any{"key": "k", "value": "v"}); err != nil {
		t.Fatalf("kvs set: %v", err)
	}

	reopened := Open(path, zerolog.Nop())
	jobs := reopened.Jobs()
	if len(jobs) != 1 || jobs[0].ID != created.ID {
		t.Fatalf("unexpected reloaded jobs %+v", jobs)
	}
	if v, ok := reopened.KV("k"); !ok || v != "v" {
		t.Fatalf("unexpected reloaded kvs %q %v", v, ok)
	}
	if id := reopened.Seed(schedule.RemoteJob{Timespec: "0 0 1 * * *"}); id <= created.ID {
		t.Fatalf("expected ids to keep increasing, got %d", id)
	}
}

func TestDeviceReportsPersistFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var logs bytes.Buffer
	d := Open(filepath.Join(blocker, "device.json5"), zerolog.New(&logs))

	if _, err := d.Call(context.Background(), shellyrpc.MethodKVSSet, map[string]any{"key": "k", "value": "v"}); err != nil {
		t.Fatalf("kvs set must still succeed in memory: %v", err)
	}
	if v, ok := d.KV("k"); !ok || v != "v" {
		t.Fatalf("unexpected in-memory value %q %v", v, ok)
	}
	if err := d.persistLocked(); err == nil {
		t.Fatal("expected persist to fail under a regular file")
	}
	if !strings.Contains(logs.String(), "failed to persist emulator state") {
		t.Fatalf("expected a warning, got %q", logs.String())
	}
}
