package shellyrpc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/astrorelay/pkg/rpcqueue"
	"github.com/beeper/astrorelay/pkg/schedule"
	"github.com/beeper/astrorelay/pkg/shellyrpc"
	"github.com/beeper/astrorelay/pkg/shellysim"
)

func newClients(t *testing.T) (*shellysim.Device, *shellyrpc.JobStore, *shellyrpc.KVS) {
	t.Helper()
	dev := shellysim.New()
	q := rpcqueue.New(dev, time.Second, zerolog.Nop())
	t.Cleanup(q.Close)
	return dev, shellyrpc.NewJobStore(q, time.Second, zerolog.Nop()), shellyrpc.NewKVS(q, time.Second, zerolog.Nop())
}

func TestJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	dev, store, _ := newClients(t)

	on := schedule.RelaySet{Relay: 0, On: true}
	created := make(chan int, 1)
	store.Create(shellyrpc.JobSpec{Enable: true, Timespec: schedule.Timespec(schedule.At(6, 30)), Calls: []schedule.Call{on.Call()}}, func(id int, err error) {
		if err != nil {
			t.Errorf("create: %v", err)
		}
		created <- id
	})
	id := <-created

	store.Update(id, shellyrpc.JobSpec{Enable: true, Timespec: schedule.Timespec(schedule.At(6, 45)), Calls: []schedule.Call{on.Call()}}, nil)
	jobs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Timespec != "0 45 6 * * *" {
		t.Fatalf("unexpected jobs after update: %+v", jobs)
	}

	store.Delete(id, nil)
	if err := store.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(dev.Jobs()) != 0 {
		t.Fatalf("expected job to be deleted, got %+v", dev.Jobs())
	}
}

func TestJobStoreListFailure(t *testing.T) {
	dev, store, _ := newClients(t)
	dev.Fail(shellyrpc.MethodScheduleList, &shellyrpc.RPCError{Code: -1, Message: "busy"})
	if _, err := store.List(context.Background()); err == nil {
		t.Fatal("expected list error")
	}
}

func TestKVSGetSet(t *testing.T) {
	ctx := context.Background()
	dev, _, kvs := newClients(t)

	if _, err := kvs.Get(ctx, "missing"); !errors.Is(err, shellyrpc.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	kvs.Set("ab_last_eve_on_hhmm", "21:50")
	got, err := kvs.Get(ctx, "ab_last_eve_on_hhmm")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "21:50" {
		t.Fatalf("unexpected value %q", got)
	}
	if v, _ := dev.KV("ab_last_eve_on_hhmm"); v != "21:50" {
		t.Fatalf("device holds %q", v)
	}
}
