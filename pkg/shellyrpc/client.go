package shellyrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/beeper/astrorelay/pkg/rpcqueue"
	"github.com/beeper/astrorelay/pkg/schedule"
)

// Device methods used by the reconciler.
const (
	MethodScheduleList   = "Schedule.List"
	MethodScheduleCreate = "Schedule.Create"
	MethodScheduleUpdate = "Schedule.Update"
	MethodScheduleDelete = "Schedule.Delete"
	MethodKVSGet         = "KVS.Get"
	MethodKVSSet         = "KVS.Set"
	MethodKVSDelete      = "KVS.Delete"
)

// JobSpec is the mutable part of a job sent with Create and Update.
type JobSpec struct {
	Enable   bool
	Timespec string
	Calls    []schedule.Call
}

type jobFrame struct {
	ID       *int            `json:"id,omitempty"`
	Enable   bool            `json:"enable"`
	Timespec string          `json:"timespec"`
	Calls    []schedule.Call `json:"calls"`
}

type listResult struct {
	Jobs []schedule.RemoteJob `json:"jobs"`
	Rev  int                  `json:"rev"`
}

// JobStore is the device scheduler as seen through the queue. Reads wait for
// their result; mutations are fire-and-forget and only log failures.
type JobStore struct {
	queue   *rpcqueue.Queue
	timeout time.Duration
	log     zerolog.Logger
}

func NewJobStore(queue *rpcqueue.Queue, timeout time.Duration, log zerolog.Logger) *JobStore {
	return &JobStore{queue: queue, timeout: timeout, log: log.With().Str("component", "jobstore").Logger()}
}

// List returns the current snapshot of device jobs.
func (s *JobStore) List(ctx context.Context) ([]schedule.RemoteJob, error) {
	var out listResult
	if err := s.queue.Do(ctx, MethodScheduleList, map[string]any{}, s.timeout).Decode(&out); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out.Jobs, nil
}

// Create schedules a new job. done may be nil.
func (s *JobStore) Create(spec JobSpec, done func(id int, err error)) {
	frame := jobFrame{Enable: spec.Enable, Timespec: spec.Timespec, Calls: spec.Calls}
	s.queue.Submit(MethodScheduleCreate, frame, s.timeout, func(res rpcqueue.Result) {
		var created struct {
			ID int `json:"id"`
		}
		err := res.Decode(&created)
		if err != nil {
			s.log.Warn().Err(err).Str("timespec", spec.Timespec).Msg("create failed")
		}
		if done != nil {
			done(created.ID, err)
		}
	})
}

// Update rewrites job id in place. done may be nil.
func (s *JobStore) Update(id int, spec JobSpec, done func(err error)) {
	frame := jobFrame{ID: ptr.Ptr(id), Enable: spec.Enable, Timespec: spec.Timespec, Calls: spec.Calls}
	s.queue.Submit(MethodScheduleUpdate, frame, s.timeout, func(res rpcqueue.Result) {
		err := res.Err()
		if err != nil {
			s.log.Warn().Err(err).Int("job_id", id).Msg("update failed")
		}
		if done != nil {
			done(err)
		}
	})
}

// Delete removes job id. done may be nil.
func (s *JobStore) Delete(id int, done func(err error)) {
	s.queue.Submit(MethodScheduleDelete, map[string]any{"id": id}, s.timeout, func(res rpcqueue.Result) {
		err := res.Err()
		if err != nil {
			s.log.Warn().Err(err).Int("job_id", id).Msg("delete failed")
		}
		if done != nil {
			done(err)
		}
	})
}

// Drain waits until every submitted mutation has completed or timed out.
func (s *JobStore) Drain(ctx context.Context) error {
	return s.queue.Wait(ctx)
}

// ErrKeyNotFound is the device's answer for an absent KVS key.
var ErrKeyNotFound = errors.New("kvs key not found")

// kvsNotFoundCode is what Gen2 devices return from KVS.Get for a missing key.
const kvsNotFoundCode = -105

// KVS is the device key-value store as seen through the queue.
type KVS struct {
	queue   *rpcqueue.Queue
	timeout time.Duration
	log     zerolog.Logger
}

func NewKVS(queue *rpcqueue.Queue, timeout time.Duration, log zerolog.Logger) *KVS {
	return &KVS{queue: queue, timeout: timeout, log: log.With().Str("component", "kvs").Logger()}
}

// Get reads key, returning ErrKeyNotFound when the device has no value.
func (k *KVS) Get(ctx context.Context, key string) (string, error) {
	res := k.queue.Do(ctx, MethodKVSGet, map[string]any{"key": key}, k.timeout)
	if res.Code == kvsNotFoundCode {
		return "", ErrKeyNotFound
	}
	var out struct {
		Value *string `json:"value"`
	}
	if err := res.Decode(&out); err != nil {
		return "", fmt.Errorf("kvs get %s: %w", key, err)
	}
	if out.Value == nil {
		return "", ErrKeyNotFound
	}
	return *out.Value, nil
}

// Set writes key through the queue without waiting for the result.
func (k *KVS) Set(key, value string) {
	k.queue.Submit(MethodKVSSet, map[string]any{"key": key, "value": value}, k.timeout, func(res rpcqueue.Result) {
		if err := res.Err(); err != nil {
			k.log.Warn().Err(err).Str("key", key).Msg("kvs set failed")
		}
	})
}
