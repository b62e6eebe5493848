// Package rpcqueue serializes outbound device RPCs.
//
// Calls run strictly one at a time in submission order. Every call races its
// own timer; when the timer wins, the callback receives a timeout result and
// the queue moves on. A response that arrives after its timeout is dropped.
// Submit never blocks the caller.
package rpcqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status codes reported alongside a Result. Device errors keep their own code.
const (
	CodeOK        = 0
	CodeTimeout   = -1
	CodeTransport = -2
	CodeClosed    = -3
)

var (
	ErrTimeout = errors.New("rpc timeout")
	ErrClosed  = errors.New("rpc queue closed")
)

// Caller performs a single RPC against the device.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// CodedError lets transports surface a device status code.
type CodedError interface {
	error
	RPCCode() int
}

// Result is what a completion callback receives.
type Result struct {
	Value   json.RawMessage
	Code    int
	Message string
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Code == CodeOK
}

// Err converts a failed result into an error.
func (r Result) Err() error {
	switch r.Code {
	case CodeOK:
		return nil
	case CodeTimeout:
		return ErrTimeout
	case CodeClosed:
		return ErrClosed
	default:
		return fmt.Errorf("rpc failed (code %d): %s", r.Code, r.Message)
	}
}

// Decode unmarshals the result value into out.
func (r Result) Decode(out any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Value) == 0 {
		return errors.New("missing rpc result")
	}
	return json.Unmarshal(r.Value, out)
}

// Callback is invoked exactly once per submitted call.
type Callback func(Result)

type pendingCall struct {
	method  string
	params  any
	timeout time.Duration
	cb      Callback
}

// Queue is a FIFO of device calls with a single call in flight.
type Queue struct {
	caller         Caller
	defaultTimeout time.Duration
	log            zerolog.Logger

	mu      sync.Mutex
	pending []pendingCall
	busy    bool
	closed  bool
	idle    chan struct{}
}

// New creates a queue in front of caller. A non-positive defaultTimeout
// falls back to five seconds.
func New(caller Caller, defaultTimeout time.Duration, log zerolog.Logger) *Queue {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		caller:         caller,
		defaultTimeout: defaultTimeout,
		log:            log.With().Str("component", "rpcqueue").Logger(),
		idle:           idle,
	}
}

// Submit appends a call to the queue. cb may be nil.
func (q *Queue) Submit(method string, params any, timeout time.Duration, cb Callback) {
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.deliver(method, cb, Result{Code: CodeClosed, Message: "closed"})
		return
	}
	q.pending = append(q.pending, pendingCall{method: method, params: params, timeout: timeout, cb: cb})
	q.mu.Unlock()
	q.pump()
}

// Do submits a call and waits for its result. Ordering is still the queue's:
// the call runs only after everything submitted before it.
func (q *Queue) Do(ctx context.Context, method string, params any, timeout time.Duration) Result {
	done := make(chan Result, 1)
	q.Submit(method, params, timeout, func(res Result) {
		done <- res
	})
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Result{Code: CodeTransport, Message: ctx.Err().Error()}
	}
}

// Wait blocks until the queue has no pending or in-flight calls.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		q.mu.Unlock()
		select {
		case <-idle:
			q.mu.Lock()
			settled := !q.busy && len(q.pending) == 0
			q.mu.Unlock()
			if settled {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of calls waiting to run, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects new submissions and fails everything still waiting.
// The call in flight, if any, completes normally.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, call := range dropped {
		q.deliver(call.method, call.cb, Result{Code: CodeClosed, Message: "closed"})
	}
	q.mu.Lock()
	q.settleLocked()
	q.mu.Unlock()
}

func (q *Queue) pump() {
	q.mu.Lock()
	if q.busy {
		q.mu.Unlock()
		return
	}
	if len(q.pending) == 0 {
		q.pending = nil
		q.settleLocked()
		q.mu.Unlock()
		return
	}
	call := q.pending[0]
	q.pending[0] = pendingCall{}
	q.pending = q.pending[1:]
	q.busy = true
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
	q.mu.Unlock()

	go q.run(call)
}

// settleLocked marks the queue idle when nothing is running or waiting.
func (q *Queue) settleLocked() {
	if q.busy || len(q.pending) > 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

func (q *Queue) run(call pendingCall) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responses := make(chan Result, 1)
	go func() {
		value, err := q.caller.Call(ctx, call.method, call.params)
		responses <- toResult(value, err)
	}()

	timer := time.NewTimer(call.timeout)
	defer timer.Stop()

	var res Result
	select {
	case res = <-responses:
	case <-timer.C:
		q.log.Debug().Str("method", call.method).Dur("timeout", call.timeout).Msg("rpc timeout")
		res = Result{Code: CodeTimeout, Message: "timeout"}
	}
	q.deliver(call.method, call.cb, res)

	q.mu.Lock()
	q.busy = false
	q.mu.Unlock()
	q.pump()
}

func (q *Queue) deliver(method string, cb Callback, res Result) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Warn().Str("method", method).Interface("panic", r).Msg("rpc callback panicked")
		}
	}()
	cb(res)
}

func toResult(value json.RawMessage, err error) Result {
	if err == nil {
		return Result{Value: value, Code: CodeOK}
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return Result{Code: coded.RPCCode(), Message: coded.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Code: CodeTimeout, Message: "timeout"}
	}
	return Result{Code: CodeTransport, Message: err.Error()}
}
