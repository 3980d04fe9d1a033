package oxalis

import (
	"context"
	"reflect"
	"time"
)

// Func is a task callable. It may be synchronous (return zero or one
// non-error value plus an optional trailing error) or, per the
// re-architecture in the design notes, explicitly asynchronous — see
// Async and Deferred. Dispatch distinguishes the two by the descriptor's Kind,
// never by inspecting the return value at call time.
type Func any

// Kind discriminates a task's calling convention.
type Kind int

const (
	// Sync marks a task whose Func is an ordinary Go function, invoked
	// directly and awaited synchronously by the pool.
	Sync Kind = iota
	// Async marks a task whose Func returns a channel-backed deferred
	// result; the dispatch path cooperatively awaits it instead of
	// inspecting the return value to decide.
	Async
)

// Deferred is the contract an Async task's Func must return: a channel
// that yields exactly one error (nil on success) when the background
// computation completes.
type Deferred = <-chan error

// Task is an immutable-after-registration descriptor binding a name to
// a callable and its execution policy. Transport drivers embed Task to
// add their own policy fields (AMQP ack/reject flags, log-broker topic).
type Task struct {
	Name    string
	Func    Func
	Kind    Kind
	Timeout time.Duration // <=0 means "inherit pool default"
	PoolKey string        // identity of the pool this task runs on; "" = primary

	fn reflect.Value
}

// NewTask constructs a descriptor. name is used exactly as supplied; no
// default name is derived when it is empty.
func NewTask(name string, fn Func, kind Kind, timeout time.Duration, poolKey string) *Task {
	return &Task{
		Name:    name,
		Func:    fn,
		Kind:    kind,
		Timeout: timeout,
		PoolKey: poolKey,
		fn:      reflect.ValueOf(fn),
	}
}

// Invoke calls the underlying Func with positional args, returning its
// error result (or, for an Async task, blocking on the Deferred it
// returns). Sync funcs are expected to have the signature
// func(args...) error or func(args...) (T, error) or func(args...)
// (no error at all, meaning "cannot fail").
func (t *Task) Invoke(args []reflect.Value) error {
	results := t.fn.Call(args)
	if t.Kind == Async {
		if len(results) != 1 {
			return &TaskExecutionError{TaskName: t.Name, Cause: errBadAsyncSignature}
		}
		deferred, ok := results[0].Interface().(Deferred)
		if !ok {
			return &TaskExecutionError{TaskName: t.Name, Cause: errBadAsyncSignature}
		}
		return <-deferred
	}
	return lastError(results)
}

// InvokeContext runs Invoke in its own goroutine and races it against
// ctx, returning a *TaskTimeoutError if ctx is done first. Go cannot
// preempt a running call, so a timeout bounds how long the caller
// waits, not how long the callable itself keeps running; the pool
// still treats the unit as failed for ack/commit purposes (§4.1/§5).
func (t *Task) InvokeContext(ctx context.Context, args []reflect.Value) error {
	done := make(chan error, 1)
	go func() { done <- t.Invoke(args) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TaskTimeoutError{TaskName: t.Name, Timeout: t.Timeout.Seconds()}
	}
}

var errBadAsyncSignature = &asyncSignatureError{}

type asyncSignatureError struct{}

func (*asyncSignatureError) Error() string {
	return "async task func must return a Deferred (<-chan error)"
}

// lastError extracts a trailing error return value, if any.
func lastError(results []reflect.Value) error {
	if len(results) == 0 {
		return nil
	}
	last := results[len(results)-1]
	if err, ok := last.Interface().(error); ok {
		return err
	}
	return nil
}

// NumIn reports the callable's parameter count, for argument-count
// validation before Invoke.
func (t *Task) NumIn() int { return t.fn.Type().NumIn() }

// In reports the reflect.Type of the i'th parameter.
func (t *Task) In(i int) reflect.Type { return t.fn.Type().In(i) }
