package oxalis

import "fmt"

// DecodeError wraps a malformed wire payload.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("oxalis: decode error: %v", e.Cause) }
func (e *DecodeError) Unwrap() error { return e.Cause }

// EncodeError wraps a value the codec cannot represent.
type EncodeError struct {
	Cause error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("oxalis: encode error: %v", e.Cause) }
func (e *EncodeError) Unwrap() error { return e.Cause }

// UnknownTaskError is raised when a decoded message names a task absent
// from the registry.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("oxalis: task %q not registered", e.Name)
}

// DuplicateTaskError is raised at registration time when a task name is
// already present in the registry. It is a setup-time, fatal error.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("oxalis: task %q already registered", e.Name)
}

// ConfigError is raised at task construction time for invalid
// transport-policy combinations (e.g. AMQP ack/reject conflicts). Fatal.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("oxalis: config error: %s", e.Reason) }

// PoolClosedError reports a closed pool. pool.Pool does not return it:
// its operations return pool.ErrPoolClosed, and Dispatch never returns
// either.
type PoolClosedError struct{}

func (e *PoolClosedError) Error() string { return "oxalis: pool closed" }

// PoolFullError reports a pool at capacity. pool.Pool.Spawn does not
// return it; it returns pool.ErrPoolFull.
type PoolFullError struct{}

func (e *PoolFullError) Error() string { return "oxalis: pool full" }

// TaskExecutionError reports a task failure the framework detects itself,
// such as an Async func that does not return a Deferred. Errors returned
// by the user callable are passed through unwrapped, and timeouts are
// reported as TaskTimeoutError.
type TaskExecutionError struct {
	TaskName string
	Cause    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("oxalis: task %q execution failed: %v", e.TaskName, e.Cause)
}
func (e *TaskExecutionError) Unwrap() error { return e.Cause }

// TaskTimeoutError indicates a task execution exceeded its deadline. It is
// treated as a TaskExecutionError by the ack/commit state machines.
type TaskTimeoutError struct {
	TaskName string
	Timeout  float64
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("oxalis: task %q exceeded timeout of %.2fs", e.TaskName, e.Timeout)
}

// TransportError wraps a connect/declare/publish/consume failure from the
// underlying broker client. The framework never retries these silently;
// it is bubbled to the caller/supervisor.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("oxalis: transport error during %s: %v", e.Op, e.Cause)
}
func (e *TransportError) Unwrap() error { return e.Cause }
