package amqp

import (
	"time"

	"github.com/ductile/oxalis"
)

// Task is an AMQP-bound task descriptor: a name and callable (embedded
// oxalis.Task) plus the exchange/routing-key it is delivered on and its
// acknowledgement policy (spec §4.5).
type Task struct {
	*oxalis.Task

	Exchange   Exchange
	Queue      Queue
	RoutingKey string

	AckLater      bool
	AckAlways     bool
	Reject        bool
	RejectRequeue bool
}

// TaskOption configures NewTask beyond its required fields.
type TaskOption func(*Task)

// WithTimeout overrides the inherited pool-default timeout.
func WithTimeout(timeout time.Duration) TaskOption {
	return func(t *Task) { t.Timeout = timeout }
}

// WithAckPolicy overrides the default ack_later=true, reject=true
// policy (spec §9 Open Question resolution).
func WithAckPolicy(ackLater, ackAlways, reject, rejectRequeue bool) TaskOption {
	return func(t *Task) {
		t.AckLater = ackLater
		t.AckAlways = ackAlways
		t.Reject = reject
		t.RejectRequeue = rejectRequeue
	}
}

// WithPoolKey binds the task to a non-primary pool identity.
func WithPoolKey(key string) TaskOption {
	return func(t *Task) { t.PoolKey = key }
}

// NewTask constructs an AMQP task descriptor, applying options and then
// validating the ack/reject policy per the four rules of spec §4.5. A
// ConfigError is returned (never panics) so callers can fail worker
// setup cleanly. queue is the queue the task's deliveries are consumed
// from; it is bound to exchange under routingKey at Connect time.
func NewTask(name string, fn oxalis.Func, exchange Exchange, queue Queue, routingKey string, opts ...TaskOption) (*Task, error) {
	if routingKey == "" {
		routingKey = exchange.DefaultRoutingKey
	}

	t := &Task{
		Task:       oxalis.NewTask(name, fn, oxalis.Sync, 0, ""),
		Exchange:   exchange,
		Queue:      queue,
		RoutingKey: routingKey,
		AckLater:   true,
		AckAlways:  false,
		Reject:     true,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Task) validate() error {
	switch {
	case t.AckAlways && t.Reject:
		return &oxalis.ConfigError{Reason: "ack_always=true conflicts with reject=true"}
	case t.Reject && !t.AckLater:
		return &oxalis.ConfigError{Reason: "reject=true requires ack_later=true"}
	case t.AckAlways && !t.AckLater:
		return &oxalis.ConfigError{Reason: "ack_always=true requires ack_later=true"}
	case t.RejectRequeue && !t.Reject:
		return &oxalis.ConfigError{Reason: "reject_requeue=true requires reject=true"}
	}
	return nil
}

// PublishOptions carries the per-call priority/headers a publish may
// set, replacing the original's mutable task.config()/clean_config()
// pattern (flagged in spec §9) with an explicit, non-shared value.
type PublishOptions struct {
	Priority uint8
	Headers  map[string]any

	// CorrelationID lets a caller tie a published task to a result or
	// a chain of related tasks; left empty, the delivery still carries
	// a generated MessageId for broker-side tracing.
	CorrelationID string
}
