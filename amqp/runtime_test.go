package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ductile/oxalis"
	"github.com/ductile/oxalis/codec"
	"github.com/ductile/oxalis/pool"
	amqplib "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records which of Ack/Nack/Reject was called, standing
// in for a real AMQP channel so the ack/reject state machine (spec
// §4.5) can be tested without a broker.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    bool
	rejected bool
	requeue  bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = true
	f.requeue = requeue
	return nil
}

func newDelivery(ack *fakeAcknowledger, body []byte) amqplib.Delivery {
	return amqplib.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
}

func newRuntimeForTest() *Runtime {
	return NewRuntime("amqp://unused", codec.JSON{}, oxalis.NewRegistry(), pool.New(-1, 0), zerolog.Nop())
}

func TestResolveAckSuccessAcksWhenAckLater(t *testing.T) {
	r := newRuntimeForTest()
	task, err := NewTask("t.ok", func() error { return nil }, DefaultExchange(), DefaultQueue(), "")
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	r.resolveAck(task, newDelivery(ack, nil), nil, zerolog.Nop())
	assert.True(t, ack.acked)
	assert.False(t, ack.rejected)
}

func TestResolveAckFailureRejectsWithConfiguredRequeue(t *testing.T) {
	r := newRuntimeForTest()
	task, err := NewTask("t.fail", func() error { return nil }, DefaultExchange(), DefaultQueue(), "",
		WithAckPolicy(true, false, true, true))
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	r.resolveAck(task, newDelivery(ack, nil), errors.New("boom"), zerolog.Nop())
	assert.True(t, ack.rejected)
	assert.True(t, ack.requeue)
	assert.False(t, ack.acked)
}

func TestResolveAckFailureAcksWhenAckAlways(t *testing.T) {
	r := newRuntimeForTest()
	task, err := NewTask("t.fail2", func() error { return nil }, DefaultExchange(), DefaultQueue(), "",
		WithAckPolicy(true, true, false, false))
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	r.resolveAck(task, newDelivery(ack, nil), errors.New("boom"), zerolog.Nop())
	assert.True(t, ack.acked)
	assert.False(t, ack.rejected)
}

func TestResolveAckFailureLeavesPendingWhenNoPolicy(t *testing.T) {
	r := newRuntimeForTest()
	task, err := NewTask("t.fail3", func() error { return nil }, DefaultExchange(), DefaultQueue(), "",
		WithAckPolicy(true, false, false, false))
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	r.resolveAck(task, newDelivery(ack, nil), errors.New("boom"), zerolog.Nop())
	assert.False(t, ack.acked)
	assert.False(t, ack.rejected)
}

func TestResolveAckNoopWhenAckedOnEntry(t *testing.T) {
	r := newRuntimeForTest()
	task, err := NewTask("t.immediate", func() error { return nil }, DefaultExchange(), DefaultQueue(), "",
		WithAckPolicy(false, false, false, false))
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	r.resolveAck(task, newDelivery(ack, nil), errors.New("boom"), zerolog.Nop())
	assert.False(t, ack.acked)
	assert.False(t, ack.rejected)
}

func TestHandleDeliveryRejectsRequeueOnDecodeError(t *testing.T) {
	r := newRuntimeForTest()
	ack := &fakeAcknowledger{}
	r.handleDelivery(context.Background(), newDelivery(ack, []byte("not json")), zerolog.Nop())

	assert.True(t, ack.rejected)
	assert.True(t, ack.requeue)
}

func TestHandleDeliveryDispatchesRegisteredTask(t *testing.T) {
	r := newRuntimeForTest()
	var called bool
	var mu sync.Mutex
	task, err := NewTask("t.add", func(a, b int) error {
		mu.Lock()
		called = true
		mu.Unlock()
		return nil
	}, DefaultExchange(), DefaultQueue(), "")
	require.NoError(t, err)
	require.NoError(t, r.Register(task))

	payload, err := codec.JSON{}.Encode("t.add", []any{float64(1), float64(2)}, map[string]any{})
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	r.handleDelivery(context.Background(), newDelivery(ack, payload), zerolog.Nop())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		ack.mu.Lock()
		defer ack.mu.Unlock()
		return ack.acked
	}, time.Second, 5*time.Millisecond)
}

func TestDelayTestModeExecutesInlineWithoutPublish(t *testing.T) {
	r := newRuntimeForTest()
	r.TestMode = true

	var called bool
	task, err := NewTask("t.add", func(a, b int) error {
		called = true
		return nil
	}, DefaultExchange(), DefaultQueue(), "")
	require.NoError(t, err)
	require.NoError(t, r.Register(task))

	err = r.Delay(context.Background(), task, []any{float64(1), float64(2)}, nil, PublishOptions{})
	require.NoError(t, err)
	assert.True(t, called)
}
