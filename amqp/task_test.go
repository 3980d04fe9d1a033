package amqp

import (
	"testing"

	"github.com/ductile/oxalis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskDefaultsToAckLaterAndReject(t *testing.T) {
	task, err := NewTask("t.echo", func(s string) error { return nil }, DefaultExchange(), DefaultQueue(), "")
	require.NoError(t, err)
	assert.True(t, task.AckLater)
	assert.True(t, task.Reject)
	assert.False(t, task.AckAlways)
	assert.False(t, task.RejectRequeue)
	assert.Equal(t, "default", task.RoutingKey)
}

func TestNewTaskRejectsAckAlwaysWithReject(t *testing.T) {
	_, err := NewTask("t.x", func() error { return nil }, DefaultExchange(), DefaultQueue(), "",
		WithAckPolicy(true, true, true, false))
	var cfgErr *oxalis.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewTaskRejectsRejectWithoutAckLater(t *testing.T) {
	_, err := NewTask("t.x", func() error { return nil }, DefaultExchange(), DefaultQueue(), "",
		WithAckPolicy(false, false, true, false))
	var cfgErr *oxalis.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewTaskRejectsAckAlwaysWithoutAckLater(t *testing.T) {
	_, err := NewTask("t.x", func() error { return nil }, DefaultExchange(), DefaultQueue(), "",
		WithAckPolicy(false, true, false, false))
	var cfgErr *oxalis.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewTaskRejectsRequeueWithoutReject(t *testing.T) {
	_, err := NewTask("t.x", func() error { return nil }, DefaultExchange(), DefaultQueue(), "",
		WithAckPolicy(true, false, false, true))
	var cfgErr *oxalis.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewTaskAllowsAckAlwaysWithoutReject(t *testing.T) {
	task, err := NewTask("t.x", func() error { return nil }, DefaultExchange(), DefaultQueue(), "",
		WithAckPolicy(true, true, false, false))
	require.NoError(t, err)
	assert.True(t, task.AckAlways)
	assert.False(t, task.Reject)
}

func TestExchangeAndQueueNamePrefixes(t *testing.T) {
	assert.Equal(t, "oxalis_exchange_default", DefaultExchange().DeclaredName())
	assert.Equal(t, "oxalis_queue_default", DefaultQueue().DeclaredName())
}
