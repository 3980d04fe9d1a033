package logbroker

import (
	"context"
	"testing"
	"time"

	"github.com/ductile/oxalis"
	"github.com/ductile/oxalis/codec"
	"github.com/ductile/oxalis/pool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntimeForTest() *Runtime {
	return NewRuntime([]string{"localhost:9092"}, "oxalis", codec.JSON{}, oxalis.NewRegistry(), pool.New(-1, 0), zerolog.Nop())
}

func TestRegisterAddsTopicToSet(t *testing.T) {
	r := newRuntimeForTest()
	task := NewTask("t.report", func() error { return nil }, "reports", "")
	require.NoError(t, r.Register(task))

	assert.True(t, r.topicSet["reports"])
	assert.True(t, r.topicSet[DefaultTopic])
}

func TestPoolGroupsUnionsTopicsByPoolKey(t *testing.T) {
	r := newRuntimeForTest()
	require.NoError(t, r.Register(NewTask("t.a", func() error { return nil }, "topic-a", "groupA")))
	require.NoError(t, r.Register(NewTask("t.b", func() error { return nil }, "topic-b", "groupA")))
	require.NoError(t, r.Register(NewTask("t.c", func() error { return nil }, "topic-c", "groupB")))

	groups := r.poolGroups()
	require.Len(t, groups, 2)
	assert.ElementsMatch(t, []string{"topic-a", "topic-b"}, groups["groupA"])
	assert.ElementsMatch(t, []string{"topic-c"}, groups["groupB"])
}

func TestPoolGroupsDefaultsToDefaultTopicWhenNoTasks(t *testing.T) {
	r := newRuntimeForTest()
	groups := r.poolGroups()
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []string{DefaultTopic}, groups[""])
}

func TestCommitIntervalZeroUnlessAutoCommit(t *testing.T) {
	r := newRuntimeForTest()
	assert.Equal(t, time.Duration(0), r.commitInterval())

	r.AutoCommit = true
	assert.Greater(t, r.commitInterval(), time.Duration(0))
}

func TestDelayTestModeExecutesInlineWithoutPublish(t *testing.T) {
	r := newRuntimeForTest()
	r.TestMode = true

	var called bool
	task := NewTask("t.add", func(a, b int) error {
		called = true
		return nil
	}, "reports", "")
	require.NoError(t, r.Register(task))

	err := r.Delay(context.Background(), task, []any{float64(1), float64(2)}, nil)
	require.NoError(t, err)
	assert.True(t, called)
}
