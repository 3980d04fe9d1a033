package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTasksDispatchedTotalIncrements(t *testing.T) {
	TasksDispatchedTotal.Reset()
	TasksDispatchedTotal.WithLabelValues("amqp", "t.add").Inc()
	TasksDispatchedTotal.WithLabelValues("amqp", "t.add").Inc()

	got := testutil.ToFloat64(TasksDispatchedTotal.WithLabelValues("amqp", "t.add"))
	assert.Equal(t, 2.0, got)
}

func TestTimerObserveDurationVecRecordsSample(t *testing.T) {
	TaskDuration.Reset()
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDurationVec(TaskDuration, "amqp", "t.add")

	count := testutil.CollectAndCount(TaskDuration)
	assert.Equal(t, 1, count)
}

func TestHandlerReturnsNonNil(t *testing.T) {
	assert.NotNil(t, Handler())
}
