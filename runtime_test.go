package oxalis

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is a minimal Runtime used to exercise WorkerProcess
// lifecycle ordering without a real transport.
type fakeRuntime struct {
	initCalled       int32
	connected        int32
	consumersRunning int32
	stopped          int32
	waitedClose      int32
	disconnected     int32
	closeCalled      int32
	connectErr       error
}

func (f *fakeRuntime) OnWorkerInit()  { atomic.AddInt32(&f.initCalled, 1) }
func (f *fakeRuntime) OnWorkerClose() { atomic.AddInt32(&f.closeCalled, 1) }

func (f *fakeRuntime) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	atomic.StoreInt32(&f.connected, 1)
	return nil
}

func (f *fakeRuntime) RunConsumers(ctx context.Context) error {
	atomic.StoreInt32(&f.consumersRunning, 1)
	return nil
}

func (f *fakeRuntime) StopConsumers(ctx context.Context) error {
	atomic.StoreInt32(&f.stopped, 1)
	return nil
}

func (f *fakeRuntime) WaitClose(ctx context.Context) error {
	atomic.StoreInt32(&f.waitedClose, 1)
	return nil
}

func (f *fakeRuntime) ForceClose() {}

func (f *fakeRuntime) Disconnect(ctx context.Context) error {
	atomic.StoreInt32(&f.disconnected, 1)
	return nil
}

func (f *fakeRuntime) ConsumingCount() int32 { return 0 }

func TestWorkerProcessLifecycleOrder(t *testing.T) {
	dir := t.TempDir()
	rt := &fakeRuntime{}
	hb := HeartbeatConfig{
		ReadyFilePath:     filepath.Join(dir, "ready"),
		HeartbeatFilePath: filepath.Join(dir, "heartbeat"),
		Interval:          10 * time.Millisecond,
	}
	wp := NewWorkerProcess(rt, hb, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := wp.Run(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, rt.initCalled)
	assert.EqualValues(t, 1, rt.connected)
	assert.EqualValues(t, 1, rt.consumersRunning)
	assert.EqualValues(t, 1, rt.stopped)
	assert.EqualValues(t, 1, rt.waitedClose)
	assert.EqualValues(t, 1, rt.disconnected)
	assert.EqualValues(t, 1, rt.closeCalled)

	_, err = os.Stat(hb.ReadyFilePath)
	assert.True(t, os.IsNotExist(err), "ready file should be removed on shutdown")
	_, err = os.Stat(hb.HeartbeatFilePath)
	assert.True(t, os.IsNotExist(err), "heartbeat file should be removed on shutdown")
}

func TestWorkerProcessWritesHeartbeatWhileRunning(t *testing.T) {
	dir := t.TempDir()
	rt := &fakeRuntime{}
	hb := HeartbeatConfig{
		ReadyFilePath:     filepath.Join(dir, "ready"),
		HeartbeatFilePath: filepath.Join(dir, "heartbeat"),
		Interval:          5 * time.Millisecond,
	}
	wp := NewWorkerProcess(rt, hb, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wp.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(hb.HeartbeatFilePath)
		return err == nil
	}, 500*time.Millisecond, 5*time.Millisecond)

	cancel()
	<-done
}

func TestWorkerProcessConnectErrorWrapped(t *testing.T) {
	dir := t.TempDir()
	rt := &fakeRuntime{connectErr: assert.AnError}
	hb := HeartbeatConfig{
		ReadyFilePath:     filepath.Join(dir, "ready"),
		HeartbeatFilePath: filepath.Join(dir, "heartbeat"),
		Interval:          time.Second,
	}
	wp := NewWorkerProcess(rt, hb, zerolog.Nop())

	err := wp.Run(context.Background())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "connect", transportErr.Op)
}

func TestIsWorkerChildReflectsEnv(t *testing.T) {
	t.Setenv(childEnvMarker, "")
	assert.False(t, IsWorkerChild())
	t.Setenv(childEnvMarker, "1")
	assert.True(t, IsWorkerChild())
}

func TestDefaultWorkerNumAtLeastOne(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkerNum(), 1)
}
