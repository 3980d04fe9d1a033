package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRespectsCapacity(t *testing.T) {
	p := New(2, 0)
	release := make(chan struct{})
	var running int32

	for i := 0; i < 2; i++ {
		err := p.Spawn(func(ctx context.Context) error {
			atomic.AddInt32(&running, 1)
			<-release
			atomic.AddInt32(&running, -1)
			return nil
		}, 0)
		require.NoError(t, err)
	}

	err := p.Spawn(func(ctx context.Context) error { return nil }, 0)
	assert.ErrorIs(t, err, ErrPoolFull)

	close(release)
	require.NoError(t, p.WaitClose(context.Background()))
	assert.Equal(t, 0, p.Len())
}

func TestWaitSpawnBlocksUntilCapacityFrees(t *testing.T) {
	p := New(1, 0)
	release := make(chan struct{})

	require.NoError(t, p.Spawn(func(ctx context.Context) error {
		<-release
		return nil
	}, 0))

	spawned := make(chan struct{})
	go func() {
		_ = p.WaitSpawn(context.Background(), func(ctx context.Context) error { return nil }, 0)
		close(spawned)
	}()

	select {
	case <-spawned:
		t.Fatal("WaitSpawn returned before capacity freed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-spawned:
	case <-time.After(time.Second):
		t.Fatal("WaitSpawn never unblocked")
	}
}

func TestWaitCloseDrainsInFlight(t *testing.T) {
	p := New(-1, 0)
	release := make(chan struct{})
	var finished int32

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Spawn(func(ctx context.Context) error {
			<-release
			atomic.AddInt32(&finished, 1)
			return nil
		}, 0))
	}

	closed := make(chan struct{})
	go func() {
		_ = p.WaitClose(context.Background())
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("WaitClose returned before units finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("WaitClose never returned")
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&finished))
	assert.Equal(t, 0, p.Len())

	err := p.Spawn(func(ctx context.Context) error { return nil }, 0)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestForceCloseCancelsInFlight(t *testing.T) {
	p := New(-1, 0)
	var observed int32

	require.NoError(t, p.Spawn(func(ctx context.Context) error {
		<-ctx.Done()
		atomic.StoreInt32(&observed, 1)
		return ctx.Err()
	}, 0))

	p.ForceClose()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&observed) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&observed))

	err := p.Spawn(func(ctx context.Context) error { return nil }, 0)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestTimeoutCancelsUnit(t *testing.T) {
	p := New(-1, 0)
	var timedOut int32

	require.NoError(t, p.Spawn(func(ctx context.Context) error {
		<-ctx.Done()
		atomic.StoreInt32(&timedOut, 1)
		return ctx.Err()
	}, 20*time.Millisecond))

	require.NoError(t, p.WaitClose(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&timedOut))
}
