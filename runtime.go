package oxalis

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ductile/oxalis/metrics"
	"github.com/ductile/oxalis/xlog"
	"github.com/rs/zerolog"
)

// Runtime is implemented by each transport driver (oxalis/amqp,
// oxalis/logbroker). It owns the transport-specific connection
// lifecycle and consumer activities; WorkerProcess drives it through
// the process-level lifecycle common to both transports (§4.4).
type Runtime interface {
	// OnWorkerInit is the subclass extension point run once per forked
	// worker process, before Connect. Drivers reset their per-process
	// connection lists here (process isolation, §5).
	OnWorkerInit()
	// Connect establishes transport connections and declares topology.
	Connect(ctx context.Context) error
	// RunConsumers starts per-queue/per-topic-group consumer activities
	// as concurrent goroutines and returns immediately.
	RunConsumers(ctx context.Context) error
	// StopConsumers cancels consumer tags / exits poll loops so no new
	// deliveries are accepted. It must not block on in-flight work.
	StopConsumers(ctx context.Context) error
	// WaitClose blocks until ConsumingCount() == 0 and every pool has
	// drained.
	WaitClose(ctx context.Context) error
	// ForceClose aborts in-flight executions without waiting.
	ForceClose()
	// Disconnect closes transport connections.
	Disconnect(ctx context.Context) error
	// ConsumingCount reports the number of in-flight dispatch calls.
	ConsumingCount() int32
	// OnWorkerClose is run once per forked worker process, after
	// Disconnect.
	OnWorkerClose()
}

// HeartbeatConfig controls the filesystem liveness markers a
// WorkerProcess writes while healthy (§6).
type HeartbeatConfig struct {
	ReadyFilePath     string
	HeartbeatFilePath string
	Interval          time.Duration
}

// DefaultHeartbeatConfig mirrors the spec's defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		ReadyFilePath:     "/tmp/oxalis_ready",
		HeartbeatFilePath: "/tmp/oxalis_heartbeat",
		Interval:          5 * time.Second,
	}
}

// WorkerProcess drives one forked worker process through the lifecycle
// of spec §4.4: init -> connect -> run consumers -> heartbeat loop ->
// shutdown -> close hook. A single process hosts one Runtime.
type WorkerProcess struct {
	Runtime   Runtime
	Heartbeat HeartbeatConfig
	Logger    zerolog.Logger

	running int32 // atomic bool, 1 = running
	health  int32 // atomic bool, 1 = healthy (heartbeat emission enabled)
}

// NewWorkerProcess wires a Runtime into a process lifecycle with the
// given heartbeat configuration.
func NewWorkerProcess(rt Runtime, hb HeartbeatConfig, logger zerolog.Logger) *WorkerProcess {
	return &WorkerProcess{Runtime: rt, Heartbeat: hb, Logger: logger}
}

// Run blocks for the lifetime of the worker process: it connects,
// starts consumers, loops emitting heartbeats until ctx is cancelled,
// then drains and disconnects. Run does not force-close on its own;
// escalation is a separate call to ForceClose.
func (w *WorkerProcess) Run(ctx context.Context) error {
	atomic.StoreInt32(&w.running, 1)
	atomic.StoreInt32(&w.health, 1)

	w.Runtime.OnWorkerInit()

	if err := w.Runtime.Connect(ctx); err != nil {
		return &TransportError{Op: "connect", Cause: err}
	}

	if err := w.Runtime.RunConsumers(ctx); err != nil {
		return &TransportError{Op: "run_consumers", Cause: err}
	}

	w.heartbeatLoop(ctx)

	return w.shutdown(ctx)
}

// heartbeatLoop writes the ready file once, then rewrites the
// heartbeat file every Interval while healthy, until ctx is done.
func (w *WorkerProcess) heartbeatLoop(ctx context.Context) {
	w.writeEpochFile(w.Heartbeat.ReadyFilePath)
	w.Logger.Info().Str("path", w.Heartbeat.ReadyFilePath).Msg("worker ready")

	ticker := time.NewTicker(w.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&w.health) == 1 {
				w.writeEpochFile(w.Heartbeat.HeartbeatFilePath)
				metrics.HeartbeatAge.Set(0)
			}
		}
	}
}

func (w *WorkerProcess) writeEpochFile(path string) {
	content := []byte(fmt.Sprintf("%d\n", time.Now().Unix()))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		w.Logger.Warn().Err(err).Str("path", path).Msg("failed to write liveness marker")
	}
}

// shutdown stops intake, drains pools, disconnects, and removes the
// liveness markers, per spec §4.4 step 5.
func (w *WorkerProcess) shutdown(ctx context.Context) error {
	atomic.StoreInt32(&w.health, 0)

	drainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Runtime.StopConsumers(ctx); err != nil {
		w.Logger.Warn().Err(err).Msg("error stopping consumers")
	}
	if err := w.Runtime.WaitClose(drainCtx); err != nil {
		w.Logger.Warn().Err(err).Msg("error draining in-flight work")
	}
	if err := w.Runtime.Disconnect(context.Background()); err != nil {
		w.Logger.Warn().Err(err).Msg("error disconnecting transport")
	}

	_ = os.Remove(w.Heartbeat.ReadyFilePath)
	_ = os.Remove(w.Heartbeat.HeartbeatFilePath)

	w.Runtime.OnWorkerClose()
	return nil
}

// ForceClose escalates to the non-graceful path: every pool is force
// closed immediately and unacked deliveries may be lost. Callers log
// this as a warning (§4.4 signal semantics).
func (w *WorkerProcess) ForceClose() {
	w.Runtime.ForceClose()
}

// childEnvMarker is set in the environment of a self-re-exec'd worker
// child so the same binary can tell it is running as a worker rather
// than as the master.
const childEnvMarker = "OXALIS_WORKER_CHILD"

// IsWorkerChild reports whether the current process was launched by
// Master as a forked worker.
func IsWorkerChild() bool {
	return os.Getenv(childEnvMarker) == "1"
}

// Master is the multi-process supervisor of spec §4.4: it installs
// SIGINT/SIGTERM handlers, forks WorkerNum child processes (by
// re-executing the current binary with childEnvMarker set — Go has no
// os.fork equivalent, so process isolation is achieved by spawning
// independent OS processes rather than by forking the runtime), and
// joins them. Each child rebuilds its own registry and topology from
// the same setup code; no state is shared across processes (§5).
type Master struct {
	WorkerNum int
	Logger    zerolog.Logger

	closeSignals int32 // atomic count of SIGINT/SIGTERM received
}

// DefaultWorkerNum mirrors spec §4.4: one worker per host CPU by
// default.
func DefaultWorkerNum() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// Run forks WorkerNum children (passing through os.Args[1:] plus the
// child marker) and blocks until they all exit or a second interrupt
// forces them down. It returns the first non-nil child error, if any.
func (m *Master) Run(ctx context.Context) error {
	if m.WorkerNum <= 0 {
		m.WorkerNum = DefaultWorkerNum()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	procs := make([]*exec.Cmd, 0, m.WorkerNum)
	workerLoggers := make([]zerolog.Logger, 0, m.WorkerNum)
	for i := 0; i < m.WorkerNum; i++ {
		workerLogger := xlog.WithWorker(m.Logger, i)
		cmd := exec.CommandContext(ctx, os.Args[0], os.Args[1:]...)
		cmd.Env = append(os.Environ(), childEnvMarker+"=1")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return &TransportError{Op: "fork_worker", Cause: err}
		}
		procs = append(procs, cmd)
		workerLoggers = append(workerLoggers, workerLogger)
		workerLogger.Info().Int("pid", cmd.Process.Pid).Msg("worker process started")
	}

	done := make(chan workerExit, len(procs))
	for i, cmd := range procs {
		i, cmd := i, cmd
		go func() { done <- workerExit{index: i, err: cmd.Wait()} }()
	}

	var firstErr error
	remaining := len(procs)

	for remaining > 0 {
		select {
		case sig := <-sigCh:
			count := atomic.AddInt32(&m.closeSignals, 1)
			if count == 1 {
				m.Logger.Info().Str("signal", sig.String()).Msg("graceful shutdown requested, forwarding to workers")
				for _, cmd := range procs {
					_ = cmd.Process.Signal(syscall.SIGTERM)
				}
			} else {
				// Send SIGTERM again rather than SIGKILL: the child's own
				// signal handler treats a second signal as a force-close
				// request (runWorkerChild), calling WorkerProcess.ForceClose
				// and logging a warning before exiting. SIGKILL would bypass
				// that path entirely and is never sent here.
				m.Logger.Warn().Str("signal", sig.String()).Msg("force shutdown requested, signaling workers to force-close")
				for _, cmd := range procs {
					_ = cmd.Process.Signal(syscall.SIGTERM)
				}
			}
		case exit := <-done:
			remaining--
			logger := m.Logger
			if exit.index < len(workerLoggers) {
				logger = workerLoggers[exit.index]
			}
			if exit.err != nil {
				logger.Warn().Err(exit.err).Msg("worker process exited with error")
				if firstErr == nil {
					firstErr = exit.err
				}
			} else {
				logger.Info().Msg("worker process exited")
			}
		}
	}

	return firstErr
}

// workerExit pairs a forked worker's exit error with its index so Run
// can report it through that worker's tagged logger.
type workerExit struct {
	index int
	err   error
}
