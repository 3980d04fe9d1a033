package logbroker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ductile/oxalis"
	"github.com/ductile/oxalis/codec"
	"github.com/ductile/oxalis/metrics"
	"github.com/ductile/oxalis/pool"
	"github.com/ductile/oxalis/xlog"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// DefaultTopic seeds the runtime's topic set even if no task declares
// it explicitly, mirroring the original's always-present default_topic.
const DefaultTopic = "oxalis_default"

// Runtime is the Kafka-backed oxalis.Runtime: one producer shared by
// every publish, and one consumer per distinct pool identity
// subscribed to the union of that pool's declared topics under a
// single consumer group (spec §4.6).
type Runtime struct {
	Brokers     []string
	GroupID     string
	Codec       codec.Codec
	Registry    *oxalis.Registry
	PollTimeout time.Duration
	AutoCommit  bool // when true, each record is read with ReadMessage, which commits its offset on read, and the driver's post-dispatch commit is skipped
	Logger      zerolog.Logger

	// TestMode, when true, makes Delay execute the task inline on the
	// caller's goroutine instead of publishing to the transport (§4.3's
	// test-mode bullet, §8 Scenario A).
	TestMode bool

	// Pools maps a task's PoolKey ("" = primary) to the pool.Pool that
	// bounds its concurrency.
	Pools map[string]*pool.Pool

	mu       sync.Mutex
	writer   *kafka.Writer
	tasks    map[string]*Task
	readers  []*kafka.Reader
	topicSet map[string]bool

	consuming  int32
	consumerWG sync.WaitGroup
}

var _ oxalis.Runtime = (*Runtime)(nil)

// NewRuntime constructs a Runtime seeded with DefaultTopic.
func NewRuntime(brokers []string, groupID string, cdc codec.Codec, registry *oxalis.Registry, primaryPool *pool.Pool, logger zerolog.Logger) *Runtime {
	return &Runtime{
		Brokers:     brokers,
		GroupID:     groupID,
		Codec:       cdc,
		Registry:    registry,
		PollTimeout: 5 * time.Second,
		Logger:      logger,
		Pools:       map[string]*pool.Pool{"": primaryPool},
		tasks:       map[string]*Task{},
		topicSet:    map[string]bool{DefaultTopic: true},
	}
}

// Register adds a log-broker task to the registry and topic set.
func (r *Runtime) Register(t *Task) error {
	if err := r.Registry.Register(t.Task); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Name] = t
	r.topicSet[t.Topic] = true
	return nil
}

func (r *Runtime) poolFor(key string) *pool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.Pools[key]; ok {
		return p
	}
	return r.Pools[""]
}

// OnWorkerInit clears per-process state inherited from the parent
// before Connect runs in the forked child (spec §4.4 step 1).
func (r *Runtime) OnWorkerInit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer = nil
	r.readers = nil
}

func (r *Runtime) OnWorkerClose() {}

// Connect starts the shared producer. Consumers are started separately
// by RunConsumers once topology (topics per pool) is known.
func (r *Runtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer = &kafka.Writer{
		Addr:                   kafka.TCP(r.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return nil
}

// poolGroups partitions tasks by PoolKey, returning each group's
// distinct topic set, keyed by pool identity ("" = primary).
func (r *Runtime) poolGroups() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := map[string]map[string]bool{}
	for _, t := range r.tasks {
		key := t.PoolKey
		if groups[key] == nil {
			groups[key] = map[string]bool{}
		}
		groups[key][t.Topic] = true
	}
	if len(groups) == 0 {
		groups[""] = map[string]bool{DefaultTopic: true}
	}

	out := make(map[string][]string, len(groups))
	for key, topics := range groups {
		list := make([]string, 0, len(topics))
		for topic := range topics {
			list = append(list, topic)
		}
		out[key] = list
	}
	return out
}

// RunConsumers starts one consumer goroutine per distinct pool
// identity, subscribed to the union of that pool's topics under the
// shared consumer group (spec §4.6).
func (r *Runtime) RunConsumers(ctx context.Context) error {
	r.mu.Lock()
	for key, p := range r.Pools {
		label := key
		if label == "" {
			label = "primary"
		}
		metrics.PoolCapacity.WithLabelValues(label).Set(float64(p.Concurrency()))
	}
	r.mu.Unlock()

	for poolKey, topics := range r.poolGroups() {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        r.Brokers,
			GroupID:        r.GroupID,
			GroupTopics:    topics,
			CommitInterval: r.commitInterval(),
		})

		r.mu.Lock()
		r.readers = append(r.readers, reader)
		r.mu.Unlock()

		r.consumerWG.Add(1)
		go r.consumeLoop(ctx, poolKey, reader)
	}
	return nil
}

func (r *Runtime) commitInterval() time.Duration {
	if r.AutoCommit {
		return time.Second
	}
	return 0 // 0 makes kafka-go commit synchronously on every CommitMessages call
}

func (r *Runtime) consumeLoop(ctx context.Context, poolKey string, reader *kafka.Reader) {
	defer r.consumerWG.Done()
	logger := xlog.WithPool(r.Logger, poolKey)

	for {
		pollCtx, cancel := context.WithTimeout(ctx, r.PollTimeout)
		var msg kafka.Message
		var err error
		if r.AutoCommit {
			msg, err = reader.ReadMessage(pollCtx)
		} else {
			msg, err = reader.FetchMessage(pollCtx)
		}
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return // graceful shutdown: outer ctx cancelled
			}
			continue // poll timeout or transient error, loop again
		}

		atomic.AddInt32(&r.consuming, 1)
		metrics.ConsumingCount.WithLabelValues("logbroker").Set(float64(atomic.LoadInt32(&r.consuming)))
		r.handleMessage(ctx, reader, msg, logger)
		atomic.AddInt32(&r.consuming, -1)
		metrics.ConsumingCount.WithLabelValues("logbroker").Set(float64(atomic.LoadInt32(&r.consuming)))
	}
}

// handleMessage decodes and dispatches one record, committing its
// offset only if dispatch accepted the work and the reader is not
// auto-committing (spec §4.6).
func (r *Runtime) handleMessage(ctx context.Context, reader *kafka.Reader, msg kafka.Message, logger zerolog.Logger) {
	task, args, kwargs, err := oxalis.Dispatch(r.Registry, r.Codec, msg.Value)
	if err != nil {
		logger.Warn().Err(err).Msg("message not dispatched, dropping (offset commits regardless)")
		reason := "decode_error"
		var unknown *oxalis.UnknownTaskError
		if errors.As(err, &unknown) {
			reason = "unknown_task"
		}
		metrics.TasksRejectedTotal.WithLabelValues("logbroker", reason).Inc()
		r.maybeCommit(ctx, reader, msg, logger)
		return
	}

	logger = xlog.WithTask(logger, task.Name)

	lbTask, ok := r.tasks[task.Name]
	if !ok {
		logger.Warn().Msg("task resolved but has no log-broker binding, dropping")
		metrics.TasksRejectedTotal.WithLabelValues("logbroker", "unknown_task").Inc()
		r.maybeCommit(ctx, reader, msg, logger)
		return
	}

	// kwargs is folded into the callable's trailing parameter when its
	// signature declares room for one (a map[string]any or struct);
	// tasks without such a parameter reject non-empty kwargs outright.
	values, convErr := oxalis.ConvertArgs(task, nil, args, kwargs)

	metrics.TasksDispatchedTotal.WithLabelValues("logbroker", task.Name).Inc()
	poolLabel := lbTask.PoolKey
	if poolLabel == "" {
		poolLabel = "primary"
	}
	p := r.poolFor(lbTask.PoolKey)

	spawnErr := p.WaitSpawn(ctx, func(execCtx context.Context) error {
		metrics.PoolInFlight.WithLabelValues(poolLabel).Set(float64(p.Len()))
		defer func() { metrics.PoolInFlight.WithLabelValues(poolLabel).Set(float64(p.Len() - 1)) }()

		timer := metrics.NewTimer()
		var execErr error
		if convErr != nil {
			logger.Error().Err(convErr).Msg("task argument conversion failed")
			execErr = convErr
		} else if invokeErr := task.InvokeContext(execCtx, values); invokeErr != nil {
			logger.Error().Err(invokeErr).Msg("task execution failed")
			execErr = invokeErr
		}
		timer.ObserveDurationVec(metrics.TaskDuration, "logbroker", task.Name)
		if execErr != nil {
			metrics.TasksFailedTotal.WithLabelValues("logbroker", task.Name).Inc()
		} else {
			metrics.TasksSucceededTotal.WithLabelValues("logbroker", task.Name).Inc()
		}
		return execErr
	}, lbTask.Timeout)

	if spawnErr != nil {
		logger.Warn().Err(spawnErr).Msg("pool rejected record, offset not committed")
		metrics.TasksRejectedTotal.WithLabelValues("logbroker", "pool_rejected").Inc()
		return
	}

	r.maybeCommit(ctx, reader, msg, logger)
}

func (r *Runtime) maybeCommit(ctx context.Context, reader *kafka.Reader, msg kafka.Message, logger zerolog.Logger) {
	if r.AutoCommit {
		return
	}
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logger.Warn().Err(err).Msg("failed to commit offset")
	}
}

// SendTask encodes and publishes one task invocation to its topic.
func (r *Runtime) SendTask(ctx context.Context, t *Task, args []any, kwargs map[string]any) error {
	payload, err := r.Codec.Encode(t.Name, args, kwargs)
	if err != nil {
		return &oxalis.EncodeError{Cause: err}
	}

	r.mu.Lock()
	writer := r.writer
	r.mu.Unlock()

	return writer.WriteMessages(ctx, kafka.Message{
		Topic: t.Topic,
		Value: payload,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(uuid.NewString())},
		},
	})
}

// Delay is the producer-facing entry point: it publishes via SendTask,
// unless the runtime is in TestMode, in which case it converts args and
// invokes the task inline on the caller's goroutine without touching
// the transport at all (§4.3, §8 Scenario A).
func (r *Runtime) Delay(ctx context.Context, t *Task, args []any, kwargs map[string]any) error {
	if !r.TestMode {
		return r.SendTask(ctx, t, args, kwargs)
	}

	values, err := oxalis.ConvertArgs(t.Task, nil, args, kwargs)
	if err != nil {
		return err
	}
	return t.InvokeContext(ctx, values)
}

// ConsumingCount reports the number of records currently being
// dispatched.
func (r *Runtime) ConsumingCount() int32 {
	return atomic.LoadInt32(&r.consuming)
}

// StopConsumers closes every reader, which unblocks FetchMessage and
// ends each consumeLoop.
func (r *Runtime) StopConsumers(ctx context.Context) error {
	r.mu.Lock()
	readers := append([]*kafka.Reader(nil), r.readers...)
	r.mu.Unlock()

	for _, reader := range readers {
		if err := reader.Close(); err != nil {
			r.Logger.Warn().Err(err).Msg("failed to close reader")
		}
	}
	return nil
}

// WaitClose blocks until ConsumingCount drains to zero and every pool
// has drained.
func (r *Runtime) WaitClose(ctx context.Context) error {
	for atomic.LoadInt32(&r.consuming) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	r.mu.Lock()
	pools := make([]*pool.Pool, 0, len(r.Pools))
	for _, p := range r.Pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		p := p
		g.Go(func() error { return p.WaitClose(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// ForceClose force-closes every pool immediately.
func (r *Runtime) ForceClose() {
	r.mu.Lock()
	pools := make([]*pool.Pool, 0, len(r.Pools))
	for _, p := range r.Pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	for _, p := range pools {
		p.ForceClose()
	}
}

// Disconnect stops the producer.
func (r *Runtime) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	writer := r.writer
	r.mu.Unlock()

	if writer == nil {
		return nil
	}
	return writer.Close()
}
