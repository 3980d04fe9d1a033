package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ductile/oxalis"
	"github.com/ductile/oxalis/codec"
	"github.com/ductile/oxalis/metrics"
	"github.com/ductile/oxalis/pool"
	"github.com/ductile/oxalis/xlog"
	"github.com/google/uuid"
	amqplib "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runtime is the AMQP-backed oxalis.Runtime: it declares topology on a
// shared channel, opens one dedicated channel per queue to consume,
// and applies the ack/reject state machine of spec §4.5 to every
// delivery.
type Runtime struct {
	URL         string
	Codec       codec.Codec
	Registry    *oxalis.Registry
	DialTimeout time.Duration
	Logger      zerolog.Logger

	// TestMode, when true, makes Delay execute the task inline on the
	// caller's goroutine instead of publishing to the transport (§4.3's
	// test-mode bullet, §8 Scenario A).
	TestMode bool

	// Pools maps a task's PoolKey ("" = primary) to the pool.Pool that
	// bounds its concurrency. Primary must always be present.
	Pools map[string]*pool.Pool

	mu         sync.Mutex
	conn       *amqplib.Connection
	channels   []*amqplib.Channel // channels[0] is the shared declare/publish channel
	queues     []Queue
	exchanges  []Exchange
	bindings   []Binding
	tasks      map[string]*Task
	consumers  map[string]*amqplib.Channel // consumer tag -> owning channel, for cancel at shutdown
	consumerWG sync.WaitGroup

	consuming int32 // atomic in-flight dispatch count
}

var _ oxalis.Runtime = (*Runtime)(nil)

// NewRuntime wires a Runtime with the default exchange/queue/binding
// always present, matching the original's always-seeded default
// topology.
func NewRuntime(url string, cdc codec.Codec, registry *oxalis.Registry, primaryPool *pool.Pool, logger zerolog.Logger) *Runtime {
	defaultExchange := DefaultExchange()
	defaultQueue := DefaultQueue()
	return &Runtime{
		URL:         url,
		Codec:       cdc,
		Registry:    registry,
		DialTimeout: 5 * time.Second,
		Logger:      logger,
		Pools:       map[string]*pool.Pool{"": primaryPool},
		queues:      []Queue{defaultQueue},
		exchanges:   []Exchange{defaultExchange},
		bindings: []Binding{
			{Queue: defaultQueue, Exchange: defaultExchange, RoutingKey: defaultExchange.DefaultRoutingKey},
		},
		tasks:     map[string]*Task{},
		consumers: map[string]*amqplib.Channel{},
	}
}

// Register binds an AMQP task into the registry and topology: its
// exchange, queue, and binding are recorded (deduplicated by name) for
// declaration at Connect.
func (r *Runtime) Register(t *Task) error {
	if err := r.Registry.Register(t.Task); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[t.Name] = t
	r.exchanges = append(r.exchanges, t.Exchange)
	r.queues = append(r.queues, t.Queue)
	r.bindings = append(r.bindings, Binding{Queue: t.Queue, Exchange: t.Exchange, RoutingKey: t.RoutingKey})
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

// OnWorkerInit clears any connection state inherited from the parent
// process before the forked process's own Connect runs (spec §4.4 step 1).
func (r *Runtime) OnWorkerInit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = nil
	r.channels = nil
	r.consumers = map[string]*amqplib.Channel{}
}

func (r *Runtime) OnWorkerClose() {}

// Connect dials the broker, opens the shared channel, declares every
// unique exchange/queue, then applies every binding.
func (r *Runtime) Connect(ctx context.Context) error {
	conn, err := amqplib.DialConfig(r.URL, amqplib.Config{Dial: amqplib.DefaultDial(r.DialTimeout)})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp open shared channel: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.channels = []*amqplib.Channel{ch}
	queues := append([]Queue(nil), r.queues...)
	exchanges := append([]Exchange(nil), r.exchanges...)
	bindings := append([]Binding(nil), r.bindings...)
	r.mu.Unlock()

	if err := r.declareQueues(ch, queues); err != nil {
		return err
	}
	if err := r.declareExchanges(ch, exchanges); err != nil {
		return err
	}
	return r.applyBindings(ch, bindings)
}

func (r *Runtime) declareQueues(ch *amqplib.Channel, queues []Queue) error {
	seen := map[string]bool{}
	for _, q := range queues {
		if seen[q.DeclaredName()] {
			continue
		}
		seen[q.DeclaredName()] = true
		if _, err := ch.QueueDeclare(q.DeclaredName(), q.Durable, q.AutoDelete, q.Exclusive, q.NoWait, q.Args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.DeclaredName(), err)
		}
	}
	return nil
}

func (r *Runtime) declareExchanges(ch *amqplib.Channel, exchanges []Exchange) error {
	seen := map[string]bool{}
	for _, e := range exchanges {
		if seen[e.DeclaredName()] {
			continue
		}
		seen[e.DeclaredName()] = true
		kind := e.Kind
		if kind == "" {
			kind = amqplib.ExchangeDirect
		}
		if err := ch.ExchangeDeclare(e.DeclaredName(), kind, e.Durable, e.AutoDelete, e.Internal, e.NoWait, e.Args); err != nil {
			return fmt.Errorf("declare exchange %s: %w", e.DeclaredName(), err)
		}
	}
	return nil
}

func (r *Runtime) applyBindings(ch *amqplib.Channel, bindings []Binding) error {
	for _, b := range bindings {
		if err := ch.QueueBind(b.Queue.DeclaredName(), b.RoutingKey, b.Exchange.DeclaredName(), false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", b.Queue.DeclaredName(), b.Exchange.DeclaredName(), err)
		}
	}
	return nil
}

// RunConsumers opens one dedicated channel per unique queue, sets its
// QoS, and starts a consumer goroutine dispatching each delivery.
func (r *Runtime) RunConsumers(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	queues := append([]Queue(nil), r.queues...)
	pools := make(map[string]*pool.Pool, len(r.Pools))
	for key, p := range r.Pools {
		pools[key] = p
	}
	r.mu.Unlock()

	for key, p := range pools {
		label := key
		if label == "" {
			label = "primary"
		}
		metrics.PoolCapacity.WithLabelValues(label).Set(float64(p.Concurrency()))
	}

	seen := map[string]bool{}
	for _, q := range queues {
		if seen[q.DeclaredName()] {
			continue
		}
		seen[q.DeclaredName()] = true

		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("amqp open consumer channel for %s: %w", q.DeclaredName(), err)
		}
		if err := ch.Qos(q.ConsumerPrefetchCount, q.ConsumerPrefetchSize, q.ConsumerGlobal); err != nil {
			return fmt.Errorf("amqp set qos for %s: %w", q.DeclaredName(), err)
		}

		tag := "oxalis_consumer_" + q.DeclaredName()
		deliveries, err := ch.Consume(q.DeclaredName(), tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("amqp consume %s: %w", q.DeclaredName(), err)
		}

		r.mu.Lock()
		r.channels = append(r.channels, ch)
		r.consumers[tag] = ch
		r.mu.Unlock()

		r.consumerWG.Add(1)
		go r.consumeLoop(ctx, q, deliveries)
	}
	return nil
}

func (r *Runtime) consumeLoop(ctx context.Context, q Queue, deliveries <-chan amqplib.Delivery) {
	defer r.consumerWG.Done()
	logger := xlog.WithPool(r.Logger, q.DeclaredName())

	for delivery := range deliveries {
		atomic.AddInt32(&r.consuming, 1)
		metrics.ConsumingCount.WithLabelValues("amqp").Set(float64(atomic.LoadInt32(&r.consuming)))
		r.handleDelivery(ctx, delivery, logger)
		atomic.AddInt32(&r.consuming, -1)
		metrics.ConsumingCount.WithLabelValues("amqp").Set(float64(atomic.LoadInt32(&r.consuming)))
	}
}

// handleDelivery decodes and dispatches one message, applying the
// ack/reject state machine of spec §4.5.
func (r *Runtime) handleDelivery(ctx context.Context, delivery amqplib.Delivery, logger zerolog.Logger) {
	task, args, kwargs, err := oxalis.Dispatch(r.Registry, r.Codec, delivery.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("message not consumed, rejecting with requeue")
		reason := "decode_error"
		var unknown *oxalis.UnknownTaskError
		if errors.As(err, &unknown) {
			reason = "unknown_task"
		}
		metrics.TasksRejectedTotal.WithLabelValues("amqp", reason).Inc()
		_ = delivery.Reject(true)
		return
	}

	logger = xlog.WithTask(logger, task.Name)

	amqpTask, ok := r.tasks[task.Name]
	if !ok {
		logger.Warn().Msg("task resolved but has no AMQP policy, rejecting with requeue")
		metrics.TasksRejectedTotal.WithLabelValues("amqp", "unknown_task").Inc()
		_ = delivery.Reject(true)
		return
	}

	if !amqpTask.AckLater {
		_ = delivery.Ack(false)
	}

	// kwargs is folded into the callable's trailing parameter when its
	// signature declares room for one (a map[string]any or struct);
	// tasks without such a parameter reject non-empty kwargs outright.
	values, convErr := oxalis.ConvertArgs(task, nil, args, kwargs)

	metrics.TasksDispatchedTotal.WithLabelValues("amqp", task.Name).Inc()
	poolLabel := amqpTask.PoolKey
	if poolLabel == "" {
		poolLabel = "primary"
	}
	p := r.poolFor(amqpTask.PoolKey)
	spawnErr := p.WaitSpawn(ctx, func(execCtx context.Context) error {
		metrics.PoolInFlight.WithLabelValues(poolLabel).Set(float64(p.Len()))
		defer func() { metrics.PoolInFlight.WithLabelValues(poolLabel).Set(float64(p.Len() - 1)) }()

		timer := metrics.NewTimer()
		var execErr error
		if convErr != nil {
			execErr = convErr
		} else {
			execErr = task.InvokeContext(execCtx, values)
		}
		timer.ObserveDurationVec(metrics.TaskDuration, "amqp", task.Name)
		if execErr != nil {
			logger.Error().Err(execErr).Msg("task execution failed")
			metrics.TasksFailedTotal.WithLabelValues("amqp", task.Name).Inc()
		} else {
			metrics.TasksSucceededTotal.WithLabelValues("amqp", task.Name).Inc()
		}
		r.resolveAck(amqpTask, delivery, execErr, logger)
		return execErr
	}, amqpTask.Timeout)

	if spawnErr != nil {
		logger.Warn().Err(spawnErr).Msg("pool rejected delivery, rejecting with requeue")
		metrics.TasksRejectedTotal.WithLabelValues("amqp", "pool_rejected").Inc()
		_ = delivery.Reject(true)
	}
}

// resolveAck applies the terminal-state table of spec §4.5 once
// execution has finished.
func (r *Runtime) resolveAck(t *Task, delivery amqplib.Delivery, execErr error, logger zerolog.Logger) {
	if !t.AckLater {
		return // already acked on entry
	}
	if execErr == nil {
		_ = delivery.Ack(false)
		return
	}
	switch {
	case t.Reject:
		_ = delivery.Reject(t.RejectRequeue)
	case t.AckAlways:
		_ = delivery.Ack(false)
	default:
		// no ack, no reject: delivery redelivers when the channel closes.
		logger.Warn().Err(execErr).Msg("task failed with no ack/reject policy, delivery left pending")
	}
}

// SendTask encodes and publishes one task invocation on the shared
// channel.
func (r *Runtime) SendTask(ctx context.Context, t *Task, args []any, kwargs map[string]any, opts PublishOptions) error {
	payload, err := r.Codec.Encode(t.Name, args, kwargs)
	if err != nil {
		return &oxalis.EncodeError{Cause: err}
	}

	r.mu.Lock()
	ch := r.channels[0]
	r.mu.Unlock()

	headers := amqplib.Table{}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return ch.PublishWithContext(ctx, t.Exchange.DeclaredName(), t.RoutingKey, false, false, amqplib.Publishing{
		ContentType:   "text/plain",
		Body:          payload,
		Headers:       headers,
		Priority:      opts.Priority,
		MessageId:     uuid.NewString(),
		CorrelationId: opts.CorrelationID,
	})
}

// Delay is the producer-facing entry point: it publishes via SendTask,
// unless the runtime is in TestMode, in which case it converts args and
// invokes the task inline on the caller's goroutine without touching
// the transport at all (§4.3, §8 Scenario A).
func (r *Runtime) Delay(ctx context.Context, t *Task, args []any, kwargs map[string]any, opts PublishOptions) error {
	if !r.TestMode {
		return r.SendTask(ctx, t, args, kwargs, opts)
	}

	values, err := oxalis.ConvertArgs(t.Task, nil, args, kwargs)
	if err != nil {
		return err
	}
	return t.InvokeContext(ctx, values)
}

// ConsumingCount reports the number of deliveries currently being
// dispatched.
func (r *Runtime) ConsumingCount() int32 {
	return atomic.LoadInt32(&r.consuming)
}

// StopConsumers cancels every stored consumer tag on its owning
// channel so no further deliveries are accepted; in-flight ones are
// left to WaitClose.
func (r *Runtime) StopConsumers(ctx context.Context) error {
	r.mu.Lock()
	consumers := make(map[string]*amqplib.Channel, len(r.consumers))
	for tag, ch := range r.consumers {
		consumers[tag] = ch
	}
	r.mu.Unlock()

	for tag, ch := range consumers {
		if err := ch.Cancel(tag, false); err != nil {
			r.Logger.Warn().Err(err).Str("tag", tag).Msg("failed to cancel consumer")
		}
	}
	return nil
}

// WaitClose blocks until ConsumingCount drains to zero and every pool
// has drained, polling the count every 50ms until ctx is done.
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

// Disconnect closes every channel, then the connection.
func (r *Runtime) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	channels := append([]*amqplib.Channel(nil), r.channels...)
	conn := r.conn
	r.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			r.Logger.Warn().Err(err).Msg("error closing channel")
		}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
