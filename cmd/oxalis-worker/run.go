package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ductile/oxalis"
	"github.com/ductile/oxalis/amqp"
	"github.com/ductile/oxalis/codec"
	"github.com/ductile/oxalis/config"
	"github.com/ductile/oxalis/logbroker"
	"github.com/ductile/oxalis/metrics"
	"github.com/ductile/oxalis/pool"
	"github.com/ductile/oxalis/xlog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker master (or, when self-reexecuted, one worker process)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		transport, _ := cmd.Flags().GetString("transport")

		if oxalis.IsWorkerChild() {
			return runWorkerChild(cfg, transport)
		}
		return runMaster(cfg)
	},
}

func runMaster(cfg config.RuntimeConfig) error {
	master := &oxalis.Master{
		WorkerNum: cfg.WorkerNum,
		Logger:    xlog.WithComponent("runtime"),
	}
	return master.Run(context.Background())
}

func runWorkerChild(cfg config.RuntimeConfig, transport string) error {
	ctx, cancel := context.WithCancel(context.Background())
	logger := xlog.WithComponent(transport)

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr, logger)
	}

	registry := oxalis.NewRegistry()
	primaryPool := pool.New(cfg.Pool.Concurrency, cfg.Pool.Timeout)

	var rt oxalis.Runtime
	switch transport {
	case "amqp":
		amqpRuntime := amqp.NewRuntime(cfg.AMQP.URL, codec.JSON{}, registry, primaryPool, logger)
		if err := registerDemoAMQPTask(amqpRuntime); err != nil {
			return err
		}
		rt = amqpRuntime
	case "logbroker":
		lbRuntime := logbroker.NewRuntime(cfg.LogBroker.Brokers, cfg.LogBroker.GroupID, codec.JSON{}, registry, primaryPool, logger)
		if err := registerDemoLogBrokerTask(lbRuntime); err != nil {
			return err
		}
		rt = lbRuntime
	default:
		return fmt.Errorf("unknown transport %q (expected amqp or logbroker)", transport)
	}

	wp := oxalis.NewWorkerProcess(rt, oxalis.HeartbeatConfig{
		ReadyFilePath:     cfg.Heartbeat.ReadyFilePath,
		HeartbeatFilePath: cfg.Heartbeat.HeartbeatFilePath,
		Interval:          cfg.Heartbeat.Interval,
	}, logger)

	// First SIGINT/SIGTERM: graceful shutdown (cancel ctx, drain). A
	// second one, forwarded by Master on its own second signal, escalates
	// to ForceClose (§4.4 signal semantics).
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("graceful shutdown requested")
		cancel()

		sig = <-sigCh
		logger.Warn().Str("signal", sig.String()).Msg("force shutdown requested, force-closing pools, unacked deliveries may be lost")
		wp.ForceClose()
	}()

	return wp.Run(ctx)
}

// startMetricsServer serves the Prometheus handler on addr in the
// background. A listen failure is logged as a warning rather than
// aborting worker startup; metrics are an operational aid, not a
// correctness dependency.
func startMetricsServer(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	go func() {
		logger.Info().Str("addr", addr).Msg("serving /metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

func registerDemoAMQPTask(rt *amqp.Runtime) error {
	task, err := amqp.NewTask("oxalis.echo", func(message string) error {
		xlog.WithComponent("amqp").Info().Str("message", message).Msg("echo task executed")
		return nil
	}, amqp.DefaultExchange(), amqp.DefaultQueue(), "")
	if err != nil {
		return err
	}
	return rt.Register(task)
}

func registerDemoLogBrokerTask(rt *logbroker.Runtime) error {
	task := logbroker.NewTask("oxalis.echo", func(message string) error {
		xlog.WithComponent("logbroker").Info().Str("message", message).Msg("echo task executed")
		return nil
	}, logbroker.DefaultTopic, "")
	return rt.Register(task)
}
