// Package xlog configures the zerolog logger shared by the oxalis
// packages that log: the master process and each transport driver
// take a child logger tagged with a component name, then layer on
// worker/pool/task fields as a delivery moves from consumer loop to
// dispatch to invocation.
package xlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-global base logger. Init must be called once,
// before any component logger is derived from it.
var Logger zerolog.Logger

// Level is a logging verbosity setting.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the global Logger from cfg. With JSONOutput unset, log
// lines render through zerolog.ConsoleWriter for local development.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent derives a component-tagged logger from the global
// Logger. It is the root of every child logger below: the master
// process, each forked worker, and each transport driver starts here
// before layering on worker/pool/task fields as the call stack
// descends into a specific delivery.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorker layers a forked worker process index onto base, which is
// normally a WithComponent("runtime") logger held by the Master. Every
// log line about that process's lifecycle (start, exit, forced close)
// should carry this field so a multi-worker deployment's log stream
// can be filtered down to one process.
func WithWorker(base zerolog.Logger, index int) zerolog.Logger {
	return base.With().Int("worker", index).Logger()
}

// WithPool layers a pool key (the queue name, topic+partition-group,
// or other per-consumer-activity label a transport driver binds one
// pool.Pool to) onto base. Both transport drivers derive one of these
// per RunConsumers activity so that a task's logs can be traced back
// to the bounded-concurrency pool that admitted it.
func WithPool(base zerolog.Logger, key string) zerolog.Logger {
	return base.With().Str("pool", key).Logger()
}

// WithTask layers the task name currently being dispatched onto base.
// Drivers call this once Dispatch has resolved a task, so the field
// is absent from the decode-error/unknown-task log lines that precede
// resolution and present on every line from invocation through
// ack/reject or commit.
func WithTask(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("task", name).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
