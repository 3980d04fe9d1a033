// Package logbroker is the log-broker transport driver (spec §4.6):
// topic-based publish and consumer-group-based consume with manual
// offset commit, built on github.com/segmentio/kafka-go (pack lineage:
// manifest go.mod files for Naman30903-Parsec, vasic-digital-SuperAgent,
// rcmukkamala-weather-server all carry this dependency for the same
// concern).
package logbroker

import "github.com/ductile/oxalis"

// Task is a log-broker-bound task descriptor: a name and callable
// (embedded oxalis.Task) plus the topic it is delivered on.
type Task struct {
	*oxalis.Task

	Topic string
}

// NewTask constructs a log-broker task descriptor. poolKey groups
// consumer activity: every task sharing a poolKey is served by one
// consumer subscribed to the union of their topics (spec §4.6).
func NewTask(name string, fn oxalis.Func, topic string, poolKey string) *Task {
	return &Task{
		Task:  oxalis.NewTask(name, fn, oxalis.Sync, 0, poolKey),
		Topic: topic,
	}
}
