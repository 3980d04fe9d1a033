// Package amqp is the AMQP transport driver (spec §4.5): exchange and
// queue declaration, binding, publish, and a per-message ack/reject
// state machine, built on github.com/rabbitmq/amqp091-go (teacher
// lineage: iperfex-team-burrowctl/server).
package amqp

import amqplib "github.com/rabbitmq/amqp091-go"

// ExchangeNamePrefix and QueueNamePrefix are fixed literals the broker
// sees as part of the declared name (spec §6).
const (
	ExchangeNamePrefix = "oxalis_exchange_"
	QueueNamePrefix    = "oxalis_queue_"
)

// Exchange describes one AMQP exchange to declare.
type Exchange struct {
	Name              string // caller-supplied, ExchangeNamePrefix is applied automatically
	Kind              string // amqplib.ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders
	DefaultRoutingKey string
	Durable           bool
	AutoDelete        bool
	Internal          bool
	NoWait            bool
	Args              amqplib.Table
}

// DeclaredName returns the fully prefixed name as seen by the broker.
func (e Exchange) DeclaredName() string { return ExchangeNamePrefix + e.Name }

// DefaultExchange mirrors the original runtime's always-present default
// exchange/queue/binding triple.
func DefaultExchange() Exchange {
	return Exchange{
		Name:              "default",
		Kind:              amqplib.ExchangeDirect,
		DefaultRoutingKey: "default",
		Durable:           false,
		AutoDelete:        false,
	}
}

// Queue describes one AMQP queue to declare and consume.
type Queue struct {
	Name                  string // caller-supplied, QueueNamePrefix is applied automatically
	Durable               bool
	Exclusive             bool
	AutoDelete            bool
	NoWait                bool
	Args                  amqplib.Table
	ConsumerPrefetchCount int
	ConsumerPrefetchSize  int
	ConsumerGlobal        bool
}

// DeclaredName returns the fully prefixed name as seen by the broker.
func (q Queue) DeclaredName() string { return QueueNamePrefix + q.Name }

// DefaultQueue mirrors the original runtime's default queue: 4-message
// consumer prefetch, durable.
func DefaultQueue() Queue {
	return Queue{
		Name:                  "default",
		Durable:               true,
		ConsumerPrefetchCount: 4,
		ConsumerPrefetchSize:  0,
		ConsumerGlobal:        false,
	}
}

// Binding connects a queue to an exchange under a routing key.
type Binding struct {
	Queue      Queue
	Exchange   Exchange
	RoutingKey string
}
