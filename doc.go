// Package oxalis is a distributed task-execution framework. Application
// code registers callable units of work ("tasks") against a Registry; a
// producer publishes task invocations onto a transport (AMQP or a
// partitioned log broker); a worker runtime consumes from that transport
// and runs the matching task under a bounded concurrency Pool.
//
// The transports live in the oxalis/amqp and oxalis/logbroker
// subpackages. Both share the Task/Registry/Dispatch/Pool machinery
// defined here.
package oxalis
