// Package rabbitmq provides the broker side of the pipeline: a guarded
// AMQP connection keeper, the resilient publisher the outbox dispatcher
// pushes through, and the consumer that decodes deliveries back into
// domain events.
package rabbitmq
