// Package rabbitmq delivers chat messages to a RabbitMQ topic exchange.
//
// Sender implements messaging.Sender: every Send publishes one JSON
// contracts.Envelope and waits for the broker's publisher confirm, so a
// nil error means the broker has taken responsibility for the message.
package rabbitmq
