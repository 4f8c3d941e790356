// Package rabbitmq keeps a RabbitMQ client usable across broker outages.
//
// This package includes:
//   - ConnectionLoop: Owns the single connection, redials on loss and
//     notifies established/shutdown observers
//   - ConsumerRegistry: Holds consumer definitions and rebuilds their
//     consumers on every reconnect
//   - SubscriptionConsumer: Pushes deliveries to a handler under manual ack
//   - ResponseConsumer: Streams replies from a private reply queue
//   - BrokerHelper: Queue declare, publish, batch pull and request/response
//
// No operation waits for a connection. Without one they fail with
// ErrNotConnected and make no broker call.
package rabbitmq
