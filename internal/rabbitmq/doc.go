// Package rabbitmq is the wire boundary between the topology layer and the
// broker client library.
//
// This package includes:
//   - Dialer, Conn, Channel: the broker operations the topology layer issues,
//     satisfied by amqp091-go and by in-memory fakes in tests
//   - AMQPDialer: dials real brokers with a per-attempt timeout
//   - Declare/Bind/Unbind/Delete helpers that wrap broker rejections in ChannelError
//   - Publish and Subscribe: fire-and-forget publishing and consume streams
//   - InterruptHook: one replaceable close-on-interrupt handler per connection
package rabbitmq
