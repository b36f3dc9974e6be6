// Package topology declares exchanges, queues and bindings on an AMQP 0-9-1
// broker and keeps them in place across connection loss.
//
// Every declare call registers the object on its Connection synchronously and
// asserts it on the broker in the background. Each object owns a readiness
// token; operations on the object wait for it, and CompleteConfiguration waits
// for all of them.
//
// When the transport closes with an error, or a publish finds its channel
// dead, the Connection reconnects and replays every registered exchange,
// queue, binding and consumer, in that order, on the new session. Handles
// returned by earlier declare calls keep working: their per-session state is
// swapped underneath them.
//
// Content encoding: strings and byte slices are published as raw bytes with
// no content type. Any other value is JSON encoded and tagged
// "application/json", and consumers decode such bodies back into Message.Content.
package topology
