// Package wire defines the relay frame protocol.
//
// Every frame is a JSON object {"type": ..., "payload": {...}} where type is
// one of auth, message, typing, ping, pong, ack, presence or error. Payloads
// are a closed set of Go types implementing Payload; Decode returns the
// concrete variant for the frame's type.
package wire
