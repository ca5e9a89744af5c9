// Package delivery sends outgoing messages and tracks their state.
//
// A send goes through a fixed chain of routes: the live channel when it is
// authenticated, then the HTTP fallback, then an upload to the
// store-and-forward namespace. While the device is offline messages are
// kept on a pending list and sent in order once connectivity returns.
//
// States only move forward: sending, sent, delivered, read. A message is
// failed only when every route returned a hard error; being queued is not
// a failure.
package delivery
