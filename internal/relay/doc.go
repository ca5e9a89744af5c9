// Package relay provides the client side of the relay service.
//
// HTTP implements domain.RelayAPI and domain.ObjectClient: account
// registration and authentication, handle lookup and search, the HTTP
// message fallback, draining of queued messages, and the store-and-forward
// object namespace. Responses arrive wrapped as {success, data|error}; error
// codes are mapped back to domain errors so callers can use errors.Is.
//
// Channel implements domain.LiveChannel over a websocket. It authenticates
// with a session token, waits for the relay's ack on each send, forwards
// delivery receipts, and owns its reconnect timer so Close leaves nothing
// running behind it.
package relay
