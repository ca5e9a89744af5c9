// Package main runs the murmur relay: the rendezvous server clients use to
// find each other, exchange encrypted envelopes and park them while the
// recipient is offline. It never sees plaintext or private keys.
//
// HTTP API
//
//	POST   /api/register            create an account, returns handle and secret
//	POST   /api/authenticate        exchange handle and secret for a session token
//	GET    /api/users/{handle}      public record of one account
//	GET    /api/users?q=            search by handle prefix or display name
//	POST   /api/messages            send an envelope (HTTP fallback)
//	GET    /api/messages/pending    drain envelopes queued for the caller
//	PUT    /api/objects/{key...}    store-and-forward upload
//	GET    /api/objects?prefix=     list the caller's objects
//	GET    /api/objects/{key...}    download one object
//	DELETE /api/objects/{key...}    remove one object
//	GET    /ws                      live channel (websocket)
//	GET    /metrics                 prometheus metrics
//	GET    /healthz                 liveness
//
// Behaviour
//
//   - Accounts and store-and-forward objects live in badger under --data-dir.
//     Without it they are held in memory and lost on exit. Session tokens are
//     always in memory, so a restart logs everyone out.
//   - Envelopes for an offline account are queued in memory and flushed in
//     order when it connects again.
//   - Responses use the {success, data, error} envelope.
//   - Settings come from the relay section of --config, then MURMUR_LISTEN,
//     MURMUR_DATA_DIR and MURMUR_MAX_PENDING, then flags.
package main
