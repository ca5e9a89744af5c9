// Package relayserver implements the rendezvous service.
//
// It never sees plaintext or private keys. It keeps:
//   - an account registry (handle, public key, display name, hashed secret)
//   - session tokens issued by authenticate
//   - a session registry mapping handles to live connections and to their
//     pending queues, behind a single mutex
//   - a store-and-forward object namespace backed by badger
//
// HTTP API
//
//	POST   /api/register             create an account, returns {handle, secret}
//	POST   /api/authenticate         {handle, secret} -> session token
//	GET    /api/users/{handle}       look up one account
//	GET    /api/users?q=             search handles and display names
//	POST   /api/messages             send a message frame (HTTP fallback)
//	GET    /api/messages/pending     drain queued messages
//	PUT    /api/objects/{key...}     upload a blob
//	GET    /api/objects?prefix=      list own objects
//	GET    /api/objects/{key...}     download own object
//	DELETE /api/objects/{key...}     delete own object
//	GET    /ws                       live channel
//	GET    /metrics                  prometheus metrics
//	GET    /healthz                  liveness
//
// Every JSON response is {"success": bool, "data"|"error": ...}.
package relayserver
