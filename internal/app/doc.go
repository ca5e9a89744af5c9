// Package app loads configuration and wires the client together.
//
// Runtime owns the stores, the relay clients and the services for one home
// directory. Unlock authenticates with the relay and starts the live
// channel, the store-and-forward poller and the delivery coordinator; Lock
// tears them down from an identity lock hook, while the keys still exist,
// and clears every cache that holds key material or plaintext.
//
// Config is read from YAML, then overridden by MURMUR_* environment
// variables, then by command-line flags.
package app
