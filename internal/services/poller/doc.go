// Package poller is the store-and-forward fallback: on a fixed interval it
// lists this account's namespaces on the relay's object store, hands each
// envelope to the inbox and deletes what it consumed.
package poller
