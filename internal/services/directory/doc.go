// Package directory resolves handles to peer records.
//
// Records are cached in memory and in the local record store. A miss on
// both goes to the relay's registry. Known never touches the network, which
// is what the store-and-forward poller relies on to skip unknown senders.
package directory
