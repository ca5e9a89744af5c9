// Package session provides the SessionKeyProvider used to seal and open
// envelopes. The Static provider derives one shared secret per peer pair
// from the long-term X25519 keys and caches it until Forget or Reset.
package session
