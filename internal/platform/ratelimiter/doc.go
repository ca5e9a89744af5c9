// Package ratelimiter provides per-key token buckets used by the relay to
// throttle message sends per handle and account calls per remote address.
package ratelimiter
