// Package netstate tracks whether the device can reach the network and
// notifies subscribers when that changes.
package netstate
