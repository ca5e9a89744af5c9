// Package envelope encodes the structured plaintext sealed inside every
// envelope and builds the variants used for messages, typing indicators and
// read receipts.
package envelope
