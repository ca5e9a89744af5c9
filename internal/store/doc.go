// Package store provides file-based persistence for murmur's local data.
//
// It contains concrete implementations of the domain storage interfaces,
// serialising data as JSON on disk with atomic temp-file + rename writes.
// All methods are concurrency-safe via internal locking. Stored files live
// under the configured home directory.
//
// The package includes stores for:
//   - The sealed identity record (IdentityFileStore)
//   - Messages, contacts, settings and relay accounts (FileRecordStore),
//     each file sealed with the identity's storage key
package store
