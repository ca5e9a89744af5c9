package store

import (
	"path/filepath"
	"sync"

	"murmur/internal/domain"
)

const idFilename = "identity.json"

// IdentityFileStore persists the sealed identity record to disk. The record
// is already encrypted by the identity manager; only the salt, KDF
// parameters and public key are readable.
type IdentityFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir}
}

// SaveIdentityRecord writes rec with owner-only permissions.
func (s *IdentityFileStore) SaveIdentityRecord(rec domain.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, idFilename), rec, 0o600)
}

// LoadIdentityRecord reads the record; ok is false when none exists.
func (s *IdentityFileStore) LoadIdentityRecord() (domain.IdentityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec domain.IdentityRecord
	ok, err := readJSON(filepath.Join(s.dir, idFilename), &rec)
	if err != nil || !ok {
		return domain.IdentityRecord{}, false, err
	}
	return rec, true, nil
}

// Compile-time assertion that IdentityFileStore implements domain.IdentityStore.
var _ domain.IdentityStore = (*IdentityFileStore)(nil)
