package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"sort"
	"sync"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

const (
	recordsDir   = "records"
	messagesDir  = "messages"
	contactsFile = "contacts.rec"
	settingsFile = "settings.rec"
	accountsFile = "accounts.rec"
)

// FileRecordStore is the encrypted local record store. Every file is sealed
// with the storage key of the unlocked identity; while locked every method
// fails with domain.ErrNotAuthenticated.
//
// Layout under dir/records:
//   - contacts.rec            map[handle]PeerRecord
//   - settings.rec            map[key]value
//   - accounts.rec            map[serverURL]AccountProfile
//   - messages/<conv>.rec     []StoredMessage, one file per conversation
type FileRecordStore struct {
	dir  string
	keys domain.StorageKeySource
	mu   sync.Mutex
}

// NewFileRecordStore returns a record store rooted at dir that asks keys for
// the storage key on every operation.
func NewFileRecordStore(dir string, keys domain.StorageKeySource) *FileRecordStore {
	return &FileRecordStore{dir: filepath.Join(dir, recordsDir), keys: keys}
}

// ---------- Messages ----------

// SaveMessage inserts msg or replaces the stored message with the same id.
func (s *FileRecordStore) SaveMessage(msg domain.StoredMessage) error {
	return s.update(conversationFile(msg.ConversationID), func(key []byte, path, name string) error {
		var msgs []domain.StoredMessage
		if _, err := readSealed(path, name, key, &msgs); err != nil {
			return err
		}
		replaced := false
		for i := range msgs {
			if msgs[i].ID == msg.ID {
				msgs[i] = msg
				replaced = true
				break
			}
		}
		if !replaced {
			msgs = append(msgs, msg)
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
		return writeSealed(path, name, key, msgs)
	})
}

// Messages returns the conversation in timestamp order.
func (s *FileRecordStore) Messages(conv domain.ConversationID) ([]domain.StoredMessage, error) {
	var msgs []domain.StoredMessage
	err := s.update(conversationFile(conv), func(key []byte, path, name string) error {
		_, err := readSealed(path, name, key, &msgs)
		return err
	})
	return msgs, err
}

// ---------- Contacts ----------

// SaveContact stores or updates peer.
func (s *FileRecordStore) SaveContact(peer domain.PeerRecord) error {
	return s.update(contactsFile, func(key []byte, path, name string) error {
		contacts := make(map[domain.Handle]domain.PeerRecord)
		if _, err := readSealed(path, name, key, &contacts); err != nil {
			return err
		}
		contacts[peer.Handle] = peer
		return writeSealed(path, name, key, contacts)
	})
}

// GetContact looks a contact up by handle.
func (s *FileRecordStore) GetContact(handle domain.Handle) (domain.PeerRecord, bool, error) {
	contacts, err := s.contacts()
	if err != nil {
		return domain.PeerRecord{}, false, err
	}
	p, ok := contacts[handle]
	return p, ok, nil
}

// Contacts returns every contact ordered by handle.
func (s *FileRecordStore) Contacts() ([]domain.PeerRecord, error) {
	contacts, err := s.contacts()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PeerRecord, 0, len(contacts))
	for _, p := range contacts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (s *FileRecordStore) contacts() (map[domain.Handle]domain.PeerRecord, error) {
	contacts := make(map[domain.Handle]domain.PeerRecord)
	err := s.update(contactsFile, func(key []byte, path, name string) error {
		_, err := readSealed(path, name, key, &contacts)
		return err
	})
	return contacts, err
}

// ---------- Settings ----------

// SaveSetting stores value under key.
func (s *FileRecordStore) SaveSetting(key, value string) error {
	return s.update(settingsFile, func(sk []byte, path, name string) error {
		settings := make(map[string]string)
		if _, err := readSealed(path, name, sk, &settings); err != nil {
			return err
		}
		settings[key] = value
		return writeSealed(path, name, sk, settings)
	})
}

// GetSetting returns the value stored under key.
func (s *FileRecordStore) GetSetting(key string) (string, bool, error) {
	settings := make(map[string]string)
	err := s.update(settingsFile, func(sk []byte, path, name string) error {
		_, err := readSealed(path, name, sk, &settings)
		return err
	})
	if err != nil {
		return "", false, err
	}
	v, ok := settings[key]
	return v, ok, nil
}

// ---------- Accounts ----------

// SaveAccountProfile stores or updates the profile for its server.
func (s *FileRecordStore) SaveAccountProfile(profile domain.AccountProfile) error {
	return s.update(accountsFile, func(key []byte, path, name string) error {
		profiles := make(map[string]domain.AccountProfile)
		if _, err := readSealed(path, name, key, &profiles); err != nil {
			return err
		}
		profiles[profile.ServerURL] = profile
		return writeSealed(path, name, key, profiles)
	})
}

// LoadAccountProfile retrieves the profile registered on serverURL.
func (s *FileRecordStore) LoadAccountProfile(serverURL string) (domain.AccountProfile, bool, error) {
	profiles := make(map[string]domain.AccountProfile)
	err := s.update(accountsFile, func(key []byte, path, name string) error {
		_, err := readSealed(path, name, key, &profiles)
		return err
	})
	if err != nil {
		return domain.AccountProfile{}, false, err
	}
	p, ok := profiles[serverURL]
	return p, ok, nil
}

// ---------- helpers ----------

// update runs fn with the storage key and the file's path under the store lock.
func (s *FileRecordStore) update(name string, fn func(key []byte, path, name string) error) error {
	key, err := s.keys.StorageKey()
	if err != nil {
		if errors.Is(err, domain.ErrNotAuthenticated) {
			return errLocked
		}
		return err
	}
	defer crypto.Wipe(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(key, filepath.Join(s.dir, filepath.FromSlash(name)), name)
}

// conversationFile hashes the id so peer-controlled strings never reach the
// filesystem.
func conversationFile(conv domain.ConversationID) string {
	sum := sha256.Sum256([]byte(conv))
	return messagesDir + "/" + hex.EncodeToString(sum[:12]) + ".rec"
}

// Compile-time assertions that FileRecordStore implements the domain stores.
var (
	_ domain.RecordStore  = (*FileRecordStore)(nil)
	_ domain.AccountStore = (*FileRecordStore)(nil)
)
