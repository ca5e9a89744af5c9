package interfaces

import domaintypes "murmur/internal/domain/types"

// IdentityStore persists the sealed identity record.
type IdentityStore interface {
	SaveIdentityRecord(rec domaintypes.IdentityRecord) error
	// LoadIdentityRecord reports ok=false when no identity exists yet.
	LoadIdentityRecord() (rec domaintypes.IdentityRecord, ok bool, err error)
}

// RecordStore is the encrypted local persistence sink for messages,
// contacts and settings.
type RecordStore interface {
	SaveMessage(msg domaintypes.StoredMessage) error
	Messages(conv domaintypes.ConversationID) ([]domaintypes.StoredMessage, error)
	SaveContact(peer domaintypes.PeerRecord) error
	GetContact(handle domaintypes.Handle) (domaintypes.PeerRecord, bool, error)
	Contacts() ([]domaintypes.PeerRecord, error)
	SaveSetting(key, value string) error
	GetSetting(key string) (string, bool, error)
}

// AccountStore persists per-relay account profiles.
type AccountStore interface {
	SaveAccountProfile(profile domaintypes.AccountProfile) error
	LoadAccountProfile(serverURL string) (domaintypes.AccountProfile, bool, error)
}

// StorageKeySource hands out the key local records are sealed with.
// It fails with ErrNotAuthenticated while the identity is locked.
type StorageKeySource interface {
	StorageKey() ([]byte, error)
}
