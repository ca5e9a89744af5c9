package types

// Identity is the public view of the local account.
type Identity struct {
	DisplayName string       `json:"display_name"`
	PublicKey   X25519Public `json:"public_key"`
	Fingerprint Fingerprint  `json:"fingerprint"`
}

// KDFParams records the argon2id cost parameters used to derive the master key,
// so an identity created with older parameters still unlocks.
type KDFParams struct {
	Name    string `json:"name"`
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
}

// IdentityRecord is what gets written to disk for the local identity. Only the
// salt and the public key are stored in the clear.
type IdentityRecord struct {
	Version           int          `json:"v"`
	KDF               KDFParams    `json:"kdf"`
	Salt              []byte       `json:"salt"`
	PublicKey         X25519Public `json:"public_key"`
	SealedKeyPair     []byte       `json:"sealed_key_pair"`
	SealedDisplayName []byte       `json:"sealed_display_name"`
}

// DerivedKeySet is everything derived from (password, salt) for one unlock session.
type DerivedKeySet struct {
	MasterKey   []byte
	IdentityKey []byte
	StorageKey  []byte
	Salt        []byte
}
