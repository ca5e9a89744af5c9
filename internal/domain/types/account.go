package types

import "time"

// AccountProfile identifies a murmur account on a specific relay server.
// Secret is the credential exchanged for session tokens; it is only ever
// persisted through the sealed record store.
type AccountProfile struct {
	ServerURL string `json:"server_url"`
	Handle    Handle `json:"handle"`
	Secret    string `json:"secret"`
}

// PeerRecord is the cached view of another account.
type PeerRecord struct {
	Handle      Handle       `json:"handle"`
	PublicKey   X25519Public `json:"public_key"`
	DisplayName string       `json:"display_name"`
	LastSeen    time.Time    `json:"last_seen"`
	Online      bool         `json:"online"`
}

// Registration is the request body for creating an account on the relay.
type Registration struct {
	Handle      Handle       `json:"handle,omitempty"`
	PublicKey   X25519Public `json:"public_key"`
	DisplayName string       `json:"display_name"`
}

// RegistrationResult is returned once the relay accepted a Registration.
type RegistrationResult struct {
	Handle Handle `json:"handle"`
	Secret string `json:"secret"`
}

// Credentials authenticate an account against the relay.
type Credentials struct {
	Handle Handle `json:"handle"`
	Secret string `json:"secret"`
}

// Session is a relay session token and when it stops being accepted.
type Session struct {
	Handle    Handle    `json:"handle"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
